package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-asmux/internal/events"
)

func pdu(sender string, ts int64) events.JSON {
	return events.JSON(`{"type":"m.room.message","sender":"` + sender + `","origin_server_ts":` + itoa(ts) + `}`)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestSerializeOmitsEmptyFields(t *testing.T) {
	e := events.New("txn1")
	data, err := e.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, `{"events":[],"txn_id":"txn1","status":"ok"}`, string(data))
}

func TestSerializeIncludesNonEmptyFields(t *testing.T) {
	e := events.New("txn1")
	e.AppendPDU(pdu("@acme:example.com", 1000), "m.room.message")
	e.AppendEDU(events.JSON(`{"type":"m.typing"}`), "m.typing")
	e.SetOTKCount("@acme_telegram_bot:example.com", events.JSON(`{"signed_curve25519":5}`))
	e.DeviceLists.Changed = []string{"@acme_telegram_1:example.com"}
	data, err := e.Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"events":[{"type":"m.room.message","sender":"@acme:example.com","origin_server_ts":1000}],
		"ephemeral":[{"type":"m.typing"}],
		"one_time_keys_count":{"@acme_telegram_bot:example.com":{"signed_curve25519":5}},
		"device_lists":{"changed":["@acme_telegram_1:example.com"]},
		"txn_id":"txn1",
		"status":"ok"
	}`, string(data))
}

func TestDeserializeRoundTrip(t *testing.T) {
	e := events.New("txn1")
	e.AppendPDU(pdu("@acme:example.com", 1000), "m.room.message")
	data, err := e.Serialize()
	require.NoError(t, err)

	back, err := events.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, "txn1", back.TxnID)
	require.Len(t, back.PDU, 1)
	assert.Equal(t, []string{"m.room.message"}, back.Types)
}

func TestMergeCommutativityOfLengths(t *testing.T) {
	a := events.New("t1")
	a.AppendPDU(pdu("@a:x", 1), "m.room.message")
	a.AppendEDU(events.JSON(`{"type":"m.typing"}`), "m.typing")

	b := events.New("t2")
	b.AppendPDU(pdu("@b:x", 2), "m.room.message")
	b.AppendPDU(pdu("@c:x", 3), "m.room.message")

	combined := events.New("")
	combined.Merge(a)
	combined.Merge(b)

	assert.Equal(t, "t1,t2", combined.TxnID)
	assert.Len(t, combined.PDU, 3)
	assert.Len(t, combined.EDU, 1)
	assert.Len(t, combined.Types, 4)
}

func TestMergeOTKLaterWins(t *testing.T) {
	a := events.New("t1")
	a.SetOTKCount("@ghost:x", events.JSON(`{"signed_curve25519":1}`))
	b := events.New("t2")
	b.SetOTKCount("@ghost:x", events.JSON(`{"signed_curve25519":2}`))

	combined := events.New("")
	combined.Merge(a)
	combined.Merge(b)

	assert.JSONEq(t, `{"signed_curve25519":2}`, string(combined.OTKCount["@ghost:x"]))
}

func TestPopExpiredPDUEvictsOldNonOwnerEvents(t *testing.T) {
	now := time.UnixMilli(1_000_000_000)
	owner := "@acme:example.com"

	e := events.New("txn")
	stale := pdu("@other:example.com", now.Add(-4*time.Minute).UnixMilli())
	fresh := pdu("@other:example.com", now.Add(-1*time.Minute).UnixMilli())
	ownerStale := pdu(owner, now.Add(-4*time.Minute).UnixMilli())
	e.AppendPDU(stale, "m.room.message")
	e.AppendPDU(fresh, "m.room.message")
	e.AppendPDU(ownerStale, "m.room.message")

	expired := e.PopExpiredPDU(owner, now)

	require.Len(t, expired, 1)
	assert.Equal(t, stale, expired[0])
	require.Len(t, e.PDU, 2)
	assert.Equal(t, fresh, e.PDU[0])
	assert.Equal(t, ownerStale, e.PDU[1])
}

func TestIsEmpty(t *testing.T) {
	e := events.New("txn")
	assert.True(t, e.IsEmpty())
	e.AppendEDU(events.JSON(`{}`), "")
	assert.False(t, e.IsEmpty())
}
