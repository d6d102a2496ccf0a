package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-asmux/internal/events"
	"maunium.net/go/mautrix-asmux/internal/queue"
)

func pdu(sender string, ts int64) events.JSON {
	return events.JSON(`{"type":"m.room.message","sender":"` + sender + `","origin_server_ts":` + itoa(ts) + `}`)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestPushThenNextPreservesOrder(t *testing.T) {
	stream := queue.NewFakeStream()
	q := queue.New(stream, uuid.New(), "@owner:example.com")
	ctx := context.Background()

	txn1 := events.New("a")
	txn1.AppendPDU(pdu("@ghost1:example.com", time.Now().UnixMilli()), "m.room.message")
	txn2 := events.New("b")
	txn2.AppendPDU(pdu("@ghost2:example.com", time.Now().UnixMilli()), "m.room.message")

	_, err := q.Push(ctx, txn1)
	require.NoError(t, err)
	_, err = q.Push(ctx, txn2)
	require.NoError(t, err)

	borrowed, err := q.Next(ctx)
	require.NoError(t, err)
	require.False(t, borrowed.IsEmpty())
	assert.Equal(t, "a,b", borrowed.Events().TxnID)
	assert.Len(t, borrowed.Events().PDU, 2)
}

func TestAbandonedBorrowLeavesEntriesForRetry(t *testing.T) {
	stream := queue.NewFakeStream()
	q := queue.New(stream, uuid.New(), "@owner:example.com")
	ctx := context.Background()

	txn := events.New("a")
	txn.AppendPDU(pdu("@ghost1:example.com", time.Now().UnixMilli()), "m.room.message")
	_, err := q.Push(ctx, txn)
	require.NoError(t, err)

	borrowed, err := q.Next(ctx)
	require.NoError(t, err)
	require.False(t, borrowed.IsEmpty())
	// Simulate a crash: never call Commit.

	again, err := q.Next(ctx)
	require.NoError(t, err)
	assert.False(t, again.IsEmpty())
	assert.Equal(t, "a", again.Events().TxnID)
}

func TestCommitRemovesEntriesFromStream(t *testing.T) {
	stream := queue.NewFakeStream()
	q := queue.New(stream, uuid.New(), "@owner:example.com")
	ctx := context.Background()

	txn := events.New("a")
	txn.AppendPDU(pdu("@ghost1:example.com", time.Now().UnixMilli()), "m.room.message")
	_, err := q.Push(ctx, txn)
	require.NoError(t, err)

	borrowed, err := q.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, borrowed.Commit(ctx))

	has, err := q.ContainsPDUs(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestStalePDUFromGhostIsEvictedButOwnerTrafficIsKept(t *testing.T) {
	stream := queue.NewFakeStream()
	owner := "@owner:example.com"
	q := queue.New(stream, uuid.New(), owner)
	ctx := context.Background()

	old := time.Now().Add(-5 * time.Minute).UnixMilli()
	txn := events.New("a")
	txn.AppendPDU(pdu("@ghost1:example.com", old), "m.room.message")
	txn.AppendPDU(pdu(owner, old), "m.room.message")
	_, err := q.Push(ctx, txn)
	require.NoError(t, err)

	borrowed, err := q.Next(ctx)
	require.NoError(t, err)
	require.False(t, borrowed.IsEmpty())
	assert.Len(t, borrowed.Events().PDU, 1)
	assert.Len(t, borrowed.Expired(), 1)
}

func TestEmptyAfterEvictionAutoCommits(t *testing.T) {
	stream := queue.NewFakeStream()
	owner := "@owner:example.com"
	q := queue.New(stream, uuid.New(), owner)
	ctx := context.Background()

	old := time.Now().Add(-5 * time.Minute).UnixMilli()
	txn := events.New("a")
	txn.AppendPDU(pdu("@ghost1:example.com", old), "m.room.message")
	_, err := q.Push(ctx, txn)
	require.NoError(t, err)

	borrowed, err := q.Next(ctx)
	require.NoError(t, err)
	assert.True(t, borrowed.IsEmpty())

	has, err := q.ContainsPDUs(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestContainsPDUsDoesNotMutateStream(t *testing.T) {
	stream := queue.NewFakeStream()
	q := queue.New(stream, uuid.New(), "@owner:example.com")
	ctx := context.Background()

	txn := events.New("a")
	txn.AppendPDU(pdu("@ghost1:example.com", time.Now().UnixMilli()), "m.room.message")
	_, err := q.Push(ctx, txn)
	require.NoError(t, err)

	has, err := q.ContainsPDUs(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	borrowed, err := q.Next(ctx)
	require.NoError(t, err)
	assert.False(t, borrowed.IsEmpty())
}
