package status_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/events"
	"maunium.net/go/mautrix-asmux/internal/status"
)

func newAppservice(addr string) *database.Appservice {
	return &database.Appservice{ID: uuid.New(), Owner: "acme", Prefix: "telegram", ASToken: "astok"}
}

func TestSendBridgeStatusSubstitutesOwnerAndPrefix(t *testing.T) {
	var gotPath string
	var gotAuth string
	var gotBody map[string]json.RawMessage

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	az := newAppservice(srv.URL)
	r := status.New(srv.Client(), "", srv.URL+"/status/{owner}/{prefix}", zerolog.Nop())
	r.SendBridgeStatus(context.Background(), az, `{"stateEvent":"RUNNING"}`)

	assert.Equal(t, "/status/acme/telegram", gotPath)
	assert.Equal(t, "Bearer "+az.RealASToken(), gotAuth)
	require.Contains(t, gotBody, "stateEvent")
}

func TestSendRemoteStatusUsesRealASTokenBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	az := newAppservice(srv.URL)
	r := status.New(srv.Client(), srv.URL+"/remote/{owner}/{prefix}", "", zerolog.Nop())
	r.SendRemoteStatus(context.Background(), az, json.RawMessage(`{"ok":true}`))

	assert.Equal(t, "Bearer "+az.RealASToken(), gotAuth)
}

func TestReportExpiredPDUSendsTimeoutCheckpoints(t *testing.T) {
	var gotBody struct {
		Checkpoints []status.Checkpoint `json:"checkpoints"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	az := newAppservice(srv.URL)
	r := status.New(srv.Client(), "", srv.URL+"/status/{owner}/{prefix}", zerolog.Nop())

	expired := []events.JSON{
		events.JSON(`{"type":"m.room.message","room_id":"!r:example.com","event_id":"$a"}`),
	}
	r.ReportExpiredPDU(context.Background(), az, expired)

	require.Len(t, gotBody.Checkpoints, 1)
	cp := gotBody.Checkpoints[0]
	assert.Equal(t, "$a", cp.EventID)
	assert.Equal(t, "!r:example.com", cp.RoomID)
	assert.Equal(t, status.StatusTimeout, cp.Status)
	assert.Equal(t, status.StepBridge, cp.Step)
	assert.Equal(t, status.ReportedByASMUX, cp.ReportedBy)
	assert.Equal(t, status.InfoDroppedEvent, cp.Info)
}

func TestReportExpiredPDUWithNoneIsNoOp(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	az := newAppservice(srv.URL)
	r := status.New(srv.Client(), "", srv.URL+"/status/{owner}/{prefix}", zerolog.Nop())
	r.ReportExpiredPDU(context.Background(), az, nil)

	assert.False(t, called)
}

func TestEmptyTemplateSkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	az := newAppservice(srv.URL)
	r := status.New(srv.Client(), "", "", zerolog.Nop())
	r.SendBridgeStatus(context.Background(), az, `{}`)

	assert.False(t, called)
}
