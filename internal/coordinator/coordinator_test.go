package coordinator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-asmux/internal/coordinator"
	"maunium.net/go/mautrix-asmux/internal/deliver"
	"maunium.net/go/mautrix-asmux/internal/pubsub"
)

func TestBroadcastClosePublishesAppserviceID(t *testing.T) {
	bus := pubsub.NewFake()
	sub := bus.Subscribe(context.Background(), coordinator.CloseChannel)

	c := coordinator.New(bus, deliver.NewTable(), zerolog.Nop())
	id := uuid.New()
	c.BroadcastClose(context.Background(), id)

	channel, payload, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coordinator.CloseChannel, channel)
	assert.Equal(t, id.String(), payload)
}

// dialServerConn upgrades one real in-process websocket connection and
// returns both ends, so the coordinator's close path can be exercised
// against a genuine *websocket.Conn rather than a zero-value stand-in.
func dialServerConn(t *testing.T) (*deliver.Conn, *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- ws
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ws := <-serverConnCh
	return deliver.NewConn(ws, deliver.WSVersionDedupe, "proc-1"), client
}

func TestRunClosesLocalConnectionOnCloseRequest(t *testing.T) {
	table := deliver.NewTable()
	id := uuid.New()
	conn, client := dialServerConn(t)
	table.Install(id, conn)

	bus := pubsub.NewFake()
	c := coordinator.New(bus, table, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Publish repeatedly until Run has subscribed (the fake bus only
	// fans out to subscriptions that exist at publish time).
	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), coordinator.CloseChannel, id.String())
		return true
	}, 200*time.Millisecond, 5*time.Millisecond)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %v", err)
	assert.Equal(t, deliver.CloseCodeReplaced, closeErr.Code)
	assert.True(t, conn.IsClosed())
}

func TestRunIgnoresMalformedPayload(t *testing.T) {
	table := deliver.NewTable()
	bus := pubsub.NewFake()
	c := coordinator.New(bus, table, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), coordinator.CloseChannel, "not-a-uuid")
		return true
	}, 200*time.Millisecond, 5*time.Millisecond)

	// No panic, no crash; Stop still works cleanly afterward.
	time.Sleep(50 * time.Millisecond)
	c.Stop()
}
