package deliver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSVersion identifies the ack protocol a connected bridge speaks,
// negotiated from the X-Mautrix-Websocket-Version handshake header
// (spec §4.E, "Protocol versions").
type WSVersion int

const (
	// WSVersionFireAndForget (v1): the server pushes transaction
	// frames and never waits for an ack.
	WSVersionFireAndForget WSVersion = 1
	// WSVersionNoDedupe (v2): client acknowledges, but coalesced
	// retries are unsafe since it cannot dedupe by txn_id.
	WSVersionNoDedupe WSVersion = 2
	// WSVersionDedupe (v3+): client acknowledges and handles duplicate
	// txn_id idempotently, enabling retry-on-timeout.
	WSVersionDedupe WSVersion = 3
)

// ErrRequestTimeout is returned by Conn.Request when no response frame
// arrives before the deadline.
var ErrRequestTimeout = errors.New("deliver: no response before timeout")

// Frame is the wire shape of every message on the fi.mau.as_sync
// connection: a command name, an optional request id correlating a
// response to its request, an optional status, and an opaque data
// payload. The "transaction" push additionally inlines the envelope
// fields at the top level (spec §4.E, "send one transaction frame
// carrying {status: ok, txn_id, …envelope…}"), so Data is left nil and
// the caller marshals the envelope directly.
type Frame struct {
	Command string          `json:"command"`
	ID      int64           `json:"id,omitempty"`
	Status  string          `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Conn wraps one live bridge websocket connection. Writes are
// serialized through writeMu (mirroring the teacher's
// appservice.wsWriteLock); reads happen on a single goroutine that
// calls HandleFrame for every received frame.
type Conn struct {
	WS        *websocket.Conn
	Version   WSVersion
	ProcessID string

	writeMu sync.Mutex

	timeouts int32 // atomic; consecutive ack timeouts on this connection

	lastMsgMu sync.Mutex
	lastMsgAt time.Time

	reqMu     sync.Mutex
	nextReqID int64
	pending   map[int64]chan Frame

	closed int32 // atomic bool
}

func NewConn(ws *websocket.Conn, version WSVersion, processID string) *Conn {
	return &Conn{
		WS:        ws,
		Version:   version,
		ProcessID: processID,
		lastMsgAt: time.Now(),
		pending:   make(map[int64]chan Frame),
	}
}

// Timeouts returns the number of consecutive ack timeouts observed.
func (c *Conn) Timeouts() int32 { return atomic.LoadInt32(&c.timeouts) }

func (c *Conn) ResetTimeouts() { atomic.StoreInt32(&c.timeouts, 0) }

func (c *Conn) IncrementTimeouts() int32 { return atomic.AddInt32(&c.timeouts, 1) }

// MarkMessageReceived records that a frame (of any kind) just arrived,
// used by the Wakeup Pusher's gate (spec §4.F).
func (c *Conn) MarkMessageReceived() {
	c.lastMsgMu.Lock()
	c.lastMsgAt = time.Now()
	c.lastMsgMu.Unlock()
}

func (c *Conn) LastMessageAt() time.Time {
	c.lastMsgMu.Lock()
	defer c.lastMsgMu.Unlock()
	return c.lastMsgAt
}

func (c *Conn) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.WS.WriteJSON(f)
}

// WriteRaw sends an arbitrary JSON value (used for the transaction
// push, whose envelope fields are inlined rather than nested under
// Frame.Data).
func (c *Conn) WriteRaw(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.WS.WriteJSON(v)
}

// registerWaiter allocates a fresh correlation id and a channel that
// Resolve will deliver the matching response frame to.
func (c *Conn) registerWaiter() (int64, chan Frame) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	c.nextReqID++
	id := c.nextReqID
	ch := make(chan Frame, 1)
	c.pending[id] = ch
	return id, ch
}

func (c *Conn) unregisterWaiter(id int64) {
	c.reqMu.Lock()
	delete(c.pending, id)
	c.reqMu.Unlock()
}

func (c *Conn) awaitWaiter(ctx context.Context, id int64, ch chan Frame, timeout time.Duration) (Frame, error) {
	defer c.unregisterWaiter(id)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return Frame{}, ErrRequestTimeout
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

// Request sends a command frame and blocks for its correlated
// response, up to timeout or ctx cancellation.
func (c *Conn) Request(ctx context.Context, command string, data interface{}, timeout time.Duration) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}

	id, ch := c.registerWaiter()
	if err := c.writeFrame(Frame{Command: command, ID: id, Data: raw}); err != nil {
		c.unregisterWaiter(id)
		return Frame{}, err
	}
	return c.awaitWaiter(ctx, id, ch, timeout)
}

// SendTransaction writes fields as a top-level JSON object (the
// envelope's wire fields, per spec §4.E: "{status: ok, txn_id,
// …envelope…}"), tagging it with a command discriminator and a fresh
// correlation id, then blocks for the matching ack.
func (c *Conn) SendTransaction(ctx context.Context, fields map[string]json.RawMessage, timeout time.Duration) (Frame, error) {
	id, ch := c.registerWaiter()
	fields["command"] = json.RawMessage(`"transaction"`)
	idJSON, _ := json.Marshal(id)
	fields["id"] = json.RawMessage(idJSON)
	if err := c.WriteRaw(fields); err != nil {
		c.unregisterWaiter(id)
		return Frame{}, err
	}
	return c.awaitWaiter(ctx, id, ch, timeout)
}

// SendTransactionNoWait writes fields as a fire-and-forget transaction
// frame (v1, spec §4.E "Protocol versions"): no correlation id, no ack
// wait.
func (c *Conn) SendTransactionNoWait(fields map[string]json.RawMessage) error {
	fields["command"] = json.RawMessage(`"transaction"`)
	return c.WriteRaw(fields)
}

// Resolve delivers a response frame to whichever Request call is
// waiting on its id, if any. Called from the connection's read loop.
func (c *Conn) Resolve(f Frame) bool {
	c.reqMu.Lock()
	ch, ok := c.pending[f.ID]
	c.reqMu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

// Close sends a close frame with the given status code and reason and
// tears down the underlying connection. Safe to call more than once.
func (c *Conn) Close(code int, reason string) error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.WS.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	c.writeMu.Unlock()
	return c.WS.Close()
}

func (c *Conn) IsClosed() bool { return atomic.LoadInt32(&c.closed) != 0 }
