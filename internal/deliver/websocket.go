package deliver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/events"
	"maunium.net/go/mautrix-asmux/internal/queue"
	"maunium.net/go/mautrix-asmux/internal/status"
)

// Timeouts for the queue consumer loop (spec §4.E, "Queue consumer
// loop").
const (
	FirstSendTimeout = 5 * time.Second
	RetryTimeout     = 30 * time.Second
	MaxTimeouts      = 7
)

// Status is the Status Reporter surface the Websocket Deliverer needs
// (spec §4.H): reporting stale PDUs it evicted, relaying a bridge's
// own per-message checkpoints, and reporting bridge state (including,
// on teardown, that a bridge went unreachable). Satisfied by
// internal/status.Reporter.
type Status interface {
	ReportExpiredPDU(ctx context.Context, az *database.Appservice, expired []json.RawMessage)
	SendBridgeStatus(ctx context.Context, az *database.Appservice, event string)
	SendMessageCheckpoints(ctx context.Context, az *database.Appservice, checkpoints []status.Checkpoint)
}

// PushKeyStore persists a bridge's push descriptor (spec §4.E
// "push_key" lifecycle signal, §4.F "a push_key exists"). Satisfied
// by *database.DB.
type PushKeyStore interface {
	SetPushKey(ctx context.Context, az *database.Appservice, pushKey *database.PushKey) error
}

// SyncProxy is the outbound sync-proxy RPC client (spec §4.E
// "start_sync" lifecycle signal and "Teardown", §6 "Outbound RPC
// (sync-proxy)"). Satisfied by *SyncProxyClient.
type SyncProxy interface {
	Start(ctx context.Context, az *database.Appservice, accessToken, deviceID string) (json.RawMessage, error)
	Stop(ctx context.Context, az *database.Appservice)
}

// Prober re-pings a bridge directly, independent of the websocket
// that just went down, to decide whether Teardown's
// bridge-unreachable probe should actually fire (spec §4.E,
// "Teardown"). Satisfied by *HTTPDeliverer.
type Prober interface {
	Ping(ctx context.Context, az *database.Appservice) bool
}

// Pusher is the Wakeup Pusher surface (spec §4.F), kept as an
// interface so the queue consumer loop doesn't need to know about
// push_key storage or transport.
type Pusher interface {
	MaybeWakeup(ctx context.Context, az *database.Appservice, conn *Conn) bool
}

// Coordinator is the Cross-Instance Coordinator surface (spec §4.G):
// asking peer replicas to drop their slot for an appservice id.
type Coordinator interface {
	BroadcastClose(ctx context.Context, appserviceID uuid.UUID)
}

// Dispatch is the correlation-table surface (internal/dispatch.Table)
// a consumer loop notifies once a batch's delivery outcome is known,
// so a synchronous caller of the Event Router gets its result (spec
// §4.B, "synchronous-response set").
type Dispatch interface {
	Notify(ids []string, ok bool)
}

// notifyWaiters resolves every synchronous waiter folded into a
// merged batch. txn.TxnID carries the comma-joined original inbound
// transaction ids (spec §4.C, "Merge rule"); each one was registered
// under "<appservice id>:<txn id>" by the Event Router.
func notifyWaiters(d Dispatch, az *database.Appservice, txn *events.Events, ok bool) {
	if d == nil || txn.TxnID == "" {
		return
	}
	parts := strings.Split(txn.TxnID, ",")
	ids := make([]string, len(parts))
	for i, p := range parts {
		ids[i] = az.ID.String() + ":" + p
	}
	d.Notify(ids, ok)
}

// WebsocketDeliverer implements the fi.mau.as_sync connection: the
// handshake, the queue consumer loop, and teardown (spec §4.E). It is
// the Go analogue of the teacher's appservice.go websocket client,
// running as the server side of the same protocol instead of the
// bridge side.
type WebsocketDeliverer struct {
	Table       *Table
	Status      Status
	Pusher      Pusher
	Coordinator Coordinator
	Dispatch    Dispatch
	Log         zerolog.Logger

	// PushKeys, SyncProxy, and Prober are optional collaborators set
	// directly by the caller once constructed (the same deferred-
	// wiring pattern Table already uses): a nil value disables the
	// corresponding lifecycle command or teardown step rather than
	// panicking, so embedders that don't need them (tests, a future
	// stripped-down deployment) can leave them unset.
	PushKeys  PushKeyStore
	SyncProxy SyncProxy
	Prober    Prober

	// shuttingDown is read by Handshake to reject new connections
	// during server shutdown (spec §4.E step 1, §5 "Cancellation").
	shuttingDown func() bool
}

// NewWebsocketDeliverer wires the required collaborators. Dispatch is
// left nil here and set directly by the caller (internal/api) once the
// correlation table exists, since not every embedder of this package
// needs synchronous-result notification.
func NewWebsocketDeliverer(status Status, pusher Pusher, coord Coordinator, shuttingDown func() bool, log zerolog.Logger) *WebsocketDeliverer {
	return &WebsocketDeliverer{
		Table:        NewTable(),
		Status:       status,
		Pusher:       pusher,
		Coordinator:  coord,
		Log:          log,
		shuttingDown: shuttingDown,
	}
}

// ErrShuttingDown and ErrPushOnly are handshake rejection reasons
// (spec §4.E steps 1-2).
var (
	ErrShuttingDown = errors.New("deliver: server is shutting down")
	ErrPushOnly     = errors.New("deliver: appservice is configured push-only")
)

// Accept performs handshake steps 3-6 for an already-authenticated,
// already-upgraded connection: it installs conn in the table (closing
// and broadcasting the close of any prior connection for the same
// appservice) and returns the connection that should now be used for
// the read loop. Steps 1-2 (shutdown / push-only rejection) are the
// caller's (internal/api) responsibility before the HTTP upgrade
// happens, since they must produce an HTTP error response rather than
// a websocket close frame.
func (d *WebsocketDeliverer) Accept(ctx context.Context, az *database.Appservice, conn *Conn) {
	d.Table.Install(az.ID, conn)
	// The single-active-connection invariant spans the whole fleet, so
	// a peer replica is asked to drop its slot even when this replica
	// had no prior local connection to close (spec §4.G).
	if d.Coordinator != nil {
		d.Coordinator.BroadcastClose(ctx, az.ID)
	}
	_ = conn.WriteRaw(Frame{Command: "connect", Status: "connected"})
}

// RunConsumer repeatedly borrows a merged batch from q and delivers it
// to conn until ctx is canceled, the connection is torn down, or the
// batch must be left on the stream for retry (spec §4.E, "Queue
// consumer loop"). It never returns while conn is alive and healthy;
// the caller runs it in its own goroutine alongside the read loop.
func (d *WebsocketDeliverer) RunConsumer(ctx context.Context, az *database.Appservice, q *queue.Queue, conn *Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		borrowed, err := q.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Queue read failed, retrying")
			continue
		}
		if borrowed.IsEmpty() {
			// Next already committed an empty batch (drop-empty rule).
			if len(borrowed.Expired()) > 0 && d.Status != nil {
				d.Status.ReportExpiredPDU(ctx, az, borrowed.Expired())
			}
			continue
		}
		if len(borrowed.Expired()) > 0 && d.Status != nil {
			d.Status.ReportExpiredPDU(ctx, az, borrowed.Expired())
		}

		leftForRetry := d.deliverBatch(ctx, az, conn, borrowed)
		if !leftForRetry {
			if err := borrowed.Commit(ctx); err != nil {
				d.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Failed to commit delivered batch")
			}
		}
		if conn.IsClosed() {
			return
		}
	}
}

// deliverBatch sends one transaction frame and applies the outcome
// rules of spec §4.E. It returns true when the batch must be left on
// the stream (v3+ timeout, to be retried by a future consumer), false
// when the caller should commit (ack, v1 fire-and-forget, v2 drop, or
// an unrecoverable send error).
func (d *WebsocketDeliverer) deliverBatch(ctx context.Context, az *database.Appservice, conn *Conn, b *queue.Borrowed) bool {
	fields, err := envelopeFields(b.Events())
	if err != nil {
		d.Log.Error().Err(err).Str("appservice", az.Name()).Msg("Failed to build transaction frame")
		return false
	}

	if conn.Version == WSVersionFireAndForget {
		if err := conn.SendTransactionNoWait(fields); err != nil {
			d.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Failed to send transaction (v1)")
			notifyWaiters(d.Dispatch, az, b.Events(), false)
		} else {
			notifyWaiters(d.Dispatch, az, b.Events(), true)
		}
		return false
	}

	timeout := FirstSendTimeout
	if conn.Timeouts() > 0 {
		timeout = RetryTimeout
	}

	_, err = conn.SendTransaction(ctx, fields, timeout)
	switch {
	case err == nil:
		conn.ResetTimeouts()
		notifyWaiters(d.Dispatch, az, b.Events(), true)
		return false

	case errors.Is(err, ErrRequestTimeout):
		n := conn.IncrementTimeouts()
		if conn.Version == WSVersionNoDedupe {
			d.Log.Warn().Str("appservice", az.Name()).Msg("Dropping batch after ack timeout (v2, no dedupe)")
			notifyWaiters(d.Dispatch, az, b.Events(), false)
			return false
		}
		// v3+: retry-safe, no outcome yet — a later attempt (by this
		// consumer or the next one after reconnect) still owns the
		// waiter.
		if n >= MaxTimeouts {
			_ = conn.Close(CloseCodeNotAcked, "transactions_not_acknowledged")
			return true
		}
		if d.Pusher != nil {
			d.Pusher.MaybeWakeup(ctx, az, conn)
		}
		return true

	default:
		d.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Transaction send failed")
		notifyWaiters(d.Dispatch, az, b.Events(), false)
		return false
	}
}

// envelopeFields decomposes a serialized envelope back into a field
// map so Conn.SendTransaction/SendTransactionNoWait can inline it
// alongside a command discriminator and (for acked versions) a
// correlation id, rather than nesting it under a "data" key.
func envelopeFields(txn *events.Events) (map[string]json.RawMessage, error) {
	envelope, err := txn.Serialize()
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(envelope, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// HandleFrame dispatches one inbound frame from the read loop: a
// response to a pending Request is resolved against the correlation
// table; a lifecycle command (spec §4.E, "Lifecycle signals") is
// handled as a single round-trip and its response written back
// immediately.
func (d *WebsocketDeliverer) HandleFrame(ctx context.Context, az *database.Appservice, conn *Conn, raw []byte) {
	conn.MarkMessageReceived()

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		d.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Received malformed websocket frame")
		return
	}

	if f.Command == "" {
		// A bare response frame, matched by request id.
		conn.Resolve(f)
		return
	}

	resp := d.handleLifecycle(ctx, az, conn, f)
	resp.ID = f.ID
	_ = conn.writeFrame(resp)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func (d *WebsocketDeliverer) handleLifecycle(ctx context.Context, az *database.Appservice, conn *Conn, f Frame) Frame {
	switch f.Command {
	case "ping":
		if current, ok := d.Table.Get(az.ID); !ok || current != conn {
			return Frame{Command: "response", Status: "error", Error: "not_registered"}
		}
		data, _ := json.Marshal(map[string]int64{"timestamp": nowMillis()})
		return Frame{Command: "response", Status: "ok", Data: data}

	case "bridge_status":
		if d.Status != nil {
			d.Status.SendBridgeStatus(ctx, az, string(f.Data))
		}
		return Frame{Command: "response", Status: "ok"}

	case "message_checkpoint":
		if d.Status == nil {
			return Frame{Command: "response", Status: "ok"}
		}
		var body struct {
			Checkpoints []status.Checkpoint `json:"checkpoints"`
		}
		if err := json.Unmarshal(f.Data, &body); err != nil {
			return Frame{Command: "response", Status: "error", Error: "bad_json"}
		}
		d.Status.SendMessageCheckpoints(ctx, az, body.Checkpoints)
		return Frame{Command: "response", Status: "ok"}

	case "push_key":
		if d.PushKeys == nil {
			return Frame{Command: "response", Status: "ok"}
		}
		var pk database.PushKey
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &pk); err != nil {
				return Frame{Command: "response", Status: "error", Error: "bad_json"}
			}
		}
		var stored *database.PushKey
		if pk.PushKey != "" {
			stored = &pk
		}
		if err := d.PushKeys.SetPushKey(ctx, az, stored); err != nil {
			d.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Failed to store push key")
			return Frame{Command: "response", Status: "error", Error: "internal_error"}
		}
		return Frame{Command: "response", Status: "ok"}

	case "start_sync":
		if d.SyncProxy == nil {
			return Frame{Command: "response", Status: "error", Error: "sync_proxy_not_configured"}
		}
		var req struct {
			AccessToken string `json:"access_token"`
			DeviceID    string `json:"device_id"`
		}
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return Frame{Command: "response", Status: "error", Error: "bad_json"}
		}
		result, err := d.SyncProxy.Start(ctx, az, req.AccessToken, req.DeviceID)
		if err != nil {
			d.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("start_sync request to sync proxy failed")
			return Frame{Command: "response", Status: "error", Error: "sync_proxy_error"}
		}
		return Frame{Command: "response", Status: "ok", Data: result}

	default:
		return Frame{Command: "response", Status: "error", Error: "unknown_command"}
	}
}

// Teardown runs when the read loop for conn exits, for any reason
// (spec §4.E, "Teardown"). It removes conn from the table only if it
// is still the registered connection, to avoid undoing a concurrent
// replacement.
func (d *WebsocketDeliverer) Teardown(ctx context.Context, az *database.Appservice, conn *Conn) {
	_ = conn.Close(websocket.CloseNormalClosure, "")
	if !d.Table.Remove(az.ID, conn) {
		return
	}

	if d.SyncProxy != nil {
		// Fire-and-forget on a detached context: conn's request
		// context is already canceled by the time the read loop has
		// exited, but the stop call must still go out (spec §4.E,
		// "schedule a stop_sync_proxy call").
		go d.SyncProxy.Stop(context.Background(), az)
	}

	if d.shuttingDown != nil && d.shuttingDown() {
		return
	}
	if d.Status != nil {
		go d.probeBridgeUnreachable(az)
	}
}

// probeBridgeUnreachable re-pings az directly and, only if that probe
// also fails, reports BRIDGE_UNREACHABLE via the Status Reporter (spec
// §4.E, "Teardown": "re-ping the bridge via any available transport;
// if it is genuinely unreachable, emit a BRIDGE_UNREACHABLE status via
// H"). A bridge with no configured HTTP address has no transport left
// once its websocket is gone, so Prober.Ping reports it unreachable
// immediately.
func (d *WebsocketDeliverer) probeBridgeUnreachable(az *database.Appservice) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()
	if d.Prober != nil && d.Prober.Ping(ctx, az) {
		return
	}
	d.Status.SendBridgeStatus(ctx, az, `{"ok":false,"error":"BRIDGE_UNREACHABLE"}`)
}
