package deliver

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
)

// MinWakeupPushDelay and the staleness threshold used by the should-
// wakeup gate (spec §4.F).
const (
	MinWakeupPushDelay  = 3 * time.Second
	WakeupStaleWSWindow = 30 * time.Second
)

// PushTransport sends the actual out-of-band notification once the
// gate passes. Concrete implementations (FCM, APNs, a webhook) live
// outside this package; WakeupPusher only owns the gating logic.
type PushTransport interface {
	Push(ctx context.Context, pushKey []byte) error
}

// WakeupPusher implements the Wakeup Pusher (spec §4.F): given an
// appservice with a push_key, send an out-of-band push to wake its
// client so it reconnects the websocket, subject to a gate that avoids
// redundant pushes.
type WakeupPusher struct {
	Transport PushTransport
	Log       zerolog.Logger

	// OnlyIfWSTimeout mirrors the original's only_if_ws_timeout
	// config flag: when true, a currently-open websocket only
	// qualifies for a wakeup after it has already timed out at least
	// once.
	OnlyIfWSTimeout bool

	mu           sync.Mutex
	lastWakeupAt map[uuid.UUID]time.Time
}

func NewWakeupPusher(transport PushTransport, onlyIfWSTimeout bool, log zerolog.Logger) *WakeupPusher {
	return &WakeupPusher{
		Transport:       transport,
		OnlyIfWSTimeout: onlyIfWSTimeout,
		Log:             log,
		lastWakeupAt:    make(map[uuid.UUID]time.Time),
	}
}

// MaybeWakeup applies the should_wakeup gate and, if it passes, sends
// the push and records the attempt time. conn is the currently open
// websocket for az, or nil if none is open. Returns whether a push was
// actually sent.
func (w *WakeupPusher) MaybeWakeup(ctx context.Context, az *database.Appservice, conn *Conn) bool {
	if len(az.PushKey) == 0 {
		return false
	}

	if conn != nil {
		if w.OnlyIfWSTimeout && conn.Timeouts() == 0 {
			return false
		}
		if time.Since(conn.LastMessageAt()) <= WakeupStaleWSWindow {
			return false
		}
	}

	w.mu.Lock()
	last, ok := w.lastWakeupAt[az.ID]
	if ok && time.Since(last) < MinWakeupPushDelay {
		w.mu.Unlock()
		return false
	}
	w.lastWakeupAt[az.ID] = time.Now()
	w.mu.Unlock()

	if err := w.Transport.Push(ctx, az.PushKey); err != nil {
		w.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Wakeup push failed")
		return false
	}
	return true
}
