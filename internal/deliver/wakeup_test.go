package deliver

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"maunium.net/go/mautrix-asmux/internal/database"
)

type countingTransport struct{ pushes int32 }

func (t *countingTransport) Push(ctx context.Context, pushKey []byte) error {
	atomic.AddInt32(&t.pushes, 1)
	return nil
}

func withPushKey(az *database.Appservice) *database.Appservice {
	az.PushKey = json.RawMessage(`{"type":"fcm","token":"abc"}`)
	return az
}

// staleConn builds a Conn whose LastMessageAt is already outside the
// 30s staleness window, as white-box access to the unexported field is
// the only way to simulate that passage of time without sleeping.
func staleConn(version WSVersion) *Conn {
	c := NewConn(nil, version, "proc-1")
	c.lastMsgAt = time.Now().Add(-WakeupStaleWSWindow - time.Second)
	return c
}

func TestNoWakeupWithoutPushKey(t *testing.T) {
	transport := &countingTransport{}
	w := NewWakeupPusher(transport, false, zerolog.Nop())
	az := &database.Appservice{ID: uuid.New()}

	sent := w.MaybeWakeup(context.Background(), az, nil)
	assert.False(t, sent)
	assert.EqualValues(t, 0, transport.pushes)
}

func TestWakeupWithNoOpenWebsocketPushesImmediately(t *testing.T) {
	transport := &countingTransport{}
	w := NewWakeupPusher(transport, false, zerolog.Nop())
	az := withPushKey(&database.Appservice{ID: uuid.New()})

	sent := w.MaybeWakeup(context.Background(), az, nil)
	assert.True(t, sent)
	assert.EqualValues(t, 1, transport.pushes)
}

func TestWakeupSkippedWhileWebsocketRecentlyActive(t *testing.T) {
	transport := &countingTransport{}
	w := NewWakeupPusher(transport, false, zerolog.Nop())
	az := withPushKey(&database.Appservice{ID: uuid.New()})

	conn := NewConn(nil, WSVersionDedupe, "proc-1")
	conn.MarkMessageReceived() // last message "now", well under the 30s staleness window

	sent := w.MaybeWakeup(context.Background(), az, conn)
	assert.False(t, sent)
	assert.EqualValues(t, 0, transport.pushes)
}

func TestWakeupSentWhenWebsocketStaleEvenWithoutOnlyIfWSTimeout(t *testing.T) {
	transport := &countingTransport{}
	w := NewWakeupPusher(transport, false, zerolog.Nop())
	az := withPushKey(&database.Appservice{ID: uuid.New()})

	sent := w.MaybeWakeup(context.Background(), az, staleConn(WSVersionDedupe))
	assert.True(t, sent)
}

func TestOnlyIfWSTimeoutGateRequiresAPriorTimeout(t *testing.T) {
	transport := &countingTransport{}
	w := NewWakeupPusher(transport, true, zerolog.Nop())
	az := withPushKey(&database.Appservice{ID: uuid.New()})

	conn := staleConn(WSVersionDedupe)
	sent := w.MaybeWakeup(context.Background(), az, conn)
	assert.False(t, sent, "should not wake up: only_if_ws_timeout is set and no timeout has been observed")

	conn.IncrementTimeouts()
	sent = w.MaybeWakeup(context.Background(), az, conn)
	assert.True(t, sent)
}

func TestTwoWakeupsWithinMinDelayResultInOnePush(t *testing.T) {
	transport := &countingTransport{}
	w := NewWakeupPusher(transport, false, zerolog.Nop())
	az := withPushKey(&database.Appservice{ID: uuid.New()})

	first := w.MaybeWakeup(context.Background(), az, nil)
	second := w.MaybeWakeup(context.Background(), az, nil)

	assert.True(t, first)
	assert.False(t, second)
	assert.EqualValues(t, 1, transport.pushes)
}
