// Package coordinator implements the Cross-Instance Coordinator (spec
// §4.G): best-effort messages asking peer replicas to drop their local
// websocket slot for an appservice id, so the single-active-connection
// invariant holds fleet-wide rather than just within one process.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/deliver"
	"maunium.net/go/mautrix-asmux/internal/pubsub"
)

// CloseChannel is the fourth pub/sub channel, alongside the three
// cache-invalidation channels internal/directory already owns (spec
// §6, "Pub/sub channels"; spec §4.G, "a pub/sub 'please close'
// message").
const CloseChannel = "appservice-ws-close-request"

// Table is the subset of deliver.Table the Coordinator needs: looking
// up and closing a local connection by appservice id.
type Table interface {
	Get(id uuid.UUID) (*deliver.Conn, bool)
}

// Coordinator publishes and reacts to close-request messages. It
// implements deliver.Coordinator.
type Coordinator struct {
	Bus   pubsub.Bus
	Table Table
	Log   zerolog.Logger

	stopCh chan struct{}
}

func New(bus pubsub.Bus, table Table, log zerolog.Logger) *Coordinator {
	return &Coordinator{Bus: bus, Table: table, Log: log, stopCh: make(chan struct{})}
}

// BroadcastClose asks every replica (including, harmlessly, this one)
// to close its local connection for id. Publish failures are logged
// and otherwise ignored: the invariant this maintains is advisory and
// eventually-consistent by design (spec §4.G), and cache-invalidation
// pub/sub failures already follow the same "never fail the request"
// policy (spec §7).
func (c *Coordinator) BroadcastClose(ctx context.Context, id uuid.UUID) {
	if err := c.Bus.Publish(ctx, CloseChannel, id.String()); err != nil {
		c.Log.Warn().Err(err).Str("appservice_id", id.String()).Msg("Failed to broadcast websocket close request")
	}
}

// Run subscribes to CloseChannel and closes the named appservice's
// local connection, if any, whenever a message arrives. It follows the
// same reconnect-with-backoff shape as internal/directory.Run; unlike
// the Directory there is no cache to drop on a receive error, since
// missing one close-request message only widens the "briefly two
// sockets open" window the invariant already tolerates.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}
		sub := c.Bus.Subscribe(ctx, CloseChannel)
		c.readLoop(ctx, sub)
		sub.Close()
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(time.Second):
		}
	}
}

func (c *Coordinator) readLoop(ctx context.Context, sub pubsub.Subscription) {
	for {
		_, payload, err := sub.Next(ctx)
		if err != nil {
			c.Log.Warn().Err(err).Msg("Redis pub/sub failure in close-request listener")
			return
		}
		id, err := uuid.Parse(payload)
		if err != nil {
			continue
		}
		if conn, ok := c.Table.Get(id); ok {
			_ = conn.Close(deliver.CloseCodeReplaced, "conn_replaced")
		}
	}
}

func (c *Coordinator) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}
