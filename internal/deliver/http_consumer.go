package deliver

import (
	"context"

	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/queue"
)

// HTTPConsumer drains one appservice's Delivery Queue into the HTTP
// Deliverer, the push-mode counterpart of WebsocketDeliverer.RunConsumer.
// Unlike the websocket path there is no per-connection ack loop to
// drive retries against: every batch either reaches "ok" within
// HTTPDeliverer's own bounded retry budget or is given up on, so the
// consumer always commits and moves on (spec §4.D has no notion of
// leaving a batch for a later attempt).
type HTTPConsumer struct {
	Deliverer *HTTPDeliverer
	Status    Status
	Dispatch  Dispatch
	Log       zerolog.Logger
}

func NewHTTPConsumer(deliverer *HTTPDeliverer, status Status, dispatch Dispatch, log zerolog.Logger) *HTTPConsumer {
	return &HTTPConsumer{Deliverer: deliverer, Status: status, Dispatch: dispatch, Log: log}
}

// Run borrows and delivers batches until ctx is canceled. The caller
// runs one of these per push-mode appservice for the lifetime of its
// registration.
func (c *HTTPConsumer) Run(ctx context.Context, az *database.Appservice, q *queue.Queue) {
	for {
		if ctx.Err() != nil {
			return
		}
		borrowed, err := q.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Queue read failed, retrying")
			continue
		}
		if len(borrowed.Expired()) > 0 && c.Status != nil {
			c.Status.ReportExpiredPDU(ctx, az, borrowed.Expired())
		}
		if borrowed.IsEmpty() {
			continue
		}

		outcome := c.Deliverer.PostEvents(ctx, az, borrowed.Events())
		ok := outcome == OutcomeOK
		notifyWaiters(c.Dispatch, az, borrowed.Events(), ok)

		if err := borrowed.Commit(ctx); err != nil {
			c.Log.Warn().Err(err).Str("appservice", az.Name()).Msg("Failed to commit delivered batch")
		}
	}
}
