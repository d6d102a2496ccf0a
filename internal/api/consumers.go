package api

import (
	"context"

	"github.com/google/uuid"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/deliver"
	"maunium.net/go/mautrix-asmux/internal/queue"
)

// EnsurePushConsumer starts (if not already running) the background
// HTTPConsumer loop that drains az's Delivery Queue for a push-mode
// appservice. Safe to call repeatedly — a second call for an
// already-running appservice is a no-op. Called once per appservice at
// startup (cmd/asmux) and again whenever provisioning flips an
// appservice from pull to push.
func (s *Server) EnsurePushConsumer(az *database.Appservice) {
	if !az.Push {
		return
	}
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	if _, running := s.consumers[az.ID]; running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.consumers[az.ID] = cancel
	q := queue.New(s.Stream, az.ID, database.OwnerMXID(az.Owner, s.MXIDSuffix))
	consumer := deliver.NewHTTPConsumer(s.HTTP, s.Status, s.Dispatch, s.Log.With().Str("appservice", az.Name()).Logger())
	go consumer.Run(ctx, az, q)
}

// StopPushConsumer cancels az's background consumer, if running
// (provisioning flipping push to pull, or appservice deletion).
func (s *Server) StopPushConsumer(id uuid.UUID) {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	if cancel, ok := s.consumers[id]; ok {
		cancel()
		delete(s.consumers, id)
	}
}
