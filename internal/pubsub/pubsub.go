// Package pubsub is the thin publish/subscribe abstraction shared by
// the Directory's cache invalidation (spec §4.A) and the Cross-Instance
// Coordinator's best-effort close requests (spec §4.G). Both are
// built on the same Redis channel primitive as the original's
// mautrix_asmux/redis.py.
package pubsub

import "context"

// Bus publishes and subscribes to named channels.
type Bus interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription
}

// Subscription receives messages from one or more channels until
// closed.
type Subscription interface {
	// Next blocks for the next message. It returns an error when the
	// underlying connection fails; callers should treat this as
	// "pub/sub is down" and fall back accordingly (spec §4.A: on
	// pub/sub failure, drop every cache as a safety measure).
	Next(ctx context.Context) (channel, payload string, err error)
	Close() error
}
