package pubsub

import (
	"context"
	"sync"
)

// Fake is an in-memory Bus for tests: Publish fans a message out to
// every live Subscription whose channel set includes it.
type Fake struct {
	mu   sync.Mutex
	subs []*fakeSubscription
}

func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) Publish(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.wants(channel) {
			sub.deliver(channel, payload)
		}
	}
	return nil
}

func (f *Fake) Subscribe(_ context.Context, channels ...string) Subscription {
	sub := &fakeSubscription{channels: channels, msgs: make(chan fakeMsg, 64)}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	return sub
}

// Break simulates every live subscription's connection failing, the
// trigger for the Directory's "drop every cache" safety path.
func (f *Fake) Break() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		sub.breakConn()
	}
}

type fakeMsg struct {
	channel, payload string
}

type fakeSubscription struct {
	channels []string
	msgs     chan fakeMsg
	broken   sync.Once
	brokenCh chan struct{}
	closed   bool
	mu       sync.Mutex
}

func (s *fakeSubscription) wants(channel string) bool {
	for _, c := range s.channels {
		if c == channel {
			return true
		}
	}
	return false
}

func (s *fakeSubscription) deliver(channel, payload string) {
	select {
	case s.msgs <- fakeMsg{channel, payload}:
	default:
	}
}

func (s *fakeSubscription) breakConn() {
	s.broken.Do(func() {
		s.mu.Lock()
		s.brokenCh = make(chan struct{})
		close(s.brokenCh)
		s.mu.Unlock()
	})
}

func (s *fakeSubscription) Next(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	brokenCh := s.brokenCh
	s.mu.Unlock()
	select {
	case m := <-s.msgs:
		return m.channel, m.payload, nil
	case <-brokenChOrNil(brokenCh):
		return "", "", errConnBroken
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func brokenChOrNil(ch chan struct{}) chan struct{} {
	return ch
}

var errConnBroken = &fakeError{"pubsub connection broken"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
