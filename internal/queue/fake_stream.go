package queue

import (
	"context"
	"fmt"
	"sync"
)

// FakeStream is an in-memory Stream used by tests. It is not blocking:
// Read returns whatever is currently buffered (possibly nothing)
// rather than waiting for blockMillis, since tests drive timing
// explicitly.
type FakeStream struct {
	mu      sync.Mutex
	entries map[string][]StreamEntry
	seq     int
}

func NewFakeStream() *FakeStream {
	return &FakeStream{entries: make(map[string][]StreamEntry)}
}

func (s *FakeStream) Add(ctx context.Context, key string, data []byte, ttl int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries[key] = append(s.entries[key], StreamEntry{ID: id, Data: append([]byte(nil), data...)})
	return id, nil
}

func (s *FakeStream) Read(ctx context.Context, key string, count int64, blockMillis int64) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.entries[key]
	if int64(len(all)) > count {
		all = all[:count]
	}
	out := make([]StreamEntry, len(all))
	copy(out, all)
	return out, nil
}

func (s *FakeStream) Delete(ctx context.Context, key string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	toDelete := make(map[string]bool, len(ids))
	for _, id := range ids {
		toDelete[id] = true
	}
	var kept []StreamEntry
	for _, e := range s.entries[key] {
		if !toDelete[e.ID] {
			kept = append(kept, e)
		}
	}
	s.entries[key] = kept
	return nil
}

func (s *FakeStream) Range(ctx context.Context, key string) ([]StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamEntry, len(s.entries[key]))
	copy(out, s.entries[key])
	return out, nil
}
