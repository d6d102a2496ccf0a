// Package dispatch correlates a transaction pushed onto a
// per-appservice Delivery Queue (internal/queue) with the eventual
// boolean outcome of delivering it, for the benefit of callers in
// spec.md's "synchronous_to" set (spec §4.B) who must await a result
// rather than fire-and-forget. The queue itself carries no notion of
// a waiter; this is a thin correlation layer sitting above it.
package dispatch

import (
	"context"
	"sync"
)

// Table is a process-local registry of pending waiters, keyed by a
// caller-chosen correlation id (in practice "<appservice id>:<queue
// entry id>"). A Deliverer calls Notify once a batch's delivery
// outcome is known; Await blocks until the matching Notify arrives or
// ctx is canceled.
type Table struct {
	mu      sync.Mutex
	waiters map[string]chan bool
}

func NewTable() *Table {
	return &Table{waiters: make(map[string]chan bool)}
}

// Register creates a waiter for id if one doesn't already exist.
// Idempotent, so a caller may safely register before a concurrent
// Notify could possibly fire, without worrying about a second
// Register call (e.g. from the same correlation key being reused)
// discarding an already-buffered result. Callers that don't need the
// result (the fire-and-forget path) should not call Register at all —
// an un-awaited waiter channel is only cleaned up when Notify or
// Await removes it.
func (t *Table) Register(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.waiters[id]; !exists {
		t.waiters[id] = make(chan bool, 1)
	}
}

// Notify delivers ok to every id's waiter, if one is registered, and
// removes it from the table. Ids with no registered waiter are
// ignored — most batches are fire-and-forget.
func (t *Table) Notify(ids []string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		ch, found := t.waiters[id]
		if !found {
			continue
		}
		delete(t.waiters, id)
		ch <- ok
		close(ch)
	}
}

// Await blocks for id's outcome. It returns false, ctx.Err() if ctx is
// canceled first; the waiter is left registered so a late Notify does
// not panic writing to a closed/unread channel — Abandon should be
// called by the caller in that case to avoid leaking it.
func (t *Table) Await(ctx context.Context, id string) (bool, error) {
	t.mu.Lock()
	ch, found := t.waiters[id]
	t.mu.Unlock()
	if !found {
		return false, nil
	}
	select {
	case ok := <-ch:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Abandon removes id's waiter without delivering a result, used when
// Await times out or its caller otherwise stops waiting.
func (t *Table) Abandon(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiters, id)
}
