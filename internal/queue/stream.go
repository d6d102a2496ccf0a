// Package queue implements the per-appservice durable delivery queue
// (spec §4.C): a shared-log FIFO of serialized transaction envelopes,
// with batched reads, a combine rule, and stale-PDU eviction.
package queue

import "context"

// StreamEntry is one opaque-id-addressed record on the log.
type StreamEntry struct {
	ID   string
	Data []byte
}

// Stream is the minimal shared-log primitive the Queue is built on. A
// Redis stream satisfies it directly; Add/Read/Delete/Range map onto
// XADD/XREAD/XDEL/XRANGE respectively. An in-memory fake satisfies it
// for tests that must not depend on a live Redis instance.
type Stream interface {
	// Add appends data as a new entry and refreshes the stream's TTL
	// in the same call, returning the new entry's id.
	Add(ctx context.Context, key string, data []byte, ttl int64) (string, error)
	// Read blocks for up to the given number of milliseconds waiting
	// for up to count entries, starting after "0" every call (entries
	// are deleted on commit, so everything remaining is unread).
	Read(ctx context.Context, key string, count int64, blockMillis int64) ([]StreamEntry, error)
	// Delete removes the named entries from the stream.
	Delete(ctx context.Context, key string, ids ...string) error
	// Range returns every entry currently on the stream without
	// consuming or blocking, used by contains_pdus.
	Range(ctx context.Context, key string) ([]StreamEntry, error)
}
