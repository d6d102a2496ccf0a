package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"maunium.net/go/mautrix-asmux/internal/events"
)

// TTL is the whole-stream safety TTL (spec §3, "a whole-stream safety
// TTL of seven days prevents orphaned queues from growing without
// bound").
const TTL = 7 * 24 * time.Hour

// BatchSize and BlockTimeout are next()'s read parameters (spec §4.C).
const (
	BatchSize    = 10
	BlockTimeout = 30 * time.Second
)

func streamKey(appserviceID uuid.UUID) string {
	return fmt.Sprintf("bridge-txns-%s", appserviceID)
}

// Queue is the per-appservice durable delivery queue, backed by a
// shared Stream so that every proxy replica observes the same view.
type Queue struct {
	Stream       Stream
	AppserviceID uuid.UUID
	OwnerMXID    string
}

// New creates a Queue bound to one appservice's stream. ownerMXID is
// the appservice owner's own Matrix id, exempted from stale-PDU
// eviction (spec §4.C).
func New(stream Stream, appserviceID uuid.UUID, ownerMXID string) *Queue {
	return &Queue{Stream: stream, AppserviceID: appserviceID, OwnerMXID: ownerMXID}
}

// Push serializes txn and appends it as one entry, refreshing the
// stream's TTL in the same call. The returned id identifies this
// entry on the stream, letting a caller correlate a later Borrowed
// batch back to the original push (see internal/dispatch).
func (q *Queue) Push(ctx context.Context, txn *events.Events) (string, error) {
	data, err := txn.Serialize()
	if err != nil {
		return "", err
	}
	return q.Stream.Add(ctx, streamKey(q.AppserviceID), data, int64(TTL.Seconds()))
}

// Borrowed is the scoped handle returned by Next. The borrowed batch
// is removed from the stream only when Commit is called; if the
// caller abandons the handle without committing (a crash, a panic, an
// early return), the entries remain on the stream and will be
// re-read by the next Next call (spec §4.C, §8 scenario 6).
type Borrowed struct {
	queue   *Queue
	ids     []string
	events  *events.Events
	expired []events.JSON
}

// Events is the merged, stale-evicted envelope for this batch.
func (b *Borrowed) Events() *events.Events { return b.events }

// Expired is the set of PDUs evicted from this batch as stale.
func (b *Borrowed) Expired() []events.JSON { return b.expired }

// IsEmpty reports whether the merged, evicted envelope carries
// nothing worth delivering.
func (b *Borrowed) IsEmpty() bool { return b.events.IsEmpty() }

// IDs returns the stream entry ids combined into this batch, letting a
// deliverer notify per-push waiters once the batch's outcome is known.
func (b *Borrowed) IDs() []string { return b.ids }

// Commit deletes the borrowed entries from the stream. It is the only
// way the batch leaves the stream; call it once delivery has
// succeeded (or, for an empty envelope, immediately per the
// drop-empty rule).
func (b *Borrowed) Commit(ctx context.Context) error {
	if len(b.ids) == 0 {
		return nil
	}
	return b.queue.Stream.Delete(ctx, streamKey(b.queue.AppserviceID), b.ids...)
}

// Next performs a blocking read for up to BatchSize entries, merging
// them into one envelope and evicting stale PDUs before returning.
// On read timeout (no entries available) it re-issues the read,
// continuing until entries arrive or ctx is canceled. If the merged
// envelope is empty after eviction, the batch is committed
// immediately per the drop-empty rule and the returned handle's
// IsEmpty reports true.
func (q *Queue) Next(ctx context.Context) (*Borrowed, error) {
	key := streamKey(q.AppserviceID)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := q.Stream.Read(ctx, key, BatchSize, BlockTimeout.Milliseconds())
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		merged := events.New("")
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.ID)
			one, err := events.Deserialize(entry.Data)
			if err != nil {
				continue
			}
			merged.Merge(one)
		}
		expired := merged.PopExpiredPDU(q.OwnerMXID, time.Now())
		borrowed := &Borrowed{queue: q, ids: ids, events: merged, expired: expired}
		if borrowed.IsEmpty() {
			if err := borrowed.Commit(ctx); err != nil {
				return nil, err
			}
		}
		return borrowed, nil
	}
}

// ContainsPDUs reports whether any currently buffered entry, after
// hypothetically applying stale-PDU eviction, still contains at least
// one PDU. It does not consume or mutate the stream.
func (q *Queue) ContainsPDUs(ctx context.Context) (bool, error) {
	entries, err := q.Stream.Range(ctx, streamKey(q.AppserviceID))
	if err != nil {
		return false, err
	}
	merged := events.New("")
	for _, entry := range entries {
		one, err := events.Deserialize(entry.Data)
		if err != nil {
			continue
		}
		merged.Merge(one)
	}
	merged.PopExpiredPDU(q.OwnerMXID, time.Now())
	return len(merged.PDU) > 0, nil
}
