// Package router implements the Event Router (spec §4.B): it fans an
// inbound homeserver transaction out to the Delivery Queue of each
// appservice with a stake in it, resolving ownership through rooms
// known to the Directory and, for membership events, through ghost
// mxid parsing.
package router

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/dispatch"
	"maunium.net/go/mautrix-asmux/internal/events"
	"maunium.net/go/mautrix-asmux/internal/queue"
)

// Directory is the subset of internal/directory.Directory the router
// depends on, kept as an interface so tests can substitute a
// DB-less fake instead of standing up a real store.
type Directory interface {
	GetAppservice(ctx context.Context, id uuid.UUID) (*database.Appservice, error)
	FindAppservice(ctx context.Context, owner, prefix string) (*database.Appservice, error)
	GetRoom(ctx context.Context, id string) (*database.Room, error)
	RegisterRoom(ctx context.Context, roomID string, appserviceID uuid.UUID) (*database.Room, error)
}

// Router fans out one inbound transaction to per-appservice queues.
type Router struct {
	Dir        Directory
	Stream     queue.Stream
	Dispatch   *dispatch.Table
	Log        zerolog.Logger
	MXIDPrefix string
	MXIDSuffix string

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

func New(dir Directory, stream queue.Stream, tbl *dispatch.Table, mxidPrefix, mxidSuffix string, log zerolog.Logger) *Router {
	return &Router{
		Dir:        dir,
		Stream:     stream,
		Dispatch:   tbl,
		Log:        log,
		MXIDPrefix: mxidPrefix,
		MXIDSuffix: mxidSuffix,
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
}

func (r *Router) lockFor(id uuid.UUID) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// bucketSet accumulates one Events envelope per destination appservice
// for the duration of a single HandleTransaction call.
type bucketSet struct {
	txnID string
	out   map[uuid.UUID]*events.Events
}

func (b *bucketSet) get(owner uuid.UUID) *events.Events {
	e, ok := b.out[owner]
	if !ok {
		e = events.New(b.txnID)
		b.out[owner] = e
	}
	return e
}

// HandleTransaction implements spec §4.B's contract: it routes pdus
// and edus to the queue of their owning appservice, attaches otk
// counts to ghost owners, and for every appservice id named in
// synchronousTo, awaits that appservice's eventual delivery outcome
// before returning. Appservices not in synchronousTo are dispatched
// fire-and-forget and are absent from the returned map.
func (r *Router) HandleTransaction(
	ctx context.Context,
	txnID string,
	pdu []events.JSON,
	edu []events.JSON,
	otkCounts map[string]json.RawMessage,
	synchronousTo []string,
) (map[string]bool, error) {
	buckets := &bucketSet{txnID: txnID, out: make(map[uuid.UUID]*events.Events)}

	if err := r.collectEvents(ctx, pdu, false, buckets); err != nil {
		return nil, err
	}
	if err := r.collectEvents(ctx, edu, true, buckets); err != nil {
		return nil, err
	}
	if err := r.collectOTKCounts(ctx, otkCounts, buckets); err != nil {
		return nil, err
	}

	synchronous := make(map[string]bool, len(synchronousTo))
	for _, id := range synchronousTo {
		synchronous[id] = true
	}

	result := make(map[string]bool)
	var resultMu sync.Mutex
	var wg sync.WaitGroup

	for ownerID, txn := range buckets.out {
		ownerID, txn := ownerID, txn
		isSync := synchronous[ownerID.String()]
		key := ownerID.String() + ":" + txnID
		if isSync {
			r.Dispatch.Register(key)
		}

		if err := r.push(ctx, ownerID, txn); err != nil {
			r.Log.Warn().Err(err).Str("appservice_id", ownerID.String()).
				Msg("Failed to enqueue transaction")
			if isSync {
				r.Dispatch.Abandon(key)
				resultMu.Lock()
				result[ownerID.String()] = false
				resultMu.Unlock()
			}
			continue
		}

		if isSync {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := r.Dispatch.Await(ctx, key)
				if err != nil {
					r.Dispatch.Abandon(key)
				}
				resultMu.Lock()
				result[ownerID.String()] = ok
				resultMu.Unlock()
			}()
		}
	}
	wg.Wait()
	return result, nil
}

// push takes the per-appservice lock (advisory, for metric
// correctness per spec §5) and appends txn to that appservice's
// queue.
func (r *Router) push(ctx context.Context, ownerID uuid.UUID, txn *events.Events) error {
	lock := r.lockFor(ownerID)
	lock.Lock()
	defer lock.Unlock()

	az, err := r.Dir.GetAppservice(ctx, ownerID)
	if err != nil {
		return err
	}
	if az == nil {
		return nil
	}
	for _, t := range txn.Types {
		AcceptedEvents.WithLabelValues(az.Owner, az.Prefix, t).Inc()
	}

	q := queue.New(r.Stream, ownerID, database.OwnerMXID(az.Owner, r.MXIDSuffix))
	_, err = q.Push(ctx, txn)
	return err
}

func (r *Router) collectEvents(ctx context.Context, list []events.JSON, ephemeral bool, buckets *bucketSet) error {
	for _, raw := range list {
		evtType := events.Type(raw)
		ReceivedEvents.WithLabelValues(evtType).Inc()

		roomID := events.RoomID(raw)
		var owner *uuid.UUID
		if roomID != "" {
			room, err := r.Dir.GetRoom(ctx, roomID)
			if err != nil {
				return err
			}
			if room != nil {
				owner = &room.Owner
			} else if !ephemeral {
				registered, err := r.registerIfGhostMembership(ctx, raw, roomID)
				if err != nil {
					return err
				}
				owner = registered
			}
		}

		if owner == nil {
			DroppedEvents.WithLabelValues(evtType).Inc()
			continue
		}

		bucket := buckets.get(*owner)
		if ephemeral {
			bucket.AppendEDU(raw, evtType)
		} else {
			bucket.AppendPDU(raw, evtType)
		}
	}
	return nil
}

// registerIfGhostMembership implements spec §4.B step 3: a membership
// event for an unrecognized room is only a room-creation signal if its
// state_key is a ghost of a known appservice.
func (r *Router) registerIfGhostMembership(ctx context.Context, raw events.JSON, roomID string) (*uuid.UUID, error) {
	if events.Type(raw) != "m.room.member" {
		return nil, nil
	}
	stateKey, ok := events.StateKey(raw)
	if !ok {
		return nil, nil
	}
	az, err := r.resolveGhostAppservice(ctx, stateKey)
	if err != nil || az == nil {
		return nil, err
	}
	room, err := r.Dir.RegisterRoom(ctx, roomID, az.ID)
	if err != nil {
		return nil, err
	}
	return &room.Owner, nil
}

func (r *Router) collectOTKCounts(ctx context.Context, otkCounts map[string]json.RawMessage, buckets *bucketSet) error {
	for userID, count := range otkCounts {
		az, err := r.resolveGhostAppservice(ctx, userID)
		if err != nil {
			return err
		}
		if az == nil {
			continue
		}
		buckets.get(az.ID).SetOTKCount(userID, count)
	}
	return nil
}

func (r *Router) resolveGhostAppservice(ctx context.Context, userID string) (*database.Appservice, error) {
	owner, prefix, ok := parseGhost(r.MXIDPrefix, r.MXIDSuffix, userID)
	if !ok {
		return nil, nil
	}
	return r.Dir.FindAppservice(ctx, owner, prefix)
}
