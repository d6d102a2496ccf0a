// Package directory caches and looks up appservices, users, and rooms
// by key (spec §4.A). The relational store (internal/database) is
// authoritative; the cache here is strictly a latency optimization,
// and pub/sub invalidation is advisory — writes always go to the store
// first and are only mirrored to peers afterward.
package directory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/pubsub"
)

const (
	AppserviceChannel = "appservice-cache-invalidation"
	RoomChannel       = "room-cache-invalidation"
	UserChannel       = "user-cache-invalidation"
)

// Directory is the process-owned cache in front of the database. Each
// instance owns its own tables — tests get a fresh Directory rather
// than resetting class-level state (spec §9).
type Directory struct {
	DB  *database.DB
	Bus pubsub.Bus
	Log zerolog.Logger

	byIDMu sync.RWMutex
	byID   map[uuid.UUID]*database.Appservice

	byOwnerMu sync.RWMutex
	byOwner   map[ownerPrefix]*database.Appservice

	roomsMu sync.RWMutex
	rooms   map[string]*database.Room

	usersByIDMu sync.RWMutex
	usersByID   map[string]*database.User

	usersByTokenMu sync.RWMutex
	usersByToken   map[string]*database.User

	stopOnce sync.Once
	stopCh   chan struct{}
}

type ownerPrefix struct {
	owner, prefix string
}

// New creates a Directory with empty caches.
func New(db *database.DB, bus pubsub.Bus, log zerolog.Logger) *Directory {
	return &Directory{
		DB:           db,
		Bus:          bus,
		Log:          log,
		byID:         make(map[uuid.UUID]*database.Appservice),
		byOwner:      make(map[ownerPrefix]*database.Appservice),
		rooms:        make(map[string]*database.Room),
		usersByID:    make(map[string]*database.User),
		usersByToken: make(map[string]*database.User),
		stopCh:       make(chan struct{}),
	}
}

// Run subscribes to the three invalidation channels and processes
// messages until ctx is canceled or Stop is called. On a receive
// error, every cache is dropped and the loop sleeps briefly before
// resubscribing (spec §4.A, "on pub/sub failure, the replica drops all
// three caches"; spec §9 keeps the original's reconnect-then-sleep
// ordering rather than sleeping before the next attempt).
func (d *Directory) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		default:
		}
		sub := d.Bus.Subscribe(ctx, AppserviceChannel, RoomChannel, UserChannel)
		d.readLoop(ctx, sub)
		sub.Close()
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-time.After(time.Second):
		}
	}
}

func (d *Directory) readLoop(ctx context.Context, sub pubsub.Subscription) {
	for {
		channel, payload, err := sub.Next(ctx)
		if err != nil {
			d.Log.Warn().Err(err).Msg("Redis pub/sub failure, dropping all caches")
			d.dropAllCaches()
			return
		}
		d.handleInvalidation(channel, payload)
	}
}

func (d *Directory) handleInvalidation(channel, payload string) {
	switch channel {
	case AppserviceChannel:
		id, err := uuid.Parse(payload)
		if err != nil {
			return
		}
		d.dropAppserviceCache(id)
	case RoomChannel:
		d.dropRoomCache(payload)
	case UserChannel:
		d.dropUserCache(payload)
	}
}

func (d *Directory) dropAllCaches() {
	d.byIDMu.Lock()
	d.byID = make(map[uuid.UUID]*database.Appservice)
	d.byIDMu.Unlock()

	d.byOwnerMu.Lock()
	d.byOwner = make(map[ownerPrefix]*database.Appservice)
	d.byOwnerMu.Unlock()

	d.roomsMu.Lock()
	d.rooms = make(map[string]*database.Room)
	d.roomsMu.Unlock()

	d.usersByIDMu.Lock()
	d.usersByID = make(map[string]*database.User)
	d.usersByIDMu.Unlock()

	d.usersByTokenMu.Lock()
	d.usersByToken = make(map[string]*database.User)
	d.usersByTokenMu.Unlock()
}

// Stop ends Run's loop.
func (d *Directory) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}
