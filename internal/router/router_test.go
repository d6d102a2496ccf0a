package router_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-asmux/internal/database"
	"maunium.net/go/mautrix-asmux/internal/dispatch"
	"maunium.net/go/mautrix-asmux/internal/events"
	"maunium.net/go/mautrix-asmux/internal/queue"
	"maunium.net/go/mautrix-asmux/internal/router"
)

// fakeDirectory is a minimal, DB-less stand-in satisfying router.Directory.
type fakeDirectory struct {
	mu          sync.Mutex
	appservices map[uuid.UUID]*database.Appservice
	byOwner     map[[2]string]*database.Appservice
	rooms       map[string]*database.Room
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		appservices: make(map[uuid.UUID]*database.Appservice),
		byOwner:     make(map[[2]string]*database.Appservice),
		rooms:       make(map[string]*database.Room),
	}
}

func (d *fakeDirectory) addAppservice(az *database.Appservice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appservices[az.ID] = az
	d.byOwner[[2]string{az.Owner, az.Prefix}] = az
}

func (d *fakeDirectory) GetAppservice(ctx context.Context, id uuid.UUID) (*database.Appservice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.appservices[id], nil
}

func (d *fakeDirectory) FindAppservice(ctx context.Context, owner, prefix string) (*database.Appservice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byOwner[[2]string{owner, prefix}], nil
}

func (d *fakeDirectory) GetRoom(ctx context.Context, id string) (*database.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rooms[id], nil
}

func (d *fakeDirectory) RegisterRoom(ctx context.Context, roomID string, appserviceID uuid.UUID) (*database.Room, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	room := &database.Room{ID: roomID, Owner: appserviceID}
	d.rooms[roomID] = room
	return room, nil
}

const mxidPrefix = "@bridge_"
const mxidSuffix = ":example.com"

func memberEvent(roomID, stateKey string) events.JSON {
	return events.JSON(`{"type":"m.room.member","room_id":"` + roomID + `","state_key":"` + stateKey + `"}`)
}

func TestKnownRoomRoutesToItsOwner(t *testing.T) {
	dir := newFakeDirectory()
	az := &database.Appservice{ID: uuid.New(), Owner: "acme", Prefix: "telegram"}
	dir.addAppservice(az)
	dir.rooms["!room:example.com"] = &database.Room{ID: "!room:example.com", Owner: az.ID}

	r := router.New(dir, queue.NewFakeStream(), dispatch.NewTable(), mxidPrefix, mxidSuffix, zerolog.Nop())
	pdu := events.JSON(`{"type":"m.room.message","room_id":"!room:example.com"}`)

	result, err := r.HandleTransaction(context.Background(), "txn1", []events.JSON{pdu}, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, result) // not in synchronous_to
}

func TestUnknownRoomWithGhostMembershipRegistersRoom(t *testing.T) {
	dir := newFakeDirectory()
	az := &database.Appservice{ID: uuid.New(), Owner: "acme", Prefix: "telegram"}
	dir.addAppservice(az)

	r := router.New(dir, queue.NewFakeStream(), dispatch.NewTable(), mxidPrefix, mxidSuffix, zerolog.Nop())
	ghost := mxidPrefix + "acme_telegram_12345" + mxidSuffix
	evt := memberEvent("!newroom:example.com", ghost)

	_, err := r.HandleTransaction(context.Background(), "txn1", []events.JSON{evt}, nil, nil, nil)
	require.NoError(t, err)

	room, err := dir.GetRoom(context.Background(), "!newroom:example.com")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, az.ID, room.Owner)
}

func TestUnroutableEventIsDropped(t *testing.T) {
	dir := newFakeDirectory()
	r := router.New(dir, queue.NewFakeStream(), dispatch.NewTable(), mxidPrefix, mxidSuffix, zerolog.Nop())
	evt := events.JSON(`{"type":"m.room.message","room_id":"!unknown:example.com"}`)

	result, err := r.HandleTransaction(context.Background(), "txn1", []events.JSON{evt}, nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestSynchronousOwnerAwaitsDeliveryOutcome(t *testing.T) {
	dir := newFakeDirectory()
	az := &database.Appservice{ID: uuid.New(), Owner: "acme", Prefix: "telegram"}
	dir.addAppservice(az)
	dir.rooms["!room:example.com"] = &database.Room{ID: "!room:example.com", Owner: az.ID}

	stream := queue.NewFakeStream()
	tbl := dispatch.NewTable()
	r := router.New(dir, stream, tbl, mxidPrefix, mxidSuffix, zerolog.Nop())

	// Pre-register the correlation key the router will use so that
	// Notify (simulating a deliverer reporting an outcome) can safely
	// race with HandleTransaction's own (idempotent) Register call.
	key := az.ID.String() + ":txn1"
	tbl.Register(key)
	tbl.Notify([]string{key}, true)

	pdu := events.JSON(`{"type":"m.room.message","room_id":"!room:example.com"}`)
	result, err := r.HandleTransaction(context.Background(), "txn1", []events.JSON{pdu}, nil, nil,
		[]string{az.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{az.ID.String(): true}, result)
}

func TestOTKCountRoutesToGhostOwner(t *testing.T) {
	dir := newFakeDirectory()
	az := &database.Appservice{ID: uuid.New(), Owner: "acme", Prefix: "telegram"}
	dir.addAppservice(az)

	r := router.New(dir, queue.NewFakeStream(), dispatch.NewTable(), mxidPrefix, mxidSuffix, zerolog.Nop())
	ghost := mxidPrefix + "acme_telegram_12345" + mxidSuffix
	otk := map[string]json.RawMessage{ghost: json.RawMessage(`{"signed_curve25519":5}`)}

	_, err := r.HandleTransaction(context.Background(), "txn1", nil, nil, otk, nil)
	require.NoError(t, err)
}
