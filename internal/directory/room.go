package directory

import (
	"context"

	"github.com/google/uuid"

	"maunium.net/go/mautrix-asmux/internal/database"
)

func (d *Directory) cacheRoom(room *database.Room) {
	d.roomsMu.Lock()
	d.rooms[room.ID] = room
	d.roomsMu.Unlock()
}

func (d *Directory) dropRoomCache(id string) {
	d.roomsMu.Lock()
	delete(d.rooms, id)
	d.roomsMu.Unlock()
}

// GetRoom looks up a room's owner by room id.
func (d *Directory) GetRoom(ctx context.Context, id string) (*database.Room, error) {
	d.roomsMu.RLock()
	room, ok := d.rooms[id]
	d.roomsMu.RUnlock()
	if ok {
		return room, nil
	}
	room, err := d.DB.GetRoom(ctx, id)
	if err != nil || room == nil {
		return room, err
	}
	d.cacheRoom(room)
	return room, nil
}

// RegisterRoom creates a room owned by appserviceID and caches it.
func (d *Directory) RegisterRoom(ctx context.Context, roomID string, appserviceID uuid.UUID) (*database.Room, error) {
	room, err := d.DB.RegisterRoom(ctx, roomID, appserviceID)
	if err != nil {
		return nil, err
	}
	d.cacheRoom(room)
	return room, nil
}

// InvalidateRoom drops the local cache entry and publishes an
// invalidation to every other replica.
func (d *Directory) InvalidateRoom(ctx context.Context, id string) {
	d.dropRoomCache(id)
	if err := d.Bus.Publish(ctx, RoomChannel, id); err != nil {
		d.Log.Warn().Err(err).Str("room_id", id).
			Msg("Failed to publish room cache invalidation")
	}
}
