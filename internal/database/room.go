package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// Room maps a Matrix room id to its owning appservice. Deletion is
// soft: a deleted room is kept around (Deleted=true) so stale traffic
// for it is dropped silently rather than re-registered.
type Room struct {
	ID      string
	Owner   uuid.UUID
	Deleted bool
}

// GetRoom loads a room by id. Returns (nil, nil) if the room doesn't
// exist or has been soft-deleted — either way, the caller should treat
// it as "no owner".
func (db *DB) GetRoom(ctx context.Context, id string) (*Room, error) {
	var r Room
	err := db.QueryRowContext(ctx,
		`SELECT id, owner, deleted FROM room WHERE id=$1`, id).
		Scan(&r.ID, &r.Owner, &r.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, nil
	}
	return &r, nil
}

// RegisterRoom creates a room owned by the given appservice. Called
// the first time a membership event for one of its ghosts is observed
// in a room the directory doesn't know about yet.
func (db *DB) RegisterRoom(ctx context.Context, id string, owner uuid.UUID) (*Room, error) {
	_, err := db.ExecContext(ctx,
		`INSERT INTO room (id, owner) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET owner=$2, deleted=false`,
		id, owner)
	if err != nil {
		return nil, err
	}
	return &Room{ID: id, Owner: owner}, nil
}

// SoftDeleteRoom marks a room deleted without removing its row.
func (db *DB) SoftDeleteRoom(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `UPDATE room SET deleted=true WHERE id=$1`, id)
	return err
}
