package database

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one named schema upgrade, applied in order. Mirrors
// the original's database/upgrade/*.py files, collapsed into one
// ordered table instead of one file per revision.
type migration struct {
	name string
	run  func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		name: "001_initial_revision",
		run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `CREATE TABLE "user"(
				id          VARCHAR(32) PRIMARY KEY,
				api_token   VARCHAR(255) NOT NULL,
				login_token VARCHAR(255) NOT NULL
			)`)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `CREATE TABLE appservice (
				id     UUID         PRIMARY KEY,
				owner  VARCHAR(32)  NOT NULL REFERENCES "user"(id),
				prefix VARCHAR(32)  NOT NULL,

				bot      VARCHAR(32)  NOT NULL,
				address  VARCHAR(255) NOT NULL,
				hs_token VARCHAR(255) NOT NULL,
				as_token VARCHAR(255) NOT NULL,
				push     BOOLEAN      NOT NULL DEFAULT true,

				UNIQUE (owner, prefix)
			)`)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `CREATE TABLE room (
				id    VARCHAR(255) PRIMARY KEY,
				owner UUID REFERENCES appservice(id) ON DELETE CASCADE
			)`)
			return err
		},
	},
	{
		name: "002_room_deleted",
		run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`ALTER TABLE room ADD COLUMN deleted BOOLEAN NOT NULL DEFAULT false`)
			return err
		},
	},
	{
		name: "003_appservice_push_key",
		run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `ALTER TABLE appservice ADD COLUMN push_key jsonb`)
			return err
		},
	},
	{
		name: "004_appservice_config_password",
		run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `ALTER TABLE appservice
				ADD COLUMN config_password_hash bytea,
				ADD COLUMN config_password_expiry BIGINT`)
			return err
		},
	},
}

// Upgrade applies every migration that hasn't run yet, tracked in a
// version table the same way mautrix.util.async_db's upgrade table
// does.
func (db *DB) Upgrade(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS asmux_version (
		version INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	applied := 0
	row := db.QueryRowContext(ctx, `SELECT version FROM asmux_version LIMIT 1`)
	_ = row.Scan(&applied)

	for i := applied; i < len(migrations); i++ {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err = m.run(ctx, tx); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("migration %s failed: %w", m.name, err)
		}
		if err = tx.Commit(); err != nil {
			return err
		}
		db.Log.Info().Str("migration", m.name).Msg("Applied database migration")
		applied = i + 1
	}

	if applied > 0 {
		_, err := db.ExecContext(ctx, `DELETE FROM asmux_version`)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, `INSERT INTO asmux_version (version) VALUES ($1)`, applied)
		if err != nil {
			return err
		}
	}
	return nil
}
