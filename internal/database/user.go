package database

import (
	"context"
	"database/sql"

	"go.mau.fi/util/random"
)

// User is the owner of one or more appservices.
type User struct {
	ID         string
	APIToken   string
	LoginToken string
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.APIToken, &u.LoginToken); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser loads a user by id. Returns (nil, nil) if not found.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, api_token, login_token FROM "user" WHERE id=$1`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// FindUserByAPIToken loads a user by their API token. Returns (nil, nil) if not found.
func (db *DB) FindUserByAPIToken(ctx context.Context, apiToken string) (*User, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, api_token, login_token FROM "user" WHERE api_token=$1`, apiToken)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

// GetOrCreateUser loads an existing user by id or provisions a new one
// with freshly generated tokens.
func (db *DB) GetOrCreateUser(ctx context.Context, id string) (*User, error) {
	u, err := db.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u != nil {
		return u, nil
	}
	u = &User{
		ID:         id,
		APIToken:   random.String(64),
		LoginToken: random.String(64),
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO "user" (id, api_token, login_token) VALUES ($1, $2, $3)`,
		u.ID, u.APIToken, u.LoginToken)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// DeleteUser removes a user row. Appservices reference users by a
// foreign key, so callers must delete those first.
func (db *DB) DeleteUser(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM "user" WHERE id=$1`, id)
	return err
}
