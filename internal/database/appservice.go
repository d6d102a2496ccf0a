package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"go.mau.fi/util/random"
)

// Appservice is a bridge instance registered with the proxy: one row
// in the appservice table, joined with its owning user's login token.
//
// Invariant: (Owner, Prefix) is unique. RealASToken is the token
// exposed outward; ASToken alone is never handed to a homeserver or
// bridge.
type Appservice struct {
	ID     uuid.UUID
	Owner  string
	Prefix string

	Bot     string
	Address string
	HSToken string
	ASToken string
	Push    bool

	ConfigPasswordHash   []byte
	ConfigPasswordExpiry *int64
	PushKey              json.RawMessage

	LoginToken string
}

// Name is the human-readable "owner/prefix" identifier used in logs.
func (az *Appservice) Name() string {
	return fmt.Sprintf("%s/%s", az.Owner, az.Prefix)
}

// RealASToken is the token exposed externally: "{id}-{as_token}".
func (az *Appservice) RealASToken() string {
	return az.ID.String() + "-" + az.ASToken
}

// OwnerMXID is the Matrix user id of the appservice owner's main
// account, used to exempt owner-authored PDUs from stale eviction.
func OwnerMXID(owner, mxidSuffix string) string {
	return "@" + owner + mxidSuffix
}

// BotMXID is the ghost mxid of az's own bot user, built the same way
// the original's start_sync_proxy request does:
// "{mxid_prefix}{owner}_{prefix}_{bot}{mxid_suffix}".
func BotMXID(az *Appservice, mxidPrefix, mxidSuffix string) string {
	return mxidPrefix + az.Owner + "_" + az.Prefix + "_" + az.Bot + mxidSuffix
}

const appserviceColumns = `appservice.id, owner, prefix, bot, address, hs_token, as_token, push,
	"user".login_token, config_password_hash, config_password_expiry, push_key`

const appserviceFrom = `FROM appservice JOIN "user" ON "user".id = appservice.owner`

func scanAppservice(row interface{ Scan(...any) error }) (*Appservice, error) {
	var az Appservice
	var pushKey sql.NullString
	err := row.Scan(&az.ID, &az.Owner, &az.Prefix, &az.Bot, &az.Address, &az.HSToken,
		&az.ASToken, &az.Push, &az.LoginToken, &az.ConfigPasswordHash,
		&az.ConfigPasswordExpiry, &pushKey)
	if err != nil {
		return nil, err
	}
	if pushKey.Valid {
		az.PushKey = json.RawMessage(pushKey.String)
	}
	return &az, nil
}

// GetAppservice loads an appservice by id. Returns (nil, nil) if not found.
func (db *DB) GetAppservice(ctx context.Context, id uuid.UUID) (*Appservice, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+appserviceColumns+` `+appserviceFrom+` WHERE appservice.id=$1`, id)
	az, err := scanAppservice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return az, err
}

// FindAppservice loads an appservice by (owner, prefix). Returns (nil, nil) if not found.
func (db *DB) FindAppservice(ctx context.Context, owner, prefix string) (*Appservice, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+appserviceColumns+` `+appserviceFrom+` WHERE owner=$1 AND prefix=$2`,
		owner, prefix)
	az, err := scanAppservice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return az, err
}

// GetManyAppservices loads every appservice whose id is in ids.
func (db *DB) GetManyAppservices(ctx context.Context, ids []uuid.UUID) ([]*Appservice, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+appserviceColumns+` `+appserviceFrom+` WHERE appservice.id = ANY($1::uuid[])`,
		pq.Array(uuidArray(ids)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Appservice
	for rows.Next() {
		az, err := scanAppservice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, az)
	}
	return out, rows.Err()
}

// ListAppservices loads every registered appservice, used at startup
// to bootstrap one queue consumer per push-mode appservice (spec §2,
// "a per-appservice consumer chooses Deliverer E if...pull...or D if
// push").
func (db *DB) ListAppservices(ctx context.Context) ([]*Appservice, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+appserviceColumns+` `+appserviceFrom)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Appservice
	for rows.Next() {
		az, err := scanAppservice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, az)
	}
	return out, rows.Err()
}

// FindOrCreateAppservice returns the existing (owner, prefix) appservice
// or provisions a new one with freshly generated tokens. Mirrors the
// original's double-checked transaction pattern: original_source's
// database/table/appservice.py find_or_create.
func (db *DB) FindOrCreateAppservice(ctx context.Context, owner, prefix, bot, address string, push bool) (az *Appservice, created bool, err error) {
	existing, err := db.FindAppservice(ctx, owner, prefix)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT `+appserviceColumns+` `+appserviceFrom+` WHERE owner=$1 AND prefix=$2`,
		owner, prefix)
	existing, err = scanAppservice(row)
	if err != nil && err != sql.ErrNoRows {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, tx.Commit()
	}

	newAZ := &Appservice{
		ID:      uuid.New(),
		Owner:   owner,
		Prefix:  prefix,
		Bot:     bot,
		Address: address,
		// The input AS token also contains the UUID, so this is kept
		// shorter than the HS token.
		HSToken: random.String(48),
		ASToken: random.String(20),
		Push:    push,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO appservice (id, owner, prefix, bot, address, hs_token, as_token, push)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		newAZ.ID, newAZ.Owner, newAZ.Prefix, newAZ.Bot, newAZ.Address, newAZ.HSToken,
		newAZ.ASToken, newAZ.Push)
	if err != nil {
		return nil, false, err
	}
	if err = tx.Commit(); err != nil {
		return nil, false, err
	}
	return newAZ, true, nil
}

// SetAddress updates the upstream HTTP address. Returns false if
// address is unchanged.
func (db *DB) SetAddress(ctx context.Context, az *Appservice, address string) (bool, error) {
	if az.Address == address {
		return false, nil
	}
	_, err := db.ExecContext(ctx, `UPDATE appservice SET address=$2 WHERE id=$1`, az.ID, address)
	if err != nil {
		return false, err
	}
	az.Address = address
	return true, nil
}

// SetPush flips push/pull mode.
func (db *DB) SetPush(ctx context.Context, az *Appservice, push bool) error {
	if push == az.Push {
		return nil
	}
	_, err := db.ExecContext(ctx, `UPDATE appservice SET push=$2 WHERE id=$1`, az.ID, push)
	if err != nil {
		return err
	}
	az.Push = push
	return nil
}

// SetPushKey stores a new push descriptor, or clears it if pushKey has
// no pushkey value (original_source: set_push_key nulls an empty key).
func (db *DB) SetPushKey(ctx context.Context, az *Appservice, pushKey *PushKey) error {
	if pushKey != nil && pushKey.PushKey == "" {
		pushKey = nil
	}
	var raw json.RawMessage
	if pushKey != nil {
		data, err := json.Marshal(pushKey)
		if err != nil {
			return err
		}
		raw = data
	}
	_, err := db.ExecContext(ctx, `UPDATE appservice SET push_key=$2 WHERE id=$1`, az.ID,
		nullableJSON(raw))
	if err != nil {
		return err
	}
	az.PushKey = raw
	return nil
}

// GeneratePassword creates a new configuration password for az, stores
// its bcrypt hash, and returns the plaintext token to hand to the
// caller once.
func (db *DB) GeneratePassword(ctx context.Context, az *Appservice, lifetimeSeconds *int64) (string, error) {
	token := random.String(32)
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	var expiry *int64
	if lifetimeSeconds != nil {
		exp := nowUnix() + *lifetimeSeconds
		expiry = &exp
	}
	_, err = db.ExecContext(ctx,
		`UPDATE appservice SET config_password_hash=$2, config_password_expiry=$3 WHERE id=$1`,
		az.ID, hash, expiry)
	if err != nil {
		return "", err
	}
	az.ConfigPasswordHash = hash
	az.ConfigPasswordExpiry = expiry
	return token, nil
}

// CheckPassword verifies password against the stored hash and expiry.
func (az *Appservice) CheckPassword(password string) bool {
	if len(az.ConfigPasswordHash) == 0 {
		return false
	}
	if err := bcrypt.CompareHashAndPassword(az.ConfigPasswordHash, []byte(password)); err != nil {
		return false
	}
	if az.ConfigPasswordExpiry != nil && *az.ConfigPasswordExpiry < nowUnix() {
		return false
	}
	return true
}

// DeleteAppservice removes an appservice row. Deletion cascades to
// rooms at the schema level (ON DELETE CASCADE); callers are
// responsible for tearing down the delivery queue separately since
// that lives in Redis, not Postgres.
func (db *DB) DeleteAppservice(ctx context.Context, id uuid.UUID) error {
	_, err := db.ExecContext(ctx, `DELETE FROM appservice WHERE id=$1`, id)
	return err
}

func uuidArray(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
