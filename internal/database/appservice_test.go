package database_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-asmux/internal/database"
)

// openTestDB connects to a real Postgres instance when one is
// configured via ASMUX_TEST_POSTGRES_DSN, and skips otherwise. The
// store has no fake-able interface (it's a thin wrapper over
// database/sql), so these run as integration tests rather than unit
// tests, the same way the original project's table classes were only
// ever tested against a live asyncpg pool.
func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	dsn := os.Getenv("ASMUX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ASMUX_TEST_POSTGRES_DSN not set, skipping database integration test")
	}
	db, err := database.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, db.Upgrade(ctx))
	t.Cleanup(func() { db.Close() })
	return db
}

func TestFindOrCreateAppserviceIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.GetOrCreateUser(ctx, "acme")
	require.NoError(t, err)

	az1, created1, err := db.FindOrCreateAppservice(ctx, "acme", "telegram", "bot", "", false)
	require.NoError(t, err)
	require.True(t, created1)

	az2, created2, err := db.FindOrCreateAppservice(ctx, "acme", "telegram", "bot", "", false)
	require.NoError(t, err)
	require.False(t, created2)
	require.Equal(t, az1.ID, az2.ID)
}

func TestSetPushKeyNullsEmptyKey(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.GetOrCreateUser(ctx, "acme2")
	require.NoError(t, err)
	az, _, err := db.FindOrCreateAppservice(ctx, "acme2", "telegram", "bot", "", false)
	require.NoError(t, err)

	err = db.SetPushKey(ctx, az, &database.PushKey{AppID: "x", PushKey: ""})
	require.NoError(t, err)
	require.Nil(t, az.PushKey)
}

func TestCheckPasswordExpiry(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	_, err := db.GetOrCreateUser(ctx, "acme3")
	require.NoError(t, err)
	az, _, err := db.FindOrCreateAppservice(ctx, "acme3", "telegram", "bot", "", false)
	require.NoError(t, err)

	lifetime := int64(-1) // already expired
	token, err := db.GeneratePassword(ctx, az, &lifetime)
	require.NoError(t, err)
	require.False(t, az.CheckPassword(token))
}
