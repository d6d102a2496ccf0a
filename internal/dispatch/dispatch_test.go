package dispatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix-asmux/internal/dispatch"
)

func TestAwaitReceivesNotifiedOutcome(t *testing.T) {
	table := dispatch.NewTable()
	table.Register("az1:1-0")

	go func() {
		time.Sleep(5 * time.Millisecond)
		table.Notify([]string{"az1:1-0"}, true)
	}()

	ok, err := table.Await(context.Background(), "az1:1-0")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAwaitTimesOutWithoutNotify(t *testing.T) {
	table := dispatch.NewTable()
	table.Register("az1:1-0")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := table.Await(ctx, "az1:1-0")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	table.Abandon("az1:1-0")
}

func TestUnregisteredIDAwaitsImmediately(t *testing.T) {
	table := dispatch.NewTable()
	ok, err := table.Await(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNotifyIgnoresUnregisteredIDs(t *testing.T) {
	table := dispatch.NewTable()
	table.Notify([]string{"nonexistent"}, true)
}
