package directory

import (
	"context"

	"maunium.net/go/mautrix-asmux/internal/database"
)

func (d *Directory) cacheUser(u *database.User) {
	d.usersByIDMu.Lock()
	d.usersByID[u.ID] = u
	d.usersByIDMu.Unlock()

	d.usersByTokenMu.Lock()
	d.usersByToken[u.APIToken] = u
	d.usersByTokenMu.Unlock()
}

func (d *Directory) dropUserCache(id string) {
	d.usersByIDMu.Lock()
	u, ok := d.usersByID[id]
	if ok {
		delete(d.usersByID, id)
	}
	d.usersByIDMu.Unlock()
	if !ok {
		return
	}
	d.usersByTokenMu.Lock()
	delete(d.usersByToken, u.APIToken)
	d.usersByTokenMu.Unlock()
}

// GetUser looks up a user by id.
func (d *Directory) GetUser(ctx context.Context, id string) (*database.User, error) {
	d.usersByIDMu.RLock()
	u, ok := d.usersByID[id]
	d.usersByIDMu.RUnlock()
	if ok {
		return u, nil
	}
	u, err := d.DB.GetUser(ctx, id)
	if err != nil || u == nil {
		return u, err
	}
	d.cacheUser(u)
	return u, nil
}

// FindUserByAPIToken looks up a user by their API token.
func (d *Directory) FindUserByAPIToken(ctx context.Context, token string) (*database.User, error) {
	d.usersByTokenMu.RLock()
	u, ok := d.usersByToken[token]
	d.usersByTokenMu.RUnlock()
	if ok {
		return u, nil
	}
	u, err := d.DB.FindUserByAPIToken(ctx, token)
	if err != nil || u == nil {
		return u, err
	}
	d.cacheUser(u)
	return u, nil
}

// InvalidateUser drops the local cache entry and publishes an
// invalidation to every other replica.
func (d *Directory) InvalidateUser(ctx context.Context, id string) {
	d.dropUserCache(id)
	if err := d.Bus.Publish(ctx, UserChannel, id); err != nil {
		d.Log.Warn().Err(err).Str("user_id", id).
			Msg("Failed to publish user cache invalidation")
	}
}
