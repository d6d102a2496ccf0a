package directory

import (
	"context"

	"github.com/google/uuid"

	"maunium.net/go/mautrix-asmux/internal/database"
)

func (d *Directory) cacheAppservice(az *database.Appservice) {
	d.byIDMu.Lock()
	d.byID[az.ID] = az
	d.byIDMu.Unlock()

	d.byOwnerMu.Lock()
	d.byOwner[ownerPrefix{az.Owner, az.Prefix}] = az
	d.byOwnerMu.Unlock()
}

func (d *Directory) dropAppserviceCache(id uuid.UUID) {
	d.byIDMu.Lock()
	az, ok := d.byID[id]
	if ok {
		delete(d.byID, id)
	}
	d.byIDMu.Unlock()
	if !ok {
		return
	}
	d.byOwnerMu.Lock()
	delete(d.byOwner, ownerPrefix{az.Owner, az.Prefix})
	d.byOwnerMu.Unlock()
}

// GetAppservice looks up an appservice by id, consulting the cache
// first and falling back to the store on miss.
func (d *Directory) GetAppservice(ctx context.Context, id uuid.UUID) (*database.Appservice, error) {
	d.byIDMu.RLock()
	az, ok := d.byID[id]
	d.byIDMu.RUnlock()
	if ok {
		return az, nil
	}
	az, err := d.DB.GetAppservice(ctx, id)
	if err != nil || az == nil {
		return az, err
	}
	d.cacheAppservice(az)
	return az, nil
}

// FindAppservice looks up an appservice by (owner, prefix).
func (d *Directory) FindAppservice(ctx context.Context, owner, prefix string) (*database.Appservice, error) {
	d.byOwnerMu.RLock()
	az, ok := d.byOwner[ownerPrefix{owner, prefix}]
	d.byOwnerMu.RUnlock()
	if ok {
		return az, nil
	}
	az, err := d.DB.FindAppservice(ctx, owner, prefix)
	if err != nil || az == nil {
		return az, err
	}
	d.cacheAppservice(az)
	return az, nil
}

// GetManyAppservices resolves a batch of ids, filling cache misses
// from the store in a single query.
func (d *Directory) GetManyAppservices(ctx context.Context, ids []uuid.UUID) ([]*database.Appservice, error) {
	out := make([]*database.Appservice, 0, len(ids))
	var misses []uuid.UUID
	d.byIDMu.RLock()
	for _, id := range ids {
		if az, ok := d.byID[id]; ok {
			out = append(out, az)
		} else {
			misses = append(misses, id)
		}
	}
	d.byIDMu.RUnlock()
	if len(misses) == 0 {
		return out, nil
	}
	loaded, err := d.DB.GetManyAppservices(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, az := range loaded {
		d.cacheAppservice(az)
		out = append(out, az)
	}
	return out, nil
}

// InvalidateAppservice drops the local cache entry and publishes an
// invalidation to every other replica. Callers perform this after any
// authoritative write, per spec §9 ("refresh the cache entry on any
// authoritative write rather than rely solely on the channel").
func (d *Directory) InvalidateAppservice(ctx context.Context, id uuid.UUID) {
	d.dropAppserviceCache(id)
	if err := d.Bus.Publish(ctx, AppserviceChannel, id.String()); err != nil {
		d.Log.Warn().Err(err).Str("appservice_id", id.String()).
			Msg("Failed to publish appservice cache invalidation")
	}
}
