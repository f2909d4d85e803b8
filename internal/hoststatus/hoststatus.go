// Package hoststatus serves host snapshots from the cache store, reading
// through to the host repository on a miss.
//
// Entries are snapshots, never authoritative. Every successful write to the
// repository must be followed by Invalidate before the write is reported to
// its caller. Cached hosts are JSON-encoded and therefore never carry the
// encrypted credential; callers that need it read the repository.
//
// There is no locking: two concurrent misses for the same key may both read
// the repository and both write the cache. Both writes are equivalent
// snapshots, so last write wins.
package hoststatus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gluk-w/hostdeck/internal/cache"
	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/logging"
	"github.com/gluk-w/hostdeck/internal/metrics"
	"go.uber.org/zap"
)

// AllKey is the id under which the full host list is cached.
const AllKey = "all"

const keyPrefix = "hoststatus:"

// Repository is the read side of database.HostRepository.
type Repository interface {
	ListHosts(ctx context.Context) ([]database.Host, error)
	GetHost(ctx context.Context, id string) (*database.Host, error)
}

type Cache struct {
	store cache.Store
	repo  Repository
	log   *zap.Logger
}

func New(store cache.Store, repo Repository, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{store: store, repo: repo, log: log.Named("hoststatus")}
}

// Key returns the cache key for a host id or AllKey.
func Key(id string) string {
	return keyPrefix + id
}

// GetAll returns every host ordered by name.
func (c *Cache) GetAll(ctx context.Context) ([]database.Host, error) {
	var hosts []database.Host
	hit, err := c.lookup(ctx, "all", AllKey, &hosts)
	if err != nil {
		return nil, err
	}
	if hit {
		return hosts, nil
	}

	hosts, err = c.repo.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	if hosts == nil {
		hosts = []database.Host{}
	}
	if err := c.populate(ctx, AllKey, hosts); err != nil {
		return nil, err
	}
	return hosts, nil
}

// GetOne returns host id. database.ErrHostNotFound passes through and is
// not cached.
func (c *Cache) GetOne(ctx context.Context, id string) (*database.Host, error) {
	var host database.Host
	hit, err := c.lookup(ctx, "one", id, &host)
	if err != nil {
		return nil, err
	}
	if hit {
		return &host, nil
	}

	h, err := c.repo.GetHost(ctx, id)
	if err != nil {
		return nil, err
	}
	h.Credential = ""
	if err := c.populate(ctx, id, h); err != nil {
		return nil, err
	}
	return h, nil
}

// Invalidate drops the entries for ids. Pass AllKey to drop the list.
func (c *Cache) Invalidate(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = Key(id)
	}
	if err := c.store.Invalidate(ctx, keys...); err != nil {
		c.log.Error("cache invalidation failed", zap.Strings("ids", ids), zap.Error(err))
		return err
	}
	metrics.CacheInvalidations.Add(float64(len(keys)))
	c.log.Debug("cache invalidated", zap.Strings("ids", ids))
	return nil
}

// InvalidateHost drops the entry for id together with the list.
func (c *Cache) InvalidateHost(ctx context.Context, id string) error {
	return c.Invalidate(ctx, id, AllKey)
}

func (c *Cache) lookup(ctx context.Context, kind, id string, dst any) (bool, error) {
	raw, found, err := c.store.Get(ctx, Key(id))
	if err != nil {
		metrics.CacheLookups.WithLabelValues(kind, "error").Inc()
		c.log.Error("cache get failed", logging.HostID(id), zap.Error(err))
		return false, err
	}
	if !found {
		metrics.CacheLookups.WithLabelValues(kind, "miss").Inc()
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		metrics.CacheLookups.WithLabelValues(kind, "error").Inc()
		return false, fmt.Errorf("decode cached %s: %w", Key(id), err)
	}
	metrics.CacheLookups.WithLabelValues(kind, "hit").Inc()
	return true, nil
}

func (c *Cache) populate(ctx context.Context, id string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", Key(id), err)
	}
	if err := c.store.Set(ctx, Key(id), raw); err != nil {
		c.log.Error("cache set failed", logging.HostID(id), zap.Error(err))
		return err
	}
	return nil
}
