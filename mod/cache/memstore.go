package cache

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore implements CacheStore in process memory. Entries do not
// survive a restart, so it suits kiosks that precache on every boot.
type MemoryStore struct {
	items   *ttlcache.Cache[string, *Entry]
	started bool
}

// MemoryStoreConfig holds configuration for the memory store
type MemoryStoreConfig struct {
	// Capacity bounds the number of entries, 0 means unbounded
	Capacity uint64

	// TTL evicts entries after this duration, 0 keeps them until purged
	TTL time.Duration
}

// NewMemoryStore creates a new in-memory cache store
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	opts := []ttlcache.Option[string, *Entry]{
		ttlcache.WithTTL[string, *Entry](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, *Entry](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *Entry](cfg.Capacity))
	}

	ms := &MemoryStore{items: ttlcache.New[string, *Entry](opts...)}
	if cfg.TTL > 0 {
		ms.started = true
		go ms.items.Start()
	}

	return ms
}

// Get retrieves a cached entry
func (ms *MemoryStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	item := ms.items.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return item.Value().Clone(), true, nil
}

// Put stores an entry
func (ms *MemoryStore) Put(ctx context.Context, key string, entry *Entry) error {
	ms.items.Set(key, entry.Clone(), ttlcache.DefaultTTL)
	return nil
}

// Delete removes a cached entry
func (ms *MemoryStore) Delete(ctx context.Context, key string) error {
	ms.items.Delete(key)
	return nil
}

// PurgePrefix removes all cached entries with keys starting with the prefix
func (ms *MemoryStore) PurgePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		ms.items.DeleteAll()
		return nil
	}
	for _, key := range ms.items.Keys() {
		if strings.HasPrefix(key, prefix) {
			ms.items.Delete(key)
		}
	}
	return nil
}

// Len returns the number of live entries
func (ms *MemoryStore) Len() int {
	return ms.items.Len()
}

// Close stops the expiry loop
func (ms *MemoryStore) Close() error {
	if ms.started {
		ms.items.Stop()
	}
	return nil
}
