package cache

import (
	"context"
	"errors"
)

// ErrCacheMiss is returned by helpers that need to distinguish a miss from
// a backend failure. Store.Get reports misses through its found flag.
var ErrCacheMiss = errors.New("cache miss")

// CacheStore defines the interface for cache storage backends
type CacheStore interface {
	// Get retrieves a cached entry by key
	// Returns the entry, found flag, and any error
	Get(ctx context.Context, key string) (*Entry, bool, error)

	// Put stores an entry, replacing any previous value for the key
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete removes a cached entry by key
	Delete(ctx context.Context, key string) error

	// PurgePrefix removes all cached entries with keys matching the prefix.
	// An empty prefix clears the whole store.
	PurgePrefix(ctx context.Context, prefix string) error

	// Close cleanly shuts down the cache store
	Close() error
}

// Lookup wraps Get and turns a miss into ErrCacheMiss
func Lookup(ctx context.Context, store CacheStore, key string) (*Entry, error) {
	entry, found, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrCacheMiss
	}
	return entry, nil
}
