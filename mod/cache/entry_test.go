package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_EncodeDecode(t *testing.T) {
	entry := newTestEntry("v1|GET|/api/resource/Item|x=1", `{"data":[]}`)
	entry.Encoding = "br"

	raw, err := entry.Encode()
	require.NoError(t, err)

	got, err := DecodeEntry(raw)
	require.NoError(t, err)
	assert.Equal(t, entry.Key, got.Key)
	assert.Equal(t, entry.Body, got.Body)
	assert.Equal(t, "br", got.Encoding)
	assert.True(t, entry.CachedAt.Equal(got.CachedAt))
	assert.Equal(t, "application/json", got.ContentType())
}

func TestEntry_DecodeRejectsUntagged(t *testing.T) {
	_, err := DecodeEntry([]byte(`{"body":"aGk=","cached_at":"2026-10-19T08:00:00Z"}`))
	assert.Error(t, err)

	_, err = DecodeEntry([]byte(`{"v":1,"body":"aGk="}`))
	assert.Error(t, err)

	_, err = DecodeEntry([]byte(`not json`))
	assert.Error(t, err)
}

func TestEntry_Freshness(t *testing.T) {
	cachedAt := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)
	entry := &Entry{CachedAt: cachedAt}
	window := 2 * time.Hour

	tests := []struct {
		name      string
		now       time.Time
		wantFresh bool
		wantMins  int
	}{
		{"just cached", cachedAt, true, 0},
		{"90 minutes", cachedAt.Add(90 * time.Minute), true, 90},
		{"exactly at window", cachedAt.Add(window), false, 120},
		{"150 minutes", cachedAt.Add(150 * time.Minute), false, 150},
		{"clock skew", cachedAt.Add(-time.Minute), true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantFresh, entry.IsFresh(tt.now, window))
			assert.Equal(t, tt.wantMins, entry.AgeMinutes(tt.now))
		})
	}
}

func TestEntry_CloneIsDeep(t *testing.T) {
	entry := newTestEntry("k", "abc")
	c := entry.Clone()
	c.Body[0] = 'z'
	c.Header.Set("X-Offline-Mode", "true")

	assert.Equal(t, "abc", string(entry.Body))
	assert.Empty(t, entry.Header.Get("X-Offline-Mode"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{Capacity: 10})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "v1|GET|/a|", newTestEntry("v1|GET|/a|", "a")))
	require.NoError(t, store.Put(ctx, "v1|GET|/b|", newTestEntry("v1|GET|/b|", "b")))
	require.NoError(t, store.Put(ctx, "v2|GET|/a|", newTestEntry("v2|GET|/a|", "a2")))

	got, found, err := store.Get(ctx, "v1|GET|/a|")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", string(got.Body))

	// returned entries are copies
	got.Body[0] = 'x'
	again, _, _ := store.Get(ctx, "v1|GET|/a|")
	assert.Equal(t, "a", string(again.Body))

	require.NoError(t, store.PurgePrefix(ctx, "v1|"))
	assert.Equal(t, 1, store.Len())

	_, err = Lookup(ctx, store, "v1|GET|/a|")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryStore_TTL(t *testing.T) {
	store := NewMemoryStore(MemoryStoreConfig{TTL: 50 * time.Millisecond})
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", newTestEntry("k", "v")))
	time.Sleep(120 * time.Millisecond)

	_, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisStore_Unreachable(t *testing.T) {
	_, err := NewRedisStore(RedisStoreConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
