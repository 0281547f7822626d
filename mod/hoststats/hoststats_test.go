package hoststats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imuslab.com/offlinegw/mod/database"
	"imuslab.com/offlinegw/mod/gateway"
)

func newCollector(t *testing.T, db *database.Database) *Collector {
	t.Helper()
	c, err := NewCollector(CollectorOption{Database: db, SampleInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCollector_Observe(t *testing.T) {
	c := newCollector(t, database.NewInMemoryDatabase())

	events := []gateway.Event{
		{Hostname: "erp.local", Class: gateway.ClassStatic, Type: "hit"},
		{Hostname: "erp.local", Class: gateway.ClassStatic, Type: "miss"},
		{Hostname: "erp.local", Class: gateway.ClassStatic, Type: "put", Size: 2048},
		{Hostname: "erp.local", Class: gateway.ClassAPI, Type: "stale"},
		{Hostname: "erp.local", Class: gateway.ClassAPI, Type: "unavailable"},
		{Hostname: "erp.local", Class: gateway.ClassMutation, Type: "queued", Size: 64},
		{Hostname: "erp.local", Class: gateway.ClassOther, Type: "traffic", Size: 1000},
		{Hostname: "", Class: gateway.ClassAPI, Type: "hit"},
	}
	for _, ev := range events {
		c.Observe(ev)
	}

	stats := c.GetHostStats("erp.local")
	require.NotNil(t, stats)
	assert.EqualValues(t, 5, stats.TotalRequests)
	assert.EqualValues(t, 2, stats.CachedRequests)
	assert.EqualValues(t, 1, stats.CacheMisses)
	assert.EqualValues(t, 1, stats.OfflineServes)
	assert.EqualValues(t, 1, stats.Unavailable)
	assert.EqualValues(t, 1, stats.QueuedWrites)
	assert.EqualValues(t, 64, stats.BytesQueued)
	assert.EqualValues(t, 1, stats.CachedObjects)
	assert.EqualValues(t, 2048, stats.CachedDataSize)
	assert.EqualValues(t, 1000, stats.BytesSent)
	assert.InDelta(t, 40.0, stats.CacheHitRate, 0.001)

	assert.Len(t, c.GetAllHostStats(), 1)
}

func TestCollector_Sample(t *testing.T) {
	c := newCollector(t, database.NewInMemoryDatabase())
	start := time.Now()
	c.lastTick = start

	c.Observe(gateway.Event{Hostname: "erp.local", Type: "traffic", Size: 5000})
	c.sample(start.Add(5 * time.Second))

	c.Observe(gateway.Event{Hostname: "erp.local", Type: "traffic", Size: 500})
	c.sample(start.Add(10 * time.Second))

	stats := c.GetHostStats("erp.local")
	require.Len(t, stats.BandwidthSamples, 2)
	assert.EqualValues(t, 100, stats.CurrentBandwidth)
	assert.EqualValues(t, 1000, stats.MaxBandwidth)
	assert.EqualValues(t, 100, stats.MinBandwidth)
	assert.True(t, stats.MinBandwidthRecorded)
}

func TestCollector_PersistAndReload(t *testing.T) {
	db := database.NewInMemoryDatabase()

	c, err := NewCollector(CollectorOption{Database: db, SampleInterval: time.Hour})
	require.NoError(t, err)
	c.Observe(gateway.Event{Hostname: "erp.local", Type: "queued", Size: 10})
	c.Observe(gateway.Event{Hostname: "erp.local", Type: "traffic", Size: 300})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	reloaded := newCollector(t, db)
	stats := reloaded.GetHostStats("erp.local")
	require.NotNil(t, stats)
	assert.EqualValues(t, 1, stats.QueuedWrites)
	assert.EqualValues(t, 300, stats.BytesSent)
}

func TestCollector_Reset(t *testing.T) {
	c := newCollector(t, database.NewInMemoryDatabase())
	c.Observe(gateway.Event{Hostname: "erp.local", Type: "hit"})

	assert.True(t, c.ResetHostStats("erp.local"))
	assert.False(t, c.ResetHostStats("unknown.local"))
	assert.Zero(t, c.GetHostStats("erp.local").TotalRequests)
}

func TestHandlers(t *testing.T) {
	c := newCollector(t, database.NewInMemoryDatabase())
	c.Observe(gateway.Event{Hostname: "a.local", Type: "hit"})
	c.Observe(gateway.Event{Hostname: "b.local", Type: "hit"})
	c.Observe(gateway.Event{Hostname: "b.local", Type: "miss"})

	mux := http.NewServeMux()
	c.Register(mux, "/_offline/hoststats/")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_offline/hoststats/list", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []HostSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "b.local", list[0].Hostname)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_offline/hoststats/host", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_offline/hoststats/host?hostname=none.local", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_offline/hoststats/reset?hostname=a.local", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/_offline/hoststats/reset?hostname=a.local", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, c.GetHostStats("a.local").TotalRequests)
}
