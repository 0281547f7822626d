package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imuslab.com/offlinegw/mod/cache"
	"imuslab.com/offlinegw/mod/database"
	"imuslab.com/offlinegw/mod/offlinequeue"
	"imuslab.com/offlinegw/mod/optimizer"
)

type quietLogger struct{}

func (quietLogger) Printf(string, ...interface{}) {}
func (quietLogger) Println(...interface{})        {}

// fakeUpstream answers through handler unless it is switched offline
type fakeUpstream struct {
	mu       sync.Mutex
	offline  bool
	handler  http.HandlerFunc
	requests []string
	bodies   []string
}

func (f *fakeUpstream) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	offline := f.offline
	f.mu.Unlock()
	if offline {
		return nil, errors.New("dial tcp 10.0.0.5:443: connect: network is unreachable")
	}

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req.Method+" "+req.URL.RequestURI())
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	rec := httptest.NewRecorder()
	f.handler(rec, req)
	return rec.Result(), nil
}

func (f *fakeUpstream) setOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingConnectivity struct {
	mu        sync.Mutex
	successes int
	failures  int
}

func (r *recordingConnectivity) ReportSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *recordingConnectivity) ReportFailure(error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

type failingQueue struct{}

func (failingQueue) Store(context.Context, *offlinequeue.Submission) (string, error) {
	return "", offlinequeue.ErrStorageUnavailable
}

type harness struct {
	gw       *Gateway
	upstream *fakeUpstream
	clock    *fakeClock
	store    *cache.MemoryStore
	queue    *offlinequeue.Store
	conn     *recordingConnectivity
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	h := &harness{
		upstream: &fakeUpstream{handler: defaultUpstream},
		clock:    &fakeClock{now: time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)},
		store:    cache.NewMemoryStore(cache.MemoryStoreConfig{}),
		conn:     &recordingConnectivity{},
	}
	t.Cleanup(func() { h.store.Close() })

	queue, err := offlinequeue.NewStore(database.NewInMemoryDatabase(), offlinequeue.WithClock(h.clock.Now))
	require.NoError(t, err)
	h.queue = queue

	upstream, _ := url.Parse("http://erp.internal")
	config := Config{
		Upstream:     upstream,
		Fetcher:      h.upstream,
		Store:        h.store,
		Queue:        queue,
		Connectivity: h.conn,
		Clock:        h.clock.Now,
		Logger:       quietLogger{},
	}
	if mutate != nil {
		mutate(&config)
	}

	gw, err := NewGateway(config)
	require.NoError(t, err)
	h.gw = gw
	return h
}

func defaultUpstream(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/resource/"):
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "sid=secret")
		w.Write([]byte(`{"data":[{"name":"ITEM-0001"}]}`))
	case r.URL.Path == "/offline.html":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>cached offline page</body></html>"))
	case strings.HasPrefix(r.URL.Path, "/assets/"):
		w.Header().Set("Content-Type", "text/css")
		w.Write([]byte(strings.Repeat(".card { color: #333333; margin: 0px auto; }\n", 100)))
	case r.Method == http.MethodPost:
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":"ok"}`))
	default:
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>desk</html>"))
	}
}

func decodeJSON(t *testing.T, resp *Response) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body, &payload), string(resp.Body))
	return payload
}

func handle(t *testing.T, h *harness, req *http.Request) *Response {
	t.Helper()
	resp, err := h.gw.Handle(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func TestAPI_FreshnessWindow(t *testing.T) {
	h := newHarness(t, nil)
	target := "/api/resource/Item?x=1"

	// T0 online: served from network and cached
	resp := handle(t, h, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.False(t, resp.OfflineMode())
	assert.Equal(t, int64(1), h.gw.GetStats().Puts)

	// T0+90min offline: served from cache with annotation
	h.upstream.setOffline(true)
	h.clock.Advance(90 * time.Minute)
	resp = handle(t, h, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Equal(t, "90", resp.Header.Get(HeaderCachedMinutesAgo))
	payload := decodeJSON(t, resp)
	assert.Equal(t, true, payload["offline_mode"])
	assert.Equal(t, float64(90), payload["cached_minutes_ago"])
	assert.NotNil(t, payload["data"])

	// T0+150min offline: too stale, structured unavailable payload
	h.clock.Advance(60 * time.Minute)
	resp = handle(t, h, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	payload = decodeJSON(t, resp)
	assert.Equal(t, true, payload["error"])
	assert.Equal(t, true, payload["offline"])
	assert.NotEmpty(t, payload["message"])
	assert.Contains(t, payload["message_ar"], "غير متصل")
	assert.Nil(t, payload["data"])
}

func TestAPI_QueryOrderSharesEntry(t *testing.T) {
	h := newHarness(t, nil)
	handle(t, h, httptest.NewRequest(http.MethodGet, "/api/resource/Item?b=2&a=1", nil))

	h.upstream.setOffline(true)
	resp := handle(t, h, httptest.NewRequest(http.MethodGet, "/api/resource/Item?a=1&b=2", nil))
	assert.Equal(t, SourceOffline, resp.Source)

	resp = handle(t, h, httptest.NewRequest(http.MethodGet, "/api/resource/Item?a=2", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPI_CachedEntryDropsCookies(t *testing.T) {
	h := newHarness(t, nil)
	handle(t, h, httptest.NewRequest(http.MethodGet, "/api/resource/Item", nil))

	key, err := h.gw.KeyFor(http.MethodGet, "/api/resource/Item")
	require.NoError(t, err)
	assert.Equal(t, "v1|GET|/api/resource/Item|", key)

	entry, found, err := h.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Empty(t, entry.Header.Get("Set-Cookie"))
	assert.Equal(t, "application/json", entry.ContentType())
}

func TestAPI_UpstreamErrorIsPassedThrough(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"exc":"Traceback"}`))
	}

	resp := handle(t, h, httptest.NewRequest(http.MethodGet, "/api/resource/Item", nil))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Zero(t, h.gw.GetStats().Puts, "error responses are not cached")
}

func TestMutation_QueuedWhenOffline(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setOffline(true)

	req := httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(`{"a":1}`))
	req.Header.Set("Content-Type", "application/json")
	resp := handle(t, h, req)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	payload := decodeJSON(t, resp)
	assert.Equal(t, true, payload["success"])
	assert.Equal(t, true, payload["offline_mode"])
	id, _ := payload["offline_id"].(string)
	require.NotEmpty(t, id)

	sub, err := h.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, sub.Method)
	assert.Equal(t, "/api/submit", sub.URL)
	assert.Equal(t, `{"a":1}`, string(sub.Body))
	assert.Equal(t, "application/json", sub.Header.Get("Content-Type"))
	assert.False(t, sub.Synced)
}

func TestMutation_OnlineIsForwarded(t *testing.T) {
	h := newHarness(t, nil)

	resp := handle(t, h, httptest.NewRequest(http.MethodPut, "/api/resource/Item/ITEM-0001", strings.NewReader(`{"qty":2}`)))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"PUT /api/resource/Item/ITEM-0001"}, h.upstream.requests)
	assert.Equal(t, []string{`{"qty":2}`}, h.upstream.bodies)

	counts, err := h.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
}

func TestMutation_StorageFailureIsDistinguishable(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Queue = failingQueue{} })
	h.upstream.setOffline(true)

	resp := handle(t, h, httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	payload := decodeJSON(t, resp)
	assert.Nil(t, payload["success"])
	assert.Nil(t, payload["offline_id"])
	assert.Equal(t, true, payload["storage_unavailable"])
	assert.Equal(t, int64(1), h.gw.GetStats().StorageFailures)
}

func TestMutation_TooLarge(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSubmissionSize = 4 })

	_, err := h.gw.Handle(context.Background(), httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("12345")))
	assert.ErrorIs(t, err, ErrRequestTooLarge)

	rec := httptest.NewRecorder()
	h.gw.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/submit", strings.NewReader("12345")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestStatic_CacheFirst(t *testing.T) {
	h := newHarness(t, nil)
	target := "/assets/desk.css"

	resp := handle(t, h, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Equal(t, "MISS", resp.Header.Get(HeaderCache))

	resp = handle(t, h, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, "HIT", resp.Header.Get(HeaderCache))
	assert.Len(t, h.upstream.requests, 1, "second request must not hit the network")

	// stays servable long after the API freshness window
	h.upstream.setOffline(true)
	h.clock.Advance(48 * time.Hour)
	resp = handle(t, h, httptest.NewRequest(http.MethodGet, target, nil))
	assert.Equal(t, SourceCache, resp.Source)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatic_SyncOptimization(t *testing.T) {
	pipeline := optimizer.NewPipeline(
		optimizer.MinifyTransform(optimizer.DefaultMinifyConfig()),
		optimizer.CompressTransform(optimizer.CompressConfig{Type: optimizer.CompressionBrotli, Level: 5, MinSize: 64}),
	)
	h := newHarness(t, func(c *Config) {
		c.OptimizationMode = OptimizationSync
		c.OptimizationPipeline = pipeline
	})

	handle(t, h, httptest.NewRequest(http.MethodGet, "/assets/desk.css", nil))

	req := httptest.NewRequest(http.MethodGet, "/assets/desk.css", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	resp := handle(t, h, req)
	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))

	plain := handle(t, h, httptest.NewRequest(http.MethodGet, "/assets/desk.css", nil))
	assert.Empty(t, plain.Header.Get("Content-Encoding"))
	assert.Contains(t, string(plain.Body), ".card{")
}

func TestNavigation_OfflineFallbacks(t *testing.T) {
	h := newHarness(t, nil)

	nav := func(lang string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/app/job-card/JC-0001", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
		if lang != "" {
			req.Header.Set("Accept-Language", lang)
		}
		return req
	}

	resp := handle(t, h, nav(""))
	assert.Equal(t, SourceNetwork, resp.Source)

	// nothing cached: synthesized bilingual notice
	h.upstream.setOffline(true)
	resp = handle(t, h, nav("en-US,en;q=0.9"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := string(resp.Body)
	assert.Contains(t, body, `<html lang="en" dir="ltr">`)
	assert.Contains(t, body, "غير متصل")
	assert.Less(t, strings.Index(body, `lang="en"`), strings.Index(body, `lang="ar"`))

	resp = handle(t, h, nav("ar-SA,ar;q=0.9,en;q=0.5"))
	assert.Contains(t, string(resp.Body), `<html lang="ar" dir="rtl">`)

	// once precached the offline page wins
	h.upstream.setOffline(false)
	cached, err := h.gw.Precache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, cached)

	h.upstream.setOffline(true)
	resp = handle(t, h, nav(""))
	assert.Equal(t, SourceFallback, resp.Source)
	assert.Contains(t, string(resp.Body), "cached offline page")
	assert.True(t, resp.OfflineMode())
}

func TestNavigation_AppRootIsNetworkFirst(t *testing.T) {
	h := newHarness(t, nil)
	version := "v1"
	h.upstream.handler = func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>" + version + "</html>"))
			return
		}
		defaultUpstream(w, r)
	}

	nav := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "text/html")
		req.Header.Set("Sec-Fetch-Mode", "navigate")
		return req
	}

	_, err := h.gw.Precache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ClassNavigation, h.gw.config.Classifier.Classify(nav()))

	resp := handle(t, h, nav())
	assert.Equal(t, SourceNetwork, resp.Source)

	version = "v2"
	resp = handle(t, h, nav())
	assert.Equal(t, SourceNetwork, resp.Source)
	assert.Contains(t, string(resp.Body), "v2")
}

func TestOther_PropagatesNetworkError(t *testing.T) {
	h := newHarness(t, nil)
	h.upstream.setOffline(true)

	_, err := h.gw.Handle(context.Background(), httptest.NewRequest(http.MethodDelete, "/api/resource/Item/ITEM-0001", nil))
	assert.ErrorIs(t, err, ErrNetworkUnavailable)

	rec := httptest.NewRecorder()
	h.gw.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/resource/Item/ITEM-0001", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "message_ar")
}

func TestConnectivityHints(t *testing.T) {
	h := newHarness(t, nil)
	handle(t, h, httptest.NewRequest(http.MethodGet, "/api/resource/Item", nil))
	h.upstream.setOffline(true)
	handle(t, h, httptest.NewRequest(http.MethodGet, "/api/resource/Item", nil))

	assert.Equal(t, 1, h.conn.successes)
	assert.Equal(t, 1, h.conn.failures)
}

func TestForward(t *testing.T) {
	h := newHarness(t, nil)
	sub := &offlinequeue.Submission{
		ID:     "1714982400000-abcd1234",
		Method: http.MethodPost,
		URL:    "/api/resource/Job%20Card",
		Body:   []byte(`{"status":"Open"}`),
	}

	var gotID string
	h.upstream.handler = func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get(HeaderOfflineID)
		w.WriteHeader(http.StatusCreated)
	}

	status, err := h.gw.Forward(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, sub.ID, gotID)
	assert.Equal(t, []string{"POST /api/resource/Job%20Card"}, h.upstream.requests)

	h.upstream.setOffline(true)
	_, err = h.gw.Forward(context.Background(), sub)
	assert.ErrorIs(t, err, ErrNetworkUnavailable)
}

func TestInvalidate(t *testing.T) {
	db := database.NewInMemoryDatabase()
	h := newHarness(t, func(c *Config) { c.StateDB = db })
	ctx := context.Background()
	require.NoError(t, h.gw.SyncVersion(ctx))

	handle(t, h, httptest.NewRequest(http.MethodGet, "/assets/desk.css", nil))
	require.Equal(t, 1, h.store.Len())

	require.NoError(t, h.gw.Invalidate(ctx, "2"))
	assert.Equal(t, "2", h.gw.Version())
	assert.Zero(t, h.store.Len())

	var persisted string
	require.NoError(t, db.Read(stateTable, cacheVersionKey, &persisted))
	assert.Equal(t, "2", persisted)

	// a restart with the old version configured purges the v2 namespace
	handle(t, h, httptest.NewRequest(http.MethodGet, "/assets/desk.css", nil))
	restarted := newHarness(t, func(c *Config) {
		c.StateDB = db
		c.Version = "3"
	})
	restarted.store = h.store
	restarted.gw.config.Store = h.store
	require.NoError(t, restarted.gw.SyncVersion(ctx))
	assert.Zero(t, h.store.Len())
}

func TestClassifier(t *testing.T) {
	c := NewClassifier(ClassifierConfig{
		StaticManifest:  []string{"/offline.html", "/files/*"},
		StaticPatterns:  []*regexp.Regexp{DefaultStaticPattern},
		APIPatterns:     DefaultAPIPatterns,
		MutationMethods: []string{"POST", "PUT"},
	})

	tests := []struct {
		method string
		target string
		accept string
		want   RequestClass
	}{
		{"GET", "/", "text/html", ClassNavigation},
		{"GET", "/offline.html", "", ClassStatic},
		{"GET", "/files/logo.png", "", ClassStatic},
		{"GET", "/assets/frappe/dist/desk.bundle.css", "", ClassStatic},
		{"GET", "/assets/readme.txt", "", ClassOther},
		{"GET", "/api/resource/Item?limit=20", "application/json", ClassAPI},
		{"GET", "/api/method/frappe.auth.get_logged_user", "", ClassAPI},
		{"GET", "/app/item", "text/html,*/*", ClassNavigation},
		{"GET", "/app/item", "application/json, text/html", ClassOther},
		{"POST", "/api/resource/Item", "", ClassMutation},
		{"PUT", "/api/resource/Item/A", "", ClassMutation},
		{"DELETE", "/api/resource/Item/A", "", ClassOther},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			if got := c.Classify(req); got != tt.want {
				t.Errorf("Classify(%s %s) = %s, want %s", tt.method, tt.target, got, tt.want)
			}
		})
	}

	assert.Equal(t, []string{"/offline.html"}, c.ManifestPaths())
}
