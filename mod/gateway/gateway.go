package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"imuslab.com/offlinegw/mod/cache"
	"imuslab.com/offlinegw/mod/database"
	"imuslab.com/offlinegw/mod/offlinequeue"
	"imuslab.com/offlinegw/mod/optimizer"
)

/*
	Cache Gateway

	Single interception point between clients and the upstream ERP.
	Every request is classified and answered through one of the
	static / api / navigation / mutation / other policies. Network
	failures never escape as raw errors for the first four classes.
*/

var (
	// ErrNetworkUnavailable wraps any transport level failure
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrRequestTooLarge is returned for mutation bodies over MaxSubmissionSize
	ErrRequestTooLarge = errors.New("request body too large")
)

const (
	stateTable      = "gateway_state"
	cacheVersionKey = "cache_version"
)

// Fetcher issues upstream requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// SubmissionStore persists writes that could not be delivered
type SubmissionStore interface {
	Store(ctx context.Context, sub *offlinequeue.Submission) (string, error)
}

// ConnectivityReporter receives passive reachability hints
type ConnectivityReporter interface {
	ReportSuccess()
	ReportFailure(err error)
}

// Logger interface for gateway logging
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

type defaultLogger struct{}

func (dl *defaultLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (dl *defaultLogger) Println(v ...interface{}) {
	log.Println(v...)
}

// OptimizationMode specifies when static assets are optimised
type OptimizationMode string

const (
	OptimizationDisabled OptimizationMode = "disabled"

	// OptimizationSync applies the pipeline before caching
	OptimizationSync OptimizationMode = "sync"

	// OptimizationAsync caches the raw asset and optimises it in the background
	OptimizationAsync OptimizationMode = "async"
)

// JobQueue is an interface for enqueueing optimization jobs
type JobQueue interface {
	Enqueue(job OptimizationJob) error
}

// OptimizationJob represents a job to optimize a cached asset
type OptimizationJob struct {
	Key      string
	Store    cache.CacheStore
	Pipeline *optimizer.Pipeline
}

// Event describes one gateway outcome for statistics collectors
type Event struct {
	Hostname string
	Class    RequestClass
	Type     string // hit, miss, put, stale, unavailable, queued, storage_failed, traffic
	Size     int64
}

type Config struct {
	// Upstream is the origin every request is forwarded to
	Upstream *url.URL

	// Fetcher defaults to an http.Client with FetchTimeout
	Fetcher      Fetcher
	FetchTimeout time.Duration

	Store      cache.CacheStore
	Queue      SubmissionStore
	Classifier *Classifier

	// Version namespaces every cache key. Changing it invalidates the cache.
	Version string

	// StateDB persists the active cache version across restarts
	StateDB *database.Database

	// FreshnessWindow is the maximum age of an entry served while offline
	FreshnessWindow time.Duration

	// MaxCacheSize is the largest body that will be cached
	MaxCacheSize int64

	// MaxSubmissionSize is the largest mutation body accepted for queueing
	MaxSubmissionSize int64

	// OfflinePagePath is served for navigations while offline
	OfflinePagePath string

	// Notice overrides the synthesized offline page text
	Notice NoticeText

	OptimizationMode     OptimizationMode
	OptimizationPipeline *optimizer.Pipeline
	WorkerQueue          JobQueue

	Connectivity ConnectivityReporter
	OnEvent      func(ev Event)

	Clock  func() time.Time
	Logger Logger
}

type Gateway struct {
	config   Config
	keygen   atomic.Pointer[cache.KeyGenerator]
	notice   *noticeRenderer
	stats    *Stats
	decoder  optimizer.Transform
	upstream *url.URL
}

// NewGateway creates a gateway, filling unset config fields with defaults
func NewGateway(config Config) (*Gateway, error) {
	if config.Upstream == nil {
		return nil, errors.New("gateway requires an upstream url")
	}
	if config.Store == nil {
		return nil, errors.New("gateway requires a cache store")
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if config.Fetcher == nil {
		config.Fetcher = &http.Client{
			Timeout: config.FetchTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	if config.Classifier == nil {
		config.Classifier = NewClassifier(DefaultClassifierConfig())
	}
	if config.Version == "" {
		config.Version = "1"
	}
	if config.FreshnessWindow <= 0 {
		config.FreshnessWindow = 2 * time.Hour
	}
	if config.MaxCacheSize <= 0 {
		config.MaxCacheSize = 10 * 1024 * 1024 // 10MB default
	}
	if config.MaxSubmissionSize <= 0 {
		config.MaxSubmissionSize = 10 * 1024 * 1024
	}
	if config.OfflinePagePath == "" {
		config.OfflinePagePath = "/offline.html"
	}
	if config.OptimizationMode == "" {
		config.OptimizationMode = OptimizationDisabled
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = &defaultLogger{}
	}

	g := &Gateway{
		config:   config,
		notice:   newNoticeRenderer(config.Notice),
		stats:    &Stats{},
		decoder:  optimizer.DecompressTransform(),
		upstream: config.Upstream,
	}
	g.keygen.Store(cache.NewKeyGenerator(namespaceFor(config.Version)))
	return g, nil
}

func namespaceFor(version string) string {
	return "v" + version
}

// Version returns the active cache version
func (g *Gateway) Version() string {
	return strings.TrimPrefix(g.keygen.Load().Namespace, "v")
}

// KeyFor returns the cache key used for method and rawURL
func (g *Gateway) KeyFor(method string, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return g.keygen.Load().KeyFor(method, u), nil
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp, err := g.Handle(r.Context(), r)
	if err != nil {
		if errors.Is(err, ErrRequestTooLarge) {
			http.Error(w, "413 - Request Entity Too Large", http.StatusRequestEntityTooLarge)
			return
		}
		resp = networkErrorResponse()
	}

	resp.Write(w, r)
	g.emit(r, g.config.Classifier.Classify(r), "traffic", int64(len(resp.Body)))
}

// Handle classifies r and applies the matching policy
func (g *Gateway) Handle(ctx context.Context, r *http.Request) (*Response, error) {
	class := g.config.Classifier.Classify(r)
	switch class {
	case ClassStatic:
		return g.handleStatic(ctx, r), nil
	case ClassAPI:
		return g.handleAPI(ctx, r), nil
	case ClassNavigation:
		return g.handleNavigation(ctx, r), nil
	case ClassMutation:
		return g.handleMutation(ctx, r)
	default:
		return g.handleOther(ctx, r)
	}
}

// handleStatic is cache-first
func (g *Gateway) handleStatic(ctx context.Context, r *http.Request) *Response {
	key := g.keygen.Load().GenerateKey(r)

	if cache.IsCacheable(r) {
		if entry := g.lookup(ctx, key); entry != nil {
			g.stats.incrementHits()
			g.emit(r, ClassStatic, "hit", 0)
			return g.serveEntry(ctx, r, entry, SourceCache)
		}
		g.stats.incrementMisses()
		g.emit(r, ClassStatic, "miss", 0)
	} else {
		g.stats.incrementBypasses()
	}

	resp, err := g.fetch(ctx, r.Method, r.URL.RequestURI(), r.Header, nil)
	if err != nil {
		return g.offlineDocument(ctx, r)
	}

	if cache.IsCacheable(r) && cache.IsResponseCacheable(resp.StatusCode, resp.Header, true) {
		g.storeStatic(ctx, r, key, resp)
	}
	resp.Header.Set(HeaderCache, "MISS")
	return resp
}

// handleAPI is network-first with a bounded-staleness offline fallback
func (g *Gateway) handleAPI(ctx context.Context, r *http.Request) *Response {
	key := g.keygen.Load().GenerateKey(r)

	resp, err := g.fetch(ctx, r.Method, r.URL.RequestURI(), r.Header, nil)
	if err == nil {
		if cache.IsCacheable(r) && cache.IsResponseCacheable(resp.StatusCode, resp.Header, false) {
			g.put(ctx, r, ClassAPI, key, resp)
		}
		return resp
	}

	entry := g.lookup(ctx, key)
	if entry == nil {
		g.stats.incrementMisses()
		g.stats.incrementUnavailable()
		g.emit(r, ClassAPI, "unavailable", 0)
		return offlinePayload()
	}

	now := g.config.Clock()
	if !entry.IsFresh(now, g.config.FreshnessWindow) {
		// too old to stand in for the server
		g.stats.incrementUnavailable()
		g.emit(r, ClassAPI, "unavailable", 0)
		return offlinePayload()
	}

	g.stats.incrementStaleServes()
	g.emit(r, ClassAPI, "stale", 0)
	return g.serveEntry(ctx, r, entry, SourceOffline)
}

// handleNavigation is network-first with the offline page as fallback
func (g *Gateway) handleNavigation(ctx context.Context, r *http.Request) *Response {
	resp, err := g.fetch(ctx, r.Method, r.URL.RequestURI(), r.Header, nil)
	if err == nil {
		return resp
	}
	return g.offlineDocument(ctx, r)
}

// handleMutation forwards writes and queues them when the network is down
func (g *Gateway) handleMutation(ctx context.Context, r *http.Request) (*Response, error) {
	body, err := g.readBody(r)
	if err != nil {
		return nil, err
	}

	resp, err := g.fetch(ctx, r.Method, r.URL.RequestURI(), r.Header, body)
	if err == nil {
		return resp, nil
	}

	if g.config.Queue == nil {
		return networkErrorResponse(), nil
	}

	sub := &offlinequeue.Submission{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: outboundHeader(r.Header),
		Body:   body,
	}
	id, err := g.config.Queue.Store(ctx, sub)
	if err != nil {
		g.stats.incrementStorageFailures()
		g.emit(r, ClassMutation, "storage_failed", 0)
		g.config.Logger.Printf("Failed to queue offline %s %s: %v", r.Method, r.URL.Path, err)
		return storageFailedResponse(), nil
	}

	g.stats.incrementQueued()
	g.emit(r, ClassMutation, "queued", int64(len(body)))
	return queuedResponse(id), nil
}

// handleOther is network-first with any cached match as fallback
func (g *Gateway) handleOther(ctx context.Context, r *http.Request) (*Response, error) {
	var body []byte
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := g.readBody(r)
		if err != nil {
			return nil, err
		}
		body = b
	}

	resp, err := g.fetch(ctx, r.Method, r.URL.RequestURI(), r.Header, body)
	if err == nil {
		return resp, nil
	}

	if entry := g.lookup(ctx, g.keygen.Load().GenerateKey(r)); entry != nil {
		g.stats.incrementStaleServes()
		g.emit(r, ClassOther, "stale", 0)
		return g.serveEntry(ctx, r, entry, SourceOffline), nil
	}
	return nil, err
}

// offlineDocument returns the cached offline page or a synthesized notice
func (g *Gateway) offlineDocument(ctx context.Context, r *http.Request) *Response {
	offlineURL := &url.URL{Path: g.config.OfflinePagePath}
	key := g.keygen.Load().KeyFor(http.MethodGet, offlineURL)
	if entry := g.lookup(ctx, key); entry != nil {
		resp := g.serveEntry(ctx, r, entry, SourceFallback)
		resp.Header.Set(HeaderOfflineMode, "true")
		return resp
	}

	g.stats.incrementUnavailable()
	return g.notice.render(r.Header.Get("Accept-Language"))
}

// lookup returns nil for misses and backend failures alike
func (g *Gateway) lookup(ctx context.Context, key string) *cache.Entry {
	entry, err := cache.Lookup(ctx, g.config.Store, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			g.stats.incrementErrors()
			g.config.Logger.Printf("Cache read failed for %s: %v", key, err)
		}
		return nil
	}
	return entry
}

// serveEntry turns a cache entry into a response. source SourceOffline marks
// the response as a stand-in for the network.
func (g *Gateway) serveEntry(ctx context.Context, r *http.Request, entry *cache.Entry, source Source) *Response {
	now := g.config.Clock()

	if entry.Encoding != "" {
		acceptable := source != SourceOffline && optimizerAccepts(r, entry.Encoding)
		if !acceptable {
			decoded, err := g.decoder(ctx, entry)
			if err == nil {
				entry = decoded
			}
		}
	}

	header := entry.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	body := entry.Body

	if entry.Encoding != "" {
		header.Set("Content-Encoding", entry.Encoding)
		header.Add("Vary", "Accept-Encoding")
	}
	header.Set(HeaderCache, "HIT")
	header.Set("Age", strconv.FormatInt(int64(entry.Age(now).Seconds()), 10))

	if source == SourceOffline {
		minutes := entry.AgeMinutes(now)
		header.Set(HeaderOfflineMode, "true")
		header.Set(HeaderCachedMinutesAgo, strconv.Itoa(minutes))
		if isJSON(entry.ContentType()) {
			body = annotateJSON(body, minutes)
		}
	}

	return &Response{
		StatusCode: entry.StatusCode,
		Header:     header,
		Body:       body,
		Source:     source,
	}
}

func optimizerAccepts(r *http.Request, encoding string) bool {
	return optimizer.AcceptsEncoding(r.Header.Get("Accept-Encoding"), encoding)
}

// storeStatic caches an asset through the optimisation pipeline
func (g *Gateway) storeStatic(ctx context.Context, r *http.Request, key string, resp *Response) {
	if int64(len(resp.Body)) > g.config.MaxCacheSize {
		return
	}

	entry := g.newEntry(key, resp)
	if g.config.OptimizationMode == OptimizationSync && g.config.OptimizationPipeline != nil {
		optimized, err := g.config.OptimizationPipeline.Apply(ctx, entry)
		if err == nil {
			entry = optimized
		} else {
			g.config.Logger.Printf("Failed to optimize %s: %v", key, err)
		}
	}

	if !g.putEntry(ctx, r, ClassStatic, entry) {
		return
	}

	if g.config.OptimizationMode == OptimizationAsync && g.config.WorkerQueue != nil && g.config.OptimizationPipeline != nil {
		g.config.WorkerQueue.Enqueue(OptimizationJob{
			Key:      key,
			Store:    g.config.Store,
			Pipeline: g.config.OptimizationPipeline,
		})
	}
}

// put caches a network response as is
func (g *Gateway) put(ctx context.Context, r *http.Request, class RequestClass, key string, resp *Response) {
	if int64(len(resp.Body)) > g.config.MaxCacheSize {
		return
	}
	g.putEntry(ctx, r, class, g.newEntry(key, resp))
}

func (g *Gateway) newEntry(key string, resp *Response) *cache.Entry {
	return &cache.Entry{
		Key:        key,
		StatusCode: resp.StatusCode,
		Header:     cache.PreserveHeaders(resp.Header),
		Body:       append([]byte(nil), resp.Body...),
		CachedAt:   g.config.Clock(),
	}
}

func (g *Gateway) putEntry(ctx context.Context, r *http.Request, class RequestClass, entry *cache.Entry) bool {
	if err := g.config.Store.Put(ctx, entry.Key, entry); err != nil {
		g.stats.incrementErrors()
		g.config.Logger.Printf("Cache write failed for %s: %v", entry.Key, err)
		return false
	}
	g.stats.incrementPuts()
	g.emit(r, class, "put", int64(len(entry.Body)))
	return true
}

// fetch sends one request upstream. Only transport failures are errors;
// any HTTP status is a valid response.
func (g *Gateway) fetch(ctx context.Context, method string, requestURI string, header http.Header, body []byte) (*Response, error) {
	target, err := g.resolve(requestURI)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header = outboundHeader(header)
	req.Host = g.upstream.Host

	upstreamResp, err := g.config.Fetcher.Do(req)
	if err != nil {
		g.stats.incrementNetworkFailures()
		if ctx.Err() == nil && g.config.Connectivity != nil {
			g.config.Connectivity.ReportFailure(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer upstreamResp.Body.Close()

	respBody, err := io.ReadAll(upstreamResp.Body)
	if err != nil {
		g.stats.incrementNetworkFailures()
		if ctx.Err() == nil && g.config.Connectivity != nil {
			g.config.Connectivity.ReportFailure(err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	if g.config.Connectivity != nil {
		g.config.Connectivity.ReportSuccess()
	}

	respHeader := upstreamResp.Header.Clone()
	removeHopHeaders(respHeader)
	respHeader.Del("Content-Length")
	return &Response{
		StatusCode: upstreamResp.StatusCode,
		Header:     respHeader,
		Body:       respBody,
		Source:     SourceNetwork,
	}, nil
}

// resolve maps a request URI (or an absolute URL) onto the upstream
func (g *Gateway) resolve(requestURI string) (string, error) {
	u, err := url.Parse(requestURI)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	return g.upstream.ResolveReference(&url.URL{
		Path:     singleJoiningSlash(g.upstream.Path, u.Path),
		RawQuery: u.RawQuery,
	}).String(), nil
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func (g *Gateway) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxSubmissionSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > g.config.MaxSubmissionSize {
		return nil, ErrRequestTooLarge
	}
	return body, nil
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// outboundHeader copies the client headers worth sending upstream.
// Accept-Encoding is dropped so the transport negotiates and decodes itself.
func outboundHeader(src http.Header) http.Header {
	h := src.Clone()
	if h == nil {
		h = make(http.Header)
	}
	removeHopHeaders(h)
	h.Del("Accept-Encoding")
	h.Del("Content-Length")
	return h
}

// Precache fetches the static manifest into the cache
func (g *Gateway) Precache(ctx context.Context) (int, error) {
	var errs error
	cached := 0
	for _, path := range g.config.Classifier.ManifestPaths() {
		u := &url.URL{Path: path}
		key := g.keygen.Load().KeyFor(http.MethodGet, u)

		resp, err := g.fetch(ctx, http.MethodGet, u.RequestURI(), http.Header{}, nil)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("precache %s: %w", path, err))
			continue
		}
		if !cache.IsResponseCacheable(resp.StatusCode, resp.Header, true) {
			errs = multierr.Append(errs, fmt.Errorf("precache %s: upstream returned %d", path, resp.StatusCode))
			continue
		}

		entry := g.newEntry(key, resp)
		if err := g.config.Store.Put(ctx, key, entry); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("precache %s: %w", path, err))
			continue
		}
		g.stats.incrementPuts()
		cached++
	}
	return cached, errs
}

// Forward replays a queued submission straight to the network
func (g *Gateway) Forward(ctx context.Context, sub *offlinequeue.Submission) (int, error) {
	header := sub.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(HeaderOfflineID, sub.ID)

	resp, err := g.fetch(ctx, sub.Method, sub.URL, header, sub.Body)
	if err != nil {
		return 0, err
	}
	return resp.StatusCode, nil
}

// SyncVersion compares the configured cache version with the persisted one
// and purges the previous namespace when they differ
func (g *Gateway) SyncVersion(ctx context.Context) error {
	db := g.config.StateDB
	if db == nil {
		return nil
	}
	if err := db.NewTable(stateTable); err != nil {
		return err
	}

	current := g.Version()
	var previous string
	err := db.Read(stateTable, cacheVersionKey, &previous)
	if err != nil && !errors.Is(err, database.ErrKeyNotFound) {
		return err
	}

	if previous != "" && previous != current {
		g.config.Logger.Printf("Cache version changed from %s to %s, purging old entries", previous, current)
		if err := g.config.Store.PurgePrefix(ctx, namespaceFor(previous)+cache.KeySeparator); err != nil {
			return fmt.Errorf("failed to purge cache version %s: %w", previous, err)
		}
	}
	return db.Write(stateTable, cacheVersionKey, current)
}

// Invalidate switches to a new cache version and drops every entry of the
// old one
func (g *Gateway) Invalidate(ctx context.Context, version string) error {
	if version == "" {
		return errors.New("cache version cannot be empty")
	}

	old := g.keygen.Swap(cache.NewKeyGenerator(namespaceFor(version)))
	if old.Namespace == namespaceFor(version) {
		return nil
	}

	if err := g.config.Store.PurgePrefix(ctx, old.NamespacePrefix()); err != nil {
		return fmt.Errorf("failed to purge cache version %s: %w", old.Namespace, err)
	}
	if g.config.StateDB != nil {
		if err := g.config.StateDB.NewTable(stateTable); err != nil {
			return err
		}
		return g.config.StateDB.Write(stateTable, cacheVersionKey, version)
	}
	return nil
}

// Purge removes a single cached URL
func (g *Gateway) Purge(ctx context.Context, method string, rawURL string) error {
	key, err := g.KeyFor(method, rawURL)
	if err != nil {
		return err
	}
	return g.config.Store.Delete(ctx, key)
}

func (g *Gateway) emit(r *http.Request, class RequestClass, eventType string, size int64) {
	if g.config.OnEvent == nil {
		return
	}
	hostname := r.Host
	if idx := strings.LastIndex(hostname, ":"); idx != -1 && !strings.HasSuffix(hostname, "]") {
		hostname = hostname[:idx]
	}
	g.config.OnEvent(Event{
		Hostname: hostname,
		Class:    class,
		Type:     eventType,
		Size:     size,
	})
}
