package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"imuslab.com/offlinegw/mod/cache"
	"imuslab.com/offlinegw/mod/netwatch"
	"imuslab.com/offlinegw/mod/offlinequeue"
	"imuslab.com/offlinegw/mod/utils"
)

// QueueAdmin is the part of the submission store exposed to operators
type QueueAdmin interface {
	ListUnsynced(ctx context.Context) ([]*offlinequeue.Submission, error)
	Requeue(ctx context.Context, id string) error
	Counts(ctx context.Context) (offlinequeue.Counts, error)
}

// SyncTrigger starts a replay pass
type SyncTrigger interface {
	Trigger(reason string) bool
}

// StatusSource reports connectivity
type StatusSource interface {
	Status() netwatch.Status
}

// AdminHandler provides HTTP endpoints for offline cache administration
type AdminHandler struct {
	gateway      *Gateway
	queue        QueueAdmin
	sync         SyncTrigger
	connectivity StatusSource
	adminSecret  string
}

// NewAdminHandler creates a new admin handler. queue, sync and connectivity
// may be nil.
func NewAdminHandler(gateway *Gateway, queue QueueAdmin, sync SyncTrigger, connectivity StatusSource, adminSecret string) *AdminHandler {
	return &AdminHandler{
		gateway:      gateway,
		queue:        queue,
		sync:         sync,
		connectivity: connectivity,
		adminSecret:  adminSecret,
	}
}

// Register mounts the endpoints under prefix, e.g. "/_offline"
func (ah *AdminHandler) Register(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix+"/status", ah.HandleStatus)
	mux.HandleFunc(prefix+"/purge", ah.HandlePurge)
	mux.HandleFunc(prefix+"/purge-prefix", ah.HandlePurgePrefix)
	mux.HandleFunc(prefix+"/invalidate", ah.HandleInvalidate)
	mux.HandleFunc(prefix+"/queue", ah.HandleListQueue)
	mux.HandleFunc(prefix+"/requeue", ah.HandleRequeue)
	mux.HandleFunc(prefix+"/sync", ah.HandleSync)
}

// CheckAdminSecret reports whether r carries secret as a bearer token.
// An empty secret leaves the endpoints open.
func CheckAdminSecret(r *http.Request, secret string) bool {
	if secret == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func (ah *AdminHandler) authenticate(r *http.Request) bool {
	return CheckAdminSecret(r, ah.adminSecret)
}

// guard runs the auth and method checks shared by every endpoint
func (ah *AdminHandler) guard(w http.ResponseWriter, r *http.Request, method string) bool {
	if !ah.authenticate(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// HandleStatus reports cache statistics, queue depth and connectivity
func (ah *AdminHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodGet) {
		return
	}

	stats := ah.gateway.GetStats()
	config := ah.gateway.config
	response := map[string]interface{}{
		"backend":       getBackendType(config.Store),
		"cache_version": ah.gateway.Version(),
		"stats": map[string]interface{}{
			"hits":             stats.Hits,
			"misses":           stats.Misses,
			"puts":             stats.Puts,
			"stale_serves":     stats.StaleServes,
			"unavailable":      stats.Unavailable,
			"queued":           stats.Queued,
			"storage_failures": stats.StorageFailures,
			"network_failures": stats.NetworkFailures,
			"errors":           stats.Errors,
			"bypasses":         stats.Bypasses,
			"hit_rate":         stats.HitRate(),
		},
		"config": map[string]interface{}{
			"upstream":          config.Upstream.String(),
			"freshness_window":  config.FreshnessWindow.String(),
			"optimization_mode": config.OptimizationMode,
			"max_cache_size":    config.MaxCacheSize,
			"offline_page":      config.OfflinePagePath,
		},
	}

	if ah.queue != nil {
		if counts, err := ah.queue.Counts(r.Context()); err == nil {
			response["queue"] = counts
		}
	}
	if ah.connectivity != nil {
		response["connectivity"] = ah.connectivity.Status()
	}

	utils.SendJSONResponse(w, response)
}

// HandlePurge removes one cached URL ({"url": "/api/resource/Item"}) or a raw key
func (ah *AdminHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Key    string `json:"key"`
		URL    string `json:"url"`
		Method string `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}

	var err error
	switch {
	case req.Key != "":
		err = ah.gateway.config.Store.Delete(r.Context(), req.Key)
	case req.URL != "":
		method := req.Method
		if method == "" {
			method = http.MethodGet
		}
		err = ah.gateway.Purge(r.Context(), method, req.URL)
	default:
		utils.SendErrorResponse(w, "Key or url is required")
		return
	}
	if err != nil {
		utils.SendErrorResponse(w, "Failed to purge cache: "+err.Error())
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"success": true,
		"message": "Cache entry purged successfully",
	})
}

// HandlePurgePrefix handles cache prefix purge requests
func (ah *AdminHandler) HandlePurgePrefix(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Prefix string `json:"prefix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}
	if req.Prefix == "" {
		utils.SendErrorResponse(w, "Prefix is required")
		return
	}

	if err := ah.gateway.config.Store.PurgePrefix(r.Context(), req.Prefix); err != nil {
		utils.SendErrorResponse(w, "Failed to purge cache prefix: "+err.Error())
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"success": true,
		"message": "Cache entries purged successfully",
		"prefix":  req.Prefix,
	})
}

// HandleInvalidate bumps the cache version
func (ah *AdminHandler) HandleInvalidate(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodPost) {
		return
	}

	var req struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendErrorResponse(w, "Invalid request body")
		return
	}
	if req.Version == "" {
		utils.SendErrorResponse(w, "Version is required")
		return
	}

	if err := ah.gateway.Invalidate(r.Context(), req.Version); err != nil {
		utils.SendErrorResponse(w, "Failed to invalidate cache: "+err.Error())
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"success":       true,
		"cache_version": ah.gateway.Version(),
	})
}

// HandleListQueue lists submissions waiting for replay
func (ah *AdminHandler) HandleListQueue(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodGet) {
		return
	}
	if ah.queue == nil {
		utils.SendErrorResponse(w, "Offline queue is disabled")
		return
	}

	list, err := ah.queue.ListUnsynced(r.Context())
	if err != nil {
		utils.SendErrorResponse(w, "Failed to list offline queue: "+err.Error())
		return
	}

	// bodies can be large and may hold personal data
	type queueItem struct {
		ID           string `json:"id"`
		Method       string `json:"method"`
		URL          string `json:"url"`
		CreatedAt    string `json:"created_at"`
		Attempts     int    `json:"attempts"`
		Rejections   int    `json:"rejections"`
		LastError    string `json:"last_error,omitempty"`
		DeadLettered bool   `json:"dead_lettered"`
		Size         int    `json:"size"`
	}
	items := make([]queueItem, 0, len(list))
	for _, sub := range list {
		items = append(items, queueItem{
			ID:           sub.ID,
			Method:       sub.Method,
			URL:          sub.URL,
			CreatedAt:    sub.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			Attempts:     sub.Attempts,
			Rejections:   sub.Rejections,
			LastError:    sub.LastError,
			DeadLettered: sub.DeadLettered,
			Size:         len(sub.Body),
		})
	}
	utils.SendJSONResponse(w, items)
}

// HandleRequeue gives a dead-lettered submission another chance
func (ah *AdminHandler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodPost) {
		return
	}
	if ah.queue == nil {
		utils.SendErrorResponse(w, "Offline queue is disabled")
		return
	}

	id, err := utils.GetPara(r, "id")
	if err != nil {
		utils.SendErrorResponse(w, "id is required")
		return
	}

	if err := ah.queue.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, offlinequeue.ErrNotFound) {
			http.Error(w, "Submission not found", http.StatusNotFound)
			return
		}
		utils.SendErrorResponse(w, "Failed to requeue: "+err.Error())
		return
	}
	if ah.sync != nil {
		ah.sync.Trigger("requeue")
	}
	utils.SendOK(w)
}

// HandleSync requests an immediate replay pass
func (ah *AdminHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	if !ah.guard(w, r, http.MethodPost) {
		return
	}
	if ah.sync == nil {
		utils.SendErrorResponse(w, "Replay is disabled")
		return
	}

	scheduled := ah.sync.Trigger("admin")
	utils.SendJSONResponse(w, map[string]interface{}{
		"success":   true,
		"scheduled": scheduled,
	})
}

// getBackendType returns a string representation of the cache backend type
func getBackendType(store cache.CacheStore) string {
	switch store.(type) {
	case *cache.FSStore:
		return "filesystem"
	case *cache.RedisStore:
		return "redis"
	case *cache.MemoryStore:
		return "memory"
	default:
		return "unknown"
	}
}
