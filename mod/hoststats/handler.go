package hoststats

import (
	"net/http"
	"sort"
	"strings"

	"imuslab.com/offlinegw/mod/utils"
)

// Register mounts the statistics endpoints under prefix, e.g. "/_offline/hoststats"
func (c *Collector) Register(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix+"/list", c.HandleGetHostList)
	mux.HandleFunc(prefix+"/all", c.HandleGetAllHostStats)
	mux.HandleFunc(prefix+"/host", c.HandleGetHostStats)
	mux.HandleFunc(prefix+"/bandwidth", c.HandleGetHostBandwidth)
	mux.HandleFunc(prefix+"/reset", c.HandleResetHostStats)
}

// HandleGetAllHostStats returns statistics for all hosts
func (c *Collector) HandleGetAllHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	utils.SendJSONResponse(w, c.GetAllHostStats())
}

// HandleGetHostStats returns statistics for a specific host
func (c *Collector) HandleGetHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hostname, err := utils.GetPara(r, "hostname")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		utils.SendErrorResponse(w, err.Error())
		return
	}

	stats := c.GetHostStats(hostname)
	if stats == nil {
		w.WriteHeader(http.StatusNotFound)
		utils.SendErrorResponse(w, "host not found")
		return
	}
	utils.SendJSONResponse(w, stats)
}

// HandleGetHostBandwidth returns bandwidth data for a specific host
func (c *Collector) HandleGetHostBandwidth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hostname, err := utils.GetPara(r, "hostname")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		utils.SendErrorResponse(w, err.Error())
		return
	}

	stats := c.GetHostStats(hostname)
	if stats == nil {
		w.WriteHeader(http.StatusNotFound)
		utils.SendErrorResponse(w, "host not found")
		return
	}

	utils.SendJSONResponse(w, map[string]interface{}{
		"hostname":          stats.Hostname,
		"current_bandwidth": stats.CurrentBandwidth,
		"max_bandwidth":     stats.MaxBandwidth,
		"min_bandwidth":     stats.MinBandwidth,
		"samples":           stats.BandwidthSamples,
	})
}

// HandleResetHostStats resets statistics for a specific host
func (c *Collector) HandleResetHostStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hostname, err := utils.GetPara(r, "hostname")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		utils.SendErrorResponse(w, err.Error())
		return
	}

	if !c.ResetHostStats(hostname) {
		w.WriteHeader(http.StatusNotFound)
		utils.SendErrorResponse(w, "host not found")
		return
	}
	utils.SendOK(w)
}

// HostSummary is one row of the host list
type HostSummary struct {
	Hostname      string  `json:"hostname"`
	TotalRequests int64   `json:"total_requests"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	OfflineServes int64   `json:"offline_serves"`
	QueuedWrites  int64   `json:"queued_writes"`
	BytesSent     int64   `json:"bytes_sent"`
	MaxBandwidth  int64   `json:"max_bandwidth"`
}

// HandleGetHostList returns all tracked hosts with basic stats, busiest first
func (c *Collector) HandleGetHostList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	allStats := c.GetAllHostStats()
	summaries := make([]HostSummary, 0, len(allStats))
	for _, stats := range allStats {
		summaries = append(summaries, HostSummary{
			Hostname:      stats.Hostname,
			TotalRequests: stats.TotalRequests,
			CacheHitRate:  stats.CacheHitRate,
			OfflineServes: stats.OfflineServes,
			QueuedWrites:  stats.QueuedWrites,
			BytesSent:     stats.BytesSent,
			MaxBandwidth:  stats.MaxBandwidth,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].TotalRequests != summaries[j].TotalRequests {
			return summaries[i].TotalRequests > summaries[j].TotalRequests
		}
		return summaries[i].Hostname < summaries[j].Hostname
	})

	utils.SendJSONResponse(w, summaries)
}
