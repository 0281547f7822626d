package hoststats

import (
	"sync"
	"time"

	"imuslab.com/offlinegw/mod/database"
	"imuslab.com/offlinegw/mod/gateway"
)

/*
	Host Statistics Package

	Tracks per-host gateway outcomes: how often a host was served from
	cache, how often it had to fall back to offline copies, how many
	writes were queued and how much traffic went through.
*/

const (
	TableName = "hoststats"

	BANDWIDTH_SAMPLE_INTERVAL = 5 * time.Second
	MAX_BANDWIDTH_SAMPLES     = 17280 // 24 hours of 5 second samples
)

// HostStatistics holds statistics for a single host
type HostStatistics struct {
	Hostname string `json:"hostname"`

	// Request counters
	TotalRequests  int64   `json:"total_requests"`
	CachedRequests int64   `json:"cached_requests"`
	CacheMisses    int64   `json:"cache_misses"`
	CacheHitRate   float64 `json:"cache_hit_rate"` // Percentage

	// Offline outcomes
	OfflineServes   int64 `json:"offline_serves"`   // stale copies served while upstream was down
	Unavailable     int64 `json:"unavailable"`      // 503 with nothing to serve
	QueuedWrites    int64 `json:"queued_writes"`    // mutations stored for replay
	StorageFailures int64 `json:"storage_failures"` // mutations lost because the queue was unavailable

	// Cache statistics
	CachedDataSize int64 `json:"cached_data_size"`
	CachedObjects  int64 `json:"cached_objects"`

	// Traffic statistics
	BytesSent   int64 `json:"bytes_sent"`
	BytesQueued int64 `json:"bytes_queued"`

	// Bandwidth statistics (bytes per second)
	CurrentBandwidth     int64 `json:"current_bandwidth"`
	MaxBandwidth         int64 `json:"max_bandwidth"`
	MinBandwidth         int64 `json:"min_bandwidth"` // smallest non-zero sample
	MinBandwidthRecorded bool  `json:"min_bandwidth_recorded"`

	BandwidthSamples []BandwidthSample `json:"bandwidth_samples"`

	LastUpdated time.Time `json:"last_updated"`

	mu sync.RWMutex
}

// BandwidthSample represents a bandwidth measurement at a specific time
type BandwidthSample struct {
	Timestamp      time.Time `json:"timestamp"`
	BytesPerSecond int64     `json:"bytes_per_second"`
}

// Collector manages statistics for all hosts
type Collector struct {
	stats    map[string]*HostStatistics
	mu       sync.RWMutex
	database *database.Database
	stopChan chan bool
	ticker   *time.Ticker
	lastSent map[string]int64
	lastTick time.Time
	stopOnce sync.Once
}

// CollectorOption holds configuration for the collector
type CollectorOption struct {
	Database *database.Database

	// SampleInterval overrides BANDWIDTH_SAMPLE_INTERVAL, 0 keeps the default
	SampleInterval time.Duration
}

// NewCollector creates a new host statistics collector
func NewCollector(option CollectorOption) (*Collector, error) {
	if err := option.Database.NewTable(TableName); err != nil {
		return nil, err
	}

	collector := &Collector{
		stats:    make(map[string]*HostStatistics),
		database: option.Database,
		stopChan: make(chan bool),
		lastSent: make(map[string]int64),
		lastTick: time.Now(),
	}

	collector.loadFromDatabase()

	interval := option.SampleInterval
	if interval <= 0 {
		interval = BANDWIDTH_SAMPLE_INTERVAL
	}
	collector.startBandwidthSampling(interval)

	return collector, nil
}

// Observe records one gateway event (wired to gateway.Config.OnEvent)
func (c *Collector) Observe(ev gateway.Event) {
	if ev.Hostname == "" {
		return
	}
	stats := c.hostEntry(ev.Hostname)

	stats.mu.Lock()
	defer stats.mu.Unlock()

	switch ev.Type {
	case "hit":
		stats.TotalRequests++
		stats.CachedRequests++
	case "miss":
		stats.TotalRequests++
		stats.CacheMisses++
	case "stale":
		stats.TotalRequests++
		stats.CachedRequests++
		stats.OfflineServes++
	case "unavailable":
		stats.TotalRequests++
		stats.Unavailable++
	case "queued":
		stats.TotalRequests++
		stats.QueuedWrites++
		stats.BytesQueued += ev.Size
	case "storage_failed":
		stats.TotalRequests++
		stats.StorageFailures++
	case "put":
		stats.CachedObjects++
		stats.CachedDataSize += ev.Size
	case "traffic":
		stats.BytesSent += ev.Size
	default:
		return
	}

	if stats.TotalRequests > 0 {
		stats.CacheHitRate = float64(stats.CachedRequests) / float64(stats.TotalRequests) * 100.0
	}
	stats.LastUpdated = time.Now()
}

func (c *Collector) hostEntry(hostname string) *HostStatistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats, exists := c.stats[hostname]
	if !exists {
		stats = &HostStatistics{
			Hostname:    hostname,
			LastUpdated: time.Now(),
		}
		c.stats[hostname] = stats
	}
	return stats
}

// GetHostStats returns a copy of the statistics of a host
func (c *Collector) GetHostStats(hostname string) *HostStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats, exists := c.stats[hostname]
	if !exists {
		return nil
	}
	return stats.snapshot()
}

// GetAllHostStats returns statistics for all hosts
func (c *Collector) GetAllHostStats() map[string]*HostStatistics {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]*HostStatistics, len(c.stats))
	for hostname, stats := range c.stats {
		result[hostname] = stats.snapshot()
	}
	return result
}

func (s *HostStatistics) snapshot() *HostStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := &HostStatistics{
		Hostname:             s.Hostname,
		TotalRequests:        s.TotalRequests,
		CachedRequests:       s.CachedRequests,
		CacheMisses:          s.CacheMisses,
		CacheHitRate:         s.CacheHitRate,
		OfflineServes:        s.OfflineServes,
		Unavailable:          s.Unavailable,
		QueuedWrites:         s.QueuedWrites,
		StorageFailures:      s.StorageFailures,
		CachedDataSize:       s.CachedDataSize,
		CachedObjects:        s.CachedObjects,
		BytesSent:            s.BytesSent,
		BytesQueued:          s.BytesQueued,
		CurrentBandwidth:     s.CurrentBandwidth,
		MaxBandwidth:         s.MaxBandwidth,
		MinBandwidth:         s.MinBandwidth,
		MinBandwidthRecorded: s.MinBandwidthRecorded,
		LastUpdated:          s.LastUpdated,
	}
	cp.BandwidthSamples = make([]BandwidthSample, len(s.BandwidthSamples))
	copy(cp.BandwidthSamples, s.BandwidthSamples)
	return cp
}

func (c *Collector) startBandwidthSampling(interval time.Duration) {
	c.ticker = time.NewTicker(interval)

	go func() {
		for {
			select {
			case now := <-c.ticker.C:
				c.sample(now)
			case <-c.stopChan:
				c.ticker.Stop()
				return
			}
		}
	}()
}

// sample turns the bytes sent since the previous sample into a bandwidth point
func (c *Collector) sample(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := now.Sub(c.lastTick).Seconds()
	c.lastTick = now
	if elapsed <= 0 {
		return
	}

	for hostname, stats := range c.stats {
		stats.mu.Lock()

		delta := stats.BytesSent - c.lastSent[hostname]
		if delta < 0 {
			// counters were reset
			delta = stats.BytesSent
		}
		bandwidth := int64(float64(delta) / elapsed)

		stats.CurrentBandwidth = bandwidth
		if bandwidth > stats.MaxBandwidth {
			stats.MaxBandwidth = bandwidth
		}
		if bandwidth > 0 && (!stats.MinBandwidthRecorded || bandwidth < stats.MinBandwidth) {
			stats.MinBandwidth = bandwidth
			stats.MinBandwidthRecorded = true
		}

		stats.BandwidthSamples = append(stats.BandwidthSamples, BandwidthSample{
			Timestamp:      now,
			BytesPerSecond: bandwidth,
		})
		if len(stats.BandwidthSamples) > MAX_BANDWIDTH_SAMPLES {
			stats.BandwidthSamples = stats.BandwidthSamples[len(stats.BandwidthSamples)-MAX_BANDWIDTH_SAMPLES:]
		}

		c.lastSent[hostname] = stats.BytesSent
		stats.mu.Unlock()
	}
}

// Save persists all statistics. It is scheduled daily and called on Close.
func (c *Collector) Save() error {
	for hostname, stats := range c.GetAllHostStats() {
		if err := c.database.Write(TableName, hostname, stats); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) loadFromDatabase() {
	entries, err := c.database.ListTable(TableName)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if len(entry) < 2 {
			continue
		}

		stats := &HostStatistics{}
		if err := c.database.Read(TableName, string(entry[0]), stats); err != nil {
			continue
		}
		if stats.Hostname == "" {
			continue
		}
		c.stats[stats.Hostname] = stats
		c.lastSent[stats.Hostname] = stats.BytesSent
	}
}

// ResetHostStats resets statistics for a specific host
func (c *Collector) ResetHostStats(hostname string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.stats[hostname]; !exists {
		return false
	}
	c.stats[hostname] = &HostStatistics{
		Hostname:    hostname,
		LastUpdated: time.Now(),
	}
	c.lastSent[hostname] = 0
	c.database.Delete(TableName, hostname)
	return true
}

// Close stops sampling and saves all data
func (c *Collector) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	return c.Save()
}
