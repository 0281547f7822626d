package gateway

import "sync"

// Stats tracks gateway statistics
type Stats struct {
	mu              sync.RWMutex
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	Puts            int64 `json:"puts"`
	StaleServes     int64 `json:"stale_serves"`
	Unavailable     int64 `json:"unavailable"`
	Queued          int64 `json:"queued"`
	StorageFailures int64 `json:"storage_failures"`
	NetworkFailures int64 `json:"network_failures"`
	Errors          int64 `json:"errors"`
	Bypasses        int64 `json:"bypasses"`
}

// GetStats returns a copy of the current statistics
func (g *Gateway) GetStats() Stats {
	g.stats.mu.RLock()
	defer g.stats.mu.RUnlock()
	return Stats{
		Hits:            g.stats.Hits,
		Misses:          g.stats.Misses,
		Puts:            g.stats.Puts,
		StaleServes:     g.stats.StaleServes,
		Unavailable:     g.stats.Unavailable,
		Queued:          g.stats.Queued,
		StorageFailures: g.stats.StorageFailures,
		NetworkFailures: g.stats.NetworkFailures,
		Errors:          g.stats.Errors,
		Bypasses:        g.stats.Bypasses,
	}
}

// HitRate returns the static cache hit rate in percent
func (s *Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

func (s *Stats) add(field *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field++
}

func (s *Stats) incrementHits()            { s.add(&s.Hits) }
func (s *Stats) incrementMisses()          { s.add(&s.Misses) }
func (s *Stats) incrementPuts()            { s.add(&s.Puts) }
func (s *Stats) incrementStaleServes()     { s.add(&s.StaleServes) }
func (s *Stats) incrementUnavailable()     { s.add(&s.Unavailable) }
func (s *Stats) incrementQueued()          { s.add(&s.Queued) }
func (s *Stats) incrementStorageFailures() { s.add(&s.StorageFailures) }
func (s *Stats) incrementNetworkFailures() { s.add(&s.NetworkFailures) }
func (s *Stats) incrementErrors()          { s.add(&s.Errors) }
func (s *Stats) incrementBypasses()        { s.add(&s.Bypasses) }
