package netwatch

import (
	"context"
	"log"
	"sync"
	"time"
)

/*
	Connectivity monitor

	Tracks whether the upstream is reachable. State changes come from the
	periodic probe and from passive reports by the gateway, which sees
	every request succeed or fail anyway.
*/

// Logger interface for monitor logging
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

type Config struct {
	// Prober is run every Interval. Nil disables active probing.
	Prober Prober

	// Interval between probes
	Interval time.Duration

	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration

	Logger Logger
}

func DefaultConfig() Config {
	return Config{
		Interval:     15 * time.Second,
		ProbeTimeout: 5 * time.Second,
		Logger:       &defaultLogger{},
	}
}

// Status is a snapshot of the monitor state
type Status struct {
	Online    bool      `json:"online"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

type Monitor struct {
	config Config

	mu        sync.RWMutex
	online    bool
	since     time.Time
	lastError string
	listeners []func(online bool)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor that assumes the upstream is online
func NewMonitor(config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &defaultLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		config: config,
		online: true,
		since:  time.Now(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnChange registers a listener called after every state transition
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Online reports the current state
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Online:    m.online,
		Since:     m.since,
		LastError: m.lastError,
	}
}

// ReportSuccess marks the upstream reachable
func (m *Monitor) ReportSuccess() {
	m.set(true, nil)
}

// ReportFailure marks the upstream unreachable
func (m *Monitor) ReportFailure(err error) {
	m.set(false, err)
}

// Check runs the prober once
func (m *Monitor) Check(ctx context.Context) bool {
	if m.config.Prober == nil {
		return m.Online()
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	err := m.config.Prober.Probe(ctx)
	if m.ctx.Err() != nil {
		// shutting down, the result says nothing about the upstream
		return m.Online()
	}
	m.set(err == nil, err)
	return err == nil
}

func (m *Monitor) set(online bool, cause error) {
	m.mu.Lock()
	if cause != nil {
		m.lastError = cause.Error()
	}
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.since = time.Now()
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if online {
		m.config.Logger.Println("Upstream is reachable again")
	} else {
		m.config.Logger.Printf("Upstream unreachable: %v", cause)
	}

	for _, fn := range listeners {
		fn(online)
	}
}

// Start launches the probe loop
func (m *Monitor) Start() {
	if m.config.Prober == nil {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.Check(m.ctx)
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.Check(m.ctx)
			}
		}
	}()
}

// Stop ends the probe loop
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
