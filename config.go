package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/multierr"
	"imuslab.com/offlinegw/mod/cache"
	"imuslab.com/offlinegw/mod/gateway"
	"imuslab.com/offlinegw/mod/netwatch"
	"imuslab.com/offlinegw/mod/optimizer"
	"imuslab.com/offlinegw/mod/replay"
)

const (
	CONF_FOLDER         = "./conf"
	CONF_OFFLINE_CONFIG = CONF_FOLDER + "/offline_conf.json"
	CONF_CACHE_STORE    = CONF_FOLDER + "/cache"
	CONF_DATABASE       = CONF_FOLDER + "/offline.db"
	LOG_FOLDER          = "./log"
)

// OfflineConfiguration holds the configuration of the offline gateway
type OfflineConfiguration struct {
	// Upstream is the origin server every request is forwarded to
	Upstream string `json:"upstream"`
	Listen   string `json:"listen"`
	LogLevel string `json:"log_level"`

	// ProxyProtocol accepts PROXY protocol headers from a fronting load balancer
	ProxyProtocol bool `json:"proxy_protocol"`

	Database struct {
		Backend string `json:"backend"` // "bolt", "leveldb", "memory"
		Path    string `json:"path"`
	} `json:"database"`

	Cache struct {
		Backend string `json:"backend"` // "fs", "redis", "memory"

		// Version namespaces every cache key, bump it on deploy
		Version string `json:"version"`

		FS struct {
			Root       string `json:"root"`
			ShardDepth int    `json:"shard_depth"`
		} `json:"fs"`

		Redis struct {
			Addr     string `json:"addr"`
			Password string `json:"password"`
			DB       int    `json:"db"`
		} `json:"redis"`

		Memory struct {
			Capacity uint64 `json:"capacity"`
		} `json:"memory"`

		MaxCacheSize int64 `json:"max_cache_size"` // bytes
	} `json:"cache"`

	// FreshnessWindow is the maximum age (minutes) of API data served while offline
	FreshnessWindow int `json:"freshness_window"`

	Classifier struct {
		StaticManifest  []string `json:"static_manifest"`
		StaticPatterns  []string `json:"static_patterns"`
		APIPatterns     []string `json:"api_patterns"`
		MutationMethods []string `json:"mutation_methods"`
	} `json:"classifier"`

	OfflinePage string `json:"offline_page"`
	Notice      struct {
		English string `json:"en"`
		Arabic  string `json:"ar"`
	} `json:"notice"`

	MaxSubmissionSize int64 `json:"max_submission_size"`

	Optimize struct {
		Mode       string `json:"mode"` // "sync", "async", "disabled"
		MinifyCSS  bool   `json:"minify_css"`
		MinifyJS   bool   `json:"minify_js"`
		MinifyHTML bool   `json:"minify_html"`
		CompressBr bool   `json:"compress_brotli"`
		CompressGz bool   `json:"compress_gzip"`
	} `json:"optimize"`

	Connectivity struct {
		Probe      string `json:"probe"` // "http", "ping", "none"
		ProbeURL   string `json:"probe_url"`
		PingHost   string `json:"ping_host"`
		Privileged bool   `json:"privileged"`
		Interval   int    `json:"interval"` // seconds
		Timeout    int    `json:"timeout"`  // seconds
	} `json:"connectivity"`

	Queue struct {
		MinFreeBytes    uint64 `json:"min_free_bytes"`
		SyncedRetention int    `json:"synced_retention"` // days
	} `json:"queue"`

	Replay struct {
		Schedule       string `json:"schedule"`
		MaxAttempts    int    `json:"max_attempts"`
		StuckThreshold int    `json:"stuck_threshold"`
		MaxTickBackoff int    `json:"max_tick_backoff"`
		ForwardTimeout int    `json:"forward_timeout"` // seconds
	} `json:"replay"`

	MDNS struct {
		Enabled bool   `json:"enabled"`
		Name    string `json:"name"`
	} `json:"mdns"`

	// AdminSecret protects the /_offline management endpoints
	AdminSecret string `json:"admin_secret"`
}

// DefaultOfflineConfiguration returns the default configuration
func DefaultOfflineConfiguration() *OfflineConfiguration {
	config := &OfflineConfiguration{
		Upstream:          "http://127.0.0.1:8000",
		Listen:            ":8080",
		LogLevel:          "info",
		FreshnessWindow:   120,
		OfflinePage:       "/offline.html",
		MaxSubmissionSize: 10 * 1024 * 1024,
	}

	config.Database.Backend = "bolt"
	config.Database.Path = CONF_DATABASE

	config.Cache.Backend = "fs"
	config.Cache.Version = "1"
	config.Cache.FS.Root = CONF_CACHE_STORE
	config.Cache.FS.ShardDepth = 2
	config.Cache.Memory.Capacity = 10000
	config.Cache.MaxCacheSize = 10 * 1024 * 1024

	config.Classifier.StaticManifest = []string{"/offline.html"}
	config.Classifier.StaticPatterns = []string{gateway.DefaultStaticPattern.String()}
	for _, re := range gateway.DefaultAPIPatterns {
		config.Classifier.APIPatterns = append(config.Classifier.APIPatterns, re.String())
	}
	config.Classifier.MutationMethods = []string{"POST", "PUT"}

	config.Optimize.Mode = "disabled"
	config.Optimize.MinifyCSS = true
	config.Optimize.MinifyJS = true
	config.Optimize.MinifyHTML = true
	config.Optimize.CompressBr = true

	config.Connectivity.Probe = "http"
	config.Connectivity.Interval = 15
	config.Connectivity.Timeout = 5

	config.Queue.SyncedRetention = 7

	replayDefaults := replay.DefaultConfig()
	config.Replay.Schedule = replayDefaults.Schedule
	config.Replay.MaxAttempts = replayDefaults.MaxAttempts
	config.Replay.StuckThreshold = replayDefaults.StuckThreshold
	config.Replay.MaxTickBackoff = replayDefaults.MaxTickBackoff
	config.Replay.ForwardTimeout = int(replayDefaults.ForwardTimeout / time.Second)

	config.MDNS.Name = "offlinegw"

	return config
}

// LoadOfflineConfiguration loads the configuration at path over the
// defaults. A missing file is created with the defaults.
func LoadOfflineConfiguration(path string) (*OfflineConfiguration, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		config := DefaultOfflineConfiguration()
		if err := SaveOfflineConfiguration(path, config); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := DefaultOfflineConfiguration()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return config, nil
}

// SaveOfflineConfiguration writes the configuration to path
func SaveOfflineConfiguration(path string, config *OfflineConfiguration) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Redacted returns a copy safe to expose over the API
func (c *OfflineConfiguration) Redacted() OfflineConfiguration {
	cp := *c
	if cp.AdminSecret != "" {
		cp.AdminSecret = "********"
	}
	if cp.Cache.Redis.Password != "" {
		cp.Cache.Redis.Password = "********"
	}
	return cp
}

// BuildCacheStore creates a cache store from configuration
func BuildCacheStore(config *OfflineConfiguration) (cache.CacheStore, error) {
	switch strings.ToLower(config.Cache.Backend) {
	case "redis":
		return cache.NewRedisStore(cache.RedisStoreConfig{
			Addr:     config.Cache.Redis.Addr,
			Password: config.Cache.Redis.Password,
			DB:       config.Cache.Redis.DB,
			Prefix:   "offlinegw:cache:",
			MaxSize:  config.Cache.MaxCacheSize,
		})

	case "memory":
		return cache.NewMemoryStore(cache.MemoryStoreConfig{
			Capacity: config.Cache.Memory.Capacity,
		}), nil

	default:
		return cache.NewFSStore(config.Cache.FS.Root, config.Cache.FS.ShardDepth)
	}
}

// BuildOptimizationPipeline creates an optimization pipeline from configuration
func BuildOptimizationPipeline(config *OfflineConfiguration) *optimizer.Pipeline {
	if config.Optimize.Mode == "" || config.Optimize.Mode == string(gateway.OptimizationDisabled) {
		return nil
	}

	pipeline := optimizer.NewPipeline()

	if config.Optimize.MinifyCSS || config.Optimize.MinifyJS || config.Optimize.MinifyHTML {
		pipeline.AddTransform(optimizer.MinifyTransform(optimizer.MinifyConfig{
			HTML: config.Optimize.MinifyHTML,
			CSS:  config.Optimize.MinifyCSS,
			JS:   config.Optimize.MinifyJS,
			JSON: true,
			SVG:  true,
		}))
	}

	if config.Optimize.CompressBr {
		pipeline.AddTransform(optimizer.BrotliTransform(6))
	} else if config.Optimize.CompressGz {
		pipeline.AddTransform(optimizer.GzipTransform(-1))
	}

	return pipeline
}

// BuildClassifierConfig compiles the classification rules. Invalid patterns
// are skipped and reported together in the returned error.
func BuildClassifierConfig(config *OfflineConfiguration) (gateway.ClassifierConfig, error) {
	var errs error
	compile := func(patterns []string) []*regexp.Regexp {
		var compiled []*regexp.Regexp
		for _, pattern := range patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("invalid path pattern %q: %w", pattern, err))
				continue
			}
			compiled = append(compiled, re)
		}
		return compiled
	}

	classifierConfig := gateway.ClassifierConfig{
		StaticManifest:  config.Classifier.StaticManifest,
		StaticPatterns:  compile(config.Classifier.StaticPatterns),
		APIPatterns:     compile(config.Classifier.APIPatterns),
		MutationMethods: config.Classifier.MutationMethods,
	}
	return classifierConfig, errs
}

// BuildGatewayConfig creates the gateway configuration. Runtime dependencies
// (store, queue, state database, worker, connectivity) are filled by the caller.
func BuildGatewayConfig(config *OfflineConfiguration) (gateway.Config, error) {
	upstream, err := url.Parse(config.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return gateway.Config{}, fmt.Errorf("invalid upstream url %q", config.Upstream)
	}

	classifierConfig, err := BuildClassifierConfig(config)
	if err != nil {
		SystemWideLogger.PrintAndLog("offline", "Some classifier patterns were ignored", err)
	}

	var optMode gateway.OptimizationMode
	switch config.Optimize.Mode {
	case "sync":
		optMode = gateway.OptimizationSync
	case "async":
		optMode = gateway.OptimizationAsync
	default:
		optMode = gateway.OptimizationDisabled
	}

	return gateway.Config{
		Upstream:             upstream,
		Classifier:           gateway.NewClassifier(classifierConfig),
		Version:              config.Cache.Version,
		FreshnessWindow:      time.Duration(config.FreshnessWindow) * time.Minute,
		MaxCacheSize:         config.Cache.MaxCacheSize,
		MaxSubmissionSize:    config.MaxSubmissionSize,
		OfflinePagePath:      config.OfflinePage,
		Notice:               gateway.NoticeText{English: config.Notice.English, Arabic: config.Notice.Arabic},
		OptimizationMode:     optMode,
		OptimizationPipeline: BuildOptimizationPipeline(config),
	}, nil
}

// BuildProber creates the active connectivity probe. A nil prober leaves
// the monitor on passive hints from the gateway only.
func BuildProber(config *OfflineConfiguration) (netwatch.Prober, error) {
	timeout := time.Duration(config.Connectivity.Timeout) * time.Second

	switch strings.ToLower(config.Connectivity.Probe) {
	case "none", "":
		return nil, nil

	case "ping":
		host := config.Connectivity.PingHost
		if host == "" {
			u, err := url.Parse(config.Upstream)
			if err != nil {
				return nil, err
			}
			host = u.Hostname()
		}
		prober := netwatch.NewPingProber(host)
		prober.Privileged = config.Connectivity.Privileged
		if timeout > 0 {
			prober.Timeout = timeout
		}
		return prober, nil

	case "http":
		target := config.Connectivity.ProbeURL
		if target == "" {
			target = config.Upstream
		}
		return netwatch.NewHTTPProber(target, timeout), nil

	default:
		return nil, fmt.Errorf("unknown connectivity probe %q", config.Connectivity.Probe)
	}
}

// BuildReplayConfig maps the replay section onto the coordinator configuration
func BuildReplayConfig(config *OfflineConfiguration) replay.Config {
	replayConfig := replay.DefaultConfig()
	if config.Replay.Schedule != "" {
		replayConfig.Schedule = config.Replay.Schedule
	}
	replayConfig.MaxAttempts = config.Replay.MaxAttempts
	replayConfig.StuckThreshold = config.Replay.StuckThreshold
	replayConfig.MaxTickBackoff = config.Replay.MaxTickBackoff
	replayConfig.ForwardTimeout = time.Duration(config.Replay.ForwardTimeout) * time.Second
	return replayConfig
}
