package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"imuslab.com/offlinegw/mod/cache"
	"imuslab.com/offlinegw/mod/cacheworker"
	"imuslab.com/offlinegw/mod/database"
	"imuslab.com/offlinegw/mod/eventhub"
	"imuslab.com/offlinegw/mod/gateway"
	"imuslab.com/offlinegw/mod/hoststats"
	"imuslab.com/offlinegw/mod/metrics"
	"imuslab.com/offlinegw/mod/netwatch"
	"imuslab.com/offlinegw/mod/offlinequeue"
	"imuslab.com/offlinegw/mod/replay"
)

// Global offline system variables
var (
	offlineConfiguration *OfflineConfiguration
	sysdb                *database.Database
	cacheStore           cache.CacheStore
	cacheWorker          *cacheworker.Worker
	submissionQueue      *offlinequeue.Store
	connectivityMonitor  *netwatch.Monitor
	offlineGateway       *gateway.Gateway
	offlineAdminHandler  *gateway.AdminHandler
	replayCoordinator    *replay.Coordinator
	hostStatsCollector   *hoststats.Collector
	eventHub             *eventhub.Hub
	metricsCollector     *metrics.Collector
	scheduler            *cron.Cron
)

// initOfflineSystem builds every component from the loaded configuration
func initOfflineSystem(config *OfflineConfiguration) error {
	SystemWideLogger.Println("Initializing offline system")
	offlineConfiguration = config

	backendType, err := database.ParseBackendType(config.Database.Backend)
	if err != nil {
		return err
	}
	sysdb, err = database.NewDatabase(config.Database.Path, backendType)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Shared scheduler for replay ticks and housekeeping
	scheduler = cron.New(cron.WithLogger(cron.PrintfLogger(SystemWideLogger)))

	queueOptions := []offlinequeue.Option{}
	if config.Queue.MinFreeBytes > 0 {
		queueOptions = append(queueOptions, offlinequeue.WithSpaceGuard(offlinequeue.NewDiskGuard(config.Database.Path, config.Queue.MinFreeBytes)))
	}
	submissionQueue, err = offlinequeue.NewStore(sysdb, queueOptions...)
	if err != nil {
		return fmt.Errorf("failed to open offline queue: %w", err)
	}

	cacheStore, err = BuildCacheStore(config)
	if err != nil {
		return fmt.Errorf("failed to create cache store: %w", err)
	}
	SystemWideLogger.Println("Cache backend:", config.Cache.Backend)

	metricsCollector = metrics.New()
	eventHub = eventhub.NewHub(SystemWideLogger)
	hostStatsCollector, err = hoststats.NewCollector(hoststats.CollectorOption{Database: sysdb})
	if err != nil {
		return fmt.Errorf("failed to create host statistics: %w", err)
	}

	prober, err := BuildProber(config)
	if err != nil {
		return err
	}
	monitorConfig := netwatch.DefaultConfig()
	monitorConfig.Prober = prober
	monitorConfig.Logger = SystemWideLogger
	if config.Connectivity.Interval > 0 {
		monitorConfig.Interval = time.Duration(config.Connectivity.Interval) * time.Second
	}
	if config.Connectivity.Timeout > 0 {
		monitorConfig.ProbeTimeout = time.Duration(config.Connectivity.Timeout) * time.Second
	}
	connectivityMonitor = netwatch.NewMonitor(monitorConfig)
	metricsCollector.SetOnline(true)

	if config.Optimize.Mode == string(gateway.OptimizationAsync) {
		workerConfig := cacheworker.DefaultConfig()
		workerConfig.Logger = SystemWideLogger
		cacheWorker = cacheworker.NewWorker(workerConfig)
		cacheWorker.Start()
	}

	gatewayConfig, err := BuildGatewayConfig(config)
	if err != nil {
		return err
	}
	gatewayConfig.Store = cacheStore
	gatewayConfig.Queue = submissionQueue
	gatewayConfig.StateDB = sysdb
	gatewayConfig.Connectivity = connectivityMonitor
	gatewayConfig.OnEvent = handleGatewayEvent
	gatewayConfig.Logger = SystemWideLogger
	if cacheWorker != nil {
		gatewayConfig.WorkerQueue = cacheWorker
	}
	offlineGateway, err = gateway.NewGateway(gatewayConfig)
	if err != nil {
		return err
	}
	if err := offlineGateway.SyncVersion(context.Background()); err != nil {
		SystemWideLogger.PrintAndLog("offline", "Unable to persist cache version", err)
	}

	replayConfig := BuildReplayConfig(config)
	replayConfig.Queue = submissionQueue
	replayConfig.Forwarder = offlineGateway
	replayConfig.Cron = scheduler
	replayConfig.Logger = SystemWideLogger
	replayConfig.OnResult = handleReplayResult
	replayCoordinator, err = replay.NewCoordinator(replayConfig)
	if err != nil {
		return err
	}

	connectivityMonitor.OnChange(handleConnectivityChange)

	offlineAdminHandler = gateway.NewAdminHandler(offlineGateway, submissionQueue, replayCoordinator, connectivityMonitor, config.AdminSecret)
	if config.AdminSecret == "" {
		SystemWideLogger.Println("WARNING: admin_secret is empty, " + OFFLINE_API_PREFIX + " management endpoints are open to anyone who can reach the gateway")
	}

	// Daily housekeeping
	if _, err := scheduler.AddFunc("@daily", purgeSyncedSubmissions); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc("@daily", func() {
		if err := hostStatsCollector.Save(); err != nil {
			SystemWideLogger.PrintAndLog("hoststats", "Failed to persist host statistics", err)
		}
	}); err != nil {
		return err
	}

	SystemWideLogger.Printf("Offline system initialized (upstream: %s, freshness window: %d min)", config.Upstream, config.FreshnessWindow)
	return nil
}

// startOfflineSystem starts the background services and warms the cache
func startOfflineSystem() error {
	if err := replayCoordinator.Start(); err != nil {
		return err
	}
	scheduler.Start()
	connectivityMonitor.Start()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		n, err := offlineGateway.Precache(ctx)
		if err != nil {
			SystemWideLogger.PrintAndLog("offline", fmt.Sprintf("Precached %d offline shell entries with errors", n), err)
		} else {
			SystemWideLogger.Printf("Precached %d offline shell entries", n)
		}
		updateQueueDepth()
		// submissions left over from the previous run
		replayCoordinator.Trigger(replay.ReasonStartup)
	}()
	return nil
}

// handleGatewayEvent fans gateway events out to the statistics collectors
func handleGatewayEvent(ev gateway.Event) {
	if hostStatsCollector != nil {
		hostStatsCollector.Observe(ev)
	}
	if metricsCollector != nil {
		metricsCollector.ObserveEvent(ev)
	}
	if ev.Type == "queued" && eventHub != nil {
		eventHub.Broadcast(eventhub.EventQueued, queueSnapshot())
	}
}

func handleConnectivityChange(online bool) {
	if online {
		SystemWideLogger.Println("Upstream is reachable again, replaying offline submissions")
		replayCoordinator.Trigger(replay.ReasonConnectivity)
	} else {
		SystemWideLogger.Println("Upstream unreachable, serving from offline cache")
	}
	metricsCollector.SetOnline(online)
	eventHub.Broadcast(eventhub.EventConnectivity, connectivityMonitor.Status())
}

func handleReplayResult(result replay.DrainResult) {
	metricsCollector.ObserveReplay(result)
	if result.Attempted > 0 {
		eventHub.Broadcast(eventhub.EventReplay, result)
	}
	updateQueueDepth()
}

// queueSnapshot returns the queue counts, or nil when storage is unavailable
func queueSnapshot() *offlinequeue.Counts {
	counts, err := submissionQueue.Counts(context.Background())
	if err != nil {
		return nil
	}
	return &counts
}

func updateQueueDepth() {
	counts := queueSnapshot()
	if counts == nil {
		return
	}
	metricsCollector.SetQueueDepth(counts.Pending, counts.DeadLettered, counts.Synced)
	eventHub.Broadcast(eventhub.EventQueued, counts)
}

func purgeSyncedSubmissions() {
	if offlineConfiguration.Queue.SyncedRetention <= 0 {
		return
	}
	retention := time.Duration(offlineConfiguration.Queue.SyncedRetention) * 24 * time.Hour
	n, err := submissionQueue.PurgeSynced(context.Background(), retention)
	if err != nil {
		SystemWideLogger.PrintAndLog("offline", "Failed to purge synced submissions", err)
		return
	}
	if n > 0 {
		SystemWideLogger.Printf("Purged %d synced offline submissions", n)
		updateQueueDepth()
	}
}

// shutdownOfflineSystem stops every component. In-flight replays finish first.
func shutdownOfflineSystem() error {
	SystemWideLogger.Println("Shutting down offline system")
	var errs error

	if connectivityMonitor != nil {
		connectivityMonitor.Stop()
	}
	if replayCoordinator != nil {
		replayCoordinator.Stop()
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	if cacheWorker != nil {
		cacheWorker.Stop()
	}
	if eventHub != nil {
		eventHub.Close()
	}
	if hostStatsCollector != nil {
		errs = multierr.Append(errs, hostStatsCollector.Close())
	}
	if cacheStore != nil {
		errs = multierr.Append(errs, cacheStore.Close())
	}
	if sysdb != nil {
		errs = multierr.Append(errs, sysdb.Close())
	}

	SystemWideLogger.Println("Offline system shut down")
	return errs
}
