package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"imuslab.com/offlinegw/mod/gateway"
	"imuslab.com/offlinegw/mod/replay"
)

const namespace = "offlinegw"

// Collector exposes gateway, queue and replay state to Prometheus
type Collector struct {
	registry *prometheus.Registry

	// GatewayEvents counts gateway outcomes by request class and type
	GatewayEvents *prometheus.CounterVec

	// GatewayBytes counts bytes served by request class
	GatewayBytes *prometheus.CounterVec

	// QueueDepth tracks offline submissions by state (pending|dead_lettered|synced)
	QueueDepth *prometheus.GaugeVec

	// ReplayPasses counts drain passes by trigger reason
	ReplayPasses *prometheus.CounterVec

	// ReplayItems counts replay outcomes (synced|failed|dead_lettered)
	ReplayItems *prometheus.CounterVec

	// ReplayDuration measures drain pass latency
	ReplayDuration prometheus.Histogram

	// Online is 1 while the upstream is reachable
	Online prometheus.Gauge
}

// New builds a collector with its own registry
func New() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		GatewayEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_events_total",
				Help:      "Total number of gateway outcomes",
			},
			[]string{"class", "type"},
		),
		GatewayBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_bytes_total",
				Help:      "Total number of response bytes served",
			},
			[]string{"class"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_submissions",
				Help:      "Number of offline submissions by state",
			},
			[]string{"state"},
		),
		ReplayPasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replay_passes_total",
				Help:      "Total number of replay passes",
			},
			[]string{"reason"},
		),
		ReplayItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replay_items_total",
				Help:      "Total number of replayed submissions by outcome",
			},
			[]string{"result"},
		),
		ReplayDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "replay_duration_seconds",
				Help:      "Replay pass latency",
				Buckets:   prometheus.DefBuckets,
			},
		),
		Online: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_online",
				Help:      "Whether the upstream is reachable",
			},
		),
	}
}

// ObserveEvent records one gateway event
func (c *Collector) ObserveEvent(ev gateway.Event) {
	c.GatewayEvents.WithLabelValues(ev.Class.String(), ev.Type).Inc()
	if ev.Type == "traffic" && ev.Size > 0 {
		c.GatewayBytes.WithLabelValues(ev.Class.String()).Add(float64(ev.Size))
	}
}

// ObserveReplay records the outcome of a drain pass
func (c *Collector) ObserveReplay(r replay.DrainResult) {
	c.ReplayPasses.WithLabelValues(r.Reason).Inc()
	c.ReplayItems.WithLabelValues("synced").Add(float64(r.Synced))
	c.ReplayItems.WithLabelValues("failed").Add(float64(r.Failed))
	c.ReplayItems.WithLabelValues("dead_lettered").Add(float64(r.DeadLettered))
	c.ReplayDuration.Observe(r.Duration.Seconds())
}

// SetQueueDepth publishes the current queue counts
func (c *Collector) SetQueueDepth(pending, deadLettered, synced int) {
	c.QueueDepth.WithLabelValues("pending").Set(float64(pending))
	c.QueueDepth.WithLabelValues("dead_lettered").Set(float64(deadLettered))
	c.QueueDepth.WithLabelValues("synced").Set(float64(synced))
}

func (c *Collector) SetOnline(online bool) {
	if online {
		c.Online.Set(1)
		return
	}
	c.Online.Set(0)
}

// Registry exposes the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
