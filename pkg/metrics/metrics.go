// Package metrics exposes the watchtower's Prometheus instrumentation:
// chain head height, gas queue depth, action dispatch latency, and reorg
// counts. Components hold a *Registry and call its methods inline rather
// than reaching for global metric vars.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the watchtower emits under one
// prometheus.Registerer, so a fresh Registry per test never collides with
// the default global registry.
type Registry struct {
	reg *prometheus.Registry

	HeadHeight        prometheus.Gauge
	BlocksProcessed   prometheus.Counter
	Reorgs            prometheus.Counter
	PrunedBlocks      prometheus.Counter
	GasQueueDepth     prometheus.Gauge
	QueuedBroadcasts  prometheus.Counter
	DispatchLatency   prometheus.Histogram
	ActionsDispatched *prometheus.CounterVec
	WatchedCount      prometheus.Gauge
	ResponderBalance  prometheus.Gauge
}

// New builds a Registry with every metric registered under namespace
// "pisawatch".
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	const ns = "pisawatch"

	return &Registry{
		reg: reg,

		HeadHeight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "chain", Name: "head_height",
			Help: "Block number of the current chain head as seen by the block processor.",
		}),
		BlocksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "chain", Name: "blocks_processed_total",
			Help: "Blocks successfully attached and run through the reducer pipeline.",
		}),
		Reorgs: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "chain", Name: "reorgs_total",
			Help: "Times a previously observed/mined block was evicted from the canonical ancestry.",
		}),
		PrunedBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "chain", Name: "pruned_blocks_total",
			Help: "Blocks pruned from the in-memory cache for falling outside its max depth.",
		}),
		GasQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "responder", Name: "gas_queue_depth",
			Help: "Current number of in-flight responses held in the operator's gas queue.",
		}),
		QueuedBroadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "responder", Name: "broadcasts_total",
			Help: "Raw transactions broadcast by the multi-responder, including replace-by-fee rebroadcasts.",
		}),
		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "engine", Name: "action_dispatch_seconds",
			Help:    "Time spent dispatching a single action to its component.",
			Buckets: prometheus.DefBuckets,
		}),
		ActionsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "engine", Name: "actions_dispatched_total",
			Help: "Actions dispatched, labeled by kind.",
		}, []string{"kind"}),
		WatchedCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "watcher", Name: "tracked_appointments",
			Help: "Appointments currently tracked by the watcher reducer.",
		}),
		ResponderBalance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "responder", Name: "operator_balance_wei",
			Help: "Last observed balance of the responder's operator account, in wei.",
		}),
	}
}

// Handler returns the HTTP handler to mount at the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
