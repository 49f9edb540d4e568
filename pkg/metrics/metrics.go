// Package metrics holds the prometheus collectors shared by the router,
// the store process and the worker pools.
package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RouterMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_router_messages_total",
			Help: "Messages dispatched by the router, by source tier and type.",
		},
		[]string{"tier", "type"},
	)

	RouterErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_router_errors_total",
			Help: "Messages the router failed to handle, by source socket.",
		},
		[]string{"socket"},
	)

	RouterFanout = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_router_fanout_total",
			Help: "Indicators republished to hunters, streamer and webhooks.",
		},
		[]string{"sink"},
	)

	StoreRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_store_requests_total",
			Help: "Store requests handled, by type and status.",
		},
		[]string{"type", "status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cif_store_create_queue_depth",
			Help: "Indicators waiting in the create queue.",
		},
	)

	QueueTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cif_store_create_queue_tokens",
			Help: "Tokens holding a create queue entry.",
		},
	)

	QueueFlushSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cif_store_create_queue_flush_size",
			Help:    "Indicators committed per create queue flush.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	QueueFlushSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cif_store_create_queue_flush_seconds",
			Help:    "Time spent committing one create queue flush.",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkersRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cif_workers_running",
			Help: "Running workers per pool.",
		},
		[]string{"pool"},
	)

	PluginErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_plugin_errors_total",
			Help: "Plugin failures, by pool and plugin.",
		},
		[]string{"pool", "plugin"},
	)

	WebhookPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_webhook_posts_total",
			Help: "Webhook deliveries by hook and outcome.",
		},
		[]string{"hook", "status"},
	)

	StreamPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_stream_published_total",
			Help: "Indicators republished by the streamer, by sink and outcome.",
		},
		[]string{"sink", "status"},
	)

	FirehoseClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cif_stream_firehose_clients",
			Help: "Connected websocket firehose clients.",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_httpd_requests_total",
			Help: "Gateway requests by route and status code.",
		},
		[]string{"route", "code"},
	)

	DiskUsedPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cif_runtime_disk_used_percent",
			Help: "Used space on the filesystem holding the runtime path.",
		},
	)

	RetentionPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cif_retention_pruned_total",
			Help: "Indicators removed by the retention runner, by rule.",
		},
		[]string{"rule"},
	)

	heapAlloc = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "go_heap_alloc_bytes",
			Help: "Current heap allocation in bytes.",
		},
		func() float64 {
			var stats runtime.MemStats
			runtime.ReadMemStats(&stats)
			return float64(stats.HeapAlloc)
		},
	)
)

func init() {
	prometheus.MustRegister(
		RouterMessages,
		RouterErrors,
		RouterFanout,
		StoreRequests,
		QueueDepth,
		QueueTokens,
		QueueFlushSize,
		QueueFlushSeconds,
		WorkersRunning,
		PluginErrors,
		WebhookPosts,
		StreamPublished,
		FirehoseClients,
		HTTPRequests,
		DiskUsedPct,
		RetentionPruned,
		heapAlloc,
	)
}
