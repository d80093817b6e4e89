package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "remediator"

var (
	// RequestsTotal counts dispatched remediation and observability requests.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Dispatched requests by action and outcome status.",
	}, []string{"action", "status"})

	// GatewayCalls counts raw firewall API calls.
	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_calls_total",
		Help:      "Raw firewall API call counts.",
	}, []string{"endpoint", "status"})

	// GatewayDuration records firewall API latency.
	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_duration_seconds",
		Help:      "Firewall API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// BlocksCreated counts successful block rule creations by kind.
	BlocksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_created_total",
		Help:      "Block rules created, by kind (temporary or permanent).",
	}, []string{"kind"})

	// Unblocks counts removed block rules by trigger.
	Unblocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unblocks_total",
		Help:      "Block rules removed, by trigger (manual or expired).",
	}, []string{"trigger"})

	// SweepFailures counts per-record failures skipped by the expiry sweep.
	SweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_failures_total",
		Help:      "Expired records the sweep could not lift.",
	})

	// ActiveTempBlocks is the number of tracked temporary block records.
	ActiveTempBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_temp_blocks",
		Help:      "Temporary block records currently in the store.",
	})

	// DBSizeBytes tracks the store's on-disk or in-memory size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "Block store size in bytes.",
	})

	// AlertsSent counts alert webhook deliveries.
	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_sent_total",
		Help:      "Alert deliveries by channel and status.",
	}, []string{"channel", "status"})

	// LokiCalls counts log backend API calls.
	LokiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loki_calls_total",
		Help:      "Log backend API calls by endpoint and status.",
	}, []string{"endpoint", "status"})
)
