package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// StoreOperationLatency records document store latency by backend and operation.
	StoreOperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agora_store_operation_latency_seconds",
		Help:    "Document store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "operation"})

	// StoreOperationErrors counts failed document store operations.
	StoreOperationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_store_operation_errors_total",
		Help: "Total number of failed document store operations",
	}, []string{"backend", "operation"})

	// SnapshotsDelivered counts snapshots applied to live caches per collection kind.
	SnapshotsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_snapshots_delivered_total",
		Help: "Total number of snapshots applied to live caches",
	}, []string{"collection"})

	// SubscriptionErrors counts subscriptions that ended in an error.
	SubscriptionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_subscription_errors_total",
		Help: "Total number of subscription errors",
	}, []string{"collection"})

	// ActiveSubscriptions is the gauge of open standing subscriptions.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_active_subscriptions",
		Help: "Number of open standing subscriptions",
	})

	// ToggleOutcomes counts settled optimistic toggles by kind and outcome.
	ToggleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_toggle_outcomes_total",
		Help: "Total number of settled interaction toggles",
	}, []string{"kind", "outcome"})

	// NameRepairs counts author-name repairs by result.
	NameRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_name_repairs_total",
		Help: "Total number of author name repairs",
	}, []string{"result"})

	// PushDeliveries counts push notification attempts by result.
	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_push_deliveries_total",
		Help: "Total number of push notification attempts",
	}, []string{"result"})

	// CounterCorrections counts stats fields rewritten by the reconciliation sweep.
	CounterCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_counter_corrections_total",
		Help: "Total number of counters corrected by reconciliation",
	}, []string{"collection", "counter"})

	// WebSocketConnectionsTotal is the gauge of total WebSocket connections.
	WebSocketConnectionsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agora_websocket_connections_total",
		Help: "Total number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_websocket_events_total",
		Help: "Total WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agora_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})
)

// TrackStoreOperation returns a function that records operation latency when called (e.g. defer).
func TrackStoreOperation(backend, operation string) func() {
	start := time.Now()
	return func() {
		StoreOperationLatency.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	}
}
