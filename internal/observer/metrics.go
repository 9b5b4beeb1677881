package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true

	webhookLabels  = []string{"platform", "outcome"}
	claimLabels    = []string{"source", "outcome"}
	dispatchLabels = []string{"platform", "outcome"}
	taskLabels     = []string{"task_type", "status"}

	WebhookRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_webhook_requests_total",
			Help: "Inbound webhook requests by platform and outcome (accepted, duplicate, unauthorized, malformed, rate_limited, error).",
		},
		webhookLabels,
	)
	WebhookDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "im_bridge_webhook_duration_seconds",
			Help:    "Time spent handling an inbound webhook.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"platform"},
	)
	MessagesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_messages_ingested_total",
			Help: "Inbound messages persisted as RECEIVED, labeled by whether the sender was bound.",
		},
		[]string{"platform", "bound"},
	)
	ClaimAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_claim_attempts_total",
			Help: "Claim attempts on pending messages by source (api, responder, ingest) and outcome (claimed, already_claimed, error).",
		},
		claimLabels,
	)
	MessagesResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_messages_resolved_total",
			Help: "Messages moved to a terminal status.",
		},
		[]string{"status"},
	)
	MessagesReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "im_bridge_messages_reclaimed_total",
			Help: "PROCESSING messages failed by the stuck-claim sweep.",
		},
	)
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_dispatch_total",
			Help: "Outbound replies by platform and outcome (delivered, failed).",
		},
		dispatchLabels,
	)
	DispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "im_bridge_dispatch_duration_seconds",
			Help:    "Time spent calling a platform send API.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"platform"},
	)
	BindingOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_binding_operations_total",
			Help: "Binding code operations by kind (issue, redeem) and result.",
		},
		[]string{"operation", "result"},
	)

	CacheChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_cache_checks_total",
			Help: "Cache lookups by cache (dedup_bloom, platform_config) and result.",
		},
		[]string{"cache", "result"},
	)

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "im_bridge_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"operation", "entity", "status"},
	)

	// Metrics is non-nil once InitMetrics ran with metrics enabled.
	Metrics *metricsStore
)

// Async task worker metrics
var (
	tasksEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_tasks_enqueued_total",
			Help: "Total number of async tasks enqueued.",
		},
		[]string{"task_type"},
	)
	tasksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "im_bridge_tasks_processed_total",
			Help: "Total number of async tasks finished, by terminal or retry status.",
		},
		taskLabels,
	)
	taskProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "im_bridge_task_processing_duration_seconds",
			Help:    "Histogram of async task handler durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task_type"},
	)
	taskWorkersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_bridge_task_workers_running",
		Help: "Current number of running goroutines in the task pool.",
	})
	taskPoolRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_bridge_task_pool_rejected_total",
		Help: "Dequeued tasks that could not be submitted to the pool.",
	})
)

// Load generator metrics, used by cmd/tester
var (
	loadgenLabels = []string{"platform"}

	loadgenWebhooksSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_webhooks_sent_total",
			Help: "Total number of webhook payloads the load generator sent.",
		},
		loadgenLabels,
	)
	loadgenWebhookErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_webhook_errors_total",
			Help: "Total number of webhook payloads rejected or failed.",
		},
		loadgenLabels,
	)
	loadgenClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadgen_claims_total",
			Help: "Claim calls made by simulated consumers, by result.",
		},
		[]string{"result"},
	)
)

type metricsStore struct{}

// InitMetrics enables metric collection. Collectors are registered by promauto at package init.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
	if !enabled {
		Metrics = nil
		return
	}
	Metrics = &metricsStore{}
}

// IncWebhookRequest counts one inbound webhook by outcome.
func IncWebhookRequest(platform, outcome string) {
	if !metricsEnabled {
		return
	}
	WebhookRequestsTotal.WithLabelValues(sanitizeLabel(platform), outcome).Inc()
}

// ObserveWebhookDuration records how long a webhook request took.
func ObserveWebhookDuration(platform string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	WebhookDurationSeconds.WithLabelValues(sanitizeLabel(platform)).Observe(duration.Seconds())
}

// IncMessagesIngested counts a persisted inbound message.
func IncMessagesIngested(platform string, bound bool) {
	if !metricsEnabled {
		return
	}
	b := "false"
	if bound {
		b = "true"
	}
	MessagesIngestedTotal.WithLabelValues(sanitizeLabel(platform), b).Inc()
}

// IncClaimAttempt counts a claim attempt.
func IncClaimAttempt(source, outcome string) {
	if !metricsEnabled {
		return
	}
	ClaimAttemptsTotal.WithLabelValues(sanitizeLabel(source), outcome).Inc()
}

// IncMessagesResolved counts a terminal transition.
func IncMessagesResolved(status string) {
	if !metricsEnabled {
		return
	}
	MessagesResolvedTotal.WithLabelValues(status).Inc()
}

// AddMessagesReclaimed counts rows failed by the stuck-claim sweep.
func AddMessagesReclaimed(n int64) {
	if !metricsEnabled || n <= 0 {
		return
	}
	MessagesReclaimedTotal.Add(float64(n))
}

// ObserveDispatch records one outbound send.
func ObserveDispatch(platform string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	DispatchTotal.WithLabelValues(sanitizeLabel(platform), outcome).Inc()
	DispatchDurationSeconds.WithLabelValues(sanitizeLabel(platform)).Observe(duration.Seconds())
}

// IncBindingOperation counts issue/redeem results.
func IncBindingOperation(operation, result string) {
	if !metricsEnabled {
		return
	}
	BindingOperationsTotal.WithLabelValues(operation, result).Inc()
}

// IncCacheCheck counts a cache lookup result.
func IncCacheCheck(cache, result string) {
	if !metricsEnabled {
		return
	}
	CacheChecksTotal.WithLabelValues(cache, result).Inc()
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, status).Observe(duration.Seconds())
}

// IncTasksEnqueued increments the counter for enqueued tasks.
func IncTasksEnqueued(taskType string) {
	if Metrics != nil {
		tasksEnqueuedTotal.WithLabelValues(sanitizeLabel(taskType)).Inc()
	}
}

// IncTasksProcessed increments the counter for processed tasks by status.
func IncTasksProcessed(taskType, status string) {
	if Metrics != nil {
		tasksProcessedTotal.WithLabelValues(sanitizeLabel(taskType), status).Inc()
	}
}

// ObserveTaskProcessingDuration records the handler time for a task.
func ObserveTaskProcessingDuration(taskType string, duration time.Duration) {
	if Metrics != nil {
		taskProcessingDurationSeconds.WithLabelValues(sanitizeLabel(taskType)).Observe(duration.Seconds())
	}
}

// SetTaskWorkersRunning sets the running goroutine gauge of the task pool.
func SetTaskWorkersRunning(n int) {
	if Metrics != nil {
		taskWorkersRunning.Set(float64(n))
	}
}

// IncTaskPoolRejected counts tasks the pool refused.
func IncTaskPoolRejected() {
	if Metrics != nil {
		taskPoolRejectedTotal.Inc()
	}
}

// IncLoadgenWebhookSent counts a webhook sent by the load generator.
func IncLoadgenWebhookSent(platform string) {
	if Metrics != nil {
		loadgenWebhooksSentTotal.WithLabelValues(sanitizeLabel(platform)).Inc()
	}
}

// IncLoadgenWebhookError counts a failed load generator webhook.
func IncLoadgenWebhookError(platform string) {
	if Metrics != nil {
		loadgenWebhookErrorsTotal.WithLabelValues(sanitizeLabel(platform)).Inc()
	}
}

// IncLoadgenClaim counts a simulated consumer claim by result.
func IncLoadgenClaim(result string) {
	if Metrics != nil {
		loadgenClaimsTotal.WithLabelValues(result).Inc()
	}
}

func sanitizeLabel(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// SanitizeErrorType maps specific errors or provides a default category.
// Keep this simple to avoid high cardinality.
func SanitizeErrorType(errStr string) string {
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "unauthorized"):
		return "unauthorized"
	case strings.Contains(errStr, "delivery"):
		return "delivery"
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"), strings.Contains(errStr, "connection"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"), strings.Contains(errStr, "malformed"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}
