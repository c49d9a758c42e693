package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatcher tick counter, including skipped (overlapping) ticks.
	DispatchTickCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_tick_count",
			Help: "Total number of dispatcher ticks",
		},
		[]string{"result"}, // result: processed, empty, skipped, error
	)

	// Claimed batch size per tick.
	ClaimBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "claim_batch_size",
			Help:    "Number of notifications claimed per tick",
			Buckets: prometheus.LinearBuckets(0, 5, 10),
		},
	)

	// SMS send latency (seconds) per channel and outcome.
	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sms_send_duration_seconds",
			Help:    "SMS send duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"channel", "status"}, // channel: primary, direct
	)

	// Per-notification processing outcomes.
	NotificationProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_processed_count",
			Help: "Total number of notifications processed",
		},
		[]string{"type", "outcome"}, // outcome: sent, retry, failed, quota_blocked
	)

	// Quota gate decisions.
	QuotaCheckCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_check_count",
			Help: "Total number of quota consumption attempts",
		},
		[]string{"purpose", "result"}, // result: granted, exceeded, error
	)

	// Retries scheduled, split by backoff kind.
	RetryScheduledCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_scheduled_count",
			Help: "Total number of retries scheduled",
		},
		[]string{"kind"}, // kind: default, quota
	)

	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of slow database queries",
		},
	)
)

func RecordTick(result string) {
	DispatchTickCount.WithLabelValues(result).Inc()
}

func RecordClaimBatch(size int) {
	ClaimBatchSize.Observe(float64(size))
}

func RecordSendLatency(channel, status string, duration time.Duration) {
	SendLatency.WithLabelValues(channel, status).Observe(duration.Seconds())
}

func RecordNotificationOutcome(notificationType, outcome string) {
	NotificationProcessedCount.WithLabelValues(notificationType, outcome).Inc()
}

func RecordQuotaCheck(purpose, result string) {
	QuotaCheckCount.WithLabelValues(purpose, result).Inc()
}

func RecordRetryScheduled(kind string) {
	RetryScheduledCount.WithLabelValues(kind).Inc()
}

func IncrementSlowQuery() {
	SlowQueryCount.Inc()
}
