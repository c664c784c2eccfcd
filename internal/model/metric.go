package model

import "time"

// MetricName is one of the closed set of counters/gauges the Store tracks
// (§3.3).
type MetricName string

const (
	MetricEnqueued          MetricName = "enqueued"
	MetricCompleted         MetricName = "completed"
	MetricFailed            MetricName = "failed"
	MetricExpired           MetricName = "expired"
	MetricRetried           MetricName = "retried"
	MetricPendingCurrent    MetricName = "pending_current"
	MetricProcessingCurrent MetricName = "processing_current"
	MetricThroughputPerMin  MetricName = "throughput_per_minute"
)

// MetricSample is one (timestamp, metric_name, metric_value) row.
type MetricSample struct {
	Timestamp time.Time
	Name      MetricName
	Value     float64
}
