// Package metrics holds the Prometheus collectors of the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var LogLinesAppended = promauto.NewCounter(prometheus.CounterOpts{
	Name: "agenthub_log_lines_appended_total",
	Help: "Count of log lines durably appended to jobs",
})

var PublishFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "agenthub_publish_failures_total",
	Help: "Count of live channel publishes that failed after a durable write",
})

var JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agenthub_job_transitions_total",
	Help: "Count of job status transitions by target status",
}, []string{"status"})

var ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "agenthub_active_subscribers",
	Help: "Number of live log subscriptions held by this process",
})

var DroppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
	Name: "agenthub_dropped_subscribers_total",
	Help: "Count of subscribers dropped because their buffer overflowed",
})

var StreamFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agenthub_stream_fallbacks_total",
	Help: "Count of log streams that switched to store polling, by reason",
}, []string{"reason"})

var CapabilityCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "agenthub_capability_call_duration_seconds",
	Help:    "Duration of capability calls by name and outcome",
	Buckets: prometheus.DefBuckets,
}, []string{"capability", "outcome"})
