/*
Package metrics defines and registers the Prometheus gauges, counters
and histogram for the task lifecycle, which cmd/taskcore serves on
/metrics. No package in this module updates them; they report their
zero values.
*/
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taskcore_tasks_by_status",
		Help: "Current number of tasks in each lifecycle status.",
	}, []string{"status"})

	TaskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskcore_task_transitions_total",
		Help: "Total number of task state transitions, by event.",
	}, []string{"event"})

	CASRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskcore_cas_retries_total",
		Help: "Total number of compare-and-swap contention retries.",
	})

	StorageIntegrityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskcore_storage_integrity_failures_total",
		Help: "Total number of sealed values that failed authentication on read.",
	})

	SchedulerDequeueLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskcore_scheduler_dequeue_latency_seconds",
		Help:    "Latency of staged-task-queue dequeue calls.",
		Buckets: prometheus.DefBuckets,
	})

	LeaseExpiriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskcore_lease_expiries_total",
		Help: "Total number of staged-task-queue leases that expired before being acked.",
	})

	TasksExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskcore_tasks_exhausted_total",
		Help: "Total number of tasks failed after exhausting their delivery attempts.",
	})
)

// Timer measures an operation's duration and records it into an
// observer on ObserveDuration.
type Timer struct {
	start    time.Time
	observer prometheus.Observer
}

func NewTimer(observer prometheus.Observer) *Timer {
	return &Timer{start: time.Now(), observer: observer}
}

func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.observer.Observe(d.Seconds())
	return d
}
