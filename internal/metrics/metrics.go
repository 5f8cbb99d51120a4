// Package metrics holds the Prometheus collectors for the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "deferral"

// Emit failure reasons.
const (
	ReasonStore    = "store"
	ReasonDecode   = "decode"
	ReasonDelivery = "delivery"
)

var (
	OperationsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_scheduled_total",
		Help:      "Operations admitted into the store.",
	})

	OperationsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "operations_emitted_total",
		Help:      "Operations extracted and handed to the dispatch sink.",
	})

	DuplicateFires = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_fires_total",
		Help:      "Emit calls for operations that were already closed or never existed.",
	})

	EmitFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emit_failures_total",
		Help:      "Failed emit attempts by reason.",
	}, []string{"reason"})

	NextDue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "next_due_timestamp_seconds",
		Help:      "Unix time of the earliest pending operation, 0 when none is pending.",
	})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_lateness_seconds",
		Help:      "Delay between an operation's due instant and its dispatch.",
		Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 30, 60, 300},
	})

	WakeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wake_retries_total",
		Help:      "Wake cycles that failed and were retried after a backoff.",
	})

	WakeResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wake_resyncs_total",
		Help:      "Times the waker re-read its target from the store instead of firing.",
	})

	CorruptRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "corrupt_records_total",
		Help:      "Pending records closed by a scan because their due instant could not be read.",
	})

	DroppedWakeEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "wake_events_dropped_total",
		Help:      "Wake events that did not fit in the waker inbox.",
	})
)

// SetNextDue records the next wake target; the zero time clears it.
func SetNextDue(t time.Time) {
	if t.IsZero() {
		NextDue.Set(0)
		return
	}
	NextDue.Set(float64(t.UnixNano()) / 1e9)
}

// ObserveLateness records how late a dispatch was relative to its due instant.
func ObserveLateness(dueAt, dispatchedAt time.Time) {
	late := dispatchedAt.Sub(dueAt)
	if late < 0 {
		late = 0
	}
	DispatchLatency.Observe(late.Seconds())
}
