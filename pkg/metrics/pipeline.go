package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ringorder"

// PipelineMetrics instruments intake, the worker pool and the ledger.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	submitted      *prometheus.CounterVec
	enqueueFailure prometheus.Counter
	processed      *prometheus.CounterVec
	retries        *prometheus.CounterVec
	appends        *prometheus.CounterVec
	lockWait       *prometheus.HistogramVec
	defects        *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	m := &PipelineMetrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Orders accepted at intake.",
		}, []string{"kind"}),
		enqueueFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intake_enqueue_failures_total",
			Help:      "Accepted orders whose finalization task could not be enqueued at intake.",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Finalization task deliveries by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Finalization tasks re-enqueued after a transient failure.",
		}, []string{"reason"}),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Ledger append attempts by stream and result.",
		}, []string{"stream", "result"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_lock_wait_seconds",
			Help:      "Time spent waiting for the ledger exclusive section.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"stream"}),
		defects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "defects_total",
			Help:      "Invariant violations detected by the pipeline.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.submitted, m.enqueueFailure, m.processed, m.retries, m.appends, m.lockWait, m.defects)
	return m
}

// IncSubmitted counts an accepted order.
func (m *PipelineMetrics) IncSubmitted(kind string) {
	if m == nil || m.submitted == nil {
		return
	}
	m.submitted.WithLabelValues(normalizeLabel(kind)).Inc()
}

// IncEnqueueFailure counts an accepted order left for the intake requeue job.
func (m *PipelineMetrics) IncEnqueueFailure() {
	if m == nil || m.enqueueFailure == nil {
		return
	}
	m.enqueueFailure.Inc()
}

// IncProcessed counts one task delivery outcome.
func (m *PipelineMetrics) IncProcessed(outcome string) {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncRetry counts a re-enqueue for the given transient reason.
func (m *PipelineMetrics) IncRetry(reason string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncAppend counts a ledger append attempt.
func (m *PipelineMetrics) IncAppend(stream, result string) {
	if m == nil || m.appends == nil {
		return
	}
	m.appends.WithLabelValues(normalizeLabel(stream), normalizeLabel(result)).Inc()
}

// ObserveLockWait records how long an append waited for the exclusive section.
func (m *PipelineMetrics) ObserveLockWait(stream string, d time.Duration) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.WithLabelValues(normalizeLabel(stream)).Observe(d.Seconds())
}

// IncDefect counts an invariant violation.
func (m *PipelineMetrics) IncDefect(kind string) {
	if m == nil || m.defects == nil {
		return
	}
	m.defects.WithLabelValues(normalizeLabel(kind)).Inc()
}
