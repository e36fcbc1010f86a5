package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/simcache"
)

const namespace = "dispute"

// Metrics holds the workflow's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	stepAttempts  *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	queueMessages *prometheus.CounterVec
	registry      prometheus.Registerer
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs created from dispute events.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs that reached a terminal or suspended status.",
		}, []string{"status"}),
		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step executor attempts by outcome.",
		}, []string{"step", "outcome"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step executor attempt latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Human decisions submitted, by result.",
		}, []string{"decision", "result"}),
		queueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Queue messages handled by the worker, by outcome.",
		}, []string{"queue", "outcome"}),
		registry: reg,
	}
	reg.MustRegister(m.runsStarted, m.runsFinished, m.stepAttempts, m.stepDuration, m.decisions, m.queueMessages)
	return m
}

// RegisterCache exposes similarity cache statistics.
func (m *Metrics) RegisterCache(cache *simcache.Cache) {
	if m == nil || cache == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "similarity_cache_hits_total", Help: "Similarity cache hits.",
		}, func() float64 { return float64(cache.Stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "similarity_cache_misses_total", Help: "Similarity cache misses.",
		}, func() float64 { return float64(cache.Stats().Misses) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Name: "similarity_cache_invalidations_total", Help: "Similarity cache invalidations.",
		}, func() float64 { return float64(cache.Stats().Invalidations) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "similarity_cache_entries", Help: "Live similarity cache entries.",
		}, func() float64 { return float64(cache.Stats().Entries) }),
	)
}

// RunStarted counts a new run.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

// RunFinished counts a run that stopped at status.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

// StepAttempt records one executor attempt.
func (m *Metrics) StepAttempt(step, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepAttempts.WithLabelValues(step, outcome).Inc()
	m.stepDuration.WithLabelValues(step).Observe(elapsed.Seconds())
}

// Decision records a submitted decision and how it was handled.
func (m *Metrics) Decision(decision, result string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision, result).Inc()
}

// QueueMessage records a worker outcome for a queue message.
func (m *Metrics) QueueMessage(queue, outcome string) {
	if m == nil {
		return
	}
	m.queueMessages.WithLabelValues(queue, outcome).Inc()
}
