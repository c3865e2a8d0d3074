// Package metrics provides Prometheus-based metrics recording for the
// orchestration core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records decision, generation, and auto-fix metrics.
type Recorder struct {
	decisionsTotal     *prometheus.CounterVec
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	tokensTotal        *prometheus.CounterVec
	fixAttemptsTotal   *prometheus.CounterVec
	fixOutcomesTotal   *prometheus.CounterVec
	queueDepth         prometheus.Gauge
}

// NewRecorder creates a recorder registered on reg. Pass
// prometheus.DefaultRegisterer in production.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sceneforge_decisions_total",
				Help: "Total number of decisions by operation and status",
			},
			[]string{"operation", "status"},
		),
		generationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sceneforge_generations_total",
				Help: "Total number of generation capability calls by kind and status",
			},
			[]string{"model", "kind", "status"},
		),
		generationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sceneforge_generation_duration_seconds",
				Help:    "Duration of generation capability calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "kind"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sceneforge_llm_tokens_total",
				Help: "Total number of tokens used in LLM calls",
			},
			[]string{"model", "type"},
		),
		fixAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sceneforge_autofix_attempts_total",
				Help: "Total number of automatic repair attempts by strategy tier",
			},
			[]string{"tier"},
		),
		fixOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sceneforge_autofix_outcomes_total",
				Help: "Terminal auto-fix outcomes per scene (fixed, given_up, cancelled)",
			},
			[]string{"outcome"},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "sceneforge_autofix_queue_depth",
				Help: "Number of scenes currently tracked by the auto-fix queue",
			},
		),
	}
}

// RecordDecision records one decision engine outcome.
func (r *Recorder) RecordDecision(operation, status string) {
	r.decisionsTotal.WithLabelValues(operation, status).Inc()
}

// RecordGeneration records one generation capability call.
func (r *Recorder) RecordGeneration(model, kind, status string, duration time.Duration) {
	r.generationsTotal.WithLabelValues(model, kind, status).Inc()
	r.generationDuration.WithLabelValues(model, kind).Observe(duration.Seconds())
}

// RecordTokens records token usage for one LLM call.
func (r *Recorder) RecordTokens(model string, inputTokens, outputTokens int) {
	r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// RecordFixAttempt records one repair attempt at the given strategy tier.
func (r *Recorder) RecordFixAttempt(tier string) {
	r.fixAttemptsTotal.WithLabelValues(tier).Inc()
}

// RecordFixOutcome records a terminal auto-fix outcome for a scene.
func (r *Recorder) RecordFixOutcome(outcome string) {
	r.fixOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth updates the auto-fix queue depth gauge.
func (r *Recorder) SetQueueDepth(depth int) {
	r.queueDepth.Set(float64(depth))
}
