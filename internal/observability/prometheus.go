package observability

import (
	"context"
	"time"

	"equinecore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "equinecore"

// PrometheusRecorder exports evaluation metrics as Prometheus series.
type PrometheusRecorder struct {
	evaluations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	revealed    *prometheus.CounterVec
	violations  *prometheus.CounterVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder registers the evaluation series on reg. Registering
// twice on the same registry panics.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	f := promauto.With(reg)
	return &PrometheusRecorder{
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluations by operation and outcome",
		}, []string{"operation", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of evaluation operations",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.25},
		}, []string{"operation"}),
		revealed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "traits_revealed_total",
			Help:      "Traits moved out of the hidden partition, by history source",
		}, []string{"source"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Invariant violations raised during evaluation",
		}, []string{"invariant"}),
	}
}

// Observe implements Recorder.
func (r *PrometheusRecorder) Observe(_ context.Context, operation string, outcome Outcome, duration time.Duration) {
	r.evaluations.WithLabelValues(operation, string(outcome)).Inc()
	r.duration.WithLabelValues(operation).Observe(duration.Seconds())
}

// TraitRevealed implements Recorder.
func (r *PrometheusRecorder) TraitRevealed(_ context.Context, source domain.SourceType) {
	r.revealed.WithLabelValues(string(source)).Inc()
}

// InvariantViolated implements Recorder.
func (r *PrometheusRecorder) InvariantViolated(_ context.Context, invariant string) {
	r.violations.WithLabelValues(invariant).Inc()
}
