package observability

import (
	"context"
	"fmt"
	"time"

	"equinecore/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels an evaluation result.
type Outcome string

// Evaluation outcomes.
const (
	OutcomeApplied  Outcome = "applied"
	OutcomeEmpty    Outcome = "empty"
	OutcomeRejected Outcome = "rejected"
	OutcomeError    Outcome = "error"
	OutcomeDefect   Outcome = "invariant_violation"
)

// Metrics drivers.
const (
	DriverPrometheus = "prometheus"
	DriverExpvar     = "expvar"
	DriverNone       = "none"
)

// Recorder receives evaluation measurements.
type Recorder interface {
	Observe(ctx context.Context, operation string, outcome Outcome, duration time.Duration)
	TraitRevealed(ctx context.Context, source domain.SourceType)
	InvariantViolated(ctx context.Context, invariant string)
}

// NewRecorder selects a recorder driver. reg is only used by the prometheus
// driver; a nil reg falls back to prometheus.DefaultRegisterer.
func NewRecorder(driver string, reg prometheus.Registerer) (Recorder, error) {
	switch driver {
	case DriverPrometheus:
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		return NewPrometheusRecorder(reg), nil
	case DriverExpvar:
		return NewExpvarRecorder(""), nil
	case DriverNone, "":
		return NoopRecorder{}, nil
	}
	return nil, fmt.Errorf("unknown metrics driver %q", driver)
}

// NoopRecorder discards all measurements.
type NoopRecorder struct{}

var _ Recorder = NoopRecorder{}

// Observe implements Recorder.
func (NoopRecorder) Observe(context.Context, string, Outcome, time.Duration) {}

// TraitRevealed implements Recorder.
func (NoopRecorder) TraitRevealed(context.Context, domain.SourceType) {}

// InvariantViolated implements Recorder.
func (NoopRecorder) InvariantViolated(context.Context, string) {}
