package core

import (
	"time"

	"equinecore/internal/care"
	"equinecore/internal/observability"

	"go.uber.org/zap"
)

// Clock supplies evaluation timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// DefaultBatchConcurrency bounds EvaluateBatch when no limit is configured.
const DefaultBatchConcurrency = 8

type serviceOptions struct {
	clock            Clock
	logger           *zap.Logger
	metrics          observability.Recorder
	tracer           observability.Tracer
	stabilityFloor   float64
	careRecordLimit  int
	careCacheSize    int
	batchConcurrency int
	devMode          bool
	newID            func() string
}

func defaultServiceOptions() serviceOptions {
	return serviceOptions{
		clock:            ClockFunc(func() time.Time { return time.Now().UTC() }),
		logger:           zap.NewNop(),
		metrics:          observability.NoopRecorder{},
		tracer:           observability.NoopTracer{},
		stabilityFloor:   DefaultStabilityFloor,
		careRecordLimit:  care.DefaultRecordLimit,
		careCacheSize:    care.DefaultCacheSize,
		batchConcurrency: DefaultBatchConcurrency,
	}
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

// WithClock overrides the evaluation clock.
func WithClock(c Clock) ServiceOption {
	return func(o *serviceOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(o *serviceOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.Recorder) ServiceOption {
	return func(o *serviceOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithTracer sets the span tracer.
func WithTracer(t observability.Tracer) ServiceOption {
	return func(o *serviceOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithServiceStabilityFloor sets the engine stability floor.
func WithServiceStabilityFloor(floor float64) ServiceOption {
	return func(o *serviceOptions) { o.stabilityFloor = floor }
}

// WithCareRecordLimit bounds how many recent interactions are aggregated.
func WithCareRecordLimit(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.careRecordLimit = n
		}
	}
}

// WithCareCacheSize sets the number of subjects held by the care cache.
func WithCareCacheSize(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.careCacheSize = n
		}
	}
}

// WithBatchConcurrency bounds concurrent subject evaluations in EvaluateBatch.
func WithBatchConcurrency(n int) ServiceOption {
	return func(o *serviceOptions) {
		if n > 0 {
			o.batchConcurrency = n
		}
	}
}

// WithDevMode enables history purge.
func WithDevMode(enabled bool) ServiceOption {
	return func(o *serviceOptions) { o.devMode = enabled }
}

// WithIDGenerator overrides history entry id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(o *serviceOptions) { o.newID = fn }
}
