package observability

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"equinecore/pkg/domain"
)

var expvarSeq uint64

// ExpvarRecorder publishes aggregate timing and outcome counters via expvar
// for deployments that scrape /debug/vars instead of Prometheus.
type ExpvarRecorder struct {
	name       string
	mu         sync.Mutex
	durations  map[string]float64
	outcomes   map[string]map[Outcome]int64
	revealed   map[domain.SourceType]int64
	violations map[string]int64
}

var _ Recorder = (*ExpvarRecorder)(nil)

// ExpvarSnapshot is a read-only copy of the recorded metrics.
type ExpvarSnapshot struct {
	DurationsMS map[string]float64           `json:"durations_ms_total"`
	Outcomes    map[string]map[Outcome]int64 `json:"outcomes_total"`
	Revealed    map[domain.SourceType]int64  `json:"traits_revealed_total"`
	Violations  map[string]int64             `json:"invariant_violations_total"`
	RecordedAt  time.Time                    `json:"recorded_at"`
}

// NewExpvarRecorder publishes a recorder under name. An empty name gets a
// generated unique one.
func NewExpvarRecorder(name string) *ExpvarRecorder {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("equinecore_metrics_%d", id)
	}
	rec := &ExpvarRecorder{
		name:       name,
		durations:  make(map[string]float64),
		outcomes:   make(map[string]map[Outcome]int64),
		revealed:   make(map[domain.SourceType]int64),
		violations: make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarRecorder) Name() string { return r.name }

// Snapshot returns a copy of the aggregated metrics.
func (r *ExpvarRecorder) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	durations := make(map[string]float64, len(r.durations))
	for op, total := range r.durations {
		durations[op] = total
	}
	outcomes := make(map[string]map[Outcome]int64, len(r.outcomes))
	for op, counts := range r.outcomes {
		cpy := make(map[Outcome]int64, len(counts))
		for outcome, n := range counts {
			cpy[outcome] = n
		}
		outcomes[op] = cpy
	}
	revealed := make(map[domain.SourceType]int64, len(r.revealed))
	for src, n := range r.revealed {
		revealed[src] = n
	}
	violations := make(map[string]int64, len(r.violations))
	for inv, n := range r.violations {
		violations[inv] = n
	}
	return ExpvarSnapshot{
		DurationsMS: durations,
		Outcomes:    outcomes,
		Revealed:    revealed,
		Violations:  violations,
		RecordedAt:  time.Now().UTC(),
	}
}

// Observe implements Recorder.
func (r *ExpvarRecorder) Observe(_ context.Context, operation string, outcome Outcome, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	r.mu.Lock()
	r.durations[operation] += ms
	if _, ok := r.outcomes[operation]; !ok {
		r.outcomes[operation] = make(map[Outcome]int64, 2)
	}
	r.outcomes[operation][outcome]++
	r.mu.Unlock()
}

// TraitRevealed implements Recorder.
func (r *ExpvarRecorder) TraitRevealed(_ context.Context, source domain.SourceType) {
	r.mu.Lock()
	r.revealed[source]++
	r.mu.Unlock()
}

// InvariantViolated implements Recorder.
func (r *ExpvarRecorder) InvariantViolated(_ context.Context, invariant string) {
	r.mu.Lock()
	r.violations[invariant]++
	r.mu.Unlock()
}
