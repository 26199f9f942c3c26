package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"equinecore/internal/catalog"
	"equinecore/internal/infra/persistence/memory"
	"equinecore/internal/observability"
	"equinecore/pkg/domain"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func fixedClock() Clock {
	return ClockFunc(func() time.Time { return evalTime })
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("h-%03d", n.Add(1)) }
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	base := []ServiceOption{WithClock(fixedClock()), WithIDGenerator(sequentialIDs())}
	svc, err := NewService(catalog.Default(), store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func groomRecords(caregiver string, types ...string) CareRecords {
	var recs CareRecords
	for i, typ := range types {
		recs.Interactions = append(recs.Interactions, domain.InteractionRecord{
			Type:        typ,
			Timestamp:   evalTime.Add(-time.Duration(len(types)-i) * time.Hour),
			CaregiverID: caregiver,
		})
	}
	recs.Assignments = []domain.AssignmentRecord{{CaregiverID: caregiver, Start: evalTime.Add(-48 * time.Hour)}}
	return recs
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(nil, memory.NewStore()); err == nil {
		t.Fatalf("expected error without catalog")
	}
	if _, err := NewService(catalog.Default(), nil); err == nil {
		t.Fatalf("expected error without store")
	}
}

func TestServiceDiscoverPersistsHistoryAndObservation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := DiscoverRequest{
		Subject: domain.Subject{ID: "h1", AgeDays: 5, BondingScore: 40, Traits: domain.TraitSet{Hidden: []string{"curious"}}},
		Care:    groomRecords("g1", "grooming", "leading"),
	}
	res, err := svc.Discover(ctx, req)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(res.History) != 1 {
		t.Fatalf("expected one history entry, got %+v", res.History)
	}
	stored := res.History[0]
	if stored.ID != "h-001" || stored.SourceType != domain.SourceGroom || stored.SourceID != "g1" {
		t.Fatalf("unexpected stored entry %+v", stored)
	}

	entries, err := svc.History().Query(ctx, "h1", domain.HistoryFilter{})
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected entry in history, got %v %v", entries, err)
	}
	obs, ok, err := store.FindWindowObservation(ctx, "h1")
	if err != nil || !ok {
		t.Fatalf("expected observation stored: %v", err)
	}
	if obs.HighWaterAge != 5 || !obs.Observed("early_socialization") {
		t.Fatalf("unexpected observation %+v", obs)
	}
	if svc.locks.size() != 0 {
		t.Fatalf("expected subject locks released")
	}
}

func TestServiceWindowsKeepsHighWaterMark(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	if _, err := svc.Windows(ctx, domain.Subject{ID: "h2", AgeDays: 5}); err != nil {
		t.Fatalf("windows: %v", err)
	}
	report, err := svc.Windows(ctx, domain.Subject{ID: "h2", AgeDays: 20})
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if report.EffectiveAge != 20 || len(report.Active) == 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	report, err = svc.Windows(ctx, domain.Subject{ID: "h2", AgeDays: 10})
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if report.EffectiveAge != 20 {
		t.Fatalf("expected effective age to stay at the high-water mark, got %d", report.EffectiveAge)
	}
	if st, ok := windowStatus(report, "early_socialization"); !ok || st != domain.WindowClosed {
		t.Fatalf("expected early_socialization closed, got %q", st)
	}
	if st, ok := windowStatus(report, "imprinting"); !ok || st != domain.WindowMissed {
		t.Fatalf("expected imprinting missed, got %q", st)
	}
}

func windowStatus(report domain.WindowReport, name string) (domain.WindowStatus, bool) {
	for _, group := range [][]domain.WindowState{report.Active, report.Upcoming, report.Closed, report.Missed} {
		for _, st := range group {
			if st.Window.Name == name {
				return st.Status, true
			}
		}
	}
	return "", false
}

func TestServiceMilestoneIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	req := MilestoneRequest{
		Subject: domain.Subject{
			ID:           "foal",
			AgeDays:      2,
			BondingScore: 100,
			StressLevel:  75,
			Traits:       domain.TraitSet{Hidden: []string{"people_trusting"}},
		},
		Milestone: "imprinting",
		Care:      groomRecords("g1", "grooming", "leading"),
	}

	first, err := svc.Milestone(ctx, req)
	if err != nil {
		t.Fatalf("milestone: %v", err)
	}
	if !first.Evaluated || first.Outcome.Trait != "people_trusting" || first.Outcome.HistoryEntryID != "h-001" {
		t.Fatalf("unexpected first outcome %+v", first.Outcome)
	}

	second, err := svc.Milestone(ctx, req)
	if err != nil {
		t.Fatalf("milestone: %v", err)
	}
	if !second.Stored || second.Empty != domain.EmptyAlreadyCompleted || second.Outcome.HistoryEntryID != "h-001" {
		t.Fatalf("expected stored outcome on repeat, got %+v", second)
	}
	entries, _ := svc.History().Query(ctx, "foal", domain.HistoryFilter{})
	if len(entries) != 1 {
		t.Fatalf("repeat evaluation must not append history, got %d entries", len(entries))
	}

	req.Force = true
	forced, err := svc.Milestone(ctx, req)
	if err != nil {
		t.Fatalf("forced milestone: %v", err)
	}
	if forced.Stored || forced.Outcome.HistoryEntryID != "h-002" {
		t.Fatalf("expected forced re-evaluation, got %+v", forced.Outcome)
	}
	stored, err := svc.MilestoneOutcome(ctx, "foal", "imprinting")
	if err != nil || stored.HistoryEntryID != "h-002" {
		t.Fatalf("expected forced outcome stored, got %+v %v", stored, err)
	}
}

var errCommitFailed = errors.New("commit failed")

// flakyStore fails the first n commits without writing anything.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyStore) CommitEvaluation(ctx context.Context, ev domain.Evaluation) ([]domain.TraitHistoryEntry, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errCommitFailed
	}
	return f.Store.CommitEvaluation(ctx, ev)
}

func newFlakyService(t *testing.T, failures int32) (*Service, *flakyStore) {
	t.Helper()
	store := &flakyStore{Store: memory.NewStore()}
	store.failures.Store(failures)
	svc, err := NewService(catalog.Default(), store, WithClock(fixedClock()), WithIDGenerator(sequentialIDs()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func TestServiceMilestoneRetryAfterFailedCommit(t *testing.T) {
	svc, store := newFlakyService(t, 1)
	ctx := context.Background()
	req := MilestoneRequest{
		Subject: domain.Subject{
			ID:           "foal",
			AgeDays:      2,
			BondingScore: 100,
			StressLevel:  75,
			Traits:       domain.TraitSet{Hidden: []string{"people_trusting"}},
		},
		Milestone: "imprinting",
		Care:      groomRecords("g1", "grooming", "leading"),
	}

	if _, err := svc.Milestone(ctx, req); !errors.Is(err, errCommitFailed) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if list, _ := store.ListHistory(ctx, "foal"); len(list) != 0 {
		t.Fatalf("failed commit left history behind: %+v", list)
	}
	if _, ok, _ := store.FindMilestoneOutcome(ctx, "foal", "imprinting"); ok {
		t.Fatalf("failed commit left an outcome behind")
	}
	if _, ok, _ := store.FindWindowObservation(ctx, "foal"); ok {
		t.Fatalf("failed commit left an observation behind")
	}

	res, err := svc.Milestone(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !res.Evaluated || res.Stored {
		t.Fatalf("expected a fresh evaluation on retry, got %+v", res)
	}
	list, _ := store.ListHistory(ctx, "foal")
	if len(list) != 1 {
		t.Fatalf("expected exactly one history entry after retry, got %d", len(list))
	}
	stored, err := svc.MilestoneOutcome(ctx, "foal", "imprinting")
	if err != nil || stored.HistoryEntryID != list[0].ID {
		t.Fatalf("outcome must reference the committed entry %s, got %+v %v", list[0].ID, stored, err)
	}

	again, err := svc.Milestone(ctx, req)
	if err != nil || !again.Stored {
		t.Fatalf("expected stored outcome on repeat, got %+v %v", again, err)
	}
	if list, _ := store.ListHistory(ctx, "foal"); len(list) != 1 {
		t.Fatalf("repeat must not append history, got %d entries", len(list))
	}
}

func TestServiceDiscoverRetryAfterFailedCommit(t *testing.T) {
	svc, store := newFlakyService(t, 1)
	ctx := context.Background()
	req := DiscoverRequest{
		Subject: domain.Subject{ID: "h1", AgeDays: 5, BondingScore: 40, Traits: domain.TraitSet{Hidden: []string{"curious"}}},
		Care:    groomRecords("g1", "grooming", "leading"),
	}
	if _, err := svc.Discover(ctx, req); !errors.Is(err, errCommitFailed) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if list, _ := store.ListHistory(ctx, "h1"); len(list) != 0 {
		t.Fatalf("failed commit left history behind: %+v", list)
	}
	if _, ok, _ := store.FindWindowObservation(ctx, "h1"); ok {
		t.Fatalf("failed commit advanced the window observation")
	}
	res, err := svc.Discover(ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(res.History) != 1 || res.History[0].Sequence != 1 {
		t.Fatalf("expected one committed entry, got %+v", res.History)
	}
	if list, _ := store.ListHistory(ctx, "h1"); len(list) != 1 {
		t.Fatalf("expected exactly one history entry after retry, got %d", len(list))
	}
}

func TestServiceMilestoneOutcomeNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.MilestoneOutcome(context.Background(), "nobody", "imprinting")
	var nf ErrNotFound
	if !errors.As(err, &nf) || nf.Entity != "milestone outcome" {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = svc.MilestoneOutcome(context.Background(), "nobody", "graduation")
	if !errors.Is(err, domain.ErrUnknownMilestone) {
		t.Fatalf("expected unknown milestone, got %v", err)
	}
}

func TestServiceMilestoneNeutralBandIsStored(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	req := MilestoneRequest{
		Subject:   domain.Subject{ID: "foal", AgeDays: 2, BondingScore: 100, StressLevel: 76},
		Milestone: "imprinting",
		Care:      groomRecords("g1", "grooming", "leading"),
	}
	res, err := svc.Milestone(ctx, req)
	if err != nil || res.Empty != domain.EmptyNeutralBand {
		t.Fatalf("expected neutral band, got %+v %v", res, err)
	}
	if _, ok, _ := store.FindMilestoneOutcome(ctx, "foal", "imprinting"); !ok {
		t.Fatalf("expected neutral outcome stored")
	}
	res, _ = svc.Milestone(ctx, req)
	if !res.Stored {
		t.Fatalf("expected stored neutral outcome on repeat, got %+v", res)
	}
}

func TestServiceReportsInvariantViolation(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := observability.NewExpvarRecorder("")
	svc, _ := newTestService(t, WithLogger(zap.New(core)), WithMetrics(metrics))

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("expected invariant panic to propagate")
			}
		}()
		_, _ = svc.Discover(context.Background(), DiscoverRequest{
			Subject: domain.Subject{ID: "bad", Traits: domain.TraitSet{Positive: []string{"curious"}, Negative: []string{"curious"}}},
		})
	}()

	entries := logs.FilterMessage("invariant violation").All()
	if len(entries) != 1 {
		t.Fatalf("expected one invariant log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["invariant"]; got != domain.InvariantPartition {
		t.Fatalf("expected partition invariant logged, got %v", got)
	}
	snap := metrics.Snapshot()
	if snap.Violations[domain.InvariantPartition] != 1 {
		t.Fatalf("expected violation counted, got %+v", snap.Violations)
	}
	if snap.Outcomes[OpDiscover][observability.OutcomeDefect] != 1 {
		t.Fatalf("expected defect outcome, got %+v", snap.Outcomes)
	}
	if svc.locks.size() != 0 {
		t.Fatalf("expected lock released after panic")
	}
}

func TestServiceOutcomeMetrics(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	metrics := observability.NewExpvarRecorder("")
	svc, _ := newTestService(t, WithLogger(zap.New(core)), WithMetrics(metrics))
	ctx := context.Background()

	_, _ = svc.Discover(ctx, DiscoverRequest{Subject: domain.Subject{ID: "h1", AgeDays: 5, Traits: domain.TraitSet{Hidden: []string{"curious"}}}, Care: groomRecords("g1", "a", "b")})
	_, _ = svc.Discover(ctx, DiscoverRequest{Subject: domain.Subject{ID: "h2", AgeDays: 5}})
	_, _ = svc.Discover(ctx, DiscoverRequest{Subject: domain.Subject{ID: "h3", Traits: domain.TraitSet{Hidden: []string{"unicorn"}}}})

	outcomes := metrics.Snapshot().Outcomes[OpDiscover]
	if outcomes[observability.OutcomeApplied] != 1 || outcomes[observability.OutcomeEmpty] != 1 || outcomes[observability.OutcomeRejected] != 1 {
		t.Fatalf("unexpected outcome counts %+v", outcomes)
	}
	if metrics.Snapshot().Revealed[domain.SourceGroom] != 1 {
		t.Fatalf("expected groom revelation counted")
	}
	if logs.FilterMessage("traits revealed").Len() != 1 {
		t.Fatalf("expected revelation logged")
	}
	if logs.FilterMessage("evaluation failed").Len() != 0 {
		t.Fatalf("caller errors must not be logged as failures")
	}
}

func TestServiceSerializesSubject(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(age int) {
			defer wg.Done()
			_, _ = svc.Windows(ctx, domain.Subject{ID: "shared", AgeDays: age})
		}(i * 10)
	}
	wg.Wait()
	report, err := svc.Windows(ctx, domain.Subject{ID: "shared"})
	if err != nil {
		t.Fatalf("windows: %v", err)
	}
	if report.EffectiveAge != 150 {
		t.Fatalf("expected high-water mark of the oldest observation, got %d", report.EffectiveAge)
	}
	if svc.locks.size() != 0 {
		t.Fatalf("expected all locks released")
	}
}

func TestServiceTracesOperations(t *testing.T) {
	tracer := observability.NewJSONTracer(nil)
	svc, _ := newTestService(t, WithTracer(tracer))
	_, _ = svc.Windows(context.Background(), domain.Subject{ID: "h1", AgeDays: 3})
	entries := tracer.Entries()
	if len(entries) != 1 || entries[0].Operation != OpWindows || entries[0].Status != "success" {
		t.Fatalf("expected one windows span, got %+v", entries)
	}
}
