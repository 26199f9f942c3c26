package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"equinecore/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "nested", "equine.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestHistoryRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, time.June, 1, 10, 0, 0, 123456789, time.UTC)
	first, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{
		ID: "e1", SubjectID: "h1", TraitName: "curious", SourceType: domain.SourceGroom, SourceID: "g1",
		InfluenceScore: 3.2, IsEpigenetic: true, BondingScore: 60, StressLevel: 10,
		Signals: map[string]float64{"bonding": 60}, CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if first.Sequence != 1 || !first.CreatedAt.Equal(at.Truncate(time.Millisecond)) {
		t.Fatalf("unexpected stored entry %+v", first)
	}
	second, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{ID: "e2", SubjectID: "h1", TraitName: "legendary_bloodline", SourceType: domain.SourceGenetic, CreatedAt: at})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Sequence != 2 {
		t.Fatalf("expected sequence 2, got %d", second.Sequence)
	}
	if _, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{ID: "e1", SubjectID: "h1", TraitName: "x", SourceType: domain.SourceGroom, CreatedAt: at}); err == nil {
		t.Fatalf("expected duplicate id to fail")
	}

	list, err := store.ListHistory(ctx, "h1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "e1" || list[1].ID != "e2" {
		t.Fatalf("unexpected list %+v", list)
	}
	if list[0].Signals["bonding"] != 60 || !list[0].IsEpigenetic || list[0].SourceID != "g1" {
		t.Fatalf("fields lost in round trip: %+v", list[0])
	}
	if list[1].Signals != nil {
		t.Fatalf("expected nil signals, got %v", list[1].Signals)
	}

	n, err := store.PurgeHistory(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 purged, got %d %v", n, err)
	}
}

func TestMilestoneAndWindowUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if _, ok, err := store.FindMilestoneOutcome(ctx, "h", "imprinting"); ok || err != nil {
		t.Fatalf("expected no outcome, got %v %v", ok, err)
	}
	o := domain.MilestoneOutcome{SubjectID: "h", Milestone: "imprinting", Score: 50}
	if err := store.SaveMilestoneOutcome(ctx, o); err != nil {
		t.Fatalf("save: %v", err)
	}
	o.Score = 80
	o.Trait = "people_trusting"
	if err := store.SaveMilestoneOutcome(ctx, o); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, ok, err := store.FindMilestoneOutcome(ctx, "h", "imprinting")
	if err != nil || !ok || got.Score != 80 || got.Trait != "people_trusting" {
		t.Fatalf("unexpected outcome %+v %v %v", got, ok, err)
	}

	obs := domain.WindowObservation{SubjectID: "h", HighWaterAge: 12, ObservedActive: []string{"early_socialization", "imprinting"}}
	if err := store.SaveWindowObservation(ctx, obs); err != nil {
		t.Fatalf("save window: %v", err)
	}
	back, ok, err := store.FindWindowObservation(ctx, "h")
	if err != nil || !ok || back.HighWaterAge != 12 || len(back.ObservedActive) != 2 {
		t.Fatalf("unexpected observation %+v %v %v", back, ok, err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{ID: "a", SubjectID: "h", TraitName: "t", SourceType: domain.SourceMilestone, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = store.Close()

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	list, _ := reopened.ListHistory(ctx, "h")
	if len(list) != 1 {
		t.Fatalf("expected persisted entry, got %d", len(list))
	}
	next, err := reopened.AppendHistory(ctx, domain.TraitHistoryEntry{ID: "b", SubjectID: "h", TraitName: "t", SourceType: domain.SourceMilestone, CreatedAt: time.Now()})
	if err != nil || next.Sequence != 2 {
		t.Fatalf("sequence should continue after reopen, got %d %v", next.Sequence, err)
	}
	if reopened.Path() != path || reopened.DB() == nil {
		t.Fatalf("unexpected accessors")
	}
}

func TestCommitEvaluationRollsBackOnFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, time.June, 1, 10, 0, 0, 0, time.UTC)
	if _, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{ID: "taken", SubjectID: "h", TraitName: "t", SourceType: domain.SourceGroom, CreatedAt: at}); err != nil {
		t.Fatalf("append: %v", err)
	}

	obs := domain.WindowObservation{SubjectID: "h", HighWaterAge: 20}
	outcome := domain.MilestoneOutcome{SubjectID: "h", Milestone: "imprinting", Score: 70, HistoryEntryID: "fresh"}
	_, err := store.CommitEvaluation(ctx, domain.Evaluation{
		Observation: &obs,
		History: []domain.TraitHistoryEntry{
			{ID: "fresh", SubjectID: "h", TraitName: "curious", SourceType: domain.SourceMilestone, CreatedAt: at},
			{ID: "taken", SubjectID: "h", TraitName: "curious", SourceType: domain.SourceMilestone, CreatedAt: at},
		},
		Outcome: &outcome,
	})
	if err == nil {
		t.Fatalf("expected the duplicate id to abort the commit")
	}
	if list, _ := store.ListHistory(ctx, "h"); len(list) != 1 {
		t.Fatalf("aborted commit left history rows: %+v", list)
	}
	if _, ok, _ := store.FindWindowObservation(ctx, "h"); ok {
		t.Fatalf("aborted commit left the observation")
	}
	if _, ok, _ := store.FindMilestoneOutcome(ctx, "h", "imprinting"); ok {
		t.Fatalf("aborted commit left the outcome")
	}

	stored, err := store.CommitEvaluation(ctx, domain.Evaluation{
		Observation: &obs,
		History:     []domain.TraitHistoryEntry{{ID: "fresh", SubjectID: "h", TraitName: "curious", SourceType: domain.SourceMilestone, CreatedAt: at}},
		Outcome:     &outcome,
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(stored) != 1 || stored[0].Sequence != 2 {
		t.Fatalf("unexpected stored entries %+v", stored)
	}
	if got, ok, _ := store.FindMilestoneOutcome(ctx, "h", "imprinting"); !ok || got.HistoryEntryID != "fresh" {
		t.Fatalf("expected committed outcome, got %+v", got)
	}
}

func TestQueryHistoryInSQL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	sources := []domain.SourceType{domain.SourceGroom, domain.SourceGenetic, domain.SourceGroom, domain.SourceGroom}
	for i, src := range sources {
		if _, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{
			ID: string(rune('a' + i)), SubjectID: "h", TraitName: "t", SourceType: src,
			IsEpigenetic: src.Epigenetic(), CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.QueryHistory(ctx, "h", domain.HistoryFilter{SourceType: domain.SourceGroom, Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "d" || got[1].ID != "c" {
		t.Fatalf("expected d,c got %+v", got)
	}
	got, _ = store.QueryHistory(ctx, "h", domain.HistoryFilter{SourceType: domain.SourceGroom, Offset: 2, Limit: 2})
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("expected [a], got %+v", got)
	}
	no := false
	if got, _ = store.QueryHistory(ctx, "h", domain.HistoryFilter{IsEpigenetic: &no}); len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected inherited [b], got %+v", got)
	}
	from := base.Add(time.Hour + time.Microsecond)
	to := base.Add(3 * time.Hour)
	if got, _ = store.QueryHistory(ctx, "h", domain.HistoryFilter{From: &from, To: &to}); len(got) != 2 || got[0].ID != "d" {
		t.Fatalf("expected d,c inside the range, got %+v", got)
	}
	if got, _ = store.QueryHistory(ctx, "missing", domain.HistoryFilter{}); got == nil || len(got) != 0 {
		t.Fatalf("expected an empty page, got %v", got)
	}
}
