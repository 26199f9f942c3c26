package postgres

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"equinecore/internal/infra/persistence/postgres/testutil"
	"equinecore/pkg/domain"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store, conn
}

func TestNewStoreAppliesDDL(t *testing.T) {
	_, conn := openStub(t)
	var sawHistory bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS TRAIT_HISTORY") {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Fatalf("expected trait_history DDL, got %v", conn.Execs)
	}
}

func TestWritesOneRowPerRecord(t *testing.T) {
	store, conn := openStub(t)
	ctx := context.Background()
	for i, id := range []string{"e1", "e2", "e3"} {
		entry, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{ID: id, SubjectID: "h", TraitName: "curious", SourceType: domain.SourceGroom, CreatedAt: time.Now()})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if entry.Sequence != int64(i+1) {
			t.Fatalf("expected sequence %d, got %d", i+1, entry.Sequence)
		}
	}
	var inserts int
	for _, stmt := range conn.Execs {
		if strings.HasPrefix(stmt, "INSERT INTO trait_history") {
			inserts++
		}
	}
	if inserts != 3 {
		t.Fatalf("expected one insert per append, got %d", inserts)
	}
	if rows := conn.Rows("trait_history"); len(rows) != 3 || rows[2]["id"] != "e3" || rows[2]["seq"] != int64(3) {
		t.Fatalf("expected three history rows, got %v", rows)
	}

	outcome := domain.MilestoneOutcome{SubjectID: "h", Milestone: "imprinting", Score: 70}
	if err := store.SaveMilestoneOutcome(ctx, outcome); err != nil {
		t.Fatalf("save milestone: %v", err)
	}
	outcome.Score = 80
	_ = store.SaveMilestoneOutcome(ctx, outcome)
	_ = store.SaveMilestoneOutcome(ctx, domain.MilestoneOutcome{SubjectID: "h", Milestone: "weaning", Score: 40})
	if err := store.SaveWindowObservation(ctx, domain.WindowObservation{SubjectID: "h", HighWaterAge: 4}); err != nil {
		t.Fatalf("save window: %v", err)
	}
	if rows := conn.Rows("milestone_outcomes"); len(rows) != 2 {
		t.Fatalf("expected one outcome row per milestone, got %v", rows)
	}
	if rows := conn.Rows("window_observations"); len(rows) != 1 {
		t.Fatalf("expected one observation row, got %v", rows)
	}
	if conn.Commits != 7 {
		t.Fatalf("expected a commit per write, got %d", conn.Commits)
	}
}

func TestReloadFromTables(t *testing.T) {
	db, _ := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	ctx := context.Background()
	at := time.Date(2025, time.May, 2, 8, 0, 0, 0, time.UTC)

	first, err := NewStore(ctx, "dsn")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	obs := domain.WindowObservation{SubjectID: "h", HighWaterAge: 30}
	outcome := domain.MilestoneOutcome{SubjectID: "h", Milestone: "m", Trait: "t", HistoryEntryID: "e1"}
	if _, err := first.CommitEvaluation(ctx, domain.Evaluation{
		Observation: &obs,
		History:     []domain.TraitHistoryEntry{{ID: "e1", SubjectID: "h", TraitName: "t", SourceType: domain.SourceMilestone, IsEpigenetic: true, Signals: map[string]float64{"bonding": 55}, CreatedAt: at}},
		Outcome:     &outcome,
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}

	second, err := NewStore(ctx, "dsn")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	list, _ := second.ListHistory(ctx, "h")
	if len(list) != 1 || list[0].ID != "e1" || !list[0].IsEpigenetic || list[0].Signals["bonding"] != 55 || !list[0].CreatedAt.Equal(at) {
		t.Fatalf("expected history hydrated, got %+v", list)
	}
	if got, ok, _ := second.FindMilestoneOutcome(ctx, "h", "m"); !ok || got.HistoryEntryID != "e1" {
		t.Fatalf("expected milestone hydrated, got %+v", got)
	}
	if got, ok, _ := second.FindWindowObservation(ctx, "h"); !ok || got.HighWaterAge != 30 {
		t.Fatalf("expected observation hydrated, got %+v", got)
	}
	next, _ := second.AppendHistory(ctx, domain.TraitHistoryEntry{ID: "e2", SubjectID: "h", TraitName: "t", SourceType: domain.SourceGroom, CreatedAt: at})
	if next.Sequence != 2 {
		t.Fatalf("sequence should continue, got %d", next.Sequence)
	}
	page, _ := second.QueryHistory(ctx, "h", domain.HistoryFilter{SourceType: domain.SourceGroom})
	if len(page) != 1 || page[0].ID != "e2" {
		t.Fatalf("expected filtered page [e2], got %+v", page)
	}
}

func TestFailedCommitLeavesNothing(t *testing.T) {
	store, conn := openStub(t)
	ctx := context.Background()
	conn.FailCommit = true
	obs := domain.WindowObservation{SubjectID: "h", HighWaterAge: 12}
	outcome := domain.MilestoneOutcome{SubjectID: "h", Milestone: "imprinting"}
	_, err := store.CommitEvaluation(ctx, domain.Evaluation{
		Observation: &obs,
		History:     []domain.TraitHistoryEntry{{ID: "e1", SubjectID: "h", TraitName: "t", SourceType: domain.SourceMilestone}},
		Outcome:     &outcome,
	})
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	if list, _ := store.ListHistory(ctx, "h"); len(list) != 0 {
		t.Fatalf("working set must not change on a failed commit, got %d entries", len(list))
	}
	if _, ok, _ := store.FindMilestoneOutcome(ctx, "h", "imprinting"); ok {
		t.Fatalf("failed commit exposed the outcome")
	}
	for _, table := range []string{"trait_history", "milestone_outcomes", "window_observations"} {
		if rows := conn.Rows(table); len(rows) != 0 {
			t.Fatalf("failed commit wrote %s rows: %v", table, rows)
		}
	}

	conn.FailCommit = false
	if _, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{ID: "e1", SubjectID: "h", TraitName: "t", SourceType: domain.SourceMilestone}); err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	if _, err := store.AppendHistory(ctx, domain.TraitHistoryEntry{ID: "e1", SubjectID: "h", TraitName: "t", SourceType: domain.SourceMilestone}); err == nil {
		t.Fatalf("expected duplicate id to be rejected before writing")
	}
	n, err := store.PurgeHistory(ctx)
	if err != nil || n != 1 {
		t.Fatalf("purge: %d %v", n, err)
	}
	if rows := conn.Rows("trait_history"); len(rows) != 0 {
		t.Fatalf("purge left rows: %v", rows)
	}
}

func TestNewStoreErrors(t *testing.T) {
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	conn.FailPing = true
	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "ping") {
		t.Fatalf("expected ping error, got %v", err)
	}
	conn.FailPing = false
	conn.FailTables["trait_history"] = true
	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "select history") {
		t.Fatalf("expected select error, got %v", err)
	}
	conn.FailTables["trait_history"] = false
	conn.FailTables["milestone_outcomes"] = true
	if _, err := NewStore(context.Background(), ""); err == nil || !strings.Contains(err.Error(), "select milestone outcome") {
		t.Fatalf("expected outcome select error, got %v", err)
	}
}
