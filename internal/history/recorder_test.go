package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"equinecore/internal/infra/persistence/memory"
	"equinecore/pkg/domain"
)

func newTestRecorder(opts ...Option) (*Recorder, *memory.Store) {
	store := memory.NewStore()
	n := 0
	opts = append([]Option{WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	})}, opts...)
	return NewRecorder(store, opts...), store
}

func TestAppendAssignsProvenance(t *testing.T) {
	fixed := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	rec, _ := newTestRecorder(WithClock(func() time.Time { return fixed }))
	signals := map[string]float64{"bonding": 80}
	got, err := rec.Append(context.Background(), domain.TraitHistoryEntry{
		SubjectID: "h1", TraitName: "curious", SourceType: domain.SourceGroom, InfluenceScore: 4, Signals: signals,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if got.ID != "id-1" || got.Sequence != 1 || !got.CreatedAt.Equal(fixed) || !got.IsEpigenetic {
		t.Fatalf("unexpected entry %+v", got)
	}
	signals["bonding"] = 0
	if got.Signals["bonding"] != 80 {
		t.Fatalf("signals must be copied")
	}

	genetic, _ := rec.Append(context.Background(), domain.TraitHistoryEntry{
		SubjectID: "h1", TraitName: "legendary_bloodline", SourceType: domain.SourceGenetic, IsEpigenetic: true,
	})
	if genetic.IsEpigenetic {
		t.Fatalf("genetic entries are never epigenetic")
	}
}

func TestPrepareDoesNotStore(t *testing.T) {
	fixed := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	rec, store := newTestRecorder(WithClock(func() time.Time { return fixed }))
	got, err := rec.Prepare(domain.TraitHistoryEntry{SubjectID: "h1", TraitName: "curious", SourceType: domain.SourceMilestone})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if got.ID != "id-1" || got.Sequence != 0 || !got.CreatedAt.Equal(fixed) || !got.IsEpigenetic {
		t.Fatalf("unexpected prepared entry %+v", got)
	}
	if list, _ := store.ListHistory(context.Background(), "h1"); len(list) != 0 {
		t.Fatalf("prepare must not write, got %+v", list)
	}
	if _, err := rec.Prepare(domain.TraitHistoryEntry{SubjectID: "h1", SourceType: domain.SourceGroom}); !errors.Is(err, ErrInvalidEntry) {
		t.Fatalf("expected ErrInvalidEntry, got %v", err)
	}
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	rec, _ := newTestRecorder()
	cases := []domain.TraitHistoryEntry{
		{TraitName: "curious", SourceType: domain.SourceGroom},
		{SubjectID: "h", SourceType: domain.SourceGroom},
		{SubjectID: "h", TraitName: "curious", SourceType: "weather"},
	}
	for i, entry := range cases {
		if _, err := rec.Append(context.Background(), entry); !errors.Is(err, ErrInvalidEntry) {
			t.Fatalf("case %d: expected ErrInvalidEntry, got %v", i, err)
		}
	}
}

func TestAppendPanicsOnInfluenceOutOfBound(t *testing.T) {
	rec, store := newTestRecorder()
	defer func() {
		r := recover()
		v, ok := r.(domain.InvariantViolation)
		if !ok || v.Invariant != domain.InvariantInfluenceBound {
			t.Fatalf("expected influence invariant panic, got %v", r)
		}
		if list, _ := store.ListHistory(context.Background(), "h"); len(list) != 0 {
			t.Fatalf("nothing may be stored after a violation")
		}
	}()
	_, _ = rec.Append(context.Background(), domain.TraitHistoryEntry{
		SubjectID: "h", TraitName: "t", SourceType: domain.SourceMilestone, InfluenceScore: 10.5,
	})
}

func seed(t *testing.T, rec *Recorder) time.Time {
	t.Helper()
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	sources := []domain.SourceType{domain.SourceGroom, domain.SourceEnvironmental, domain.SourceGenetic, domain.SourceMilestone}
	for i := 0; i < 8; i++ {
		_, err := rec.Append(context.Background(), domain.TraitHistoryEntry{
			SubjectID:      "h",
			TraitName:      fmt.Sprintf("t%d", i),
			SourceType:     sources[i%len(sources)],
			InfluenceScore: float64(i%3) - 1,
			CreatedAt:      base.Add(time.Duration(i/2) * time.Hour),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return base
}

func TestQueryNewestFirst(t *testing.T) {
	rec, _ := newTestRecorder()
	seed(t, rec)
	got, err := rec.Query(context.Background(), "h", domain.HistoryFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("expected 8 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.CreatedAt.After(prev.CreatedAt) {
			t.Fatalf("entries out of order at %d", i)
		}
		if cur.CreatedAt.Equal(prev.CreatedAt) && cur.Sequence > prev.Sequence {
			t.Fatalf("ties must fall back to sequence desc at %d", i)
		}
	}
	if got[0].TraitName != "t7" || got[7].TraitName != "t0" {
		t.Fatalf("unexpected ends %s..%s", got[0].TraitName, got[7].TraitName)
	}
}

func TestQueryFiltersAndPagination(t *testing.T) {
	rec, _ := newTestRecorder()
	base := seed(t, rec)
	ctx := context.Background()

	groom, _ := rec.Query(ctx, "h", domain.HistoryFilter{SourceType: domain.SourceGroom})
	if len(groom) != 2 {
		t.Fatalf("expected 2 groom entries, got %d", len(groom))
	}
	no := false
	inherited, _ := rec.Query(ctx, "h", domain.HistoryFilter{IsEpigenetic: &no})
	if len(inherited) != 2 || inherited[0].SourceType != domain.SourceGenetic {
		t.Fatalf("expected genetic entries only, got %+v", inherited)
	}
	from, to := base.Add(time.Hour), base.Add(2*time.Hour)
	window, _ := rec.Query(ctx, "h", domain.HistoryFilter{From: &from, To: &to})
	if len(window) != 4 {
		t.Fatalf("expected 4 entries in range, got %d", len(window))
	}
	page, _ := rec.Query(ctx, "h", domain.HistoryFilter{Limit: 3, Offset: 6})
	if len(page) != 2 || page[1].TraitName != "t0" {
		t.Fatalf("unexpected page %+v", page)
	}
	empty, _ := rec.Query(ctx, "h", domain.HistoryFilter{Offset: 50})
	if empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil page")
	}
}

func TestQueryLimitClamp(t *testing.T) {
	rec, _ := newTestRecorder()
	ctx := context.Background()
	for i := 0; i < MaxLimit+10; i++ {
		if _, err := rec.Append(ctx, domain.TraitHistoryEntry{SubjectID: "h", TraitName: "t", SourceType: domain.SourceGroom}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	def, _ := rec.Query(ctx, "h", domain.HistoryFilter{})
	if len(def) != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, len(def))
	}
	big, _ := rec.Query(ctx, "h", domain.HistoryFilter{Limit: 10_000})
	if len(big) != MaxLimit {
		t.Fatalf("expected max limit %d, got %d", MaxLimit, len(big))
	}
}

func TestSummarize(t *testing.T) {
	rec, _ := newTestRecorder()
	base := seed(t, rec)
	sum, err := rec.Summarize(context.Background(), "h")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Total != 8 || sum.EpigeneticCount != 6 || sum.BySource[domain.SourceGenetic] != 2 {
		t.Fatalf("unexpected counts %+v", sum)
	}
	// genetic entries carry +1 and -1
	if sum.NetInheritedInfluence != 0 {
		t.Fatalf("expected inherited influence 0, got %v", sum.NetInheritedInfluence)
	}
	if sum.NetEpigeneticInfluence != -1 {
		t.Fatalf("expected epigenetic influence -1, got %v", sum.NetEpigeneticInfluence)
	}
	if !sum.FirstRecordedAt.Equal(base) || !sum.LastRecordedAt.Equal(base.Add(3*time.Hour)) {
		t.Fatalf("unexpected range %v..%v", sum.FirstRecordedAt, sum.LastRecordedAt)
	}

	none, _ := rec.Summarize(context.Background(), "nobody")
	if none.Total != 0 || none.FirstRecordedAt != nil {
		t.Fatalf("expected empty summary, got %+v", none)
	}
}

func TestPurgeRequiresDevMode(t *testing.T) {
	rec, _ := newTestRecorder()
	seed(t, rec)
	if _, err := rec.Purge(context.Background()); !errors.Is(err, ErrPurgeDisabled) {
		t.Fatalf("expected ErrPurgeDisabled, got %v", err)
	}

	dev, _ := newTestRecorder(WithDevMode(true))
	seed(t, dev)
	n, err := dev.Purge(context.Background())
	if err != nil || n != 8 {
		t.Fatalf("expected 8 purged, got %d %v", n, err)
	}
}
