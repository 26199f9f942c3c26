// Package history records and queries the append-only trait provenance log.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"equinecore/pkg/domain"

	"github.com/google/uuid"
)

// Query limits.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

var (
	// ErrPurgeDisabled is returned by Purge outside development mode.
	ErrPurgeDisabled = errors.New("history purge is only available in development mode")
	// ErrInvalidEntry marks an entry missing required provenance fields.
	ErrInvalidEntry = errors.New("invalid history entry")
)

// Recorder appends and reads trait history entries.
type Recorder struct {
	store   domain.HistoryStore
	devMode bool
	now     func() time.Time
	newID   func() string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithDevMode enables Purge.
func WithDevMode(enabled bool) Option { return func(r *Recorder) { r.devMode = enabled } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithIDGenerator overrides entry id generation.
func WithIDGenerator(fn func() string) Option { return func(r *Recorder) { r.newID = fn } }

// NewRecorder constructs a recorder over the store.
func NewRecorder(store domain.HistoryStore, opts ...Option) *Recorder {
	r := &Recorder{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append validates and stores a new entry, returning it with id, timestamp
// and sequence assigned. Out-of-bound influence panics.
func (r *Recorder) Append(ctx context.Context, entry domain.TraitHistoryEntry) (domain.TraitHistoryEntry, error) {
	entry, err := r.Prepare(entry)
	if err != nil {
		return domain.TraitHistoryEntry{}, err
	}
	stored, err := r.store.AppendHistory(ctx, entry)
	if err != nil {
		return domain.TraitHistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	return stored, nil
}

// Prepare validates an entry and assigns its id, timestamp and epigenetic flag
// without storing it. The store assigns the sequence on commit.
func (r *Recorder) Prepare(entry domain.TraitHistoryEntry) (domain.TraitHistoryEntry, error) {
	if entry.SubjectID == "" || entry.TraitName == "" {
		return domain.TraitHistoryEntry{}, fmt.Errorf("%w: subject and trait are required", ErrInvalidEntry)
	}
	if !entry.SourceType.Valid() {
		return domain.TraitHistoryEntry{}, fmt.Errorf("%w: source type %q", ErrInvalidEntry, entry.SourceType)
	}
	domain.CheckInfluence(entry.InfluenceScore, "history entry for "+entry.TraitName)
	entry.ID = r.newID()
	entry.IsEpigenetic = entry.SourceType.Epigenetic()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	entry.Signals = cloneSignals(entry.Signals)
	return entry, nil
}

// Query returns a subject's entries newest first, filtered and paginated by
// the store. The limit defaults to DefaultLimit and is capped at MaxLimit.
func (r *Recorder) Query(ctx context.Context, subjectID string, filter domain.HistoryFilter) ([]domain.TraitHistoryEntry, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	out, err := r.store.QueryHistory(ctx, subjectID, filter)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return out, nil
}

// Summarize aggregates a subject's full history.
func (r *Recorder) Summarize(ctx context.Context, subjectID string) (domain.HistorySummary, error) {
	all, err := r.store.ListHistory(ctx, subjectID)
	if err != nil {
		return domain.HistorySummary{}, fmt.Errorf("list history: %w", err)
	}
	sum := domain.HistorySummary{SubjectID: subjectID, BySource: map[domain.SourceType]int{}}
	for _, e := range all {
		sum.Total++
		sum.BySource[e.SourceType]++
		if e.IsEpigenetic {
			sum.EpigeneticCount++
			sum.NetEpigeneticInfluence += e.InfluenceScore
		} else {
			sum.NetInheritedInfluence += e.InfluenceScore
		}
		at := e.CreatedAt
		if sum.FirstRecordedAt == nil || at.Before(*sum.FirstRecordedAt) {
			sum.FirstRecordedAt = &at
		}
		if sum.LastRecordedAt == nil || at.After(*sum.LastRecordedAt) {
			last := at
			sum.LastRecordedAt = &last
		}
	}
	return sum, nil
}

// Purge deletes every entry. It fails unless development mode is enabled.
func (r *Recorder) Purge(ctx context.Context) (int, error) {
	if !r.devMode {
		return 0, ErrPurgeDisabled
	}
	n, err := r.store.PurgeHistory(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return n, nil
}

func cloneSignals(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
