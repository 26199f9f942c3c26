package domain

import "context"

// HistoryStore is the append-only provenance log. Implementations must assign
// a monotonically increasing Sequence per store.
type HistoryStore interface {
	AppendHistory(ctx context.Context, entry TraitHistoryEntry) (TraitHistoryEntry, error)
	// ListHistory returns every entry for the subject, in insertion order.
	ListHistory(ctx context.Context, subjectID string) ([]TraitHistoryEntry, error)
	// QueryHistory returns the subject's entries matching filter, newest first,
	// with the filter's offset and limit applied. A non-positive limit returns
	// every match.
	QueryHistory(ctx context.Context, subjectID string, filter HistoryFilter) ([]TraitHistoryEntry, error)
	// PurgeHistory removes all entries. Only reachable in development mode.
	PurgeHistory(ctx context.Context) (int, error)
}

// MilestoneStore keeps the one stored outcome per (subject, milestone).
type MilestoneStore interface {
	FindMilestoneOutcome(ctx context.Context, subjectID, milestone string) (MilestoneOutcome, bool, error)
	SaveMilestoneOutcome(ctx context.Context, outcome MilestoneOutcome) error
}

// WindowStore persists per-subject window high-water marks.
type WindowStore interface {
	FindWindowObservation(ctx context.Context, subjectID string) (WindowObservation, bool, error)
	SaveWindowObservation(ctx context.Context, obs WindowObservation) error
}

// Evaluation is everything one discovery or milestone evaluation writes. Nil
// members are left untouched.
type Evaluation struct {
	Observation *WindowObservation
	History     []TraitHistoryEntry
	Outcome     *MilestoneOutcome
}

// PersistentStore is the full persistence surface the service depends on.
type PersistentStore interface {
	HistoryStore
	MilestoneStore
	WindowStore
	// CommitEvaluation stores the whole evaluation or none of it and returns
	// the history entries with their sequence assigned.
	CommitEvaluation(ctx context.Context, ev Evaluation) ([]TraitHistoryEntry, error)
	Close() error
}
