// Package memory provides an in-memory implementation of the trait persistence
// store used for tests, the CLI and as the read working set of the Postgres
// store.
package memory

import (
	"context"
	"sort"
	"sync"

	"equinecore/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	History    []domain.TraitHistoryEntry          `json:"history"`
	Milestones map[string]domain.MilestoneOutcome  `json:"milestones"`
	Windows    map[string]domain.WindowObservation `json:"windows"`
	Sequence   int64                               `json:"sequence"`
}

type memoryState struct {
	history    []domain.TraitHistoryEntry
	milestones map[string]domain.MilestoneOutcome
	windows    map[string]domain.WindowObservation
	sequence   int64
}

func newMemoryState() memoryState {
	return memoryState{
		milestones: make(map[string]domain.MilestoneOutcome),
		windows:    make(map[string]domain.WindowObservation),
	}
}

// MilestoneKey is the map key used for a (subject, milestone) outcome.
func MilestoneKey(subjectID, milestone string) string {
	return subjectID + "/" + milestone
}

// Store is a mutex-guarded in-memory persistent store.
type Store struct {
	mu    sync.RWMutex
	state memoryState
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{state: newMemoryState()}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		History:    make([]domain.TraitHistoryEntry, 0, len(s.state.history)),
		Milestones: make(map[string]domain.MilestoneOutcome, len(s.state.milestones)),
		Windows:    make(map[string]domain.WindowObservation, len(s.state.windows)),
		Sequence:   s.state.sequence,
	}
	for _, e := range s.state.history {
		snap.History = append(snap.History, cloneEntry(e))
	}
	for k, v := range s.state.milestones {
		snap.Milestones[k] = v
	}
	for k, v := range s.state.windows {
		snap.Windows[k] = v.Clone()
	}
	return snap
}

// ImportState replaces the store state with the provided snapshot. The
// sequence counter never moves below the highest imported entry.
func (s *Store) ImportState(snapshot Snapshot) {
	state := newMemoryState()
	state.sequence = snapshot.Sequence
	for _, e := range snapshot.History {
		state.history = append(state.history, cloneEntry(e))
		if e.Sequence > state.sequence {
			state.sequence = e.Sequence
		}
	}
	sort.SliceStable(state.history, func(i, j int) bool { return state.history[i].Sequence < state.history[j].Sequence })
	for k, v := range snapshot.Milestones {
		state.milestones[k] = v
	}
	for k, v := range snapshot.Windows {
		state.windows[k] = v.Clone()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// AppendHistory stores the entry and assigns the next sequence number.
func (s *Store) AppendHistory(ctx context.Context, entry domain.TraitHistoryEntry) (domain.TraitHistoryEntry, error) {
	stored, err := s.CommitEvaluation(ctx, domain.Evaluation{History: []domain.TraitHistoryEntry{entry}})
	if err != nil {
		return domain.TraitHistoryEntry{}, err
	}
	return stored[0], nil
}

// Stage returns the history entries as CommitEvaluation would store them,
// without changing the store. It fails on ids that are already taken.
func (s *Store) Stage(ev domain.Evaluation) ([]domain.TraitHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stageLocked(ev.History)
}

func (s *Store) stageLocked(entries []domain.TraitHistoryEntry) ([]domain.TraitHistoryEntry, error) {
	taken := make(map[string]bool, len(s.state.history)+len(entries))
	for _, existing := range s.state.history {
		taken[existing.ID] = true
	}
	out := make([]domain.TraitHistoryEntry, 0, len(entries))
	seq := s.state.sequence
	for _, entry := range entries {
		if taken[entry.ID] {
			return nil, ErrDuplicateEntry{ID: entry.ID}
		}
		taken[entry.ID] = true
		seq++
		entry = cloneEntry(entry)
		entry.Sequence = seq
		out = append(out, entry)
	}
	return out, nil
}

// CommitEvaluation applies the observation, history entries and outcome under
// one lock. Nothing is stored when any entry id is already taken.
func (s *Store) CommitEvaluation(_ context.Context, ev domain.Evaluation) ([]domain.TraitHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, err := s.stageLocked(ev.History)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TraitHistoryEntry, 0, len(staged))
	for _, entry := range staged {
		s.state.history = append(s.state.history, entry)
		out = append(out, cloneEntry(entry))
	}
	s.state.sequence += int64(len(staged))
	if ev.Observation != nil {
		s.state.windows[ev.Observation.SubjectID] = ev.Observation.Clone()
	}
	if ev.Outcome != nil {
		s.state.milestones[MilestoneKey(ev.Outcome.SubjectID, ev.Outcome.Milestone)] = *ev.Outcome
	}
	return out, nil
}

// ListHistory returns the subject's entries in insertion order.
func (s *Store) ListHistory(_ context.Context, subjectID string) ([]domain.TraitHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TraitHistoryEntry
	for _, e := range s.state.history {
		if e.SubjectID == subjectID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

// QueryHistory returns the subject's matching entries newest first, paged by
// the filter.
func (s *Store) QueryHistory(_ context.Context, subjectID string, filter domain.HistoryFilter) ([]domain.TraitHistoryEntry, error) {
	s.mu.RLock()
	matched := make([]domain.TraitHistoryEntry, 0)
	for _, e := range s.state.history {
		if e.SubjectID == subjectID && filter.Matches(e) {
			matched = append(matched, cloneEntry(e))
		}
	}
	s.mu.RUnlock()
	domain.SortNewestFirst(matched)
	start, end := filter.Page(len(matched))
	return matched[start:end], nil
}

// PurgeHistory removes every entry and returns how many were removed.
func (s *Store) PurgeHistory(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.state.history)
	s.state.history = nil
	return n, nil
}

// FindMilestoneOutcome returns the stored outcome for (subject, milestone).
func (s *Store) FindMilestoneOutcome(_ context.Context, subjectID, milestone string) (domain.MilestoneOutcome, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.state.milestones[MilestoneKey(subjectID, milestone)]
	return o, ok, nil
}

// SaveMilestoneOutcome upserts the outcome for (subject, milestone).
func (s *Store) SaveMilestoneOutcome(_ context.Context, outcome domain.MilestoneOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.milestones[MilestoneKey(outcome.SubjectID, outcome.Milestone)] = outcome
	return nil
}

// FindWindowObservation returns the subject's window high-water mark.
func (s *Store) FindWindowObservation(_ context.Context, subjectID string) (domain.WindowObservation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.state.windows[subjectID]
	return o.Clone(), ok, nil
}

// SaveWindowObservation upserts the subject's window high-water mark.
func (s *Store) SaveWindowObservation(_ context.Context, obs domain.WindowObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.windows[obs.SubjectID] = obs.Clone()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// ErrDuplicateEntry is returned when a history id is appended twice.
type ErrDuplicateEntry struct {
	ID string
}

func (e ErrDuplicateEntry) Error() string {
	return "history entry " + e.ID + " already exists"
}

func cloneEntry(e domain.TraitHistoryEntry) domain.TraitHistoryEntry {
	if e.Signals != nil {
		signals := make(map[string]float64, len(e.Signals))
		for k, v := range e.Signals {
			signals[k] = v
		}
		e.Signals = signals
	}
	return e
}
