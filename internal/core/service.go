package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"equinecore/internal/care"
	"equinecore/internal/catalog"
	"equinecore/internal/history"
	"equinecore/internal/observability"
	"equinecore/pkg/domain"

	"go.uber.org/zap"
)

// Operation names reported to logs, metrics and traces.
const (
	OpDiscover  = "discover"
	OpMilestone = "milestone"
	OpWindows   = "windows"
)

// ErrNotFound is returned when a stored record required by an operation is absent.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// CareRecords are the raw care-history inputs for one subject.
type CareRecords struct {
	Interactions []domain.InteractionRecord `json:"interactions"`
	Assignments  []domain.AssignmentRecord  `json:"assignments"`
}

// DiscoverRequest asks for a discovery evaluation of one subject.
type DiscoverRequest struct {
	Subject  domain.Subject                `json:"subject"`
	Snapshot *domain.EnvironmentalSnapshot `json:"snapshot,omitempty"`
	Care     CareRecords                   `json:"care"`
}

// MilestoneRequest asks for a milestone evaluation of one subject.
type MilestoneRequest struct {
	Subject   domain.Subject    `json:"subject"`
	Milestone string            `json:"milestone"`
	Care      CareRecords       `json:"care"`
	Caregiver *domain.Caregiver `json:"caregiver,omitempty"`
	Force     bool              `json:"force,omitempty"`
}

// Service evaluates subjects against the catalog and persists window
// observations, milestone outcomes and trait history.
type Service struct {
	engine  *Engine
	store   domain.PersistentStore
	history *history.Recorder
	care    *care.Cache
	locks   *keyedMutex
	opts    serviceOptions
}

// NewService wires the engine to a store.
func NewService(cat *catalog.Catalog, store domain.PersistentStore, opts ...ServiceOption) (*Service, error) {
	if cat == nil {
		return nil, errors.New("catalog required")
	}
	if store == nil {
		return nil, errors.New("store required")
	}
	o := defaultServiceOptions()
	for _, opt := range opts {
		opt(&o)
	}
	cache, err := care.NewCache(care.NewAggregator(o.careRecordLimit), o.careCacheSize)
	if err != nil {
		return nil, err
	}
	recOpts := []history.Option{history.WithDevMode(o.devMode), history.WithClock(o.clock.Now)}
	if o.newID != nil {
		recOpts = append(recOpts, history.WithIDGenerator(o.newID))
	}
	return &Service{
		engine:  NewEngine(cat, WithStabilityFloor(o.stabilityFloor)),
		store:   store,
		history: history.NewRecorder(store, recOpts...),
		care:    cache,
		locks:   newKeyedMutex(),
		opts:    o,
	}, nil
}

// Engine returns the underlying pure engine.
func (s *Service) Engine() *Engine { return s.engine }

// Catalog returns the catalog in use.
func (s *Service) Catalog() *catalog.Catalog { return s.engine.Catalog() }

// History returns the trait history recorder.
func (s *Service) History() *history.Recorder { return s.history }

// Store returns the persistence backend.
func (s *Service) Store() domain.PersistentStore { return s.store }

// CareCache returns the care aggregate cache.
func (s *Service) CareCache() *care.Cache { return s.care }

// Discover evaluates discovery for one subject and commits the resulting
// history entries together with the window observation. The subject itself is
// not mutated; callers apply the returned delta.
func (s *Service) Discover(ctx context.Context, req DiscoverRequest) (res DiscoveryResult, err error) {
	subjectID := req.Subject.ID
	ctx, call := s.begin(ctx, OpDiscover, subjectID)
	defer func() { call.finish(recover(), outcomeOf(err, res.Empty), err) }()

	unlock := s.locks.Lock(subjectID)
	defer unlock()

	obs, err := s.observation(ctx, subjectID)
	if err != nil {
		return DiscoveryResult{}, err
	}
	res, err = s.engine.Discover(DiscoveryInput{
		Subject:     req.Subject,
		Snapshot:    req.Snapshot,
		Care:        s.CareAggregate(subjectID, req.Care),
		Observation: obs,
		Now:         s.opts.clock.Now(),
	})
	if err != nil {
		return DiscoveryResult{}, err
	}
	entries, err := s.prepare(res.History)
	if err != nil {
		return DiscoveryResult{}, err
	}
	if res.History, err = s.commit(ctx, domain.Evaluation{Observation: &res.Observation, History: entries}); err != nil {
		return DiscoveryResult{}, err
	}
	if len(res.Revealed) > 0 {
		s.opts.logger.Info("traits revealed",
			zap.String("subject_id", subjectID),
			zap.Int("count", len(res.Revealed)),
			zap.Strings("suppressed", res.Suppressed))
	}
	return res, nil
}

// Milestone evaluates a milestone once per (subject, milestone). A stored
// outcome is returned as-is unless Force is set; a forced re-evaluation
// replaces the stored outcome.
func (s *Service) Milestone(ctx context.Context, req MilestoneRequest) (res MilestoneResult, err error) {
	subjectID := req.Subject.ID
	ctx, call := s.begin(ctx, OpMilestone, subjectID)
	defer func() { call.finish(recover(), outcomeOf(err, res.Empty), err) }()

	unlock := s.locks.Lock(subjectID + "\x00" + req.Milestone)
	defer unlock()

	if _, ok := s.engine.Catalog().Milestone(req.Milestone); !ok {
		return MilestoneResult{}, domain.CallerError{Kind: domain.ErrUnknownMilestone, Name: req.Milestone}
	}
	in := MilestoneInput{
		Subject:   req.Subject,
		Milestone: req.Milestone,
		Care:      s.CareAggregate(subjectID, req.Care),
		Caregiver: req.Caregiver,
		Force:     req.Force,
		Now:       s.opts.clock.Now(),
	}
	if prev, ok, err := s.store.FindMilestoneOutcome(ctx, subjectID, req.Milestone); err != nil {
		return MilestoneResult{}, fmt.Errorf("find milestone outcome: %w", err)
	} else if ok {
		in.Previous = &prev
	}
	if in.Observation, err = s.observation(ctx, subjectID); err != nil {
		return MilestoneResult{}, err
	}
	res, err = s.engine.Milestone(in)
	if err != nil || !res.Evaluated {
		return res, err
	}
	entries, err := s.prepare(res.History)
	if err != nil {
		return MilestoneResult{}, err
	}
	if n := len(entries); n > 0 {
		res.Outcome.HistoryEntryID = entries[n-1].ID
	}
	if res.History, err = s.commit(ctx, domain.Evaluation{Observation: &res.Observation, History: entries, Outcome: &res.Outcome}); err != nil {
		return MilestoneResult{}, err
	}
	s.opts.logger.Info("milestone evaluated",
		zap.String("subject_id", subjectID),
		zap.String("milestone", req.Milestone),
		zap.Float64("score", res.Outcome.Score),
		zap.String("trait", res.Outcome.Trait),
		zap.Bool("forced", req.Force))
	return res, nil
}

func (s *Service) prepare(entries []domain.TraitHistoryEntry) ([]domain.TraitHistoryEntry, error) {
	out := make([]domain.TraitHistoryEntry, 0, len(entries))
	for _, entry := range entries {
		prepared, err := s.history.Prepare(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, prepared)
	}
	return out, nil
}

// commit stores one evaluation atomically: a failed commit leaves no history,
// observation or outcome behind.
func (s *Service) commit(ctx context.Context, ev domain.Evaluation) ([]domain.TraitHistoryEntry, error) {
	stored, err := s.store.CommitEvaluation(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("commit evaluation: %w", err)
	}
	for _, entry := range stored {
		s.opts.metrics.TraitRevealed(ctx, entry.SourceType)
	}
	return stored, nil
}

// Windows reports window status for the subject and persists the advanced
// high-water mark.
func (s *Service) Windows(ctx context.Context, subject domain.Subject) (report domain.WindowReport, err error) {
	ctx, call := s.begin(ctx, OpWindows, subject.ID)
	defer func() {
		var empty domain.EmptyReason
		if err == nil && len(report.Active) == 0 {
			empty = domain.EmptyNoActiveWindows
		}
		call.finish(recover(), outcomeOf(err, empty), err)
	}()

	unlock := s.locks.Lock(subject.ID)
	defer unlock()

	obs, err := s.observation(ctx, subject.ID)
	if err != nil {
		return domain.WindowReport{}, err
	}
	next, report, err := s.engine.Windows(obs, subject, s.opts.clock.Now())
	if err != nil {
		return domain.WindowReport{}, err
	}
	if err := s.store.SaveWindowObservation(ctx, next); err != nil {
		return domain.WindowReport{}, fmt.Errorf("save window observation: %w", err)
	}
	return report, nil
}

// Matrix builds the interaction matrix for the subject's expressed traits.
func (s *Service) Matrix(subject domain.Subject) (domain.InteractionMatrix, error) {
	return s.engine.Matrix(subject.Traits.Expressed())
}

// CareAggregate folds the subject's care records through the read-through cache.
func (s *Service) CareAggregate(subjectID string, records CareRecords) domain.CareAggregate {
	return s.care.Aggregate(subjectID, records.Interactions, records.Assignments)
}

// MilestoneOutcome returns the stored outcome for (subject, milestone).
func (s *Service) MilestoneOutcome(ctx context.Context, subjectID, milestone string) (domain.MilestoneOutcome, error) {
	if _, ok := s.engine.Catalog().Milestone(milestone); !ok {
		return domain.MilestoneOutcome{}, domain.CallerError{Kind: domain.ErrUnknownMilestone, Name: milestone}
	}
	out, ok, err := s.store.FindMilestoneOutcome(ctx, subjectID, milestone)
	if err != nil {
		return domain.MilestoneOutcome{}, fmt.Errorf("find milestone outcome: %w", err)
	}
	if !ok {
		return domain.MilestoneOutcome{}, ErrNotFound{Entity: "milestone outcome", ID: subjectID + "/" + milestone}
	}
	return out, nil
}

func (s *Service) observation(ctx context.Context, subjectID string) (domain.WindowObservation, error) {
	obs, ok, err := s.store.FindWindowObservation(ctx, subjectID)
	if err != nil {
		return domain.WindowObservation{}, fmt.Errorf("find window observation: %w", err)
	}
	if !ok {
		obs = domain.WindowObservation{SubjectID: subjectID}
	}
	return obs, nil
}

// opCall tracks one traced, timed service operation.
type opCall struct {
	svc       *Service
	ctx       context.Context
	op        string
	subjectID string
	started   time.Time
	span      observability.Span
}

func (s *Service) begin(ctx context.Context, op, subjectID string) (context.Context, *opCall) {
	started := s.opts.clock.Now()
	ctx, span := s.opts.tracer.Start(ctx, op)
	return ctx, &opCall{svc: s, ctx: ctx, op: op, subjectID: subjectID, started: started, span: span}
}

// finish records the outcome. A non-nil panicked value is logged and counted
// before the panic is re-raised.
func (c *opCall) finish(panicked any, outcome observability.Outcome, err error) {
	s := c.svc
	elapsed := s.opts.clock.Now().Sub(c.started)
	if panicked != nil {
		s.reportPanic(c.ctx, c.op, c.subjectID, panicked)
		c.span.End(fmt.Errorf("%s: internal failure", c.op))
		s.opts.metrics.Observe(c.ctx, c.op, observability.OutcomeDefect, elapsed)
		panic(panicked)
	}
	s.opts.metrics.Observe(c.ctx, c.op, outcome, elapsed)
	c.span.End(err)
	if err != nil && !domain.IsCallerError(err) {
		s.opts.logger.Warn("evaluation failed",
			zap.String("operation", c.op),
			zap.String("subject_id", c.subjectID),
			zap.Error(err))
	}
}

func (s *Service) reportPanic(ctx context.Context, op, subjectID string, r any) {
	v, ok := r.(domain.InvariantViolation)
	if !ok {
		s.opts.logger.Error("evaluation panicked",
			zap.String("operation", op),
			zap.String("subject_id", subjectID),
			zap.Any("panic", r))
		return
	}
	s.opts.metrics.InvariantViolated(ctx, v.Invariant)
	s.opts.logger.Error("invariant violation",
		zap.String("operation", op),
		zap.String("subject_id", subjectID),
		zap.String("invariant", v.Invariant),
		zap.String("detail", v.Detail))
}

func outcomeOf(err error, empty domain.EmptyReason) observability.Outcome {
	switch {
	case err != nil && domain.IsCallerError(err):
		return observability.OutcomeRejected
	case err != nil:
		return observability.OutcomeError
	case empty != "":
		return observability.OutcomeEmpty
	}
	return observability.OutcomeApplied
}

// keyedMutex serializes work per key. Entries are reference counted and
// removed once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
