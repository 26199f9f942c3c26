// Package core evaluates trait discovery and developmental milestones for a
// subject. Engine is the pure scoring core; Service wires it to persistence,
// the care cache, logging and metrics.
package core

import (
	"sort"
	"strings"
	"time"

	"equinecore/internal/catalog"
	"equinecore/internal/environment"
	"equinecore/internal/interaction"
	"equinecore/internal/windows"
	"equinecore/pkg/domain"
)

// DefaultStabilityFloor is the stability score below which discoveries that
// would add a conflict edge are suppressed.
const DefaultStabilityFloor = -3.0

// neutralWeight scales the discovery influence of neutral traits.
const neutralWeight = 0.5

// Engine evaluates discovery and milestones against a catalog. It holds no
// per-subject state and is safe for concurrent use.
type Engine struct {
	catalog        *catalog.Catalog
	environment    *environment.Evaluator
	windows        *windows.Tracker
	stabilityFloor float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithStabilityFloor overrides DefaultStabilityFloor.
func WithStabilityFloor(floor float64) EngineOption {
	return func(e *Engine) { e.stabilityFloor = floor }
}

// NewEngine constructs an engine over the catalog.
func NewEngine(cat *catalog.Catalog, opts ...EngineOption) *Engine {
	e := &Engine{
		catalog:        cat,
		environment:    environment.NewEvaluator(cat),
		windows:        windows.NewTracker(cat),
		stabilityFloor: DefaultStabilityFloor,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the catalog the engine evaluates against.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// StabilityFloor returns the configured stability floor.
func (e *Engine) StabilityFloor() float64 { return e.stabilityFloor }

// DiscoveryInput carries everything a discovery evaluation reads. Snapshot is
// optional; without one no environmental triggers fire.
type DiscoveryInput struct {
	Subject     domain.Subject
	Snapshot    *domain.EnvironmentalSnapshot
	Care        domain.CareAggregate
	Observation domain.WindowObservation
	Now         time.Time
}

// Revelation describes one hidden trait that became expressed.
type Revelation struct {
	Trait       string            `json:"trait"`
	Condition   string            `json:"condition"`
	Source      domain.SourceType `json:"source"`
	SourceID    string            `json:"source_id"`
	Partition   domain.Partition  `json:"partition"`
	Sensitivity float64           `json:"sensitivity"`
	Influence   float64           `json:"influence"`
}

// DiscoveryResult is the outcome of a discovery evaluation. History entries
// are unsaved: ids, sequence numbers and timestamps are assigned on append.
type DiscoveryResult struct {
	SubjectID   string                     `json:"subject_id"`
	Delta       domain.Delta               `json:"delta"`
	Revealed    []Revelation               `json:"revealed"`
	Suppressed  []string                   `json:"suppressed,omitempty"`
	History     []domain.TraitHistoryEntry `json:"history"`
	Environment domain.EnvironmentReport   `json:"environment"`
	Windows     domain.WindowReport        `json:"windows"`
	Observation domain.WindowObservation   `json:"-"`
	Matrix      domain.InteractionMatrix   `json:"matrix"`
	Empty       domain.EmptyReason         `json:"empty,omitempty"`
}

// Discover reveals the hidden traits whose preconditions hold and for which at
// least one discovery condition is satisfied. Conditions are tried in
// declaration order and the first satisfied one supplies the provenance.
func (e *Engine) Discover(in DiscoveryInput) (DiscoveryResult, error) {
	subject := in.Subject
	if err := e.validateSubject(subject); err != nil {
		return DiscoveryResult{}, err
	}
	var report domain.EnvironmentReport
	if in.Snapshot != nil {
		r, err := e.environment.Evaluate(*in.Snapshot, subject)
		if err != nil {
			return DiscoveryResult{}, err
		}
		report = r
	}
	obs, windowReport := e.windows.Observe(in.Observation, subject, in.Now)
	matrix, err := interaction.Build(subject.Traits.Expressed(), e.catalog)
	if err != nil {
		return DiscoveryResult{}, err
	}

	res := DiscoveryResult{
		SubjectID:   subject.ID,
		Delta:       domain.Delta{SubjectID: subject.ID},
		Revealed:    []Revelation{},
		History:     []domain.TraitHistoryEntry{},
		Environment: report,
		Windows:     windowReport,
		Observation: obs,
		Matrix:      matrix,
	}
	if len(subject.Traits.Hidden) == 0 {
		res.Empty = domain.EmptyNoHiddenTraits
		return res, nil
	}

	signals := BuildSignals(subject, in.Care, report, matrix.StabilityScore)
	expressed := subject.Traits.Expressed()
	hidden := append([]string(nil), subject.Traits.Hidden...)
	sort.Strings(hidden)
	for _, name := range hidden {
		trait, _ := e.catalog.Trait(name)
		if !trait.PreconditionsHold(signals) {
			continue
		}
		sensitivity := windows.SensitivityFor(windowReport, name)
		cond, ok := trait.FirstSatisfied(signals, sensitivity, windows.InWindow(windowReport, name))
		if !ok {
			continue
		}
		if matrix.StabilityScore < e.stabilityFloor && interaction.Conflicts(expressed, name, e.catalog) {
			res.Suppressed = append(res.Suppressed, name)
			continue
		}
		influence := discoveryInfluence(trait.TraitDefinition, sensitivity)
		domain.CheckInfluence(influence, "discovery of "+name)

		rev := Revelation{
			Trait:       name,
			Condition:   cond.Name,
			Source:      cond.Source,
			SourceID:    sourceID(cond, in.Care),
			Partition:   domain.PartitionFor(trait.Polarity),
			Sensitivity: sensitivity,
			Influence:   influence,
		}
		res.Revealed = append(res.Revealed, rev)
		res.Delta.Moves = append(res.Delta.Moves, domain.TraitMove{Trait: name, From: domain.PartitionHidden, To: rev.Partition})
		res.History = append(res.History, domain.TraitHistoryEntry{
			SubjectID:      subject.ID,
			TraitName:      name,
			SourceType:     rev.Source,
			SourceID:       rev.SourceID,
			InfluenceScore: influence,
			IsEpigenetic:   rev.Source.Epigenetic(),
			BondingScore:   subject.BondingScore,
			StressLevel:    subject.StressLevel,
			Signals:        conditionSignals(cond, signals, sensitivity),
			CreatedAt:      in.Now.UTC(),
		})
		expressed = append(expressed, name)
	}

	// Apply panics if the delta would break the partition invariant.
	subject.Apply(res.Delta)
	if len(res.Revealed) == 0 {
		res.Empty = domain.EmptyNothingRevealed
		if len(windowReport.Active) == 0 {
			res.Empty = domain.EmptyNoActiveWindows
		}
	}
	return res, nil
}

// Windows advances the observation and reports window status for the subject.
func (e *Engine) Windows(obs domain.WindowObservation, subject domain.Subject, now time.Time) (domain.WindowObservation, domain.WindowReport, error) {
	if err := e.validateSubject(subject); err != nil {
		return domain.WindowObservation{}, domain.WindowReport{}, err
	}
	next, report := e.windows.Observe(obs, subject, now)
	return next, report, nil
}

// Matrix builds the interaction matrix of the given expressed traits.
func (e *Engine) Matrix(traits []string) (domain.InteractionMatrix, error) {
	return interaction.Build(traits, e.catalog)
}

// validateSubject rejects unknown or repeated trait names and panics when a trait sits in
// more than one partition.
func (e *Engine) validateSubject(s domain.Subject) error {
	if strings.TrimSpace(s.ID) == "" {
		return domain.CallerError{Kind: domain.ErrInvalidSubject, Reason: "subject id required"}
	}
	if s.AgeDays < 0 {
		return domain.CallerError{Kind: domain.ErrInvalidSubject, Name: s.ID, Reason: "negative age"}
	}
	if s.BondingScore < 0 || s.BondingScore > 100 || s.StressLevel < 0 || s.StressLevel > 100 {
		return domain.CallerError{Kind: domain.ErrInvalidSubject, Name: s.ID, Reason: "bonding and stress must lie in [0, 100]"}
	}
	for _, part := range [][]string{s.Traits.Positive, s.Traits.Negative, s.Traits.Hidden} {
		for _, name := range part {
			if _, ok := e.catalog.Definition(name); !ok {
				return domain.CallerError{Kind: domain.ErrUnknownTrait, Name: name}
			}
		}
	}
	if dups := s.Traits.Duplicates(); len(dups) > 0 {
		return domain.CallerError{Kind: domain.ErrInvalidSubject, Name: s.ID, Reason: "trait listed twice: " + dups[0]}
	}
	if overlap := s.Traits.Overlap(); len(overlap) > 0 {
		panic(domain.InvariantViolation{
			Invariant: domain.InvariantPartition,
			Detail:    "subject " + s.ID + " trait in multiple partitions: " + overlap[0],
		})
	}
	return nil
}

func discoveryInfluence(def domain.TraitDefinition, sensitivity float64) float64 {
	base := catalog.DiscoveryBase(def.Tier) * sensitivity
	switch def.Polarity {
	case domain.PolarityNegative:
		return -base
	case domain.PolarityNeutral:
		return base * neutralWeight
	}
	return base
}

// sourceID names what caused a discovery: the first trigger clause for
// environmental conditions, the primary caregiver for groom conditions, and
// the condition itself otherwise.
func sourceID(cond catalog.CompiledCondition, care domain.CareAggregate) string {
	switch cond.Source {
	case domain.SourceEnvironmental:
		for _, c := range cond.Clauses {
			if strings.HasPrefix(c.Signal, catalog.TriggerPrefix) {
				return strings.TrimPrefix(c.Signal, catalog.TriggerPrefix)
			}
		}
	case domain.SourceGroom:
		if care.PrimaryCaregiverID != "" {
			return care.PrimaryCaregiverID
		}
	}
	return cond.Name
}

func conditionSignals(cond catalog.CompiledCondition, signals catalog.Signals, sensitivity float64) map[string]float64 {
	out := make(map[string]float64, len(cond.Clauses)+1)
	for _, c := range cond.Clauses {
		out[c.Signal] = signals[c.Signal]
	}
	out[SignalWindowSensitivity] = sensitivity
	return out
}
