package domain

import (
	"sort"
	"time"
)

// WindowDefinition is an age-bounded period of heightened sensitivity.
// The range is [StartDay, EndDay).
type WindowDefinition struct {
	Name           string   `json:"name" yaml:"name"`
	Tier           Tier     `json:"tier" yaml:"tier"`
	StartDay       int      `json:"start_day" yaml:"start_day"`
	EndDay         int      `json:"end_day" yaml:"end_day"`
	Sensitivity    float64  `json:"sensitivity" yaml:"sensitivity"`
	EligibleTraits []string `json:"eligible_traits" yaml:"eligible_traits"`
}

// Eligible reports whether the trait is in the window's eligible set.
func (w WindowDefinition) Eligible(trait string) bool {
	return contains(w.EligibleTraits, trait)
}

// WindowStatus is the per-subject state of a developmental window.
type WindowStatus string

// Window states. Closed and missed are terminal.
const (
	WindowUpcoming WindowStatus = "upcoming"
	WindowActive   WindowStatus = "active"
	WindowClosed   WindowStatus = "closed"
	WindowMissed   WindowStatus = "missed"
)

// WindowObservation is the per-subject high-water mark used to distinguish
// closed windows from missed ones.
type WindowObservation struct {
	SubjectID      string    `json:"subject_id"`
	HighWaterAge   int       `json:"high_water_age"`
	ObservedActive []string  `json:"observed_active"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Observed reports whether the window was ever seen active.
func (o WindowObservation) Observed(window string) bool {
	return contains(o.ObservedActive, window)
}

// Clone returns a deep copy.
func (o WindowObservation) Clone() WindowObservation {
	out := o
	out.ObservedActive = append([]string(nil), o.ObservedActive...)
	return out
}

// MarkObserved records the window as observed active, keeping the list sorted.
func (o *WindowObservation) MarkObserved(window string) {
	if o.Observed(window) {
		return
	}
	o.ObservedActive = append(o.ObservedActive, window)
	sort.Strings(o.ObservedActive)
}

// WindowState pairs a window definition with its evaluated status.
type WindowState struct {
	Window WindowDefinition `json:"window"`
	Status WindowStatus     `json:"status"`
}

// WindowReport groups window states by status.
type WindowReport struct {
	SubjectID    string        `json:"subject_id"`
	EffectiveAge int           `json:"effective_age"`
	Active       []WindowState `json:"active"`
	Upcoming     []WindowState `json:"upcoming"`
	Closed       []WindowState `json:"closed"`
	Missed       []WindowState `json:"missed"`
}

// RelationshipKind classifies a trait interaction.
type RelationshipKind string

// Interaction kinds.
const (
	RelationSynergy   RelationshipKind = "synergy"
	RelationConflict  RelationshipKind = "conflict"
	RelationDominance RelationshipKind = "dominance"
)

// Relationship is a catalog declaration between two traits. Synergy and conflict
// are symmetric; dominance means From wins over To.
type Relationship struct {
	From      string           `json:"from" yaml:"from"`
	To        string           `json:"to" yaml:"to"`
	Kind      RelationshipKind `json:"kind" yaml:"kind"`
	Magnitude float64          `json:"magnitude" yaml:"magnitude"`
}

// InteractionEdge is an ordered pair of expressed traits with a relationship.
type InteractionEdge struct {
	From      string           `json:"from"`
	To        string           `json:"to"`
	Kind      RelationshipKind `json:"kind"`
	Magnitude float64          `json:"magnitude"`
}

// InteractionMatrix is the derived relationship view of an expressed trait set.
type InteractionMatrix struct {
	Traits         []string          `json:"traits"`
	Edges          []InteractionEdge `json:"edges"`
	StabilityScore float64           `json:"stability_score"`
	DominantTraits map[string]string `json:"dominant_traits"`
}

// MilestoneWeights weights each composite-score component.
type MilestoneWeights struct {
	Bonding        float64 `json:"bonding" yaml:"bonding"`
	Sensitivity    float64 `json:"sensitivity" yaml:"sensitivity"`
	Consistency    float64 `json:"consistency" yaml:"consistency"`
	TaskDiversity  float64 `json:"task_diversity" yaml:"task_diversity"`
	BondingTrend   float64 `json:"bonding_trend" yaml:"bonding_trend"`
	CaregiverMatch float64 `json:"caregiver_match" yaml:"caregiver_match"`
	Calmness       float64 `json:"calmness" yaml:"calmness"`
}

// Sum returns the total weight.
func (w MilestoneWeights) Sum() float64 {
	return w.Bonding + w.Sensitivity + w.Consistency + w.TaskDiversity + w.BondingTrend + w.CaregiverMatch + w.Calmness
}

// MilestoneDefinition is the static definition of an age-gated checkpoint.
type MilestoneDefinition struct {
	Name             string             `json:"name" yaml:"name"`
	MinAgeDays       int                `json:"min_age_days" yaml:"min_age_days"`
	MaxAgeDays       int                `json:"max_age_days" yaml:"max_age_days"`
	Window           string             `json:"window,omitempty" yaml:"window,omitempty"`
	Weights          MilestoneWeights   `json:"weights" yaml:"weights"`
	HighThreshold    float64            `json:"high_threshold" yaml:"high_threshold"`
	LowThreshold     float64            `json:"low_threshold" yaml:"low_threshold"`
	TargetTaskTypes  int                `json:"target_task_types" yaml:"target_task_types"`
	PositiveTraits   []string           `json:"positive_traits" yaml:"positive_traits"`
	NegativeTraits   []string           `json:"negative_traits" yaml:"negative_traits"`
	PersonalityMatch map[string]float64 `json:"personality_match,omitempty" yaml:"personality_match,omitempty"`
}

// InRange reports whether the age falls within [MinAgeDays, MaxAgeDays].
func (m MilestoneDefinition) InRange(age int) bool {
	return age >= m.MinAgeDays && age <= m.MaxAgeDays
}

// MilestoneComponents exposes the individual composite-score inputs.
type MilestoneComponents struct {
	Bonding        float64 `json:"bonding"`
	Sensitivity    float64 `json:"sensitivity"`
	Consistency    float64 `json:"consistency"`
	TaskDiversity  float64 `json:"task_diversity"`
	BondingTrend   float64 `json:"bonding_trend"`
	CaregiverMatch float64 `json:"caregiver_match"`
	Calmness       float64 `json:"calmness"`
}

// MilestoneOutcome is the stored result of a milestone evaluation.
type MilestoneOutcome struct {
	SubjectID      string              `json:"subject_id"`
	Milestone      string              `json:"milestone"`
	Score          float64             `json:"score"`
	Components     MilestoneComponents `json:"components"`
	Trait          string              `json:"trait,omitempty"`
	Partition      Partition           `json:"partition,omitempty"`
	InfluenceScore float64             `json:"influence_score"`
	CaregiverID    string              `json:"caregiver_id,omitempty"`
	HistoryEntryID string              `json:"history_entry_id,omitempty"`
	EvaluatedAt    time.Time           `json:"evaluated_at"`
}
