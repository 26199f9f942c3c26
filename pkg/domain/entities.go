// Package domain defines the value types, result shapes, error taxonomy and
// persistence contracts shared by the trait development engine.
package domain

import (
	"sort"
	"time"
)

// Polarity classifies whether an expressed trait helps or hinders a subject.
type Polarity string

// Supported trait polarities.
const (
	PolarityPositive Polarity = "positive"
	PolarityNegative Polarity = "negative"
	PolarityNeutral  Polarity = "neutral"
)

// Valid reports whether p is a declared polarity.
func (p Polarity) Valid() bool {
	switch p {
	case PolarityPositive, PolarityNegative, PolarityNeutral:
		return true
	}
	return false
}

// Tier captures trait rarity. Rank order drives dominance tie-breaks.
type Tier string

// Canonical tiers, lowest rank first.
const (
	TierCommon    Tier = "common"
	TierRare      Tier = "rare"
	TierUltraRare Tier = "ultra_rare"
	TierExotic    Tier = "exotic"
)

// Tiers lists every tier in rank order.
func Tiers() []Tier {
	return []Tier{TierCommon, TierRare, TierUltraRare, TierExotic}
}

// Rank returns the ordinal of the tier, or -1 for an unknown tier.
func (t Tier) Rank() int {
	switch t {
	case TierCommon:
		return 0
	case TierRare:
		return 1
	case TierUltraRare:
		return 2
	case TierExotic:
		return 3
	}
	return -1
}

// Effect is a mechanical modifier a trait applies once expressed. Effects that
// share a Group and disagree in sign contradict each other.
type Effect struct {
	Group    string  `json:"group" yaml:"group"`
	Stat     string  `json:"stat,omitempty" yaml:"stat,omitempty"`
	Modifier float64 `json:"modifier" yaml:"modifier"`
}

// Comparison operators accepted by discovery clauses.
const (
	OpGTE = "gte"
	OpGT  = "gt"
	OpLTE = "lte"
	OpLT  = "lt"
	OpEQ  = "eq"
)

// Clause is a single threshold comparison over a named signal.
type Clause struct {
	Signal string  `json:"signal" yaml:"signal"`
	Op     string  `json:"op" yaml:"op"`
	Value  float64 `json:"value" yaml:"value"`
}

// Condition is one path to revealing a trait. All clauses must hold.
type Condition struct {
	Name           string     `json:"name" yaml:"name"`
	Source         SourceType `json:"source,omitempty" yaml:"source,omitempty"`
	RequiresWindow bool       `json:"requires_window,omitempty" yaml:"requires_window,omitempty"`
	Clauses        []Clause   `json:"clauses" yaml:"clauses"`
}

// TraitDefinition is the immutable catalog description of a trait.
type TraitDefinition struct {
	Name                string      `json:"name" yaml:"name"`
	Polarity            Polarity    `json:"polarity" yaml:"polarity"`
	Tier                Tier        `json:"tier" yaml:"tier"`
	Description         string      `json:"description,omitempty" yaml:"description,omitempty"`
	Preconditions       []string    `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`
	Effects             []Effect    `json:"effects,omitempty" yaml:"effects,omitempty"`
	DiscoveryConditions []Condition `json:"discovery_conditions,omitempty" yaml:"discovery_conditions,omitempty"`
	DiscoveryTriggers   []string    `json:"discovery_triggers,omitempty" yaml:"discovery_triggers,omitempty"`
	ComfortShift        float64     `json:"comfort_shift,omitempty" yaml:"comfort_shift,omitempty"`
	ComfortWiden        float64     `json:"comfort_widen,omitempty" yaml:"comfort_widen,omitempty"`
}

// TraitSet partitions a subject's traits. A name may appear in at most one slice.
type TraitSet struct {
	Positive []string `json:"positive"`
	Negative []string `json:"negative"`
	Hidden   []string `json:"hidden"`
}

// Expressed returns positive and negative traits, sorted.
func (s TraitSet) Expressed() []string {
	out := make([]string, 0, len(s.Positive)+len(s.Negative))
	out = append(out, s.Positive...)
	out = append(out, s.Negative...)
	sort.Strings(out)
	return out
}

// Has reports whether the name appears in any partition.
func (s TraitSet) Has(name string) bool {
	return contains(s.Positive, name) || contains(s.Negative, name) || contains(s.Hidden, name)
}

// IsExpressed reports whether the name is in the positive or negative partition.
func (s TraitSet) IsExpressed(name string) bool {
	return contains(s.Positive, name) || contains(s.Negative, name)
}

// Overlap returns trait names present in more than one partition.
func (s TraitSet) Overlap() []string {
	seen := make(map[string]int)
	for _, part := range [][]string{s.Positive, s.Negative, s.Hidden} {
		local := make(map[string]struct{}, len(part))
		for _, name := range part {
			if _, dup := local[name]; dup {
				continue
			}
			local[name] = struct{}{}
			seen[name]++
		}
	}
	var out []string
	for name, n := range seen {
		if n > 1 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Duplicates returns trait names listed more than once within a single partition.
func (s TraitSet) Duplicates() []string {
	var out []string
	for _, part := range [][]string{s.Positive, s.Negative, s.Hidden} {
		local := make(map[string]int, len(part))
		for _, name := range part {
			local[name]++
			if local[name] == 2 {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy of the trait set.
func (s TraitSet) Clone() TraitSet {
	return TraitSet{
		Positive: append([]string(nil), s.Positive...),
		Negative: append([]string(nil), s.Negative...),
		Hidden:   append([]string(nil), s.Hidden...),
	}
}

// Subject is the read view of a horse handed to the engine by its owner.
type Subject struct {
	ID           string             `json:"id"`
	AgeDays      int                `json:"age_days"`
	BondingScore float64            `json:"bonding_score"`
	StressLevel  float64            `json:"stress_level"`
	Traits       TraitSet           `json:"traits"`
	Stats        map[string]float64 `json:"stats,omitempty"`
}

// Clone returns a deep copy of the subject view.
func (s Subject) Clone() Subject {
	out := s
	out.Traits = s.Traits.Clone()
	if s.Stats != nil {
		out.Stats = make(map[string]float64, len(s.Stats))
		for k, v := range s.Stats {
			out.Stats[k] = v
		}
	}
	return out
}

// Partition names the trait-set slice a trait moves into.
type Partition string

// Trait-set partitions.
const (
	PartitionPositive Partition = "positive"
	PartitionNegative Partition = "negative"
	PartitionHidden   Partition = "hidden"
)

// PartitionFor maps a polarity to the expressed partition it lands in.
// Neutral traits are stored with positive traits.
func PartitionFor(p Polarity) Partition {
	if p == PolarityNegative {
		return PartitionNegative
	}
	return PartitionPositive
}

// TraitMove describes a single trait moving between partitions.
type TraitMove struct {
	Trait string    `json:"trait"`
	From  Partition `json:"from,omitempty"`
	To    Partition `json:"to"`
}

// Delta is the change set the caller applies to its subject after an evaluation.
type Delta struct {
	SubjectID string      `json:"subject_id"`
	Moves     []TraitMove `json:"moves"`
}

// Empty reports whether the delta carries no moves.
func (d Delta) Empty() bool { return len(d.Moves) == 0 }

// Apply returns a copy of the subject with the delta applied. It panics with an
// InvariantViolation if the result breaks the partition invariant.
func (s Subject) Apply(d Delta) Subject {
	out := s.Clone()
	for _, mv := range d.Moves {
		switch mv.From {
		case PartitionHidden:
			out.Traits.Hidden = remove(out.Traits.Hidden, mv.Trait)
		case PartitionPositive:
			out.Traits.Positive = remove(out.Traits.Positive, mv.Trait)
		case PartitionNegative:
			out.Traits.Negative = remove(out.Traits.Negative, mv.Trait)
		}
		switch mv.To {
		case PartitionPositive:
			out.Traits.Positive = append(out.Traits.Positive, mv.Trait)
		case PartitionNegative:
			out.Traits.Negative = append(out.Traits.Negative, mv.Trait)
		case PartitionHidden:
			out.Traits.Hidden = append(out.Traits.Hidden, mv.Trait)
		}
	}
	if overlap := out.Traits.Overlap(); len(overlap) > 0 {
		panic(InvariantViolation{Invariant: InvariantPartition, Detail: "subject " + s.ID + " trait in multiple partitions: " + overlap[0]})
	}
	if dups := out.Traits.Duplicates(); len(dups) > 0 {
		panic(InvariantViolation{Invariant: InvariantPartition, Detail: "subject " + s.ID + " trait listed twice: " + dups[0]})
	}
	return out
}

// Caregiver describes the groom responsible for a milestone evaluation.
type Caregiver struct {
	ID          string `json:"id"`
	Personality string `json:"personality,omitempty"`
	Speciality  string `json:"speciality,omitempty"`
}

// InteractionRecord is a raw caregiver interaction supplied by the owner of the
// care history. Optional fields are nil when the collaborator did not record them.
type InteractionRecord struct {
	Type         string         `json:"type"`
	Duration     *time.Duration `json:"duration,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	CaregiverID  string         `json:"caregiver_id"`
	BondingDelta *float64       `json:"bonding_delta,omitempty"`
}

// AssignmentRecord is a raw caregiver assignment. End is nil while active.
type AssignmentRecord struct {
	CaregiverID string     `json:"caregiver_id"`
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
}

// CareAggregate is the per-subject rollup of raw care history.
type CareAggregate struct {
	InteractionCount     int           `json:"interaction_count"`
	DistinctTaskTypes    int           `json:"distinct_task_types"`
	TaskTypes            []string      `json:"task_types,omitempty"`
	CaregiverConsistency float64       `json:"caregiver_consistency"`
	BondingTrend         float64       `json:"bonding_trend"`
	NetBondingDelta      float64       `json:"net_bonding_delta"`
	TotalDuration        time.Duration `json:"total_duration"`
	PrimaryCaregiverID   string        `json:"primary_caregiver_id,omitempty"`
	AssignmentCount      int           `json:"assignment_count"`
	ActiveCaregiverID    string        `json:"active_caregiver_id,omitempty"`
	FirstInteraction     *time.Time    `json:"first_interaction,omitempty"`
	LastInteraction      *time.Time    `json:"last_interaction,omitempty"`
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

func remove(list []string, name string) []string {
	out := list[:0:0]
	for _, v := range list {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}
