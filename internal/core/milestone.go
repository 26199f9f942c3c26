package core

import (
	"math"
	"time"

	"equinecore/pkg/domain"
)

// defaultCaregiverMatch scores caregivers whose personality is not listed in
// the milestone's match table.
const defaultCaregiverMatch = 50.0

// MilestoneInput carries everything a milestone evaluation reads. Previous is
// the stored outcome for (subject, milestone), if any.
type MilestoneInput struct {
	Subject     domain.Subject
	Milestone   string
	Care        domain.CareAggregate
	Caregiver   *domain.Caregiver
	Observation domain.WindowObservation
	Previous    *domain.MilestoneOutcome
	Force       bool
	Now         time.Time
}

// MilestoneResult is the outcome of a milestone evaluation. Outcome is only
// meaningful when Evaluated or Stored is set.
type MilestoneResult struct {
	SubjectID   string                     `json:"subject_id"`
	Milestone   string                     `json:"milestone"`
	Outcome     domain.MilestoneOutcome    `json:"outcome"`
	Delta       domain.Delta               `json:"delta"`
	History     []domain.TraitHistoryEntry `json:"history"`
	Observation domain.WindowObservation   `json:"-"`
	Evaluated   bool                       `json:"evaluated"`
	Stored      bool                       `json:"stored"`
	Empty       domain.EmptyReason         `json:"empty,omitempty"`
}

// Milestone scores an age-gated checkpoint and maps the composite score through
// the milestone thresholds to at most one trait. Both thresholds are inclusive.
func (e *Engine) Milestone(in MilestoneInput) (MilestoneResult, error) {
	def, ok := e.catalog.Milestone(in.Milestone)
	if !ok {
		return MilestoneResult{}, domain.CallerError{Kind: domain.ErrUnknownMilestone, Name: in.Milestone}
	}
	subject := in.Subject
	if err := e.validateSubject(subject); err != nil {
		return MilestoneResult{}, err
	}
	res := MilestoneResult{
		SubjectID:   subject.ID,
		Milestone:   def.Name,
		Delta:       domain.Delta{SubjectID: subject.ID},
		History:     []domain.TraitHistoryEntry{},
		Observation: in.Observation,
	}
	if in.Previous != nil && !in.Force {
		res.Outcome = *in.Previous
		res.Stored = true
		res.Empty = domain.EmptyAlreadyCompleted
		return res, nil
	}
	if !def.InRange(subject.AgeDays) {
		if !in.Force && !e.anyMilestoneInRange(subject.AgeDays) {
			return MilestoneResult{}, domain.CallerError{
				Kind:   domain.ErrAgeOutOfRange,
				Name:   def.Name,
				Reason: "no milestone covers the subject age",
			}
		}
		res.Empty = domain.EmptyAgeOutOfRange
		return res, nil
	}

	obs, report := e.windows.Observe(in.Observation, subject, in.Now)
	res.Observation = obs
	caregiverID := caregiverFor(in.Caregiver, in.Care)
	components := e.components(def, subject, in.Care, in.Caregiver, report)
	score := composite(def.Weights, components)

	res.Evaluated = true
	res.Outcome = domain.MilestoneOutcome{
		SubjectID:   subject.ID,
		Milestone:   def.Name,
		Score:       score,
		Components:  components,
		CaregiverID: caregiverID,
		EvaluatedAt: in.Now.UTC(),
	}

	var candidates []string
	var influence float64
	switch {
	case score >= def.HighThreshold:
		candidates = def.PositiveTraits
		influence = bandInfluence(score-def.HighThreshold, 100-def.HighThreshold)
	case score <= def.LowThreshold:
		candidates = def.NegativeTraits
		influence = -bandInfluence(def.LowThreshold-score, def.LowThreshold)
	default:
		res.Empty = domain.EmptyNeutralBand
		return res, nil
	}
	trait, from, ok := firstAvailable(candidates, subject.Traits)
	if !ok {
		res.Empty = domain.EmptyNoTraitAvailable
		return res, nil
	}
	domain.CheckInfluence(influence, "milestone "+def.Name)
	traitDef, _ := e.catalog.Definition(trait)
	to := domain.PartitionFor(traitDef.Polarity)

	res.Outcome.Trait = trait
	res.Outcome.Partition = to
	res.Outcome.InfluenceScore = influence
	res.Delta.Moves = []domain.TraitMove{{Trait: trait, From: from, To: to}}
	res.History = append(res.History, domain.TraitHistoryEntry{
		SubjectID:      subject.ID,
		TraitName:      trait,
		SourceType:     domain.SourceMilestone,
		SourceID:       def.Name,
		InfluenceScore: influence,
		IsEpigenetic:   true,
		BondingScore:   subject.BondingScore,
		StressLevel:    subject.StressLevel,
		Signals:        componentSignals(score, components),
		CreatedAt:      in.Now.UTC(),
	})
	subject.Apply(res.Delta)
	return res, nil
}

func (e *Engine) anyMilestoneInRange(age int) bool {
	for _, m := range e.catalog.Milestones() {
		if m.InRange(age) {
			return true
		}
	}
	return false
}

func (e *Engine) components(def domain.MilestoneDefinition, subject domain.Subject, care domain.CareAggregate, caregiver *domain.Caregiver, report domain.WindowReport) domain.MilestoneComponents {
	sensitivity := 1.0
	if def.Window != "" {
		for _, st := range report.Active {
			if st.Window.Name == def.Window {
				sensitivity = st.Window.Sensitivity
			}
		}
	}
	var sensitivityScore float64
	if maxS := e.catalog.MaxSensitivity(); maxS > 1 {
		sensitivityScore = 100 * (sensitivity - 1) / (maxS - 1)
	}

	var diversity float64
	switch {
	case def.TargetTaskTypes > 0:
		diversity = 100 * float64(care.DistinctTaskTypes) / float64(def.TargetTaskTypes)
	case care.DistinctTaskTypes > 0:
		diversity = 100
	}

	match := defaultCaregiverMatch
	if caregiver != nil {
		if v, ok := def.PersonalityMatch[caregiver.Personality]; ok {
			match = v
		}
	}

	return domain.MilestoneComponents{
		Bonding:        clamp100(subject.BondingScore),
		Sensitivity:    clamp100(sensitivityScore),
		Consistency:    clamp100(care.CaregiverConsistency * 100),
		TaskDiversity:  clamp100(diversity),
		BondingTrend:   clamp100(50 + 25*care.BondingTrend),
		CaregiverMatch: clamp100(match),
		Calmness:       clamp100(100 - subject.StressLevel),
	}
}

// composite is the weighted mean of the components, rounded to six decimals
// so that scores landing on a threshold compare equal to it.
func composite(w domain.MilestoneWeights, c domain.MilestoneComponents) float64 {
	total := w.Sum()
	if total <= 0 {
		return 0
	}
	sum := w.Bonding*c.Bonding +
		w.Sensitivity*c.Sensitivity +
		w.Consistency*c.Consistency +
		w.TaskDiversity*c.TaskDiversity +
		w.BondingTrend*c.BondingTrend +
		w.CaregiverMatch*c.CaregiverMatch +
		w.Calmness*c.Calmness
	return math.Round(sum/total*1e6) / 1e6
}

// bandInfluence maps a distance into the assignment band onto [1, 10].
func bandInfluence(distance, width float64) float64 {
	if width <= 0 {
		return domain.InfluenceBound
	}
	frac := distance / width
	if frac > 1 {
		frac = 1
	}
	return 1 + (domain.InfluenceBound-1)*frac
}

// firstAvailable returns the first candidate not already expressed, and the
// partition it moves from.
func firstAvailable(candidates []string, traits domain.TraitSet) (string, domain.Partition, bool) {
	for _, name := range candidates {
		if traits.IsExpressed(name) {
			continue
		}
		if traits.Has(name) {
			return name, domain.PartitionHidden, true
		}
		return name, "", true
	}
	return "", "", false
}

func caregiverFor(caregiver *domain.Caregiver, care domain.CareAggregate) string {
	switch {
	case caregiver != nil && caregiver.ID != "":
		return caregiver.ID
	case care.ActiveCaregiverID != "":
		return care.ActiveCaregiverID
	}
	return care.PrimaryCaregiverID
}

func componentSignals(score float64, c domain.MilestoneComponents) map[string]float64 {
	return map[string]float64{
		"score":                     score,
		"component.bonding":         c.Bonding,
		"component.sensitivity":     c.Sensitivity,
		"component.consistency":     c.Consistency,
		"component.task_diversity":  c.TaskDiversity,
		"component.bonding_trend":   c.BondingTrend,
		"component.caregiver_match": c.CaregiverMatch,
		"component.calmness":        c.Calmness,
	}
}

func clamp100(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

