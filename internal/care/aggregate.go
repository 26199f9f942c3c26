// Package care folds raw caregiver interaction and assignment records into the
// CareAggregate consumed by discovery and milestone scoring.
package care

import (
	"math"
	"sort"
	"time"

	"equinecore/pkg/domain"
)

// DefaultRecordLimit bounds the number of interaction records folded per subject.
const DefaultRecordLimit = 100

// Aggregator folds records. The zero value is not usable; call NewAggregator.
type Aggregator struct {
	limit int
}

// NewAggregator returns an aggregator keeping the most recent limit records.
// Non-positive limits fall back to DefaultRecordLimit.
func NewAggregator(limit int) *Aggregator {
	if limit <= 0 {
		limit = DefaultRecordLimit
	}
	return &Aggregator{limit: limit}
}

// Limit returns the configured record bound.
func (a *Aggregator) Limit() int { return a.limit }

type interaction struct {
	taskType  string
	caregiver string
	at        time.Time
	duration  time.Duration
	delta     float64
}

type assignment struct {
	caregiver string
	start     time.Time
	active    bool
}

// normalizeInteractions resolves optional fields and sorts into the canonical
// fold order: timestamp, caregiver, type, duration, delta.
func normalizeInteractions(in []domain.InteractionRecord) []interaction {
	out := make([]interaction, 0, len(in))
	for _, r := range in {
		rec := interaction{taskType: r.Type, caregiver: r.CaregiverID, at: r.Timestamp.UTC()}
		if r.Duration != nil && *r.Duration > 0 {
			rec.duration = *r.Duration
		}
		if r.BondingDelta != nil && !math.IsNaN(*r.BondingDelta) && !math.IsInf(*r.BondingDelta, 0) {
			rec.delta = *r.BondingDelta
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.at.Equal(b.at) {
			return a.at.Before(b.at)
		}
		if a.caregiver != b.caregiver {
			return a.caregiver < b.caregiver
		}
		if a.taskType != b.taskType {
			return a.taskType < b.taskType
		}
		if a.duration != b.duration {
			return a.duration < b.duration
		}
		return a.delta < b.delta
	})
	return out
}

func normalizeAssignments(in []domain.AssignmentRecord) []assignment {
	out := make([]assignment, 0, len(in))
	for _, r := range in {
		out = append(out, assignment{caregiver: r.CaregiverID, start: r.Start.UTC(), active: r.End == nil})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].start.Equal(out[j].start) {
			return out[i].start.Before(out[j].start)
		}
		return out[i].caregiver < out[j].caregiver
	})
	return out
}

// Aggregate folds the records. The result is independent of input order.
func (a *Aggregator) Aggregate(interactions []domain.InteractionRecord, assignments []domain.AssignmentRecord) domain.CareAggregate {
	recs := normalizeInteractions(interactions)
	if len(recs) > a.limit {
		recs = recs[len(recs)-a.limit:]
	}
	asg := normalizeAssignments(assignments)
	if len(asg) > a.limit {
		asg = asg[len(asg)-a.limit:]
	}

	agg := domain.CareAggregate{InteractionCount: len(recs), AssignmentCount: len(asg)}
	types := map[string]struct{}{}
	perCaregiver := map[string]int{}
	deltas := make([]float64, 0, len(recs))
	for _, r := range recs {
		types[r.taskType] = struct{}{}
		if r.caregiver != "" {
			perCaregiver[r.caregiver]++
		}
		agg.TotalDuration += r.duration
		agg.NetBondingDelta += r.delta
		deltas = append(deltas, r.delta)
	}
	for t := range types {
		agg.TaskTypes = append(agg.TaskTypes, t)
	}
	sort.Strings(agg.TaskTypes)
	agg.DistinctTaskTypes = len(agg.TaskTypes)
	agg.CaregiverConsistency = Consistency(perCaregiver)
	agg.PrimaryCaregiverID = primary(perCaregiver)
	agg.BondingTrend = Slope(deltas)
	if len(recs) > 0 {
		first, last := recs[0].at, recs[len(recs)-1].at
		agg.FirstInteraction, agg.LastInteraction = &first, &last
	}
	for i := len(asg) - 1; i >= 0; i-- {
		if asg[i].active {
			agg.ActiveCaregiverID = asg[i].caregiver
			break
		}
	}
	return agg
}

// Consistency is 1 minus the normalized Shannon entropy of the caregiver
// distribution. One caregiver yields 1 and no caregivers yield 0.
func Consistency(counts map[string]int) float64 {
	k := len(counts)
	switch k {
	case 0:
		return 0
	case 1:
		return 1
	}
	var total int
	for _, n := range counts {
		total += n
	}
	keys := make([]string, 0, k)
	for id := range counts {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	var h float64
	for _, id := range keys {
		p := float64(counts[id]) / float64(total)
		h -= p * math.Log(p)
	}
	c := 1 - h/math.Log(float64(k))
	if c < 0 {
		return 0
	}
	return c
}

// Slope is the least-squares slope of values over their index. Fewer than two
// values yield 0.
func Slope(values []float64) float64 {
	n := float64(len(values))
	if len(values) < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}

func primary(counts map[string]int) string {
	var best string
	var bestN int
	for id, n := range counts {
		if n > bestN || (n == bestN && id < best) {
			best, bestN = id, n
		}
	}
	return best
}
