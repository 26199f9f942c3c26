package domain

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// InfluenceBound is the declared magnitude limit for influence scores.
const InfluenceBound = 10.0

// SourceType identifies what caused a trait history entry.
type SourceType string

// History source types.
const (
	SourceGroom         SourceType = "groom"
	SourceMilestone     SourceType = "milestone"
	SourceEnvironmental SourceType = "environmental"
	SourceGenetic       SourceType = "genetic"
)

// SourceTypes lists every source type.
func SourceTypes() []SourceType {
	return []SourceType{SourceGroom, SourceMilestone, SourceEnvironmental, SourceGenetic}
}

// Valid reports whether s is a declared source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceGroom, SourceMilestone, SourceEnvironmental, SourceGenetic:
		return true
	}
	return false
}

// Epigenetic reports whether events from this source are environmentally driven.
func (s SourceType) Epigenetic() bool {
	return s != SourceGenetic
}

// TraitHistoryEntry is the append-only provenance record of a trait event.
type TraitHistoryEntry struct {
	ID             string             `json:"id"`
	Sequence       int64              `json:"sequence"`
	SubjectID      string             `json:"subject_id"`
	TraitName      string             `json:"trait_name"`
	SourceType     SourceType         `json:"source_type"`
	SourceID       string             `json:"source_id"`
	InfluenceScore float64            `json:"influence_score"`
	IsEpigenetic   bool               `json:"is_epigenetic"`
	BondingScore   float64            `json:"bonding_score"`
	StressLevel    float64            `json:"stress_level"`
	Signals        map[string]float64 `json:"signals,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// CheckInfluence panics with an InvariantViolation when the score lies outside
// the declared bound or is not a finite number.
func CheckInfluence(score float64, context string) {
	if math.IsNaN(score) || math.IsInf(score, 0) || math.Abs(score) > InfluenceBound {
		panic(InvariantViolation{
			Invariant: InvariantInfluenceBound,
			Detail:    fmt.Sprintf("%s: influence %.4f outside [-%.0f, %.0f]", context, score, InfluenceBound, InfluenceBound),
		})
	}
}

// HistoryFilter narrows a history query. Zero values mean "no filter".
type HistoryFilter struct {
	SourceType   SourceType `json:"source_type,omitempty"`
	IsEpigenetic *bool      `json:"is_epigenetic,omitempty"`
	From         *time.Time `json:"from,omitempty"`
	To           *time.Time `json:"to,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// Matches reports whether the entry satisfies every set filter field. Limit and
// Offset are applied after ordering, see Page.
func (f HistoryFilter) Matches(e TraitHistoryEntry) bool {
	if f.SourceType != "" && e.SourceType != f.SourceType {
		return false
	}
	if f.IsEpigenetic != nil && e.IsEpigenetic != *f.IsEpigenetic {
		return false
	}
	if f.From != nil && e.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

// Page returns the [start, end) bounds of the filter's page over n ordered
// entries. A non-positive limit spans to the end.
func (f HistoryFilter) Page(n int) (int, int) {
	start := f.Offset
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	end := n
	if f.Limit > 0 && start+f.Limit < n {
		end = start + f.Limit
	}
	return start, end
}

// SortNewestFirst orders entries by creation time descending, breaking ties by
// sequence descending.
func SortNewestFirst(entries []TraitHistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.Sequence > b.Sequence
	})
}

// HistorySummary is the aggregate view over a subject's trait history.
type HistorySummary struct {
	SubjectID              string             `json:"subject_id"`
	Total                  int                `json:"total"`
	BySource               map[SourceType]int `json:"by_source"`
	EpigeneticCount        int                `json:"epigenetic_count"`
	NetEpigeneticInfluence float64            `json:"net_epigenetic_influence"`
	NetInheritedInfluence  float64            `json:"net_inherited_influence"`
	FirstRecordedAt        *time.Time         `json:"first_recorded_at,omitempty"`
	LastRecordedAt         *time.Time         `json:"last_recorded_at,omitempty"`
}
