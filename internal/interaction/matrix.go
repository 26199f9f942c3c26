// Package interaction derives the relationship matrix of an expressed trait
// set. It never mutates its input; callers decide how stability is used.
package interaction

import (
	"sort"

	"equinecore/pkg/domain"
)

// Relations is the catalog view the matrix needs. *catalog.Catalog satisfies it.
type Relations interface {
	Definition(name string) (domain.TraitDefinition, bool)
	Relationships(a, b string) []domain.Relationship
}

// Build computes edges, stability and dominant traits for the given expressed
// traits. Duplicate names are collapsed.
func Build(traits []string, rel Relations) (domain.InteractionMatrix, error) {
	names := unique(traits)
	defs := make(map[string]domain.TraitDefinition, len(names))
	for _, name := range names {
		def, ok := rel.Definition(name)
		if !ok {
			return domain.InteractionMatrix{}, domain.CallerError{Kind: domain.ErrUnknownTrait, Name: name}
		}
		defs[name] = def
	}

	m := domain.InteractionMatrix{Traits: names, Edges: []domain.InteractionEdge{}, DominantTraits: map[string]string{}}
	for _, a := range names {
		for _, b := range names {
			if a == b {
				continue
			}
			for _, r := range rel.Relationships(a, b) {
				m.Edges = append(m.Edges, domain.InteractionEdge{From: a, To: b, Kind: r.Kind, Magnitude: r.Magnitude})
			}
		}
	}
	sort.SliceStable(m.Edges, func(i, j int) bool {
		x, y := m.Edges[i], m.Edges[j]
		if x.From != y.From {
			return x.From < y.From
		}
		if x.To != y.To {
			return x.To < y.To
		}
		return x.Kind < y.Kind
	})
	m.StabilityScore = Stability(names, rel)

	for group, members := range conflictingGroups(names, defs) {
		m.DominantTraits[group] = resolve(members, defs, rel)
	}
	return m, nil
}

// Stability is the sum of synergy minus conflict magnitudes over unordered
// pairs, divided by the number of unordered pairs. Dominance is excluded.
func Stability(traits []string, rel Relations) float64 {
	names := unique(traits)
	pairs := len(names) * (len(names) - 1) / 2
	if pairs == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			sum += pairScore(names[i], names[j], rel)
		}
	}
	return sum / float64(pairs)
}

func pairScore(a, b string, rel Relations) float64 {
	var s float64
	for _, r := range rel.Relationships(a, b) {
		switch r.Kind {
		case domain.RelationSynergy:
			s += r.Magnitude
		case domain.RelationConflict:
			s -= r.Magnitude
		}
	}
	return s
}

// Conflicts reports whether adding candidate to the expressed set would add a
// conflict edge.
func Conflicts(expressed []string, candidate string, rel Relations) bool {
	for _, name := range expressed {
		if name == candidate {
			continue
		}
		for _, r := range rel.Relationships(candidate, name) {
			if r.Kind == domain.RelationConflict {
				return true
			}
		}
	}
	return false
}

// conflictingGroups returns, per effect group, the traits whose modifiers
// disagree in sign with another trait in the same group.
func conflictingGroups(names []string, defs map[string]domain.TraitDefinition) map[string][]string {
	type signs struct {
		pos, neg []string
	}
	groups := make(map[string]*signs)
	for _, name := range names {
		seen := map[string]float64{}
		for _, eff := range defs[name].Effects {
			seen[eff.Group] += eff.Modifier
		}
		for group, total := range seen {
			g, ok := groups[group]
			if !ok {
				g = &signs{}
				groups[group] = g
			}
			switch {
			case total > 0:
				g.pos = append(g.pos, name)
			case total < 0:
				g.neg = append(g.neg, name)
			}
		}
	}
	out := make(map[string][]string)
	for group, g := range groups {
		if len(g.pos) == 0 || len(g.neg) == 0 {
			continue
		}
		members := append(append([]string(nil), g.pos...), g.neg...)
		sort.Strings(members)
		out[group] = members
	}
	return out
}

func resolve(members []string, defs map[string]domain.TraitDefinition, rel Relations) string {
	winner := members[0]
	for _, challenger := range members[1:] {
		if beats(challenger, winner, defs, rel) {
			winner = challenger
		}
	}
	return winner
}

// beats orders two traits: explicit dominance first, then tier rank, then name.
func beats(a, b string, defs map[string]domain.TraitDefinition, rel Relations) bool {
	if dominates(a, b, rel) {
		return true
	}
	if dominates(b, a, rel) {
		return false
	}
	ra, rb := defs[a].Tier.Rank(), defs[b].Tier.Rank()
	if ra != rb {
		return ra > rb
	}
	return a < b
}

func dominates(a, b string, rel Relations) bool {
	for _, r := range rel.Relationships(a, b) {
		if r.Kind == domain.RelationDominance {
			return true
		}
	}
	return false
}

func unique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, name := range in {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
