package interaction

import (
	"errors"
	"testing"

	"equinecore/internal/catalog"
	"equinecore/pkg/domain"

	"github.com/google/go-cmp/cmp"
)

func pairCatalog(t *testing.T, rels ...domain.Relationship) *catalog.Catalog {
	t.Helper()
	doc := catalog.Document{
		Traits: []domain.TraitDefinition{
			{Name: "bold", Polarity: domain.PolarityPositive, Tier: domain.TierCommon, Effects: []domain.Effect{{Group: "temperament", Modifier: 2}}},
			{Name: "shy", Polarity: domain.PolarityNegative, Tier: domain.TierCommon, Effects: []domain.Effect{{Group: "temperament", Modifier: -2}}},
		},
		Windows:       []domain.WindowDefinition{{Name: "w", Tier: domain.TierCommon, StartDay: 0, EndDay: 5, Sensitivity: 1}},
		Relationships: rels,
	}
	c, err := catalog.New(doc)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return c
}

func TestSingleConflictStability(t *testing.T) {
	c := pairCatalog(t, domain.Relationship{From: "bold", To: "shy", Kind: domain.RelationConflict, Magnitude: 5})
	m, err := Build([]string{"shy", "bold"}, c)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m.StabilityScore != -5 {
		t.Fatalf("expected stability -5, got %v", m.StabilityScore)
	}
	want := []domain.InteractionEdge{
		{From: "bold", To: "shy", Kind: domain.RelationConflict, Magnitude: 5},
		{From: "shy", To: "bold", Kind: domain.RelationConflict, Magnitude: 5},
	}
	if diff := cmp.Diff(want, m.Edges); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}
	if m.DominantTraits["temperament"] != "bold" {
		t.Fatalf("expected lexical tie-break to pick bold, got %q", m.DominantTraits["temperament"])
	}
}

func TestExplicitDominanceWins(t *testing.T) {
	c := pairCatalog(t,
		domain.Relationship{From: "bold", To: "shy", Kind: domain.RelationConflict, Magnitude: 5},
		domain.Relationship{From: "shy", To: "bold", Kind: domain.RelationDominance, Magnitude: 1},
	)
	m, err := Build([]string{"bold", "shy"}, c)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m.DominantTraits["temperament"] != "shy" {
		t.Fatalf("expected shy to dominate, got %q", m.DominantTraits["temperament"])
	}
	if m.StabilityScore != -5 {
		t.Fatalf("dominance must not affect stability, got %v", m.StabilityScore)
	}
}

func TestDefaultCatalogMatrix(t *testing.T) {
	c := catalog.Default()
	m, err := Build([]string{"even_tempered", "nervous"}, c)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []domain.InteractionEdge{
		{From: "even_tempered", To: "nervous", Kind: domain.RelationConflict, Magnitude: 5},
		{From: "even_tempered", To: "nervous", Kind: domain.RelationDominance, Magnitude: 1},
		{From: "nervous", To: "even_tempered", Kind: domain.RelationConflict, Magnitude: 5},
	}
	if diff := cmp.Diff(want, m.Edges); diff != "" {
		t.Fatalf("edges mismatch (-want +got):\n%s", diff)
	}
	if m.StabilityScore != -5 || m.DominantTraits["temperament"] != "even_tempered" {
		t.Fatalf("unexpected matrix %+v", m)
	}
}

func TestTierRankTieBreak(t *testing.T) {
	m, err := Build([]string{"insecure_attachment", "confident"}, catalog.Default())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if m.DominantTraits["temperament"] != "confident" {
		t.Fatalf("expected rare trait to win, got %q", m.DominantTraits["temperament"])
	}
	if len(m.Edges) != 0 || m.StabilityScore != 0 {
		t.Fatalf("expected no edges, got %+v", m)
	}
}

func TestStabilityNormalizedOverPairs(t *testing.T) {
	c := catalog.Default()
	// resilient+even_tempered synergy 3, even_tempered+nervous conflict 5, resilient+nervous none.
	got := Stability([]string{"resilient", "even_tempered", "nervous"}, c)
	if want := (3.0 - 5.0) / 3.0; got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if Stability([]string{"resilient"}, c) != 0 {
		t.Fatalf("single trait should be neutral")
	}
}

func TestConflicts(t *testing.T) {
	c := catalog.Default()
	if !Conflicts([]string{"even_tempered"}, "nervous", c) {
		t.Fatalf("expected conflict")
	}
	if Conflicts([]string{"resilient"}, "even_tempered", c) {
		t.Fatalf("synergy is not a conflict")
	}
}

func TestUnknownTrait(t *testing.T) {
	if _, err := Build([]string{"pegasus"}, catalog.Default()); !errors.Is(err, domain.ErrUnknownTrait) {
		t.Fatalf("expected ErrUnknownTrait, got %v", err)
	}
}

func TestBuildDoesNotMutateInput(t *testing.T) {
	in := []string{"nervous", "even_tempered", "nervous"}
	if _, err := Build(in, catalog.Default()); err != nil {
		t.Fatalf("build: %v", err)
	}
	if diff := cmp.Diff([]string{"nervous", "even_tempered", "nervous"}, in); diff != "" {
		t.Fatalf("input mutated (-want +got):\n%s", diff)
	}
}
