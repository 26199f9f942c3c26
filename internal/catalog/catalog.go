// Package catalog holds the startup-validated registry of trait definitions,
// developmental windows, trait relationships and milestone definitions.
// A Catalog is immutable once built and safe for concurrent use.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"equinecore/pkg/domain"
)

// ErrInvalid marks catalog data that failed startup validation.
var ErrInvalid = errors.New("invalid catalog")

// DiscoveryBase is the per-tier influence magnitude of a discovery before
// window sensitivity is applied.
func DiscoveryBase(t domain.Tier) float64 {
	switch t {
	case domain.TierCommon:
		return 2
	case domain.TierRare:
		return 3
	case domain.TierUltraRare:
		return 3.5
	case domain.TierExotic:
		return 4
	}
	return 0
}

// Trait is a trait definition with its preconditions and conditions compiled.
type Trait struct {
	domain.TraitDefinition
	Preconditions []Predicate
	Conditions    []CompiledCondition
}

// PreconditionsHold reports whether every precondition predicate is satisfied.
func (t Trait) PreconditionsHold(s Signals) bool {
	for _, p := range t.Preconditions {
		if !p(s) {
			return false
		}
	}
	return true
}

// FirstSatisfied returns the first condition, in declaration order, that is
// satisfied. Conditions that require a window are skipped when inWindow is false.
func (t Trait) FirstSatisfied(s Signals, sensitivity float64, inWindow bool) (CompiledCondition, bool) {
	for _, c := range t.Conditions {
		if c.RequiresWindow && !inWindow {
			continue
		}
		if c.Satisfied(s, sensitivity) {
			return c, true
		}
	}
	return CompiledCondition{}, false
}

type pairKey struct{ a, b string }

// Catalog is the read-only trait registry.
type Catalog struct {
	traits         map[string]Trait
	names          []string
	windows        map[domain.Tier][]domain.WindowDefinition
	windowByName   map[string]domain.WindowDefinition
	relations      map[pairKey][]domain.Relationship
	milestones     map[string]domain.MilestoneDefinition
	milestoneNames []string
	maxSensitivity float64
}

// New validates a catalog document and builds the registry.
func New(doc Document) (*Catalog, error) {
	c := &Catalog{
		traits:         make(map[string]Trait, len(doc.Traits)),
		windows:        make(map[domain.Tier][]domain.WindowDefinition),
		windowByName:   make(map[string]domain.WindowDefinition),
		relations:      make(map[pairKey][]domain.Relationship),
		milestones:     make(map[string]domain.MilestoneDefinition),
		maxSensitivity: 1,
	}
	if err := c.loadTraits(doc.Traits); err != nil {
		return nil, err
	}
	if err := c.loadWindows(doc.Windows); err != nil {
		return nil, err
	}
	if err := c.loadRelationships(doc.Relationships); err != nil {
		return nil, err
	}
	if err := c.loadMilestones(doc.Milestones); err != nil {
		return nil, err
	}
	return c, nil
}

// MustNew is New that panics on invalid data. Catalog failures are not
// recoverable at process start.
func MustNew(doc Document) *Catalog {
	c, err := New(doc)
	if err != nil {
		panic(err)
	}
	return c
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func (c *Catalog) loadTraits(defs []domain.TraitDefinition) error {
	for _, def := range defs {
		if def.Name == "" {
			return invalid("trait with empty name")
		}
		if _, dup := c.traits[def.Name]; dup {
			return invalid("duplicate trait %s", def.Name)
		}
		if !def.Polarity.Valid() {
			return invalid("trait %s has unknown polarity %q", def.Name, def.Polarity)
		}
		if def.Tier.Rank() < 0 {
			return invalid("trait %s has unknown tier %q", def.Name, def.Tier)
		}
		if def.ComfortWiden < 0 {
			return invalid("trait %s has negative comfort widen %.2f", def.Name, def.ComfortWiden)
		}
		trait := Trait{TraitDefinition: def}
		for _, name := range def.Preconditions {
			p, ok := predicates[name]
			if !ok {
				return invalid("trait %s references undefined precondition %q", def.Name, name)
			}
			trait.Preconditions = append(trait.Preconditions, p)
		}
		for _, cond := range def.DiscoveryConditions {
			compiled, err := compileCondition(cond)
			if err != nil {
				return invalid("trait %s: %v", def.Name, err)
			}
			trait.Conditions = append(trait.Conditions, compiled)
		}
		c.traits[def.Name] = trait
		c.names = append(c.names, def.Name)
	}
	sort.Strings(c.names)
	return nil
}

func (c *Catalog) loadWindows(defs []domain.WindowDefinition) error {
	for _, w := range defs {
		if w.Name == "" {
			return invalid("window with empty name")
		}
		if _, dup := c.windowByName[w.Name]; dup {
			return invalid("duplicate window %s", w.Name)
		}
		if w.Tier.Rank() < 0 {
			return invalid("window %s has unknown tier %q", w.Name, w.Tier)
		}
		if w.StartDay < 0 || w.EndDay <= w.StartDay {
			return invalid("window %s has empty or negative range [%d, %d)", w.Name, w.StartDay, w.EndDay)
		}
		if w.Sensitivity < 1 {
			return invalid("window %s sensitivity %.2f below 1", w.Name, w.Sensitivity)
		}
		if DiscoveryBase(w.Tier)*w.Sensitivity > domain.InfluenceBound {
			return invalid("window %s sensitivity %.2f exceeds influence bound for tier %s", w.Name, w.Sensitivity, w.Tier)
		}
		for _, name := range w.EligibleTraits {
			if _, ok := c.traits[name]; !ok {
				return invalid("window %s lists undefined trait %s", w.Name, name)
			}
		}
		w.EligibleTraits = append([]string(nil), w.EligibleTraits...)
		c.windowByName[w.Name] = w
		c.windows[w.Tier] = append(c.windows[w.Tier], w)
		c.maxSensitivity = math.Max(c.maxSensitivity, w.Sensitivity)
	}
	for tier, list := range c.windows {
		sort.Slice(list, func(i, j int) bool { return list[i].StartDay < list[j].StartDay })
		if err := checkWindowOrdering(tier, list); err != nil {
			return err
		}
		c.windows[tier] = list
	}
	for _, name := range c.names {
		tier := c.traits[name].Tier
		if len(c.windows[tier]) == 0 {
			return invalid("tier %s used by trait %s declares no developmental window", tier, name)
		}
	}
	return nil
}

func checkWindowOrdering(tier domain.Tier, sorted []domain.WindowDefinition) error {
	for i := 1; i < len(sorted); i++ {
		prev, cur := sorted[i-1], sorted[i]
		if cur.StartDay < prev.EndDay {
			return invalid("%s: tier %s windows %s and %s overlap", domain.InvariantWindowOrdering, tier, prev.Name, cur.Name)
		}
	}
	return nil
}

func (c *Catalog) loadRelationships(rels []domain.Relationship) error {
	for _, r := range rels {
		if _, ok := c.traits[r.From]; !ok {
			return invalid("relationship references undefined trait %s", r.From)
		}
		if _, ok := c.traits[r.To]; !ok {
			return invalid("relationship references undefined trait %s", r.To)
		}
		if r.From == r.To {
			return invalid("relationship %s on itself", r.From)
		}
		if r.Magnitude < 0 {
			return invalid("relationship %s-%s has negative magnitude", r.From, r.To)
		}
		switch r.Kind {
		case domain.RelationSynergy, domain.RelationConflict:
			c.relations[pairKey{r.From, r.To}] = append(c.relations[pairKey{r.From, r.To}], r)
			mirrored := domain.Relationship{From: r.To, To: r.From, Kind: r.Kind, Magnitude: r.Magnitude}
			c.relations[pairKey{r.To, r.From}] = append(c.relations[pairKey{r.To, r.From}], mirrored)
		case domain.RelationDominance:
			if c.dominates(r.To, r.From) {
				return invalid("dominance cycle between %s and %s", r.From, r.To)
			}
			c.relations[pairKey{r.From, r.To}] = append(c.relations[pairKey{r.From, r.To}], r)
		default:
			return invalid("relationship %s-%s has unknown kind %q", r.From, r.To, r.Kind)
		}
	}
	return nil
}

func (c *Catalog) loadMilestones(defs []domain.MilestoneDefinition) error {
	for _, m := range defs {
		if m.Name == "" {
			return invalid("milestone with empty name")
		}
		if _, dup := c.milestones[m.Name]; dup {
			return invalid("duplicate milestone %s", m.Name)
		}
		if m.MinAgeDays < 0 || m.MaxAgeDays < m.MinAgeDays {
			return invalid("milestone %s has invalid age range [%d, %d]", m.Name, m.MinAgeDays, m.MaxAgeDays)
		}
		if m.LowThreshold >= m.HighThreshold || m.LowThreshold < 0 || m.HighThreshold > 100 {
			return invalid("milestone %s thresholds low=%.2f high=%.2f out of order", m.Name, m.LowThreshold, m.HighThreshold)
		}
		if m.Weights.Sum() <= 0 {
			return invalid("milestone %s declares no weights", m.Name)
		}
		if m.Window != "" {
			if _, ok := c.windowByName[m.Window]; !ok {
				return invalid("milestone %s references undefined window %s", m.Name, m.Window)
			}
		}
		for _, name := range m.PositiveTraits {
			t, ok := c.traits[name]
			if !ok {
				return invalid("milestone %s references undefined trait %s", m.Name, name)
			}
			if t.Polarity == domain.PolarityNegative {
				return invalid("milestone %s lists negative trait %s as a positive outcome", m.Name, name)
			}
		}
		for _, name := range m.NegativeTraits {
			t, ok := c.traits[name]
			if !ok {
				return invalid("milestone %s references undefined trait %s", m.Name, name)
			}
			if t.Polarity != domain.PolarityNegative {
				return invalid("milestone %s lists %s trait %s as a negative outcome", m.Name, t.Polarity, name)
			}
		}
		c.milestones[m.Name] = m
		c.milestoneNames = append(c.milestoneNames, m.Name)
	}
	sort.Strings(c.milestoneNames)
	return nil
}

// Definition returns the trait definition for name.
func (c *Catalog) Definition(name string) (domain.TraitDefinition, bool) {
	t, ok := c.traits[name]
	return t.TraitDefinition, ok
}

// Trait returns the compiled trait for name.
func (c *Catalog) Trait(name string) (Trait, bool) {
	t, ok := c.traits[name]
	return t, ok
}

// All returns every trait definition ordered by name.
func (c *Catalog) All() []domain.TraitDefinition {
	out := make([]domain.TraitDefinition, 0, len(c.names))
	for _, name := range c.names {
		out = append(out, c.traits[name].TraitDefinition)
	}
	return out
}

// FilterByTier returns the definitions of the given tier ordered by name.
func (c *Catalog) FilterByTier(tier domain.Tier) []domain.TraitDefinition {
	var out []domain.TraitDefinition
	for _, def := range c.All() {
		if def.Tier == tier {
			out = append(out, def)
		}
	}
	return out
}

// FilterByPolarity returns the definitions of the given polarity ordered by name.
func (c *Catalog) FilterByPolarity(p domain.Polarity) []domain.TraitDefinition {
	var out []domain.TraitDefinition
	for _, def := range c.All() {
		if def.Polarity == p {
			out = append(out, def)
		}
	}
	return out
}

// Relationships returns the declared relationships for the ordered pair (a, b).
// Symmetric relationships are reported from a's perspective; dominance is
// reported only when a dominates b.
func (c *Catalog) Relationships(a, b string) []domain.Relationship {
	rels := c.relations[pairKey{a, b}]
	if len(rels) == 0 {
		return nil
	}
	return append([]domain.Relationship(nil), rels...)
}

func (c *Catalog) dominates(a, b string) bool {
	for _, r := range c.relations[pairKey{a, b}] {
		if r.Kind == domain.RelationDominance {
			return true
		}
	}
	return false
}

// Predicate returns a registered precondition predicate by name.
func (c *Catalog) Predicate(name string) (Predicate, bool) {
	p, ok := predicates[name]
	return p, ok
}

// Windows returns the windows of a tier ordered by start day.
func (c *Catalog) Windows(tier domain.Tier) []domain.WindowDefinition {
	return append([]domain.WindowDefinition(nil), c.windows[tier]...)
}

// AllWindows returns every window ordered by tier rank then start day.
func (c *Catalog) AllWindows() []domain.WindowDefinition {
	var out []domain.WindowDefinition
	for _, tier := range domain.Tiers() {
		out = append(out, c.windows[tier]...)
	}
	return out
}

// Window returns a window by name.
func (c *Catalog) Window(name string) (domain.WindowDefinition, bool) {
	w, ok := c.windowByName[name]
	return w, ok
}

// MaxSensitivity is the largest sensitivity multiplier declared by any window.
func (c *Catalog) MaxSensitivity() float64 { return c.maxSensitivity }

// Milestone returns a milestone definition by name.
func (c *Catalog) Milestone(name string) (domain.MilestoneDefinition, bool) {
	m, ok := c.milestones[name]
	return m, ok
}

// Milestones returns every milestone ordered by name.
func (c *Catalog) Milestones() []domain.MilestoneDefinition {
	out := make([]domain.MilestoneDefinition, 0, len(c.milestoneNames))
	for _, name := range c.milestoneNames {
		out = append(out, c.milestones[name])
	}
	return out
}

func sortedStrings(in []string) []string {
	sort.Strings(in)
	return in
}
