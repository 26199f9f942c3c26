package catalog

import (
	"fmt"
	"strings"

	"equinecore/pkg/domain"
)

// Signals is the flattened set of inputs discovery clauses and precondition
// predicates compare against. Missing keys read as zero.
type Signals map[string]float64

// Signal keys understood by clauses.
const (
	SignalBonding          = "bonding"
	SignalStress           = "stress"
	SignalAge              = "age"
	SignalStability        = "stability"
	SignalCareInteractions = "care.interactions"
	SignalCareTaskTypes    = "care.task_types"
	SignalCareConsistency  = "care.consistency"
	SignalCareBondingTrend = "care.bonding_trend"
	SignalCareNetBonding   = "care.net_bonding"
	SignalEnvStressImpact  = "env.stress_impact"
	SignalEnvComfort       = "env.comfort"

	// TriggerPrefix namespaces environmental trigger intensities.
	TriggerPrefix = "trigger."
	// StatPrefix namespaces subject stats.
	StatPrefix = "stat."
)

var fixedSignals = map[string]struct{}{
	SignalBonding:          {},
	SignalStress:           {},
	SignalAge:              {},
	SignalStability:        {},
	SignalCareInteractions: {},
	SignalCareTaskTypes:    {},
	SignalCareConsistency:  {},
	SignalCareBondingTrend: {},
	SignalCareNetBonding:   {},
	SignalEnvStressImpact:  {},
	SignalEnvComfort:       {},
}

// KnownSignal reports whether key names a signal a clause may reference.
func KnownSignal(key string) bool {
	if _, ok := fixedSignals[key]; ok {
		return true
	}
	for _, prefix := range []string{TriggerPrefix, StatPrefix} {
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return true
		}
	}
	return false
}

// Scaled reports whether the signal is a care or environment signal that window
// sensitivity amplifies before comparison.
func Scaled(key string) bool {
	return strings.HasPrefix(key, "care.") || strings.HasPrefix(key, "env.") || strings.HasPrefix(key, TriggerPrefix)
}

func isCareSignal(key string) bool { return strings.HasPrefix(key, "care.") }

func isEnvironmentSignal(key string) bool {
	return strings.HasPrefix(key, "env.") || strings.HasPrefix(key, TriggerPrefix)
}

// Predicate is a named precondition over signals.
type Predicate func(Signals) bool

var predicates = map[string]Predicate{
	"any":            func(Signals) bool { return true },
	"calm":           func(s Signals) bool { return s[SignalStress] <= 40 },
	"not_distressed": func(s Signals) bool { return s[SignalStress] < 70 },
	"bonded":         func(s Signals) bool { return s[SignalBonding] >= 50 },
	"deeply_bonded":  func(s Signals) bool { return s[SignalBonding] >= 80 },
	"stable_traits":  func(s Signals) bool { return s[SignalStability] >= 0 },
	"foal":           func(s Signals) bool { return s[SignalAge] < 180 },
	"yearling":       func(s Signals) bool { return s[SignalAge] >= 365 },
	"cared_for":      func(s Signals) bool { return s[SignalCareInteractions] >= 1 },
}

// PredicateNames lists the registered precondition predicates.
func PredicateNames() []string {
	names := make([]string, 0, len(predicates))
	for name := range predicates {
		names = append(names, name)
	}
	return sortedStrings(names)
}

func compare(op string, got, want float64) (bool, error) {
	switch op {
	case domain.OpGTE:
		return got >= want, nil
	case domain.OpGT:
		return got > want, nil
	case domain.OpLTE:
		return got <= want, nil
	case domain.OpLT:
		return got < want, nil
	case domain.OpEQ:
		return got == want, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

// CompiledCondition is a discovery condition with its clauses bound to closures.
type CompiledCondition struct {
	domain.Condition
	// Source is the declared source, or the one inferred from the clause signals.
	Source domain.SourceType
	tests  []func(Signals, float64) bool
}

// Satisfied reports whether every clause holds at the given window sensitivity.
func (c CompiledCondition) Satisfied(s Signals, sensitivity float64) bool {
	for _, test := range c.tests {
		if !test(s, sensitivity) {
			return false
		}
	}
	return true
}

// amplify moves a scaled signal toward the side of the threshold the operator
// asks for, so a heightened sensitivity never makes a clause harder to meet.
// Lower-bound clauses see the signal pushed up, upper-bound clauses see it
// pushed down. Equality clauses compare the raw value.
func amplify(op string, got, sensitivity float64) float64 {
	if sensitivity <= 0 || sensitivity == 1 {
		return got
	}
	up := got * sensitivity
	down := got / sensitivity
	if got < 0 {
		up, down = down, up
	}
	switch op {
	case domain.OpGTE, domain.OpGT:
		return up
	case domain.OpLTE, domain.OpLT:
		return down
	}
	return got
}

func compileCondition(cond domain.Condition) (CompiledCondition, error) {
	if len(cond.Clauses) == 0 {
		return CompiledCondition{}, fmt.Errorf("condition %s has no clauses", cond.Name)
	}
	out := CompiledCondition{Condition: cond, Source: cond.Source}
	var sawCare, sawEnv bool
	for _, clause := range cond.Clauses {
		if !KnownSignal(clause.Signal) {
			return CompiledCondition{}, fmt.Errorf("condition %s references unknown signal %q", cond.Name, clause.Signal)
		}
		if _, err := compare(clause.Op, 0, 0); err != nil {
			return CompiledCondition{}, fmt.Errorf("condition %s: %w", cond.Name, err)
		}
		sawCare = sawCare || isCareSignal(clause.Signal)
		sawEnv = sawEnv || isEnvironmentSignal(clause.Signal)
		key, op, want, scaled := clause.Signal, clause.Op, clause.Value, Scaled(clause.Signal)
		out.tests = append(out.tests, func(s Signals, sensitivity float64) bool {
			got := s[key]
			if scaled {
				got = amplify(op, got, sensitivity)
			}
			ok, _ := compare(op, got, want)
			return ok
		})
	}
	if out.Source == "" {
		switch {
		case sawEnv:
			out.Source = domain.SourceEnvironmental
		case sawCare:
			out.Source = domain.SourceGroom
		default:
			out.Source = domain.SourceGenetic
		}
	}
	if !out.Source.Valid() || out.Source == domain.SourceMilestone {
		return CompiledCondition{}, fmt.Errorf("condition %s declares invalid source %q", cond.Name, out.Source)
	}
	return out, nil
}
