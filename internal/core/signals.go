package core

import (
	"equinecore/internal/catalog"
	"equinecore/pkg/domain"
)

// SignalWindowSensitivity is recorded on discovery history entries alongside
// the clause signals. Clauses cannot reference it.
const SignalWindowSensitivity = "window.sensitivity"

// BuildSignals flattens the subject, its care aggregate, the environment
// report and the current stability score into clause signals.
func BuildSignals(subject domain.Subject, care domain.CareAggregate, env domain.EnvironmentReport, stability float64) catalog.Signals {
	s := catalog.Signals{
		catalog.SignalBonding:          subject.BondingScore,
		catalog.SignalStress:           subject.StressLevel,
		catalog.SignalAge:              float64(subject.AgeDays),
		catalog.SignalStability:        stability,
		catalog.SignalCareInteractions: float64(care.InteractionCount),
		catalog.SignalCareTaskTypes:    float64(care.DistinctTaskTypes),
		catalog.SignalCareConsistency:  care.CaregiverConsistency,
		catalog.SignalCareBondingTrend: care.BondingTrend,
		catalog.SignalCareNetBonding:   care.NetBondingDelta,
		catalog.SignalEnvStressImpact:  env.StressImpact,
		catalog.SignalEnvComfort:       env.ComfortScore,
	}
	for _, t := range env.Triggers {
		s[catalog.TriggerPrefix+t.Name] = t.Intensity
	}
	for name, v := range subject.Stats {
		s[catalog.StatPrefix+name] = v
	}
	return s
}
