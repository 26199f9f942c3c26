// Package environment converts an environmental snapshot into trigger events
// and a stress impact for a subject. Evaluation is pure and deterministic.
package environment

import (
	"math"
	"sort"

	"equinecore/pkg/domain"
)

// Trigger names emitted by the evaluator.
const (
	TriggerColdStress          = "cold_stress"
	TriggerHeatStress          = "heat_stress"
	TriggerStormExposure       = "storm_exposure"
	TriggerAltitudeExposure    = "altitude_exposure"
	TriggerSeasonalChange      = "seasonal_change"
	TriggerIdealConditions     = "ideal_conditions"
	TriggerEnvironmentalStress = "environmental_stress"
)

// Comfort zone defaults in °C before trait adjustments.
const (
	DefaultComfortLow  = 5.0
	DefaultComfortHigh = 25.0

	deviationScale     = 15.0
	altitudeThreshold  = 1500.0
	altitudeRange      = 2500.0
	lapseRatePerMetre  = 6.5 / 1000
	stressImpactWeight = 20.0
	idealImpactWeight  = 5.0
)

type climate struct {
	base      float64
	amplitude float64
}

var regions = map[domain.Region]climate{
	domain.RegionTemperate:   {base: 12, amplitude: 10},
	domain.RegionContinental: {base: 8, amplitude: 16},
	domain.RegionCoastal:     {base: 14, amplitude: 6},
	domain.RegionArid:        {base: 22, amplitude: 12},
	domain.RegionTropical:    {base: 26, amplitude: 3},
	domain.RegionAlpine:      {base: 4, amplitude: 10},
	domain.RegionHighland:    {base: 10, amplitude: 8},
}

type weatherEffect struct {
	delta float64
	storm float64
}

var weather = map[domain.Weather]weatherEffect{
	domain.WeatherClear:    {},
	domain.WeatherOvercast: {delta: -2},
	domain.WeatherRain:     {delta: -4},
	domain.WeatherStorm:    {delta: -6, storm: 0.6},
	domain.WeatherSnow:     {delta: -10},
	domain.WeatherHeatwave: {delta: 9},
}

var stressTriggers = []string{TriggerColdStress, TriggerHeatStress, TriggerStormExposure, TriggerAltitudeExposure}

// TraitLookup resolves trait definitions. *catalog.Catalog satisfies it.
type TraitLookup interface {
	Definition(name string) (domain.TraitDefinition, bool)
}

// Evaluator computes environment reports against a trait lookup.
type Evaluator struct {
	traits TraitLookup
}

// NewEvaluator constructs an evaluator.
func NewEvaluator(traits TraitLookup) *Evaluator {
	return &Evaluator{traits: traits}
}

// SeasonalFactor returns sin(2π(doy−80)/365) for the snapshot date, peaking
// near the June solstice.
func SeasonalFactor(s domain.EnvironmentalSnapshot) float64 {
	return math.Sin(seasonAngle(s))
}

func seasonAngle(s domain.EnvironmentalSnapshot) float64 {
	doy := s.Timestamp.UTC().YearDay()
	return 2 * math.Pi * float64(doy-80) / 365
}

// Temperature returns the effective temperature for a snapshot in °C.
func Temperature(s domain.EnvironmentalSnapshot) float64 {
	c := regions[s.Region]
	t := c.base + c.amplitude*SeasonalFactor(s) + weather[s.Weather].delta
	if s.ElevationM > altitudeThreshold {
		t -= (s.ElevationM - altitudeThreshold) * lapseRatePerMetre
	}
	return t
}

// ComfortZone returns the subject's comfort range. Expressed traits shift the
// zone by ComfortShift and widen each side by half of ComfortWiden.
func (e *Evaluator) ComfortZone(subject domain.Subject) (low, high float64, err error) {
	low, high = DefaultComfortLow, DefaultComfortHigh
	for _, name := range subject.Traits.Expressed() {
		def, ok := e.traits.Definition(name)
		if !ok {
			return 0, 0, domain.CallerError{Kind: domain.ErrUnknownTrait, Name: name}
		}
		low += def.ComfortShift - def.ComfortWiden/2
		high += def.ComfortShift + def.ComfortWiden/2
	}
	return low, high, nil
}

// Evaluate produces the trigger events and stress impact for a subject at the
// given snapshot.
func (e *Evaluator) Evaluate(snapshot domain.EnvironmentalSnapshot, subject domain.Subject) (domain.EnvironmentReport, error) {
	if err := snapshot.Validate(); err != nil {
		return domain.EnvironmentReport{}, err
	}
	low, high, err := e.ComfortZone(subject)
	if err != nil {
		return domain.EnvironmentReport{}, err
	}
	temp := Temperature(snapshot)

	intensities := map[string]float64{
		TriggerColdStress:      clamp((low - temp) / deviationScale),
		TriggerHeatStress:      clamp((temp - high) / deviationScale),
		TriggerStormExposure:   clamp(weather[snapshot.Weather].storm),
		TriggerSeasonalChange:  clamp(math.Abs(math.Cos(seasonAngle(snapshot)))),
		TriggerIdealConditions: ideal(temp, low, high),
	}
	if snapshot.ElevationM > altitudeThreshold {
		intensities[TriggerAltitudeExposure] = clamp((snapshot.ElevationM - altitudeThreshold) / altitudeRange)
	}
	var stress float64
	for _, name := range stressTriggers {
		stress += intensities[name]
	}
	intensities[TriggerEnvironmentalStress] = clamp(stress)

	report := domain.EnvironmentReport{
		SeasonalFactor: SeasonalFactor(snapshot),
		ComfortScore:   temp,
		ComfortLow:     low,
		ComfortHigh:    high,
		StressImpact:   stressImpactWeight*intensities[TriggerEnvironmentalStress] - idealImpactWeight*intensities[TriggerIdealConditions],
	}
	for name, intensity := range intensities {
		if intensity <= 0 {
			continue
		}
		report.Triggers = append(report.Triggers, domain.TriggerEvent{
			Name:             name,
			Intensity:        intensity,
			QualifyingTraits: e.qualifying(subject, name),
		})
	}
	sort.Slice(report.Triggers, func(i, j int) bool {
		a, b := report.Triggers[i], report.Triggers[j]
		if a.Intensity != b.Intensity {
			return a.Intensity > b.Intensity
		}
		return a.Name < b.Name
	})
	return report, nil
}

func (e *Evaluator) qualifying(subject domain.Subject, trigger string) []string {
	var out []string
	for _, name := range subject.Traits.Hidden {
		def, ok := e.traits.Definition(name)
		if !ok {
			continue
		}
		for _, t := range def.DiscoveryTriggers {
			if t == trigger {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func ideal(temp, low, high float64) float64 {
	half := (high - low) / 2
	if half <= 0 {
		return 0
	}
	centre := low + half
	return clamp(1 - math.Abs(temp-centre)/half)
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
