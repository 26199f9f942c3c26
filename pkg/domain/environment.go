package domain

import (
	"fmt"
	"time"
)

// Region identifies the climate region a subject is kept in.
type Region string

// Supported regions. The comfort tables in the environment evaluator are keyed by these.
const (
	RegionTemperate   Region = "temperate"
	RegionContinental Region = "continental"
	RegionCoastal     Region = "coastal"
	RegionArid        Region = "arid"
	RegionTropical    Region = "tropical"
	RegionAlpine      Region = "alpine"
	RegionHighland    Region = "highland"
)

// Regions lists all declared regions.
func Regions() []Region {
	return []Region{RegionTemperate, RegionContinental, RegionCoastal, RegionArid, RegionTropical, RegionAlpine, RegionHighland}
}

// Valid reports whether r is a declared region.
func (r Region) Valid() bool {
	for _, known := range Regions() {
		if r == known {
			return true
		}
	}
	return false
}

// Weather is the prevailing weather at snapshot time.
type Weather string

// Supported weather kinds.
const (
	WeatherClear    Weather = "clear"
	WeatherOvercast Weather = "overcast"
	WeatherRain     Weather = "rain"
	WeatherStorm    Weather = "storm"
	WeatherSnow     Weather = "snow"
	WeatherHeatwave Weather = "heatwave"
)

// Valid reports whether w is a declared weather kind.
func (w Weather) Valid() bool {
	switch w {
	case WeatherClear, WeatherOvercast, WeatherRain, WeatherStorm, WeatherSnow, WeatherHeatwave:
		return true
	}
	return false
}

// EnvironmentalSnapshot is a point-in-time description of a subject's surroundings.
// Build it with NewSnapshot so malformed input is rejected at the boundary.
type EnvironmentalSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	Region     Region    `json:"region"`
	ElevationM float64   `json:"elevation_m"`
	Weather    Weather   `json:"weather"`
}

// NewSnapshot validates and constructs an environmental snapshot. An empty
// weather value defaults to clear.
func NewSnapshot(ts time.Time, region Region, elevationM float64, weather Weather) (EnvironmentalSnapshot, error) {
	if weather == "" {
		weather = WeatherClear
	}
	s := EnvironmentalSnapshot{Timestamp: ts.UTC(), Region: region, ElevationM: elevationM, Weather: weather}
	if err := s.Validate(); err != nil {
		return EnvironmentalSnapshot{}, err
	}
	return s, nil
}

// Validate checks the snapshot against the declared enums and bounds.
func (s EnvironmentalSnapshot) Validate() error {
	if !s.Region.Valid() {
		return CallerError{Kind: ErrInvalidSnapshot, Name: string(s.Region), Reason: "unknown region"}
	}
	if !s.Weather.Valid() {
		return CallerError{Kind: ErrInvalidSnapshot, Name: string(s.Weather), Reason: "unknown weather"}
	}
	if s.ElevationM < 0 {
		return CallerError{Kind: ErrInvalidSnapshot, Name: "elevation", Reason: fmt.Sprintf("negative elevation %.1f", s.ElevationM)}
	}
	if s.Timestamp.IsZero() {
		return CallerError{Kind: ErrInvalidSnapshot, Name: "timestamp", Reason: "timestamp required"}
	}
	return nil
}

// TriggerEvent is an environmental signal that may unlock hidden traits.
type TriggerEvent struct {
	Name             string   `json:"name"`
	Intensity        float64  `json:"intensity"`
	QualifyingTraits []string `json:"qualifying_traits,omitempty"`
}

// EnvironmentReport is the output of the environmental trigger evaluator.
type EnvironmentReport struct {
	SeasonalFactor float64        `json:"seasonal_factor"`
	ComfortScore   float64        `json:"comfort_score"`
	ComfortLow     float64        `json:"comfort_low"`
	ComfortHigh    float64        `json:"comfort_high"`
	Triggers       []TriggerEvent `json:"triggers"`
	StressImpact   float64        `json:"stress_impact"`
}

// Intensity returns the intensity of the named trigger, or 0 when absent.
func (r EnvironmentReport) Intensity(name string) float64 {
	for _, t := range r.Triggers {
		if t.Name == name {
			return t.Intensity
		}
	}
	return 0
}
