// Package classify derives a flood risk level from a sensor reading.
package classify

import "fmt"

// Level is a flood risk classification.
type Level string

const (
	Low      Level = "LOW"
	Moderate Level = "MODERATE"
	High     Level = "HIGH"
	Critical Level = "CRITICAL"
)

// Thresholds are inclusive lower bounds: a reading at or above either bound
// of a level is classified at that level.
type Thresholds struct {
	ModerateWaterCm float64 `yaml:"moderate_water_cm"`
	HighWaterCm     float64 `yaml:"high_water_cm"`
	CriticalWaterCm float64 `yaml:"critical_water_cm"`
	ModerateRainMm  float64 `yaml:"moderate_rain_mm"`
	HighRainMm      float64 `yaml:"high_rain_mm"`
	CriticalRainMm  float64 `yaml:"critical_rain_mm"`
}

// DefaultThresholds returns the stock flood thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ModerateWaterCm: 50,
		HighWaterCm:     75,
		CriticalWaterCm: 100,
		ModerateRainMm:  20,
		HighRainMm:      30,
		CriticalRainMm:  50,
	}
}

// Validate checks that thresholds increase with severity.
func (t Thresholds) Validate() error {
	if !(t.ModerateWaterCm < t.HighWaterCm && t.HighWaterCm < t.CriticalWaterCm) {
		return fmt.Errorf("water thresholds must increase: %g < %g < %g", t.ModerateWaterCm, t.HighWaterCm, t.CriticalWaterCm)
	}
	if !(t.ModerateRainMm < t.HighRainMm && t.HighRainMm < t.CriticalRainMm) {
		return fmt.Errorf("rain thresholds must increase: %g < %g < %g", t.ModerateRainMm, t.HighRainMm, t.CriticalRainMm)
	}
	return nil
}

// Classify returns the risk level for a water level and rainfall reading.
func (t Thresholds) Classify(waterLevelCm, rainfallMm float64) Level {
	switch {
	case waterLevelCm >= t.CriticalWaterCm || rainfallMm >= t.CriticalRainMm:
		return Critical
	case waterLevelCm >= t.HighWaterCm || rainfallMm >= t.HighRainMm:
		return High
	case waterLevelCm >= t.ModerateWaterCm || rainfallMm >= t.ModerateRainMm:
		return Moderate
	default:
		return Low
	}
}
