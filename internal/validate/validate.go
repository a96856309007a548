// Package validate checks sensor payloads before they are persisted.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"
)

// ErrInvalid is wrapped by every FieldError.
var ErrInvalid = errors.New("VALIDATION_FAILED")

// FieldError names the payload field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error { return ErrInvalid }

func fieldError(field, format string, args ...interface{}) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Telemetry is the decoded sensor payload. Unknown keys are kept in Extra.
type Telemetry struct {
	WaterLevelCm    *float64               `mapstructure:"water_level_cm" json:"water_level_cm"`
	RainfallMm      *float64               `mapstructure:"rainfall_mm" json:"rainfall_mm,omitempty"`
	LocationLat     *float64               `mapstructure:"location_lat" json:"location_lat,omitempty"`
	LocationLng     *float64               `mapstructure:"location_lng" json:"location_lng,omitempty"`
	BatteryLevel    *float64               `mapstructure:"battery_level" json:"battery_level,omitempty"`
	SignalStrength  *float64               `mapstructure:"signal_strength" json:"signal_strength,omitempty"`
	Temperature     *float64               `mapstructure:"temperature" json:"temperature,omitempty"`
	HumidityPercent *float64               `mapstructure:"humidity_percent" json:"humidity_percent,omitempty"`
	Notes           string                 `mapstructure:"notes" json:"notes,omitempty"`
	Extra           map[string]interface{} `mapstructure:",remain" json:"-"`
}

// WaterLevel returns the water level in centimeters.
func (t Telemetry) WaterLevel() float64 {
	if t.WaterLevelCm == nil {
		return 0
	}
	return *t.WaterLevelCm
}

// Rainfall returns rainfall in millimeters, zero when not reported.
func (t Telemetry) Rainfall() float64 {
	if t.RainfallMm == nil {
		return 0
	}
	return *t.RainfallMm
}

// Readings validates flood sensor payloads.
type Readings struct {
	MaxNotesLength int
}

// NewReadings returns a validator with the default limits.
func NewReadings() *Readings {
	return &Readings{MaxNotesLength: 500}
}

var quotedField = regexp.MustCompile(`'([a-z_]+)'`)

// Decode parses payload into Telemetry without range checks.
func Decode(payload json.RawMessage) (Telemetry, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Telemetry{}, fieldError("payload", "not a JSON object")
	}

	var t Telemetry
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &t,
		TagName: "mapstructure",
	})
	if err != nil {
		return Telemetry{}, err
	}
	if err := dec.Decode(raw); err != nil {
		field := "payload"
		if m := quotedField.FindStringSubmatch(err.Error()); m != nil {
			field = m[1]
		}
		return Telemetry{}, fieldError(field, "wrong type")
	}
	return t, nil
}

// Validate decodes payload and checks required fields and value ranges.
func (v *Readings) Validate(payload json.RawMessage) (Telemetry, error) {
	t, err := Decode(payload)
	if err != nil {
		return Telemetry{}, err
	}

	if t.WaterLevelCm == nil {
		return Telemetry{}, fieldError("water_level_cm", "required")
	}

	checks := []struct {
		field    string
		value    *float64
		min, max float64
	}{
		{"water_level_cm", t.WaterLevelCm, 0, math.Inf(1)},
		{"rainfall_mm", t.RainfallMm, 0, math.Inf(1)},
		{"location_lat", t.LocationLat, -90, 90},
		{"location_lng", t.LocationLng, -180, 180},
		{"battery_level", t.BatteryLevel, 0, 100},
		{"signal_strength", t.SignalStrength, 0, 100},
		{"humidity_percent", t.HumidityPercent, 0, 100},
		{"temperature", t.Temperature, -100, 100},
	}
	for _, c := range checks {
		if c.value == nil {
			continue
		}
		if math.IsNaN(*c.value) || *c.value < c.min || *c.value > c.max {
			return Telemetry{}, fieldError(c.field, "out of range [%g, %g]", c.min, c.max)
		}
	}

	if v.MaxNotesLength > 0 && utf8.RuneCountInString(t.Notes) > v.MaxNotesLength {
		return Telemetry{}, fieldError("notes", "longer than %d characters", v.MaxNotesLength)
	}
	return t, nil
}
