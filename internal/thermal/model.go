package thermal

import (
	"fmt"
	"math"
	"strings"
)

// Kelvin is the Celsius offset of the Beta model. The firmware's curve was
// fitted with 273, so the probe coefficients assume it.
const Kelvin = 273.0

// Model converts thermistor resistance (ohms) to °C.
type Model interface {
	Celsius(ohms float64) float64
}

// Linear is T = A*R + B, a fit valid over the vessel's working range.
type Linear struct {
	A float64
	B float64
}

var DefaultLinear = Linear{A: -0.00295, B: 50.23}

func (m Linear) Celsius(ohms float64) float64 {
	return m.A*ohms + m.B
}

// Beta is the exponential NTC model referenced to R0 at T0 °C.
type Beta struct {
	Beta float64
	R0   float64
	T0   float64
}

var DefaultBeta = Beta{Beta: 3950, R0: 10000, T0: 25}

func (m Beta) Celsius(ohms float64) float64 {
	t0 := m.T0 + Kelvin
	return t0*m.Beta/(m.Beta+t0*math.Log(ohms/m.R0)) - Kelvin
}

// ModelSpec is the config-facing description of a Model.
type ModelSpec struct {
	Kind string
	A, B float64
	Beta float64
	R0   float64
	T0   float64
}

// NewModel builds the model named by spec.Kind ("linear" or "beta").
// Zero coefficients take the stock thermistor values.
func NewModel(spec ModelSpec) (Model, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case "", "linear":
		m := DefaultLinear
		if spec.A != 0 || spec.B != 0 {
			m = Linear{A: spec.A, B: spec.B}
		}
		return m, nil
	case "beta":
		m := DefaultBeta
		if spec.Beta > 0 {
			m.Beta = spec.Beta
		}
		if spec.R0 > 0 {
			m.R0 = spec.R0
		}
		if spec.T0 != 0 {
			m.T0 = spec.T0
		}
		return m, nil
	}
	return nil, fmt.Errorf("thermal: unknown model %q (want linear or beta)", spec.Kind)
}

// Divider is the thermistor's low-side voltage divider.
type Divider struct {
	SeriesOhms float64
	Vcc        float64
}

// saturation is how close to the rail a reading may get before the divider
// equation is considered meaningless.
const saturation = 0.01

// Ohms returns the thermistor resistance for volts, or false when the
// reading is saturated or non-physical.
func (d Divider) Ohms(volts float64) (float64, bool) {
	if math.Abs(d.Vcc-volts) <= saturation {
		return 0, false
	}
	r := d.SeriesOhms * volts / (d.Vcc - volts)
	if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, false
	}
	return r, true
}

// Reading is one temperature sample. Celsius is meaningless unless Valid.
type Reading struct {
	Celsius float64
	Ohms    float64
	Valid   bool
}

// FaultCelsius is reported on the wire when a reading is not valid.
const FaultCelsius = 999.0

func (r Reading) Wire() float64 {
	if !r.Valid {
		return FaultCelsius
	}
	return r.Celsius
}

// Convert turns a divider voltage into a Reading.
func Convert(d Divider, m Model, volts float64) Reading {
	ohms, ok := d.Ohms(volts)
	if !ok {
		return Reading{}
	}
	c := m.Celsius(ohms)
	if math.IsNaN(c) || math.IsInf(c, 0) {
		return Reading{Ohms: ohms}
	}
	return Reading{Celsius: c, Ohms: ohms, Valid: true}
}
