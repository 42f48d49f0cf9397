package thermal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDivider_Ohms(t *testing.T) {
	d := Divider{SeriesOhms: 10000, Vcc: 3.3}

	r, ok := d.Ohms(1.65)
	require.True(t, ok)
	assert.InDelta(t, 10000, r, 1e-6)

	_, ok = d.Ohms(3.3)
	assert.False(t, ok, "rail reading is saturated")
	_, ok = d.Ohms(3.295)
	assert.False(t, ok)
	_, ok = d.Ohms(0)
	assert.False(t, ok, "zero resistance is not physical")
	_, ok = d.Ohms(3.5)
	assert.False(t, ok, "above the rail gives negative resistance")
}

func TestLinear(t *testing.T) {
	assert.InDelta(t, 50.23-29.5, DefaultLinear.Celsius(10000), 1e-9)
}

func TestBeta_ReferencePoint(t *testing.T) {
	m := Beta{Beta: 3950, R0: 10000, T0: 25}
	assert.InDelta(t, 25.0, m.Celsius(10000), 1e-9)
	// NTC: lower resistance is hotter.
	assert.Greater(t, m.Celsius(5000), 25.0)
	assert.Less(t, m.Celsius(20000), 25.0)
}

func TestBeta_UsesWholeDegreeKelvinOffset(t *testing.T) {
	m := Beta{Beta: 3950, R0: 10000, T0: 25}
	// (25+273)*3950 / (3950 + (25+273)*ln(0.5)) - 273
	assert.InDelta(t, 41.4432199, m.Celsius(5000), 1e-6)
}

func TestNewModel(t *testing.T) {
	m, err := NewModel(ModelSpec{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLinear, m)

	m, err = NewModel(ModelSpec{Kind: "Beta", Beta: 3435})
	require.NoError(t, err)
	assert.Equal(t, Beta{Beta: 3435, R0: 10000, T0: 25}, m)

	_, err = NewModel(ModelSpec{Kind: "steinhart"})
	assert.Error(t, err)
}

func TestConvert_FaultIsTagged(t *testing.T) {
	d := Divider{SeriesOhms: 10000, Vcc: 3.3}
	r := Convert(d, DefaultLinear, 3.3)
	assert.False(t, r.Valid)
	assert.Equal(t, FaultCelsius, r.Wire())

	r = Convert(d, DefaultLinear, 1.65)
	assert.True(t, r.Valid)
	assert.InDelta(t, 20.73, r.Wire(), 1e-9)
}
