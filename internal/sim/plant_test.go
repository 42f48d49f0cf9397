package sim

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bioreactor/internal/clock"
	"bioreactor/internal/ph"
	"bioreactor/internal/thermal"
)

func newPlant(cfg Config) (*Plant, *clock.Fake) {
	clk := clock.NewFake(0)
	p := New(cfg, clk)
	p.State()
	return p, clk
}

func TestPlant_HeaterWarmsAndCools(t *testing.T) {
	p, clk := newPlant(Config{InitialC: 22})
	require.NoError(t, p.Heater().Set(true))
	clk.Advance(60 * time.Second)
	warm := p.State().Celsius
	assert.Greater(t, warm, 24.0)

	require.NoError(t, p.Heater().Set(false))
	clk.Advance(10 * time.Minute)
	assert.Less(t, p.State().Celsius, warm)
}

func TestPlant_PumpsMovePH(t *testing.T) {
	p, clk := newPlant(Config{InitialPH: 7})
	require.NoError(t, p.AcidPump().Set(true))
	clk.Advance(10 * time.Second)
	assert.Less(t, p.State().PH, 6.6)

	require.NoError(t, p.AcidPump().Set(false))
	require.NoError(t, p.BasePump().Set(true))
	clk.Advance(20 * time.Second)
	assert.Greater(t, p.State().PH, 7.2)
}

func TestPlant_ProbeInvertsCoefficients(t *testing.T) {
	p, _ := newPlant(Config{InitialPH: 7, Probe: ph.Coefficients{Slope: 2, Offset: 1}})
	v, err := p.PHProbe().Volts()
	require.NoError(t, err)
	assert.InDelta(t, 3.0, v, 1e-9)
}

func TestPlant_ThermistorRoundTrip(t *testing.T) {
	for _, m := range []thermal.Model{thermal.DefaultLinear, thermal.DefaultBeta} {
		p, _ := newPlant(Config{InitialC: 30, Model: m})
		v, err := p.Thermistor().Volts()
		require.NoError(t, err)
		r := thermal.Convert(thermal.Divider{SeriesOhms: 10000, Vcc: 3.3}, m, v)
		require.True(t, r.Valid)
		assert.InDelta(t, 30.0, r.Celsius, 1e-6)
	}
}

func TestPlant_MotorSettlesAtKvTimesVolts(t *testing.T) {
	p, clk := newPlant(Config{})
	require.NoError(t, p.Motor().SetDuty(1023))
	clk.Advance(2 * time.Second)
	assert.InDelta(t, 1250.0, p.State().RPM, 1)
	assert.Equal(t, 1023, p.State().Duty)
}

func TestPlant_ScenarioLoadSlowsRotor(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{Keyframes: []Keyframe{{AmbientC: 22, Load: 0.2}}})
	require.NoError(t, err)
	p, clk := newPlant(Config{Scenario: scn})
	require.NoError(t, p.Motor().SetDuty(1023))
	clk.Advance(2 * time.Second)
	assert.InDelta(t, 1000.0, p.State().RPM, 1)
}

func TestPlant_DrainEmitsOrderedEdges(t *testing.T) {
	p, clk := newPlant(Config{})
	p.mu.Lock()
	p.collect = true
	p.mu.Unlock()
	require.NoError(t, p.Motor().SetDuty(1023))
	clk.Advance(2 * time.Second)
	p.drain(nil)

	clk.Advance(time.Second)
	edges := p.drain(nil)
	// 1250 RPM at 70 pulses per revolution.
	assert.InDelta(t, 1250.0*70/60, float64(len(edges)), 2)
	for i := 1; i < len(edges); i++ {
		require.True(t, clock.Before(edges[i-1], edges[i]), "edge %d out of order", i)
	}
}

func TestPlant_RunRotorStopsOnCancel(t *testing.T) {
	p, clk := newPlant(Config{})
	require.NoError(t, p.Motor().SetDuty(1023))

	var edges atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.RunRotor(ctx, time.Millisecond, func(clock.Ticks) { edges.Add(1) })
	}()

	require.Eventually(t, func() bool {
		clk.Advance(10 * time.Millisecond)
		return edges.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunRotor did not return")
	}
}
