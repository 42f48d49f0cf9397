package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenario_ParseAndInterpolate(t *testing.T) {
	script, err := ParseScenarioScriptYAML([]byte(`
version: 1
# duration derived from last keyframe
keyframes:
  - t: 0s
    ambient_c: 20
    ph_drift_per_min: 0
    load: 0
  - t: 10s
    ambient_c: 30
    ph_drift_per_min: 0.2
    load: 0.5
`))
	require.NoError(t, err)
	scn, err := NewScenario(script)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, scn.Duration())

	env := scn.At(5*time.Second, false)
	assert.InDelta(t, 25.0, env.AmbientC, 1e-9)
	assert.InDelta(t, 0.1, env.PHDriftPerMin, 1e-9)
	assert.InDelta(t, 0.25, env.Load, 1e-9)
}

func TestScenario_LoopAndClamp(t *testing.T) {
	scn, err := NewScenario(ScenarioScript{Keyframes: []Keyframe{
		{T: 0, AmbientC: 10},
		{T: 10 * time.Second, AmbientC: 20},
	}})
	require.NoError(t, err)

	assert.InDelta(t, 20.0, scn.At(15*time.Second, false).AmbientC, 1e-9)
	assert.InDelta(t, 15.0, scn.At(15*time.Second, true).AmbientC, 1e-9)
	assert.InDelta(t, 10.0, scn.At(-time.Second, false).AmbientC, 1e-9)
}

func TestScenario_Validation(t *testing.T) {
	_, err := NewScenario(ScenarioScript{})
	assert.Error(t, err)

	_, err = NewScenario(ScenarioScript{Keyframes: []Keyframe{{T: 5 * time.Second}, {T: time.Second}}})
	assert.ErrorContains(t, err, "sorted")

	_, err = NewScenario(ScenarioScript{Keyframes: []Keyframe{{Load: 2}}})
	assert.ErrorContains(t, err, "load")

	_, err = NewScenario(ScenarioScript{Version: 2, Keyframes: []Keyframe{{}}})
	assert.ErrorContains(t, err, "version")
}

func TestScenario_NilIsDefault(t *testing.T) {
	var scn *Scenario
	assert.Equal(t, DefaultEnvironment, scn.At(time.Minute, true))
}
