package sim

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// ScenarioScript scripts the environment the simulated vessel sits in.
//
// Time is expressed as Go duration strings (e.g. "0s", "90s", "10m").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 10m
//	keyframes:
//	  - t: 0s
//	    ambient_c: 22
//	    ph_drift_per_min: 0.05
//	    load: 0
//	  - t: 5m
//	    ambient_c: 18
//	    ph_drift_per_min: 0.2
//	    load: 0.3
//
// Keyframes must use non-decreasing t values.
type ScenarioScript struct {
	Version   int           `yaml:"version"`
	Duration  time.Duration `yaml:"duration"`
	Keyframes []Keyframe    `yaml:"keyframes"`
}

// Keyframe is a time-stamped environment state.
type Keyframe struct {
	T time.Duration `yaml:"t"`
	// AmbientC is the room temperature the vessel loses heat to.
	AmbientC float64 `yaml:"ambient_c"`
	// PHDriftPerMin is the culture's own pH change rate (positive is
	// alkaline drift).
	PHDriftPerMin float64 `yaml:"ph_drift_per_min"`
	// Load in [0, 1] is extra drag on the impeller (e.g. viscosity rising).
	Load float64 `yaml:"load"`
}

// Environment is the interpolated scenario state at one instant.
type Environment struct {
	AmbientC      float64
	PHDriftPerMin float64
	Load          float64
}

// DefaultEnvironment is used when no scenario is configured.
var DefaultEnvironment = Environment{AmbientC: 22, PHDriftPerMin: 0.05}

// Scenario is the validated, runtime representation.
type Scenario struct {
	script   ScenarioScript
	duration time.Duration
}

// LoadScenarioScript reads and unmarshals a YAML scenario script from path.
func LoadScenarioScript(path string) (ScenarioScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ScenarioScript{}, err
	}
	return ParseScenarioScriptYAML(b)
}

func ParseScenarioScriptYAML(b []byte) (ScenarioScript, error) {
	var s ScenarioScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return ScenarioScript{}, fmt.Errorf("sim: parse scenario: %w", err)
	}
	return s, nil
}

// NewScenario validates script.
func NewScenario(script ScenarioScript) (*Scenario, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("sim: unsupported scenario version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("sim: keyframes is required")
	}
	for i, kf := range script.Keyframes {
		if kf.T < 0 {
			return nil, fmt.Errorf("sim: keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && kf.T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("sim: keyframes must be sorted by t (index %d)", i)
		}
		if kf.Load < 0 || kf.Load > 1 {
			return nil, fmt.Errorf("sim: keyframes[%d].load must be in [0, 1]", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Keyframes[len(script.Keyframes)-1].T
	}
	return &Scenario{script: script, duration: dur}, nil
}

func (s *Scenario) Duration() time.Duration {
	if s == nil {
		return 0
	}
	return s.duration
}

// At computes the environment at elapsed. If loop is true, elapsed wraps
// around Duration(); otherwise it is clamped to [0, Duration()]. A nil
// Scenario yields DefaultEnvironment.
func (s *Scenario) At(elapsed time.Duration, loop bool) Environment {
	if s == nil {
		return DefaultEnvironment
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if s.duration > 0 {
		if loop {
			elapsed %= s.duration
		} else if elapsed > s.duration {
			elapsed = s.duration
		}
	}
	k0, k1, alpha := selectSegment(s.script.Keyframes, elapsed)
	return Environment{
		AmbientC:      lerp(k0.AmbientC, k1.AmbientC, alpha),
		PHDriftPerMin: lerp(k0.PHDriftPerMin, k1.PHDriftPerMin, alpha),
		Load:          lerp(k0.Load, k1.Load, alpha),
	}
}

func selectSegment(kfs []Keyframe, t time.Duration) (Keyframe, Keyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	return k0, k1, min(max(alpha, 0), 1)
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}
