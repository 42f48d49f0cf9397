// Package sim is a simulated bioreactor. The Plant implements the hw
// interfaces so the control loops run unchanged on a development machine,
// and produces impeller edges from its own goroutine the way the hall
// sensor does on hardware.
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"bioreactor/internal/clock"
	"bioreactor/internal/hw"
	"bioreactor/internal/ph"
	"bioreactor/internal/thermal"
)

type Config struct {
	InitialPH     float64
	DosePHPerSec  float64
	ProbeRipplePH float64
	Probe         ph.Coefficients
	InitialC      float64
	HeaterCPerSec float64
	LossPerSec    float64
	Divider       thermal.Divider
	Model         thermal.Model
	Kv            float64
	TimeConstant  float64
	SupplyVolts   float64
	PWMMax        int
	PulsesPerRev  int
	Scenario      *Scenario
}

func (c *Config) applyDefaults() {
	if c.InitialPH == 0 {
		c.InitialPH = 7.6
	}
	if c.DosePHPerSec == 0 {
		c.DosePHPerSec = 0.05
	}
	if c.Probe == (ph.Coefficients{}) {
		c.Probe = ph.DefaultCoefficients
	}
	if c.InitialC == 0 {
		c.InitialC = 22
	}
	if c.HeaterCPerSec == 0 {
		c.HeaterCPerSec = 0.08
	}
	if c.LossPerSec == 0 {
		c.LossPerSec = 0.002
	}
	if c.Divider == (thermal.Divider{}) {
		c.Divider = thermal.Divider{SeriesOhms: 10000, Vcc: 3.3}
	}
	if c.Model == nil {
		c.Model = thermal.DefaultLinear
	}
	if c.Kv == 0 {
		c.Kv = 250
	}
	if c.TimeConstant == 0 {
		c.TimeConstant = 0.15
	}
	if c.SupplyVolts == 0 {
		c.SupplyVolts = 5
	}
	if c.PWMMax == 0 {
		c.PWMMax = 1023
	}
	if c.PulsesPerRev == 0 {
		c.PulsesPerRev = 70
	}
}

// maxStep bounds one integration step.
const maxStep = 10 * time.Millisecond

const ripplePeriod = 0.37 // seconds

// State is a point-in-time copy of the plant.
type State struct {
	PH      float64 `json:"ph"`
	Celsius float64 `json:"celsius"`
	RPM     float64 `json:"rpm"`
	Acid    bool    `json:"acid"`
	Base    bool    `json:"base"`
	Heater  bool    `json:"heater"`
	Duty    int     `json:"duty"`
}

type Plant struct {
	cfg Config
	clk clock.Source

	mu      sync.Mutex
	started bool
	start   clock.Ticks
	last    clock.Ticks
	st      State
	phase   float64
	collect bool
	pending []clock.Ticks
}

func New(cfg Config, clk clock.Source) *Plant {
	cfg.applyDefaults()
	return &Plant{
		cfg: cfg,
		clk: clk,
		st:  State{PH: cfg.InitialPH, Celsius: cfg.InitialC},
	}
}

// State advances the plant to now and returns a copy.
func (p *Plant) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(p.clk.Now())
	return p.st
}

func (p *Plant) advance(now clock.Ticks) {
	if !p.started {
		p.started = true
		p.start, p.last = now, now
		return
	}
	if !clock.Before(p.last, now) {
		return
	}
	total := now.Sub(p.last)
	t := p.last
	for total > 0 {
		dt := min(total, maxStep)
		p.integrate(t, dt)
		t = t.Add(dt)
		total -= dt
	}
	p.last = now
}

func (p *Plant) integrate(t0 clock.Ticks, dt time.Duration) {
	env := p.cfg.Scenario.At(t0.Sub(p.start), true)
	s := dt.Seconds()

	dph := env.PHDriftPerMin / 60 * s
	if p.st.Acid {
		dph -= p.cfg.DosePHPerSec * s
	}
	if p.st.Base {
		dph += p.cfg.DosePHPerSec * s
	}
	p.st.PH = min(max(p.st.PH+dph, 0), 14)

	dc := -(p.st.Celsius - env.AmbientC) * p.cfg.LossPerSec * s
	if p.st.Heater {
		dc += p.cfg.HeaterCPerSec * s
	}
	p.st.Celsius += dc

	volts := float64(p.st.Duty) / float64(p.cfg.PWMMax) * p.cfg.SupplyVolts
	target := p.cfg.Kv * volts * (1 - env.Load)
	p.st.RPM += (target - p.st.RPM) * (1 - math.Exp(-s/p.cfg.TimeConstant))

	rate := p.st.RPM / 60 * float64(p.cfg.PulsesPerRev)
	if rate <= 0 {
		return
	}
	p.phase += rate * s
	end := t0.Add(dt)
	for p.phase >= 1 {
		p.phase--
		if p.collect {
			back := time.Duration(p.phase / rate * float64(time.Second))
			p.pending = append(p.pending, end.Add(-back))
		}
	}
}

// RunRotor delivers impeller edges to edge until ctx is done. It stands in
// for the hall sensor's interrupt and runs on its own goroutine.
func (p *Plant) RunRotor(ctx context.Context, every time.Duration, edge func(clock.Ticks)) {
	if every <= 0 {
		every = time.Millisecond
	}
	p.mu.Lock()
	p.collect = true
	p.mu.Unlock()

	t := time.NewTicker(every)
	defer t.Stop()
	var batch []clock.Ticks
	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.collect = false
			p.pending = nil
			p.mu.Unlock()
			return
		case <-t.C:
			batch = p.drain(batch[:0])
			for _, ts := range batch {
				edge(ts)
			}
		}
	}
}

// drain advances to now and moves pending edges into dst.
func (p *Plant) drain(dst []clock.Ticks) []clock.Ticks {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(p.clk.Now())
	dst = append(dst, p.pending...)
	p.pending = p.pending[:0]
	return dst
}

// EdgeTap collects edges for a caller that drives time itself, such as a
// replay or a test. Do not combine with RunRotor.
type EdgeTap struct {
	p   *Plant
	buf []clock.Ticks
}

func NewEdgeTap(p *Plant) *EdgeTap {
	p.mu.Lock()
	p.collect = true
	p.mu.Unlock()
	return &EdgeTap{p: p}
}

// Drain returns the edges produced since the last call. The slice is reused.
func (t *EdgeTap) Drain() []clock.Ticks {
	t.buf = t.p.drain(t.buf[:0])
	return t.buf
}

func (p *Plant) set(fn func(*State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(p.clk.Now())
	fn(&p.st)
}

func (p *Plant) read(fn func() float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advance(p.clk.Now())
	return fn()
}

func (p *Plant) probeVolts() float64 {
	elapsed := p.last.Sub(p.start).Seconds()
	v := p.st.PH + p.cfg.ProbeRipplePH*math.Sin(2*math.Pi*elapsed/ripplePeriod)
	return (v - p.cfg.Probe.Offset) / p.cfg.Probe.Slope
}

func (p *Plant) thermistorVolts() float64 {
	ohms := ohmsFor(p.cfg.Model, p.st.Celsius)
	d := p.cfg.Divider
	return d.Vcc * ohms / (d.SeriesOhms + ohms)
}

// ohmsFor inverts the thermistor model.
func ohmsFor(m thermal.Model, celsius float64) float64 {
	switch m := m.(type) {
	case thermal.Beta:
		t := celsius + thermal.Kelvin
		t0 := m.T0 + thermal.Kelvin
		return m.R0 * math.Exp(m.Beta*(1/t-1/t0))
	case thermal.Linear:
		return (celsius - m.B) / m.A
	}
	return (celsius - thermal.DefaultLinear.B) / thermal.DefaultLinear.A
}

type switchFunc func(on bool)

func (f switchFunc) Set(on bool) error { f(on); return nil }
func (f switchFunc) Close() error      { f(false); return nil }

type pwmFunc func(counts int)

func (f pwmFunc) SetDuty(counts int) error { f(counts); return nil }
func (f pwmFunc) Close() error             { f(0); return nil }

type adcFunc func() float64

func (f adcFunc) Volts() (float64, error) { return f(), nil }

func (p *Plant) AcidPump() hw.Switch {
	return switchFunc(func(on bool) { p.set(func(s *State) { s.Acid = on }) })
}

func (p *Plant) BasePump() hw.Switch {
	return switchFunc(func(on bool) { p.set(func(s *State) { s.Base = on }) })
}

func (p *Plant) Heater() hw.Switch {
	return switchFunc(func(on bool) { p.set(func(s *State) { s.Heater = on }) })
}

func (p *Plant) Motor() hw.PWM {
	return pwmFunc(func(counts int) {
		p.set(func(s *State) { s.Duty = min(max(counts, 0), p.cfg.PWMMax) })
	})
}

func (p *Plant) PHProbe() hw.ADC { return adcFunc(func() float64 { return p.read(p.probeVolts) }) }

func (p *Plant) Thermistor() hw.ADC {
	return adcFunc(func() float64 { return p.read(p.thermistorVolts) })
}
