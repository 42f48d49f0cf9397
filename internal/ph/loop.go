// Package ph runs the dosing loop: batches of probe readings are reduced
// to a trimmed mean and compared against the target band; an acid or a base
// pump is energized while the reading sits outside it.
package ph

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bioreactor/internal/clock"
	"bioreactor/internal/command"
	"bioreactor/internal/hw"
	"bioreactor/internal/interlock"
)

type Pump int

const (
	Acid Pump = iota
	Base
)

func (p Pump) String() string {
	if p == Acid {
		return "acid"
	}
	return "base"
}

func (p Pump) other() Pump { return 1 - p }

// ParsePump accepts "acid" or "base" ("alkali" is an alias for base).
func ParsePump(s string) (Pump, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "acid":
		return Acid, nil
	case "base", "alkali":
		return Base, nil
	}
	return 0, fmt.Errorf("%w: unknown pump %q", command.ErrInvalidParams, s)
}

type Config struct {
	Period       time.Duration
	BatchSize    int
	Coefficients Coefficients
	// Target 0 leaves dosing disabled until a target is set.
	Target       float64
	// Tolerance is taken as given; 0 is a valid, zero-width band.
	Tolerance    float64
	DefaultPulse time.Duration
	MaxPulse     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = 10 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Coefficients == (Coefficients{}) {
		c.Coefficients = DefaultCoefficients
	}
	if c.DefaultPulse <= 0 {
		c.DefaultPulse = 750 * time.Millisecond
	}
	if c.MaxPulse <= 0 {
		c.MaxPulse = 10 * time.Second
	}
}

const maxPH = 14.0

type pulse struct {
	active bool
	pump   Pump
	end    clock.Ticks
}

// Loop owns the pH state. Everything except New runs on the scheduler
// goroutine.
type Loop struct {
	cfg   Config
	adc   hw.ADC
	pumps [2]hw.Switch
	clk   clock.Source
	lock  *interlock.Interlock
	log   *slog.Logger

	buf      *SampleBuffer
	measured float64
	valid    bool

	target    float64
	targetSet bool
	tolerance float64

	applied [2]bool
	known   [2]bool
	pulse   pulse

	adcErr  hw.ErrorLatch
	pumpErr hw.ErrorLatch
	batches uint64
}

func New(cfg Config, adc hw.ADC, acid, base hw.Switch, clk clock.Source, lock *interlock.Interlock, log *slog.Logger) (*Loop, error) {
	if adc == nil || acid == nil || base == nil {
		return nil, fmt.Errorf("ph: adc and both pumps are required")
	}
	if clk == nil {
		return nil, fmt.Errorf("ph: clock is required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("ph: tolerance %.2f must be >= 0", cfg.Tolerance)
	}
	l := &Loop{
		cfg:       cfg,
		adc:       adc,
		pumps:     [2]hw.Switch{acid, base},
		clk:       clk,
		lock:      lock,
		log:       log,
		buf:       NewSampleBuffer(cfg.BatchSize),
		tolerance: cfg.Tolerance,
	}
	if cfg.Target > 0 && cfg.Target <= maxPH {
		l.target, l.targetSet = cfg.Target, true
	}
	return l, nil
}

func (l *Loop) Name() string          { return "ph" }
func (l *Loop) Period() time.Duration { return l.cfg.Period }

// Step takes one sample. A completed batch updates the measurement and, unless
// a manual pulse is running, re-evaluates the pumps.
func (l *Loop) Step(clock.Ticks) {
	v, err := l.adc.Volts()
	if !l.adcErr.Observe(l.log, "ph probe read", err) {
		return
	}
	mean, ok := l.buf.Add(l.cfg.Coefficients.PH(v))
	if !ok {
		return
	}
	l.measured, l.valid = mean, true
	l.batches++
	if l.pulse.active {
		return
	}
	l.actuate()
	l.log.Debug("ph batch", "ph", l.measured, "target", l.target, "target_set", l.targetSet,
		"acid", l.applied[Acid], "base", l.applied[Base])
}

func (l *Loop) actuate() {
	acid, base := false, false
	if l.targetSet {
		switch {
		case l.measured > l.target+l.tolerance:
			acid = true
		case l.measured < l.target-l.tolerance:
			base = true
		}
	}
	l.drive(Acid, acid)
	l.drive(Base, base)
}

// Poll ends a manual pulse once its deadline passes.
func (l *Loop) Poll(now clock.Ticks) {
	if !l.pulse.active || !clock.Reached(now, l.pulse.end) {
		return
	}
	p := l.pulse.pump
	l.pulse.active = false
	l.drive(p, false)
	// Forget the applied state so the next batch writes from a clean edge.
	l.known[p] = false
	l.log.Info("manual pulse finished", "pump", p.String())
}

// Halt cuts any pulse short and turns both pumps off.
func (l *Loop) Halt(clock.Ticks) {
	if l.pulse.active {
		l.log.Warn("manual pulse cut short by interlock", "pump", l.pulse.pump.String())
		l.pulse.active = false
	}
	l.drive(Acid, false)
	l.drive(Base, false)
}

func (l *Loop) drive(p Pump, on bool) {
	if l.known[p] && l.applied[p] == on {
		return
	}
	if !l.pumpErr.Observe(l.log, p.String()+" pump write", l.pumps[p].Set(on)) {
		l.known[p] = false
		return
	}
	l.applied[p], l.known[p] = on, true
}

// StartPulse energizes p for d, forcing the other pump off first.
func (l *Loop) StartPulse(p Pump, d time.Duration) error {
	if !l.lock.Active() {
		return command.ErrInactive
	}
	if d <= 0 || d > l.cfg.MaxPulse {
		return fmt.Errorf("%w: duration %s not in (0, %s]", command.ErrInvalidParams, d, l.cfg.MaxPulse)
	}
	now := l.clk.Now()
	l.drive(p.other(), false)
	l.drive(p, true)
	l.pulse = pulse{active: true, pump: p, end: now.Add(d)}
	l.log.Info("manual pulse started", "pump", p.String(), "duration", d)
	return nil
}

// SetTarget sets the target pH; 0 disables dosing.
func (l *Loop) SetTarget(v float64) error {
	if v == 0 {
		l.targetSet = false
		l.target = 0
		l.log.Info("ph target cleared, dosing disabled")
		return nil
	}
	if v < 0 || v > maxPH {
		return fmt.Errorf("%w: target pH %.2f not in (0, %.0f]", command.ErrOutOfRange, v, maxPH)
	}
	l.target, l.targetSet = v, true
	l.log.Info("ph target updated", "target", v)
	return nil
}

func (l *Loop) SetTolerance(v float64) error {
	if v < 0 || v > maxPH {
		return fmt.Errorf("%w: pH tolerance %.2f not in [0, %.0f]", command.ErrOutOfRange, v, maxPH)
	}
	l.tolerance = v
	l.log.Info("ph tolerance updated", "tolerance", v)
	return nil
}

// Register exposes setPump, target_pH and pH_tolerance.
func (l *Loop) Register(r command.Registrar) {
	r.Method("setPump", func(params any) (command.Response, error) {
		name, ok := command.Param(params, "pump")
		if !ok {
			return nil, command.ErrInvalidParams
		}
		s, isStr := name.(string)
		if !isStr {
			return nil, command.ErrInvalidParams
		}
		p, err := ParsePump(s)
		if err != nil {
			return nil, err
		}
		d := l.cfg.DefaultPulse
		if raw, ok := command.Param(params, "duration"); ok {
			ms, err := command.Float(raw)
			if err != nil {
				return nil, err
			}
			d = time.Duration(ms * float64(time.Millisecond))
		}
		if err := l.StartPulse(p, d); err != nil {
			return nil, err
		}
		return command.Response{"status": "ok", "pump": p.String()}, nil
	})
	r.Attribute("target_pH", func(v any) error {
		f, err := command.Float(v)
		if err != nil {
			return err
		}
		return l.SetTarget(f)
	})
	r.Attribute("pH_tolerance", func(v any) error {
		f, err := command.Float(v)
		if err != nil {
			return err
		}
		return l.SetTolerance(f)
	})
}

// Measured returns the last batch mean and whether one exists yet.
func (l *Loop) Measured() (float64, bool) { return l.measured, l.valid }

// Pumps reports the applied pump states.
func (l *Loop) Pumps() (acid, base bool) { return l.applied[Acid], l.applied[Base] }

func (l *Loop) PulseActive() bool { return l.pulse.active }

func (l *Loop) Telemetry() command.Telemetry {
	target := 0.0
	if l.targetSet {
		target = l.target
	}
	return command.Telemetry{
		"pH":              l.measured,
		"ph_valid":        l.valid,
		"target_pH":       target,
		"pH_tolerance":    l.tolerance,
		"acid_pump":       l.applied[Acid],
		"base_pump":       l.applied[Base],
		"ph_pulse_active": l.pulse.active,
	}
}
