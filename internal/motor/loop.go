// Package motor regulates stirrer speed with a PI controller fed by a hall
// sensor on the impeller shaft.
package motor

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"bioreactor/internal/clock"
	"bioreactor/internal/command"
	"bioreactor/internal/hw"
)

type Config struct {
	Period       time.Duration
	PulsesPerRev int
	MinRPM       float64
	MaxRPM       float64
	SupplyVolts  float64
	PWMMax       int
	RampStep     int
	Stall        time.Duration
	FilterAlpha  float64
	Plant        Plant
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = 10 * time.Millisecond
	}
	if c.PulsesPerRev <= 0 {
		c.PulsesPerRev = 70
	}
	if c.MinRPM <= 0 {
		c.MinRPM = 500
	}
	if c.MaxRPM <= 0 {
		c.MaxRPM = 1500
	}
	if c.SupplyVolts <= 0 {
		c.SupplyVolts = 5
	}
	if c.PWMMax <= 0 {
		c.PWMMax = 1023
	}
	if c.RampStep <= 0 {
		c.RampStep = 50
	}
	if c.Stall <= 0 {
		c.Stall = 100 * time.Millisecond
	}
	if c.FilterAlpha <= 0 || c.FilterAlpha > 1 {
		c.FilterAlpha = 0.1
	}
	if c.Plant == (Plant{}) {
		c.Plant = Plant{Kv: 250, TimeConstant: 0.15, Damping: 1}
	}
}

type Loop struct {
	cfg   Config
	gains Gains
	hist  *PulseHistory
	pwm   hw.PWM
	led   hw.Switch
	log   *slog.Logger

	setpoint float64
	measured float64
	filtered float64
	integral float64
	output   int

	duty      int
	dutyKnown bool
	ledOn     bool
	ledKnown  bool

	pwmErr hw.ErrorLatch
	ledErr hw.ErrorLatch
}

// New wires the loop to its PWM output and pulse history. led may be nil.
func New(cfg Config, hist *PulseHistory, pwm hw.PWM, led hw.Switch, log *slog.Logger) (*Loop, error) {
	if hist == nil || pwm == nil {
		return nil, fmt.Errorf("motor: pulse history and pwm are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()
	if cfg.MinRPM > cfg.MaxRPM {
		return nil, fmt.Errorf("motor: min_rpm %.0f above max_rpm %.0f", cfg.MinRPM, cfg.MaxRPM)
	}
	g, err := PolePlacement(cfg.Plant)
	if err != nil {
		return nil, err
	}
	log.Info("motor gains", "kp", g.Kp, "ki", g.Ki)
	return &Loop{cfg: cfg, gains: g, hist: hist, pwm: pwm, led: led, log: log}, nil
}

// NewHistory builds a PulseHistory matching cfg's debounce limits.
func NewHistory(cfg Config, clk clock.Source) *PulseHistory {
	cfg.applyDefaults()
	return NewPulseHistory(clk, cfg.MaxRPM, cfg.PulsesPerRev)
}

func (l *Loop) Name() string          { return "motor" }
func (l *Loop) Period() time.Duration { return l.cfg.Period }

func (l *Loop) Gains() Gains { return l.gains }

func (l *Loop) Step(now clock.Ticks) {
	l.hist.Expire(now, l.cfg.Stall)
	snap := l.hist.Snapshot()
	l.measured = RPM(snap, now, l.cfg.PulsesPerRev, l.cfg.Stall)
	l.output = l.control(l.measured, l.cfg.Period.Seconds())
	l.apply(ramp(l.duty, l.output, l.cfg.RampStep))
	l.filtered = l.cfg.FilterAlpha*l.measured + (1-l.cfg.FilterAlpha)*l.filtered
	l.heartbeat(snap.Heartbeat)
}

// control runs one PI update and returns the target duty in counts.
func (l *Loop) control(rpm, dt float64) int {
	if l.setpoint == 0 {
		l.integral = 0
		return 0
	}
	e := l.setpoint - rpm
	l.integral = clamp(l.integral+l.gains.Ki*e*dt, 0, l.cfg.SupplyVolts)
	volts := l.gains.Kp*e + l.integral
	counts := math.Round(float64(l.cfg.PWMMax) / l.cfg.SupplyVolts * volts)
	return int(clamp(counts, 0, float64(l.cfg.PWMMax)))
}

// Halt stops the motor. The integral is kept so a short interlock does not
// restart from scratch.
func (l *Loop) Halt(now clock.Ticks) {
	l.hist.Expire(now, l.cfg.Stall)
	l.output = 0
	l.apply(0)
}

func (l *Loop) apply(duty int) {
	if l.dutyKnown && duty == l.duty {
		return
	}
	if !l.pwmErr.Observe(l.log, "motor pwm write", l.pwm.SetDuty(duty)) {
		l.dutyKnown = false
		return
	}
	l.duty, l.dutyKnown = duty, true
}

func (l *Loop) heartbeat(on bool) {
	if l.led == nil || (l.ledKnown && l.ledOn == on) {
		return
	}
	if !l.ledErr.Observe(l.log, "heartbeat led write", l.led.Set(on)) {
		l.ledKnown = false
		return
	}
	l.ledOn, l.ledKnown = on, true
}

func ramp(cur, target, step int) int {
	switch {
	case target > cur+step:
		return cur + step
	case target < cur-step:
		return cur - step
	}
	return target
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// SetSetpoint accepts 0 (stop) or a speed within [MinRPM, MaxRPM].
func (l *Loop) SetSetpoint(rpm float64) error {
	if rpm != 0 && (rpm < l.cfg.MinRPM || rpm > l.cfg.MaxRPM) {
		return fmt.Errorf("%w: %.0f rpm not 0 or in [%.0f, %.0f]", command.ErrOutOfRange, rpm, l.cfg.MinRPM, l.cfg.MaxRPM)
	}
	l.setpoint = rpm
	l.log.Info("rpm setpoint updated", "rpm", rpm)
	return nil
}

// Register exposes setRPM and target_rpm.
func (l *Loop) Register(r command.Registrar) {
	r.Method("setRPM", func(params any) (command.Response, error) {
		raw, ok := command.ValueParam(params)
		if !ok {
			return nil, command.ErrInvalidParams
		}
		v, err := command.Float(raw)
		if err != nil {
			return nil, err
		}
		if err := l.SetSetpoint(v); err != nil {
			return nil, err
		}
		return command.Response{"status": "ok", "rpm": v}, nil
	})
	r.Attribute("target_rpm", func(v any) error {
		f, err := command.Float(v)
		if err != nil {
			return err
		}
		return l.SetSetpoint(f)
	})
}

func (l *Loop) Setpoint() float64 { return l.setpoint }
func (l *Loop) Measured() float64 { return l.measured }
func (l *Loop) Integral() float64 { return l.integral }
func (l *Loop) Duty() int         { return l.duty }

func (l *Loop) Telemetry() command.Telemetry {
	return command.Telemetry{
		"rpm_set":      l.setpoint,
		"rpm_measured": int(math.Round(l.filtered)),
		"motor_duty":   l.duty,
	}
}
