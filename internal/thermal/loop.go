// Package thermal keeps the vessel at temperature with a heater switched by
// symmetric hysteresis around the target.
package thermal

import (
	"fmt"
	"log/slog"
	"time"

	"bioreactor/internal/clock"
	"bioreactor/internal/command"
	"bioreactor/internal/hw"
)

type Config struct {
	Period    time.Duration
	// Target and Tolerance are taken as given, including 0.
	Target    float64
	Tolerance float64
	MaxTarget float64
	Divider   Divider
	Model     Model
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = 100 * time.Millisecond
	}
	if c.MaxTarget <= 0 {
		c.MaxTarget = 60
	}
	if c.Divider.SeriesOhms <= 0 {
		c.Divider.SeriesOhms = 10000
	}
	if c.Divider.Vcc <= 0 {
		c.Divider.Vcc = 3.3
	}
	if c.Model == nil {
		c.Model = DefaultLinear
	}
}

type Loop struct {
	cfg    Config
	adc    hw.ADC
	heater hw.Switch
	log    *slog.Logger

	target    float64
	tolerance float64
	reading   Reading

	on    bool
	known bool

	adcErr    hw.ErrorLatch
	heaterErr hw.ErrorLatch
	faulted   bool
}

func New(cfg Config, adc hw.ADC, heater hw.Switch, log *slog.Logger) (*Loop, error) {
	if adc == nil || heater == nil {
		return nil, fmt.Errorf("thermal: adc and heater are required")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg.applyDefaults()
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("thermal: tolerance %.2f must be >= 0", cfg.Tolerance)
	}
	if cfg.Target < 0 || cfg.Target > cfg.MaxTarget {
		return nil, fmt.Errorf("thermal: target %.1f not in [0, %.1f]", cfg.Target, cfg.MaxTarget)
	}
	return &Loop{
		cfg:       cfg,
		adc:       adc,
		heater:    heater,
		log:       log,
		target:    cfg.Target,
		tolerance: cfg.Tolerance,
	}, nil
}

func (l *Loop) Name() string          { return "thermal" }
func (l *Loop) Period() time.Duration { return l.cfg.Period }

func (l *Loop) Step(clock.Ticks) {
	v, err := l.adc.Volts()
	if !l.adcErr.Observe(l.log, "thermistor read", err) {
		return
	}
	l.reading = Convert(l.cfg.Divider, l.cfg.Model, v)
	if !l.reading.Valid {
		if !l.faulted {
			l.faulted = true
			l.log.Warn("thermistor fault, heater held", "volts", v, "heater", l.on)
		}
		return
	}
	if l.faulted {
		l.faulted = false
		l.log.Info("thermistor reading restored", "celsius", l.reading.Celsius)
	}

	switch t := l.reading.Celsius; {
	case t < l.target-l.tolerance:
		l.drive(true)
	case t > l.target+l.tolerance:
		l.drive(false)
	}
}

func (l *Loop) Halt(clock.Ticks) {
	l.drive(false)
}

func (l *Loop) drive(on bool) {
	if l.known && l.on == on {
		return
	}
	if !l.heaterErr.Observe(l.log, "heater write", l.heater.Set(on)) {
		l.known = false
		return
	}
	l.on, l.known = on, true
}

func (l *Loop) SetTarget(v float64) error {
	if v < 0 || v > l.cfg.MaxTarget {
		return fmt.Errorf("%w: target %.2f °C not in [0, %.0f]", command.ErrOutOfRange, v, l.cfg.MaxTarget)
	}
	l.target = v
	l.log.Info("temperature target updated", "target", v)
	return nil
}

func (l *Loop) SetTolerance(v float64) error {
	if v < 0 || v > l.cfg.MaxTarget {
		return fmt.Errorf("%w: temperature tolerance %.2f not in [0, %.0f]", command.ErrOutOfRange, v, l.cfg.MaxTarget)
	}
	l.tolerance = v
	l.log.Info("temperature tolerance updated", "tolerance", v)
	return nil
}

// Register exposes setTemperature, target_temperature and temp_tolerance.
func (l *Loop) Register(r command.Registrar) {
	r.Method("setTemperature", func(params any) (command.Response, error) {
		raw, ok := command.ValueParam(params)
		if !ok {
			return nil, command.ErrInvalidParams
		}
		v, err := command.Float(raw)
		if err != nil {
			return nil, err
		}
		if err := l.SetTarget(v); err != nil {
			return nil, err
		}
		return command.Response{"status": "ok", "message": "Temperature target updated"}, nil
	})
	r.Attribute("target_temperature", func(v any) error {
		f, err := command.Float(v)
		if err != nil {
			return err
		}
		return l.SetTarget(f)
	})
	r.Attribute("temp_tolerance", func(v any) error {
		f, err := command.Float(v)
		if err != nil {
			return err
		}
		return l.SetTolerance(f)
	})
}

func (l *Loop) Reading() Reading { return l.reading }

func (l *Loop) HeaterOn() bool { return l.on }

func (l *Loop) Telemetry() command.Telemetry {
	return command.Telemetry{
		"temperature":        l.reading.Wire(),
		"sensor_fault":       !l.reading.Valid,
		"heater_state":       l.on,
		"target_temperature": l.target,
		"temp_tolerance":     l.tolerance,
	}
}
