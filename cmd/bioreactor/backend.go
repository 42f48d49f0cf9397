package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"bioreactor/internal/clock"
	"bioreactor/internal/config"
	"bioreactor/internal/hw"
	"bioreactor/internal/motor"
	"bioreactor/internal/ph"
	"bioreactor/internal/sim"
	"bioreactor/internal/thermal"
)

// Hardware openers, replaced in tests.
var (
	openI2C     = hw.OpenI2C
	openSwitch  = hw.OpenSwitch
	openPWM     = hw.OpenPWM
	watchRising = hw.WatchRising
)

// backend is the set of pins the loops drive, whichever side of the
// simulator/hardware split they come from.
type backend struct {
	name       string
	phProbe    hw.ADC
	thermistor hw.ADC
	acid       hw.Switch
	base       hw.Switch
	heater     hw.Switch
	led        hw.Switch
	motor      hw.PWM

	// edges starts delivering impeller edges to hist and blocks until ctx
	// is done.
	edges func(ctx context.Context, hist *motor.PulseHistory) error

	plant   *sim.Plant
	closers []io.Closer
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func openBackend(cfg config.Config, clk clock.Source, log *slog.Logger) (*backend, error) {
	switch cfg.Hardware.Backend {
	case config.BackendLinux:
		return openLinux(cfg, log)
	default:
		return openSim(cfg, clk, log)
	}
}

func openSim(cfg config.Config, clk clock.Source, log *slog.Logger) (*backend, error) {
	sc := sim.Config{
		InitialPH:     cfg.Sim.InitialPH,
		InitialC:      cfg.Sim.InitialC,
		ProbeRipplePH: cfg.Sim.ProbeRipplePH,
		Probe:         ph.Coefficients{Slope: cfg.PH.Slope, Offset: cfg.PH.Offset},
		Divider:       thermal.Divider{SeriesOhms: cfg.Thermal.SeriesOhms, Vcc: cfg.Thermal.Vcc},
		SupplyVolts:   cfg.Motor.SupplyVolts,
		PWMMax:        cfg.Motor.PWMMax,
		PulsesPerRev:  cfg.Motor.PulsesPerRev,
		Kv:            cfg.Motor.Kv,
		TimeConstant:  cfg.Motor.TimeConstant,
	}
	model, err := thermalModel(cfg)
	if err != nil {
		return nil, err
	}
	sc.Model = model
	if cfg.Sim.Scenario != "" {
		script, err := sim.LoadScenarioScript(cfg.Sim.Scenario)
		if err != nil {
			return nil, err
		}
		if sc.Scenario, err = sim.NewScenario(script); err != nil {
			return nil, err
		}
		log.Info("sim scenario loaded", "path", cfg.Sim.Scenario, "duration", sc.Scenario.Duration())
	}

	plant := sim.New(sc, clk)
	every := cfg.Sim.RotorInterval
	return &backend{
		name:       config.BackendSim,
		phProbe:    plant.PHProbe(),
		thermistor: plant.Thermistor(),
		acid:       plant.AcidPump(),
		base:       plant.BasePump(),
		heater:     plant.Heater(),
		motor:      plant.Motor(),
		plant:      plant,
		edges: func(ctx context.Context, hist *motor.PulseHistory) error {
			plant.RunRotor(ctx, every, hist.Edge)
			return nil
		},
	}, nil
}

func lineSpec(l config.LineConfig) hw.LineSpec {
	return hw.LineSpec{Chip: l.Chip, Offset: l.Offset, Name: l.Name}
}

func openLinux(cfg config.Config, log *slog.Logger) (_ *backend, err error) {
	h := cfg.Hardware
	b := &backend{name: config.BackendLinux}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	bus, err := openI2C(h.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("open i2c %s: %w", h.I2CBus, err)
	}
	b.closers = append(b.closers, bus)
	adc, err := hw.NewADS1115(bus.Dev(h.ADCAddr), h.ADCFullScale)
	if err != nil {
		return nil, err
	}
	if b.phProbe, err = adc.Channel(h.PHChannel); err != nil {
		return nil, err
	}
	if b.thermistor, err = adc.Channel(h.ThermChannel); err != nil {
		return nil, err
	}

	outputs := []struct {
		name string
		line config.LineConfig
		dst  *hw.Switch
	}{
		{"acid_pump", h.AcidPump, &b.acid},
		{"base_pump", h.BasePump, &b.base},
		{"heater", h.Heater, &b.heater},
		{"heartbeat_led", h.HeartbeatLED, &b.led},
	}
	for _, o := range outputs {
		if !o.line.Set() {
			continue
		}
		sw, err := openSwitch(lineSpec(o.line))
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", o.name, err)
		}
		b.closers = append(b.closers, sw)
		*o.dst = sw
	}

	pwm, err := openPWM(hw.PWMSpec{
		Chip:        h.MotorPWM.Chip,
		Channel:     h.MotorPWM.Channel,
		FrequencyHz: h.MotorPWM.FrequencyHz,
		MaxCount:    cfg.Motor.PWMMax,
	})
	if err != nil {
		return nil, fmt.Errorf("open motor pwm: %w", err)
	}
	b.closers = append(b.closers, pwm)
	b.motor = pwm

	hall := lineSpec(h.HallSensor)
	b.edges = func(ctx context.Context, hist *motor.PulseHistory) error {
		w, err := watchRising(hall, hist.Pulse)
		if err != nil {
			return fmt.Errorf("watch hall sensor %s: %w", hall, err)
		}
		log.Info("hall sensor armed", "line", hall.String())
		<-ctx.Done()
		return w.Close()
	}
	return b, nil
}

func thermalModel(cfg config.Config) (thermal.Model, error) {
	t := cfg.Thermal
	return thermal.NewModel(thermal.ModelSpec{
		Kind: t.Model,
		A:    t.LinearA,
		B:    t.LinearB,
		Beta: t.Beta,
		R0:   t.R0,
		T0:   t.T0,
	})
}
