package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"bioreactor/internal/clock"
	"bioreactor/internal/command"
	"bioreactor/internal/config"
	"bioreactor/internal/console"
	"bioreactor/internal/interlock"
	"bioreactor/internal/metrics"
	"bioreactor/internal/motor"
	"bioreactor/internal/mqttlink"
	"bioreactor/internal/ph"
	"bioreactor/internal/scheduler"
	"bioreactor/internal/telemetry"
	"bioreactor/internal/thermal"
	"bioreactor/internal/web"
)

var openConsole = console.OpenSerial

type service struct {
	cfg config.Config
	log *slog.Logger

	clk   clock.Source
	lock  *interlock.Interlock
	sched *scheduler.Scheduler
	disp  *command.Dispatcher
	hw    *backend
	hist  *motor.PulseHistory

	ph      *ph.Loop
	thermal *thermal.Loop
	motor   *motor.Loop

	metrics *metrics.Metrics
	pub     *telemetry.Publisher
	bridge  *mqttlink.Bridge
	kafka   *telemetry.KafkaSink
	udp     *telemetry.UDPSink
	handler http.Handler
}

func component(log *slog.Logger, name string) *slog.Logger {
	return log.With("component", name)
}

func newService(cfg config.Config, log *slog.Logger, logs *web.LogBuffer) (_ *service, err error) {
	r := &service{cfg: cfg, log: log, clk: clock.NewSystem()}
	r.lock = interlock.New(!cfg.Interlock.StartInactive, component(log, "interlock"))

	if r.hw, err = openBackend(cfg, r.clk, component(log, "hw")); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	r.ph, err = ph.New(ph.Config{
		Period:       cfg.PH.Period,
		BatchSize:    cfg.PH.BatchSize,
		Coefficients: ph.Coefficients{Slope: cfg.PH.Slope, Offset: cfg.PH.Offset},
		Target:       cfg.PH.Target,
		Tolerance:    *cfg.PH.Tolerance,
		DefaultPulse: cfg.PH.DefaultPulse,
		MaxPulse:     cfg.PH.MaxPulse,
	}, r.hw.phProbe, r.hw.acid, r.hw.base, r.clk, r.lock, component(log, "ph"))
	if err != nil {
		return nil, err
	}

	model, err := thermalModel(cfg)
	if err != nil {
		return nil, err
	}
	r.thermal, err = thermal.New(thermal.Config{
		Period:    cfg.Thermal.Period,
		Target:    *cfg.Thermal.Target,
		Tolerance: *cfg.Thermal.Tolerance,
		MaxTarget: cfg.Thermal.MaxTarget,
		Divider:   thermal.Divider{SeriesOhms: cfg.Thermal.SeriesOhms, Vcc: cfg.Thermal.Vcc},
		Model:     model,
	}, r.hw.thermistor, r.hw.heater, component(log, "thermal"))
	if err != nil {
		return nil, err
	}

	mc := motor.Config{
		Period:       cfg.Motor.Period,
		PulsesPerRev: cfg.Motor.PulsesPerRev,
		MinRPM:       cfg.Motor.MinRPM,
		MaxRPM:       cfg.Motor.MaxRPM,
		SupplyVolts:  cfg.Motor.SupplyVolts,
		PWMMax:       cfg.Motor.PWMMax,
		RampStep:     cfg.Motor.RampStep,
		Stall:        cfg.Motor.StallTimeout,
		FilterAlpha:  cfg.Motor.FilterAlpha,
		Plant:        motor.Plant{Kv: cfg.Motor.Kv, TimeConstant: cfg.Motor.TimeConstant, Damping: cfg.Motor.Damping},
	}
	r.hist = motor.NewHistory(mc, r.clk)
	if r.motor, err = motor.New(mc, r.hist, r.hw.motor, r.hw.led, component(log, "motor")); err != nil {
		return nil, err
	}
	if err := r.motor.SetSetpoint(cfg.Motor.Target); err != nil {
		return nil, fmt.Errorf("motor.target: %w", err)
	}

	r.sched = scheduler.New(r.clk, r.lock, cfg.Scheduler.BasePeriod, component(log, "scheduler"))
	r.sched.Add(r.ph)
	r.sched.Add(r.thermal)
	r.sched.Add(r.motor)

	r.disp = command.NewDispatcher(r.sched, component(log, "command"))
	r.ph.Register(r.disp)
	r.thermal.Register(r.disp)
	r.motor.Register(r.disp)
	r.lock.Register(r.disp)
	r.disp.AddProducer(r.ph)
	r.disp.AddProducer(r.thermal)
	r.disp.AddProducer(r.motor)
	r.disp.AddProducer(r.lock)

	r.metrics = metrics.New()
	r.metrics.WatchScheduler(r.sched)
	r.metrics.WatchInterlock(r.lock)
	sinks := []telemetry.Sink{r.metrics}

	if cfg.MQTT.Enable {
		r.bridge = mqttlink.New(mqttlink.Config{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			QoS:            cfg.MQTT.QoS,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
		}, r.disp, component(log, "mqtt"))
		sinks = append(sinks, r.bridge)
	}
	if cfg.Kafka.Enable {
		if r.kafka, err = telemetry.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.DeviceID); err != nil {
			return nil, err
		}
		sinks = append(sinks, r.kafka)
	}
	if cfg.Telemetry.UDPDest != "" {
		if r.udp, err = telemetry.NewUDPSink(cfg.Telemetry.UDPDest, cfg.DeviceID); err != nil {
			return nil, err
		}
		sinks = append(sinks, r.udp)
	}
	r.pub = telemetry.NewPublisher(r.disp, cfg.Telemetry.Interval, component(log, "telemetry"), sinks...)

	r.handler = web.Handler(web.Options{
		Status: web.NewStatus(cfg.DeviceID, r.hw.name, web.Sources{
			Interlock: r.lock,
			Scheduler: r.sched,
			Telemetry: r.pub,
		}),
		Commands: r.disp,
		Logs:     logs,
		Metrics:  r.metrics,
		Log:      component(log, "web"),
	})
	return r, nil
}

// Run starts every component and blocks until ctx is done or one of them
// fails. ready is called once the scheduler and transports are up.
func (r *service) Run(ctx context.Context, ready func()) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.sched.Run(ctx) })
	g.Go(func() error { return r.hw.edges(ctx, r.hist) })
	g.Go(func() error { return r.pub.Run(ctx) })

	if r.bridge != nil {
		if err := r.bridge.Start(ctx); err != nil {
			// The broker may come up later; paho keeps retrying.
			r.log.Warn("mqtt start failed", "error", err)
		}
	}
	if r.cfg.Web.Enable {
		g.Go(func() error { return web.Serve(ctx, r.cfg.Web.Listen, r.handler) })
		r.log.Info("http api listening", "addr", r.cfg.Web.Listen)
	}
	if r.cfg.Console.Enable {
		if err := r.startConsole(ctx, g); err != nil {
			return err
		}
	}

	r.log.Info("bioreactor running",
		"device", r.cfg.DeviceID,
		"backend", r.hw.name,
		"system_active", r.lock.Active(),
		"methods", r.disp.Methods(),
	)
	if ready != nil {
		ready()
	}
	return g.Wait()
}

func (r *service) startConsole(ctx context.Context, g *errgroup.Group) error {
	c := console.New(r.disp, component(r.log, "console"))
	if r.cfg.Console.Device == "" {
		stdio := struct {
			io.Reader
			io.Writer
		}{os.Stdin, os.Stdout}
		// A blocked stdin read cannot be interrupted; the goroutine ends
		// with the process.
		go func() { _ = c.Serve(ctx, stdio) }()
		return nil
	}
	port, err := openConsole(r.cfg.Console.Device, r.cfg.Console.Baud)
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		return port.Close()
	})
	g.Go(func() error { return c.Serve(ctx, port) })
	return nil
}

func (r *service) Close() {
	if r.bridge != nil {
		r.bridge.Close()
	}
	if r.kafka != nil {
		if err := r.kafka.Close(); err != nil {
			r.log.Warn("kafka writer close failed", "error", err)
		}
	}
	if r.udp != nil {
		_ = r.udp.Close()
	}
	if err := r.hw.Close(); err != nil {
		r.log.Warn("hardware close failed", "error", err)
	}
}
