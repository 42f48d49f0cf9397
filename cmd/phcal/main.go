// Command phcal walks an operator through a three-buffer pH probe
// calibration and prints the fitted coefficients as a config fragment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"bioreactor/internal/config"
	"bioreactor/internal/console"
	"bioreactor/internal/hw"
	"bioreactor/internal/ph"
)

type options struct {
	configPath string
	serial     string
	baud       int
	settle     time.Duration
	samples    int
	spacing    time.Duration
	outPath    string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "Path to YAML config; selects the ADC (simulator when empty)")
	flag.StringVar(&o.serial, "serial", "", "Serial port for operator prompts (stdin/stdout when empty)")
	flag.IntVar(&o.baud, "baud", 115200, "Serial baud rate")
	flag.DurationVar(&o.settle, "settle", 60*time.Second, "Probe settling time per buffer")
	flag.IntVar(&o.samples, "samples", 50, "Samples averaged per buffer")
	flag.DurationVar(&o.spacing, "spacing", 100*time.Millisecond, "Delay between samples")
	flag.StringVar(&o.outPath, "out", "", "Write the config fragment here instead of stdout")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var in io.Reader = os.Stdin
	var prompts io.Writer = os.Stdout
	if o.serial != "" {
		port, err := console.OpenSerial(o.serial, o.baud)
		if err != nil {
			log.Error("open serial failed", "error", err)
			os.Exit(1)
		}
		defer port.Close()
		in, prompts = port, port
	}

	if err := run(ctx, o, in, prompts, log); err != nil {
		log.Error("calibration failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, in io.Reader, prompts io.Writer, log *slog.Logger) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}

	s := &ph.Session{
		In:      in,
		Out:     prompts,
		Settle:  o.settle,
		Samples: o.samples,
		Spacing: o.spacing,
		Log:     log,
	}
	adc, closer, err := openProbe(cfg, s)
	if err != nil {
		return err
	}
	defer closer.Close()
	s.ADC = adc

	coeffs, points, err := s.Run(ctx)
	if err != nil {
		return err
	}

	out := prompts
	if o.outPath != "" {
		f, err := os.Create(o.outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return writeFragment(out, coeffs, points)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		var cfg config.Config
		err := config.DefaultAndValidate(&cfg)
		return cfg, err
	}
	return config.Load(path)
}

// openProbe returns the pH channel of the configured ADC. The simulator
// backend gets a bath that presents each reference buffer in turn.
func openProbe(cfg config.Config, s *ph.Session) (hw.ADC, io.Closer, error) {
	if cfg.Hardware.Backend != config.BackendLinux {
		refs := s.References
		if len(refs) == 0 {
			refs = []float64{4, 7, 10}
		}
		samples := s.Samples
		if samples <= 0 {
			samples = 50
		}
		probe := ph.Coefficients{Slope: cfg.PH.Slope, Offset: cfg.PH.Offset}
		return &bufferBath{probe: probe, refs: refs, per: samples}, hw.NopCloser{}, nil
	}
	h := cfg.Hardware
	bus, err := hw.OpenI2C(h.I2CBus)
	if err != nil {
		return nil, nil, fmt.Errorf("open i2c %s: %w", h.I2CBus, err)
	}
	adc, err := hw.NewADS1115(bus.Dev(h.ADCAddr), h.ADCFullScale)
	if err == nil {
		var ch hw.ADC
		if ch, err = adc.Channel(h.PHChannel); err == nil {
			return ch, bus, nil
		}
	}
	_ = bus.Close()
	return nil, nil, err
}

// bufferBath stands in for a probe dipped into each reference buffer in
// order, per samples at a time.
type bufferBath struct {
	probe ph.Coefficients
	refs  []float64
	per   int
	n     int
}

func (b *bufferBath) Volts() (float64, error) {
	if b.probe.Slope == 0 {
		return 0, errors.New("phcal: probe slope is zero")
	}
	ref := b.refs[min(b.n/b.per, len(b.refs)-1)]
	b.n++
	return (ref - b.probe.Offset) / b.probe.Slope, nil
}

type fragment struct {
	PH struct {
		Slope  float64 `yaml:"slope"`
		Offset float64 `yaml:"offset"`
	} `yaml:"ph"`
}

func writeFragment(w io.Writer, c ph.Coefficients, points []ph.Point) error {
	fmt.Fprintln(w, "# pH calibration")
	for _, p := range points {
		fmt.Fprintf(w, "#   pH %5.2f at %.4f V\n", p.PH, p.Volts)
	}
	var f fragment
	f.PH.Slope = c.Slope
	f.PH.Offset = c.Offset
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return fmt.Errorf("phcal: encode: %w", err)
	}
	return enc.Close()
}
