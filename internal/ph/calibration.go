package ph

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"bioreactor/internal/hw"
)

// Coefficients map probe voltage to pH: pH = Slope*V + Offset.
type Coefficients struct {
	Slope  float64 `yaml:"slope" json:"slope"`
	Offset float64 `yaml:"offset" json:"offset"`
}

// DefaultCoefficients fit the stock probe amplifier.
var DefaultCoefficients = Coefficients{Slope: 1.38, Offset: 0.76}

func (c Coefficients) PH(volts float64) float64 {
	return c.Slope*volts + c.Offset
}

// Point is one calibration reference.
type Point struct {
	Volts float64 `yaml:"volts" json:"volts"`
	PH    float64 `yaml:"ph" json:"ph"`
}

var ErrDegenerate = errors.New("ph: calibration points do not span a voltage range")

// Fit returns the least-squares line through points.
func Fit(points []Point) (Coefficients, error) {
	if len(points) < 2 {
		return Coefficients{}, fmt.Errorf("ph: need at least 2 calibration points, got %d", len(points))
	}
	var sx, sy, sxx, sxy float64
	for _, p := range points {
		sx += p.Volts
		sy += p.PH
		sxx += p.Volts * p.Volts
		sxy += p.Volts * p.PH
	}
	n := float64(len(points))
	den := n*sxx - sx*sx
	if math.Abs(den) < 1e-12 {
		return Coefficients{}, ErrDegenerate
	}
	slope := (n*sxy - sx*sy) / den
	return Coefficients{Slope: slope, Offset: (sy - slope*sx) / n}, nil
}

// wait is replaced in tests.
var wait = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Session walks an operator through a three-buffer calibration.
type Session struct {
	ADC        hw.ADC
	In         io.Reader
	Out        io.Writer
	References []float64
	Settle     time.Duration
	Samples    int
	Spacing    time.Duration
	Log        *slog.Logger
}

func (s *Session) applyDefaults() {
	if len(s.References) == 0 {
		s.References = []float64{4, 7, 10}
	}
	if s.Settle == 0 {
		s.Settle = 60 * time.Second
	}
	if s.Samples <= 0 {
		s.Samples = 50
	}
	if s.Spacing == 0 {
		s.Spacing = 100 * time.Millisecond
	}
	if s.Log == nil {
		s.Log = slog.Default()
	}
	if s.Out == nil {
		s.Out = io.Discard
	}
}

// Run collects one averaged voltage per reference buffer and fits them.
func (s *Session) Run(ctx context.Context) (Coefficients, []Point, error) {
	if s.ADC == nil || s.In == nil {
		return Coefficients{}, nil, errors.New("ph: calibration needs an ADC and operator input")
	}
	s.applyDefaults()
	lines := bufio.NewScanner(s.In)

	points := make([]Point, 0, len(s.References))
	for _, ref := range s.References {
		if err := s.confirmRinse(ctx, lines, ref); err != nil {
			return Coefficients{}, nil, err
		}
		fmt.Fprintf(s.Out, "Settling for %s...\n", s.Settle)
		if err := wait(ctx, s.Settle); err != nil {
			return Coefficients{}, nil, fmt.Errorf("ph: calibration aborted: %w", err)
		}
		v, err := s.average(ctx)
		if err != nil {
			return Coefficients{}, nil, err
		}
		fmt.Fprintf(s.Out, "pH %.2f buffer: %.4f V\n", ref, v)
		s.Log.Info("calibration point", "reference", ref, "volts", v)
		points = append(points, Point{Volts: v, PH: ref})
	}

	c, err := Fit(points)
	if err != nil {
		return Coefficients{}, points, err
	}
	s.Log.Info("calibration fitted", "slope", c.Slope, "offset", c.Offset)
	return c, points, nil
}

func (s *Session) confirmRinse(ctx context.Context, lines *bufio.Scanner, ref float64) error {
	for {
		fmt.Fprintf(s.Out, "Rinse the probe and place it in the pH %.2f buffer. Type y when ready: ", ref)
		if !lines.Scan() {
			if err := lines.Err(); err != nil {
				return fmt.Errorf("ph: read operator input: %w", err)
			}
			return fmt.Errorf("ph: calibration aborted: %w", io.ErrUnexpectedEOF)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("ph: calibration aborted: %w", err)
		}
		if strings.EqualFold(strings.TrimSpace(lines.Text()), "y") {
			return nil
		}
	}
}

func (s *Session) average(ctx context.Context) (float64, error) {
	sum := 0.0
	for i := 0; i < s.Samples; i++ {
		if i > 0 {
			if err := wait(ctx, s.Spacing); err != nil {
				return 0, fmt.Errorf("ph: calibration aborted: %w", err)
			}
		}
		v, err := s.ADC.Volts()
		if err != nil {
			return 0, fmt.Errorf("ph: calibration sample %d: %w", i, err)
		}
		sum += v
	}
	return sum / float64(s.Samples), nil
}
