//go:build linux

package hw

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/warthog618/go-gpiocdev"
)

const consumer = "bioreactor"

// LineSpec names a GPIO line either by chip+offset or by line name
// (e.g. "GPIO17"), in which case every gpiochip is searched.
type LineSpec struct {
	Chip   string
	Offset int
	Name   string
}

func (s LineSpec) String() string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s:%d", s.Chip, s.Offset)
}

func chipCandidates(preferred string) []string {
	out := []string{}
	if preferred != "" {
		out = append(out, preferred)
	}
	out = append(out, "/dev/gpiochip0", "/dev/gpiochip4")
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "gpiochip") {
			out = append(out, filepath.Join("/dev", e.Name()))
		}
	}
	return out
}

func requestLine(spec LineSpec, opts ...gpiocdev.LineReqOption) (*gpiocdev.Chip, *gpiocdev.Line, error) {
	opts = append(opts, gpiocdev.WithConsumer(consumer))
	if spec.Name == "" {
		chipPath := spec.Chip
		if chipPath == "" {
			chipPath = "/dev/gpiochip0"
		}
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			return nil, nil, fmt.Errorf("hw: open %s: %w", chipPath, err)
		}
		line, err := chip.RequestLine(spec.Offset, opts...)
		if err != nil {
			_ = chip.Close()
			return nil, nil, fmt.Errorf("hw: request line %s: %w", spec, err)
		}
		return chip, line, nil
	}

	for _, chipPath := range chipCandidates(spec.Chip) {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(spec.Name)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return chip, line, nil
	}
	return nil, nil, fmt.Errorf("hw: gpio line %q not found (or busy)", spec.Name)
}

type gpioSwitch struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// OpenSwitch requests spec as an output driven low.
func OpenSwitch(spec LineSpec) (Switch, error) {
	chip, line, err := requestLine(spec, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, err
	}
	return &gpioSwitch{chip: chip, line: line}, nil
}

func (g *gpioSwitch) Set(on bool) error {
	if g == nil || g.line == nil {
		return fmt.Errorf("hw: gpio switch not initialized")
	}
	v := 0
	if on {
		v = 1
	}
	return g.line.SetValue(v)
}

// Close drives the line low before releasing it.
func (g *gpioSwitch) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	_ = g.line.SetValue(0)
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}

type gpioEdge struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

// WatchRising calls fn for every rising edge on spec. The input is pulled
// up; the hall sensor pulls it low between magnets. fn runs on the
// gpiocdev event goroutine.
func WatchRising(spec LineSpec, fn EdgeFunc) (Closer, error) {
	if fn == nil {
		return nil, fmt.Errorf("hw: nil edge handler")
	}
	handler := func(gpiocdev.LineEvent) { fn() }
	chip, line, err := requestLine(spec,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(handler),
	)
	if err != nil {
		return nil, err
	}
	return &gpioEdge{chip: chip, line: line}, nil
}

func (g *gpioEdge) Close() error {
	if g == nil || g.line == nil {
		return nil
	}
	err := g.line.Close()
	g.line = nil
	if g.chip != nil {
		_ = g.chip.Close()
		g.chip = nil
	}
	return err
}
