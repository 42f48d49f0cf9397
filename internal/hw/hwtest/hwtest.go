// Package hwtest provides recording fakes for the hw interfaces.
package hwtest

import (
	"errors"
	"sync"
)

var ErrInjected = errors.New("hwtest: injected failure")

// Switch records every write.
type Switch struct {
	mu     sync.Mutex
	on     bool
	writes int
	closed bool
	Fail   bool
}

func (s *Switch) Set(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return ErrInjected
	}
	s.on = on
	s.writes++
	return nil
}

func (s *Switch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.on = false
	s.closed = true
	return nil
}

func (s *Switch) On() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

func (s *Switch) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *Switch) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// PWM records the applied duty history.
type PWM struct {
	mu      sync.Mutex
	duty    int
	history []int
	Fail    bool
}

func (p *PWM) SetDuty(counts int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail {
		return ErrInjected
	}
	p.duty = counts
	p.history = append(p.history, counts)
	return nil
}

func (p *PWM) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.duty = 0
	return nil
}

func (p *PWM) Duty() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

func (p *PWM) History() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.history...)
}

// ADC returns queued readings in order, then repeats the last one.
type ADC struct {
	mu    sync.Mutex
	queue []float64
	last  float64
	reads int
	Err   error
}

func NewADC(volts ...float64) *ADC {
	a := &ADC{}
	a.Push(volts...)
	return a
}

func (a *ADC) Push(volts ...float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, volts...)
}

// Set discards queued readings and holds v.
func (a *ADC) Set(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = nil
	a.last = v
}

func (a *ADC) Volts() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reads++
	if a.Err != nil {
		return 0, a.Err
	}
	if len(a.queue) > 0 {
		a.last = a.queue[0]
		a.queue = a.queue[1:]
	}
	return a.last, nil
}

func (a *ADC) Reads() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reads
}
