// Package clock provides the microsecond tick base shared by the control
// loops.
//
// Ticks is a free-running 32-bit microsecond counter that wraps roughly every
// 71.6 minutes. All comparisons go through Sub and Reached, which stay correct
// across the wrap as long as the two instants are less than half a wrap apart.
package clock

import (
	"sync"
	"time"
)

// Ticks is a wrapping microsecond timestamp.
type Ticks uint32

// Sub returns t-u as a duration. The result is the forward distance from u
// to t modulo the counter width, so it is never negative.
func (t Ticks) Sub(u Ticks) time.Duration {
	return time.Duration(uint32(t-u)) * time.Microsecond
}

// Add returns t advanced by d (truncated to whole microseconds).
func (t Ticks) Add(d time.Duration) Ticks {
	return t + Ticks(uint32(d/time.Microsecond))
}

// Micros returns the forward distance from u to t in microseconds.
func (t Ticks) Micros(u Ticks) uint32 {
	return uint32(t - u)
}

// Reached reports whether now is at or after deadline.
func Reached(now, deadline Ticks) bool {
	return int32(now-deadline) >= 0
}

// Before reports whether a is strictly earlier than b.
func Before(a, b Ticks) bool {
	return int32(a-b) < 0
}

// Source yields the current tick.
type Source interface {
	Now() Ticks
}

// System is a Source backed by the Go monotonic clock.
type System struct {
	start time.Time
}

func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) Now() Ticks {
	return Ticks(uint32(time.Since(s.start) / time.Microsecond))
}

// Fake is a manually advanced Source for tests and replays.
type Fake struct {
	mu  sync.Mutex
	now Ticks
}

func NewFake(start Ticks) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() Ticks {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) Ticks {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

func (f *Fake) Set(t Ticks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
