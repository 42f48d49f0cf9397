// Package scheduler runs the control loops cooperatively on one goroutine.
//
// Every pass reads the interlock once. While it is engaged each task is
// halted, independent of its own period. Otherwise tasks whose deadline has
// been reached are stepped, in registration order. Work from other goroutines
// (commands, telemetry reads) is funneled through Do so that loop state has a
// single owner and needs no locking.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"bioreactor/internal/clock"
	"bioreactor/internal/interlock"
)

var (
	ErrStopped        = errors.New("scheduler: stopped")
	ErrAlreadyRunning = errors.New("scheduler: already running")
)

// Task is one control loop.
type Task interface {
	Name() string
	// Period is the loop's declared rate.
	Period() time.Duration
	// Step runs when the loop's deadline has been reached.
	Step(now clock.Ticks)
	// Halt de-energizes the loop's outputs. It runs on every pass while the
	// interlock is engaged and must be cheap when already halted.
	Halt(now clock.Ticks)
}

// Poller is implemented by tasks that need attention on every active pass,
// not only when due (e.g. timed manual outputs).
type Poller interface {
	Poll(now clock.Ticks)
}

type entry struct {
	task   Task
	poller Poller
	gate   *clock.Gate
	steps  atomic.Uint64
}

type request struct {
	fn   func()
	done chan struct{}
}

type Scheduler struct {
	clk  clock.Source
	lock *interlock.Interlock
	base time.Duration
	log  *slog.Logger

	tasks []*entry

	reqs    chan request
	stopped chan struct{}
	running atomic.Bool
	passes  atomic.Uint64
}

// New builds a scheduler ticking every base period. base defaults to 1ms.
func New(clk clock.Source, lock *interlock.Interlock, base time.Duration, log *slog.Logger) *Scheduler {
	if base <= 0 {
		base = time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		clk:     clk,
		lock:    lock,
		base:    base,
		log:     log,
		reqs:    make(chan request),
		stopped: make(chan struct{}),
	}
}

// Add registers a task. Must be called before Run.
func (s *Scheduler) Add(t Task) {
	e := &entry{task: t, gate: clock.NewGate(t.Period())}
	if p, ok := t.(Poller); ok {
		e.poller = p
	}
	s.tasks = append(s.tasks, e)
}

// Tick runs one scheduler pass and returns the tick it ran at.
func (s *Scheduler) Tick() clock.Ticks {
	now := s.clk.Now()
	active := s.lock.Active()
	for _, e := range s.tasks {
		if !active {
			e.task.Halt(now)
			e.gate.Rearm()
			continue
		}
		if e.poller != nil {
			e.poller.Poll(now)
		}
		if e.gate.Due(now) {
			e.task.Step(now)
			e.steps.Add(1)
		}
	}
	s.passes.Add(1)
	return now
}

// Run ticks until ctx is canceled, then halts every task once so the
// outputs are left de-energized.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.stopped)

	for _, e := range s.tasks {
		s.log.Info("task registered", "task", e.task.Name(), "period", e.task.Period())
	}

	t := time.NewTicker(s.base)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			now := s.clk.Now()
			for _, e := range s.tasks {
				e.task.Halt(now)
			}
			s.log.Info("scheduler stopped", "passes", s.passes.Load())
			return nil
		case r := <-s.reqs:
			r.fn()
			close(r.done)
		case <-t.C:
			s.Tick()
		}
	}
}

// Do executes fn on the scheduler goroutine between passes and waits for it.
func (s *Scheduler) Do(ctx context.Context, fn func()) error {
	r := request{fn: fn, done: make(chan struct{})}
	select {
	case s.reqs <- r:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TaskStats is a point-in-time view of one task.
type TaskStats struct {
	Name   string        `json:"name"`
	Period time.Duration `json:"period_ns"`
	Steps  uint64        `json:"steps"`
}

// Stats is safe to call from any goroutine.
func (s *Scheduler) Stats() []TaskStats {
	out := make([]TaskStats, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, TaskStats{Name: e.task.Name(), Period: e.task.Period(), Steps: e.steps.Load()})
	}
	return out
}

func (s *Scheduler) Passes() uint64 { return s.passes.Load() }
