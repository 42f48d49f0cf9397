// Package interlock holds the process-wide "system active" flag.
//
// The control loops only ever read it (once per scheduler pass). The single
// writer is the supervisory command path.
package interlock

import (
	"log/slog"
	"sync/atomic"

	"bioreactor/internal/command"
)

type Interlock struct {
	active      atomic.Bool
	transitions atomic.Uint64
	log         *slog.Logger
}

func New(active bool, log *slog.Logger) *Interlock {
	if log == nil {
		log = slog.Default()
	}
	il := &Interlock{log: log}
	il.active.Store(active)
	return il
}

// Active reports the current state. A nil Interlock is always active.
func (il *Interlock) Active() bool {
	if il == nil {
		return true
	}
	return il.active.Load()
}

// Set changes the state and reports whether it actually changed.
// source names the writer for the log line.
func (il *Interlock) Set(active bool, source string) bool {
	if il == nil {
		return false
	}
	prev := il.active.Swap(active)
	if prev == active {
		return false
	}
	il.transitions.Add(1)
	if active {
		il.log.Info("interlock released", "source", source)
	} else {
		il.log.Warn("interlock engaged, actuators de-energized", "source", source)
	}
	return true
}

// Transitions counts state changes since start.
func (il *Interlock) Transitions() uint64 {
	if il == nil {
		return 0
	}
	return il.transitions.Load()
}

// Register exposes the supervisory writers: RPC setSystemActive and the
// system_active shared attribute.
func (il *Interlock) Register(r command.Registrar) {
	r.Method("setSystemActive", func(params any) (command.Response, error) {
		raw, ok := command.Param(params, "active")
		if !ok {
			raw, ok = command.ValueParam(params)
		}
		if !ok {
			return nil, command.ErrInvalidParams
		}
		on, err := command.Bool(raw)
		if err != nil {
			return nil, err
		}
		il.Set(on, "rpc")
		return command.Response{"status": "ok", "system_active": il.Active()}, nil
	})
	r.Attribute("system_active", func(v any) error {
		on, err := command.Bool(v)
		if err != nil {
			return err
		}
		il.Set(on, "attribute")
		return nil
	})
}

func (il *Interlock) Telemetry() command.Telemetry {
	return command.Telemetry{"system_active": il.Active()}
}
