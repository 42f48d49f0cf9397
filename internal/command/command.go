// Package command is the boundary between the control loops and whatever
// transport delivers remote calls (MQTT, HTTP, the local console).
//
// Loops register named methods and attributes plus a telemetry producer.
// The Dispatcher runs every handler through an Executor, normally the
// scheduler, so handlers may touch loop state without locking.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidParams = errors.New("invalid parameters")
	ErrUnknownMethod = errors.New("unknown method")
	ErrOutOfRange    = errors.New("out of range")
	ErrInactive      = errors.New("system inactive")
)

// Request is one method-style remote call.
type Request struct {
	ID     string `json:"-"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response is the reply payload for a Request.
type Response map[string]any

// Telemetry is a flat metric name → value mapping.
type Telemetry map[string]any

type MethodFunc func(params any) (Response, error)

type AttributeFunc func(value any) error

// Registrar is what a loop needs to expose its command surface.
type Registrar interface {
	Method(name string, fn MethodFunc)
	Attribute(name string, fn AttributeFunc)
}

// Producer contributes a telemetry snapshot.
type Producer interface {
	Telemetry() Telemetry
}

// Executor runs fn where loop state may be touched.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Inline runs handlers on the caller's goroutine. Only for single-threaded
// use such as tests and offline tools.
type Inline struct{}

func (Inline) Do(_ context.Context, fn func()) error {
	fn()
	return nil
}

type Dispatcher struct {
	exec Executor
	log  *slog.Logger

	mu        sync.RWMutex
	methods   map[string]MethodFunc
	attrs     map[string]AttributeFunc
	producers []Producer
}

func NewDispatcher(exec Executor, log *slog.Logger) *Dispatcher {
	if exec == nil {
		exec = Inline{}
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		exec:    exec,
		log:     log,
		methods: make(map[string]MethodFunc),
		attrs:   make(map[string]AttributeFunc),
	}
	d.Method("getTelemetry", func(any) (Response, error) {
		return Response(d.collect()), nil
	})
	return d
}

func (d *Dispatcher) Method(name string, fn MethodFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = fn
}

func (d *Dispatcher) Attribute(name string, fn AttributeFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attrs[name] = fn
}

func (d *Dispatcher) AddProducer(p Producer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.producers = append(d.producers, p)
}

// Methods lists registered method names, sorted.
func (d *Dispatcher) Methods() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.methods))
	for k := range d.methods {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Call executes a remote method. Failures are reported in the response
// rather than returned, so every request gets exactly one reply.
func (d *Dispatcher) Call(ctx context.Context, req Request) Response {
	d.mu.RLock()
	fn, ok := d.methods[req.Method]
	d.mu.RUnlock()
	if !ok {
		d.log.Warn("unknown rpc method", "method", req.Method, "id", req.ID)
		return ErrorResponse(fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method))
	}

	var (
		resp Response
		err  error
	)
	if xerr := d.exec.Do(ctx, func() { resp, err = fn(req.Params) }); xerr != nil {
		d.log.Error("rpc not executed", "method", req.Method, "id", req.ID, "error", xerr)
		return ErrorResponse(xerr)
	}
	if err != nil {
		d.log.Warn("rpc rejected", "method", req.Method, "id", req.ID, "error", err)
		return ErrorResponse(err)
	}
	if resp == nil {
		resp = Response{"status": "ok"}
	}
	d.log.Debug("rpc handled", "method", req.Method, "id", req.ID)
	return resp
}

// Apply applies an attribute update. Unknown keys are skipped since the
// transport may carry attributes meant for other consumers. Keys are applied
// in sorted order; the returned error joins every rejected key.
func (d *Dispatcher) Apply(ctx context.Context, attrs map[string]any) error {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d.mu.RLock()
	fns := make([]AttributeFunc, len(keys))
	for i, k := range keys {
		fns[i] = d.attrs[k]
	}
	d.mu.RUnlock()

	var errs []error
	xerr := d.exec.Do(ctx, func() {
		for i, k := range keys {
			if fns[i] == nil {
				continue
			}
			if err := fns[i](attrs[k]); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", k, err))
			}
		}
	})
	if xerr != nil {
		return xerr
	}
	for _, err := range errs {
		d.log.Warn("attribute rejected", "error", err)
	}
	return errors.Join(errs...)
}

// Snapshot merges every producer's telemetry.
func (d *Dispatcher) Snapshot(ctx context.Context) (Telemetry, error) {
	var out Telemetry
	if err := d.exec.Do(ctx, func() { out = d.collect() }); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) collect() Telemetry {
	d.mu.RLock()
	producers := append([]Producer(nil), d.producers...)
	d.mu.RUnlock()

	out := make(Telemetry)
	for _, p := range producers {
		for k, v := range p.Telemetry() {
			out[k] = v
		}
	}
	return out
}

// ErrorResponse shapes err for the wire.
func ErrorResponse(err error) Response {
	switch {
	case errors.Is(err, ErrInvalidParams):
		return Response{"error": "Invalid parameters"}
	case errors.Is(err, ErrUnknownMethod):
		return Response{"error": "Unknown method: " + unwrapDetail(err)}
	default:
		return Response{"error": err.Error()}
	}
}

func unwrapDetail(err error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, ErrUnknownMethod.Error()+": "); ok {
		return rest
	}
	return msg
}
