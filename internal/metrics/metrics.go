// Package metrics exposes the controller on a Prometheus endpoint.
package metrics

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bioreactor/internal/command"
	"bioreactor/internal/scheduler"
)

const namespace = "bioreactor"

// SchedulerStats is satisfied by *scheduler.Scheduler.
type SchedulerStats interface {
	Passes() uint64
	Stats() []scheduler.TaskStats
}

// TransitionCounter is satisfied by *interlock.Interlock.
type TransitionCounter interface {
	Active() bool
	Transitions() uint64
}

type Metrics struct {
	reg *prometheus.Registry

	telemetry    *prometheus.GaugeVec
	snapshots    prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		telemetry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "telemetry",
			Help:      "Latest telemetry value by key. Booleans are 0 or 1.",
		}, []string{"key"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_snapshots_total",
			Help:      "Telemetry snapshots received.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.reg.MustRegister(m.telemetry, m.snapshots, m.httpRequests, m.httpDuration)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// WatchScheduler exports pass and per-task step counters. Call after every
// task has been added.
func (m *Metrics) WatchScheduler(s SchedulerStats) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_passes_total",
		Help:      "Scheduler passes run.",
	}, func() float64 { return float64(s.Passes()) }))

	for _, st := range s.Stats() {
		name := st.Name
		m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "task_steps_total",
			Help:        "Control loop steps run.",
			ConstLabels: prometheus.Labels{"task": name},
		}, func() float64 {
			for _, cur := range s.Stats() {
				if cur.Name == name {
					return float64(cur.Steps)
				}
			}
			return 0
		}))
	}
}

func (m *Metrics) WatchInterlock(il TransitionCounter) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interlock_active",
			Help:      "1 while the system is allowed to actuate.",
		}, func() float64 { return boolFloat(il.Active()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interlock_transitions_total",
			Help:      "Interlock state changes since start.",
		}, func() float64 { return float64(il.Transitions()) }),
	)
}

func (m *Metrics) Name() string { return "prometheus" }

// Publish records numeric and boolean telemetry values; other kinds are
// skipped.
func (m *Metrics) Publish(_ context.Context, t command.Telemetry) error {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var v float64
		switch x := t[k].(type) {
		case bool:
			v = boolFloat(x)
		case float64:
			v = x
		case float32:
			v = float64(x)
		case int:
			v = float64(x)
		case int64:
			v = float64(x)
		case uint64:
			v = float64(x)
		default:
			continue
		}
		m.telemetry.WithLabelValues(k).Set(v)
	}
	m.snapshots.Inc()
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
