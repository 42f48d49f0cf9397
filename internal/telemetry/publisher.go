// Package telemetry periodically takes one merged snapshot from the control
// loops and fans it out to every configured sink (MQTT, Kafka, Prometheus).
package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"bioreactor/internal/command"
	"bioreactor/internal/hw"
)

// Source yields the merged telemetry snapshot. command.Dispatcher is one.
type Source interface {
	Snapshot(ctx context.Context) (command.Telemetry, error)
}

// Sink receives every snapshot.
type Sink interface {
	Name() string
	Publish(ctx context.Context, t command.Telemetry) error
}

type Publisher struct {
	src      Source
	sinks    []Sink
	interval time.Duration
	log      *slog.Logger

	latches   []hw.ErrorLatch
	published atomic.Uint64
}

func NewPublisher(src Source, interval time.Duration, log *slog.Logger, sinks ...Sink) *Publisher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		src:      src,
		sinks:    sinks,
		interval: interval,
		log:      log,
		latches:  make([]hw.ErrorLatch, len(sinks)),
	}
}

// Run publishes every interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	if len(p.sinks) == 0 {
		p.log.Info("telemetry publisher idle: no sinks")
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("telemetry snapshot failed", "error", err)
			}
		}
	}
}

// PublishOnce takes one snapshot and hands it to each sink. Sink failures
// are logged, not returned; only a failed snapshot is an error.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	snap, err := p.src.Snapshot(ctx)
	if err != nil {
		return err
	}
	for i, s := range p.sinks {
		p.latches[i].Observe(p.log, "telemetry sink "+s.Name(), s.Publish(ctx, snap))
	}
	p.published.Add(1)
	return nil
}

// Published counts snapshots taken.
func (p *Publisher) Published() uint64 { return p.published.Load() }
