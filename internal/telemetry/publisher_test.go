package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bioreactor/internal/command"
)

type recordingSink struct {
	mu   sync.Mutex
	name string
	got  []command.Telemetry
	err  error
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Publish(_ context.Context, t command.Telemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, t)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

type staticSource struct {
	t   command.Telemetry
	err error
}

func (s staticSource) Snapshot(context.Context) (command.Telemetry, error) { return s.t, s.err }

func TestPublishOnce_FansOutDespiteSinkFailure(t *testing.T) {
	bad := &recordingSink{name: "bad", err: errors.New("broker down")}
	good := &recordingSink{name: "good"}
	p := NewPublisher(staticSource{t: command.Telemetry{"pH": 7.1}}, time.Second, nil, bad, good)

	require.NoError(t, p.PublishOnce(context.Background()))
	require.Equal(t, 1, good.count())
	assert.Equal(t, 7.1, good.got[0]["pH"])
	assert.Equal(t, uint64(1), p.latches[0].Count())
	assert.Equal(t, uint64(1), p.Published())
}

func TestPublishOnce_SnapshotError(t *testing.T) {
	sink := &recordingSink{name: "s"}
	p := NewPublisher(staticSource{err: errors.New("scheduler: stopped")}, time.Second, nil, sink)
	assert.Error(t, p.PublishOnce(context.Background()))
	assert.Zero(t, sink.count())
}

func TestRun_PublishesUntilCanceled(t *testing.T) {
	sink := &recordingSink{name: "s"}
	p := NewPublisher(staticSource{t: command.Telemetry{}}, 5*time.Millisecond, nil, sink)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSink_WritesKeyedRecord(t *testing.T) {
	old := now
	now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	t.Cleanup(func() { now = old })

	w := &fakeWriter{}
	k := newKafkaSinkWithWriter(w, "vessel-1")
	require.NoError(t, k.Publish(context.Background(), command.Telemetry{"temperature": 35.2}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "vessel-1", string(w.msgs[0].Key))
	var rec Record
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &rec))
	assert.Equal(t, "vessel-1", rec.Device)
	assert.Equal(t, int64(1_700_000_000_000), rec.Timestamp)
	assert.Equal(t, 35.2, rec.Values["temperature"])

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_WrapsWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	k := newKafkaSinkWithWriter(&fakeWriter{err: boom}, "v")
	err := k.Publish(context.Background(), command.Telemetry{})
	assert.ErrorIs(t, err, boom)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(nil, "t", "v")
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "", "v")
	assert.Error(t, err)
	k, err := NewKafkaSink([]string{"localhost:9092"}, "bioreactor.telemetry", "v")
	require.NoError(t, err)
	assert.Equal(t, "kafka", k.Name())
}
