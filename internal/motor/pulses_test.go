package motor

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bioreactor/internal/clock"
)

func feed(h *PulseHistory, start clock.Ticks, n int, spacing time.Duration) clock.Ticks {
	t := start
	for i := 0; i < n; i++ {
		h.Edge(t)
		if i < n-1 {
			t = t.Add(spacing)
		}
	}
	return t
}

func TestPulseHistory_MinInterval(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	assert.Equal(t, 571*time.Microsecond, h.MinInterval())
}

func TestPulseHistory_DebouncesFastEdges(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	h.Edge(1000)
	h.Edge(1200) // 200 µs later: faster than 1500 RPM allows
	h.Edge(2000)

	snap := h.Snapshot()
	assert.Equal(t, uint64(2), snap.Accepted)
	assert.Equal(t, uint64(1), snap.Rejected)
	assert.Equal(t, clock.Ticks(2000), snap.Newest)
	assert.Equal(t, clock.Ticks(2000), snap.Last)
}

func TestPulseHistory_LastTracksRejectedEdges(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	h.Edge(1000)
	h.Edge(1100)
	snap := h.Snapshot()
	assert.Equal(t, clock.Ticks(1000), snap.Newest)
	assert.Equal(t, clock.Ticks(1100), snap.Last)
}

func TestPulseHistory_HeartbeatTogglesOncePerRevolution(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 4)
	feed(h, 0, 3, 20*time.Millisecond)
	assert.False(t, h.Snapshot().Heartbeat)
	h.Edge(clock.Ticks(0).Add(60 * time.Millisecond))
	assert.True(t, h.Snapshot().Heartbeat)
	feed(h, clock.Ticks(0).Add(80*time.Millisecond), 4, 20*time.Millisecond)
	assert.False(t, h.Snapshot().Heartbeat)
}

func TestRPM_WarmupAndSteady(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	last := feed(h, 0, 7, time.Millisecond)
	assert.Zero(t, RPM(h.Snapshot(), last, 70, 100*time.Millisecond), "history not full yet")

	last = feed(h, last.Add(time.Millisecond), 1, 0)
	assert.InDelta(t, 60e6/70/1000, RPM(h.Snapshot(), last, 70, 100*time.Millisecond), 1e-6)
}

func TestRPM_AcrossCounterWrap(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	start := clock.Ticks(math.MaxUint32 - 3000)
	last := feed(h, start, 8, time.Millisecond)
	require.Less(t, uint32(last), uint32(start), "sequence crosses the wrap")
	assert.InDelta(t, 60e6/70/1000, RPM(h.Snapshot(), last, 70, 100*time.Millisecond), 1e-6)

	stamps := h.Stamps()
	for i := 1; i < len(stamps); i++ {
		assert.True(t, clock.Before(stamps[i-1], stamps[i]), "slot %d out of order", i)
	}
}

func TestRPM_Stall(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	last := feed(h, 0, 8, time.Millisecond)
	stall := 100 * time.Millisecond
	assert.NotZero(t, RPM(h.Snapshot(), last.Add(stall), 70, stall))
	assert.Zero(t, RPM(h.Snapshot(), last.Add(stall+time.Millisecond), 70, stall))
}

func TestRPM_EdgeNewerThanTick(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	last := feed(h, 0, 8, time.Millisecond)
	assert.NotZero(t, RPM(h.Snapshot(), last-10, 70, 100*time.Millisecond))
}

func TestPulseHistory_ConcurrentWriterStaysMonotonic(t *testing.T) {
	clk := clock.NewFake(0)
	h := NewPulseHistory(clk, 1500, 70)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 2000; i++ {
			clk.Advance(time.Millisecond)
			h.Pulse()
		}
	}()
	for i := 0; i < 2000; i++ {
		s := h.Snapshot()
		if s.Accepted >= historyLen {
			require.False(t, clock.Before(s.Newest, s.Oldest))
		}
	}
	wg.Wait()
	assert.Equal(t, uint64(2000), h.Snapshot().Accepted)
}

func TestRPM_LongSilenceReadsZero(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	last := feed(h, 0, 8, 857*time.Microsecond)
	stall := 100 * time.Millisecond
	for _, d := range []time.Duration{200 * time.Millisecond, 30 * time.Minute, 40 * time.Minute, 70 * time.Minute} {
		assert.Zero(t, RPM(h.Snapshot(), last.Add(d), 70, stall), "silence %v", d)
	}
}

func TestPulseHistory_ExpireNeedsFreshHistory(t *testing.T) {
	h := NewPulseHistory(clock.NewFake(0), 1500, 70)
	stall := 100 * time.Millisecond
	last := feed(h, 0, 8, time.Millisecond)

	h.Expire(last.Add(stall), stall)
	assert.Equal(t, historyLen, h.Snapshot().Run, "not stalled yet")

	h.Expire(last.Add(stall+time.Millisecond), stall)
	assert.Zero(t, h.Snapshot().Run)
	assert.Equal(t, uint64(8), h.Snapshot().Accepted)

	restart := last.Add(time.Second)
	last = feed(h, restart, 7, time.Millisecond)
	assert.Zero(t, RPM(h.Snapshot(), last, 70, stall), "only 7 edges since the stall")
	last = feed(h, last.Add(time.Millisecond), 1, 0)
	assert.InDelta(t, 60e6/70/1000, RPM(h.Snapshot(), last, 70, stall), 1e-6)
}
