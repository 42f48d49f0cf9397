package motor

import (
	"sync"
	"time"

	"bioreactor/internal/clock"
)

// historyLen is the number of accepted edge timestamps kept; the RPM
// estimate spans historyLen-1 intervals.
const historyLen = 8

// PulseHistory is written by the rotation sensor's edge handler and read by
// the control tick. Both sides hold mu only for a few field copies.
type PulseHistory struct {
	clk          clock.Source
	minInterval  time.Duration
	pulsesPerRev int

	mu        sync.Mutex
	stamps    [historyLen]clock.Ticks // [0] oldest
	last      clock.Ticks
	seen      bool
	accepted  uint64
	run       int // accepted since the last stall
	rejected  uint64
	counter   int
	heartbeat bool
}

// NewPulseHistory debounces edges arriving faster than maxRPM allows.
func NewPulseHistory(clk clock.Source, maxRPM float64, pulsesPerRev int) *PulseHistory {
	if pulsesPerRev < 1 {
		pulsesPerRev = 1
	}
	var minInterval time.Duration
	if maxRPM > 0 {
		minInterval = time.Duration(60e6/maxRPM/float64(pulsesPerRev)) * time.Microsecond
	}
	return &PulseHistory{clk: clk, minInterval: minInterval, pulsesPerRev: pulsesPerRev}
}

func (h *PulseHistory) MinInterval() time.Duration { return h.minInterval }

// Pulse records an edge at the current tick. It matches hw.EdgeFunc.
func (h *PulseHistory) Pulse() {
	h.Edge(h.clk.Now())
}

// Edge records an edge at t.
func (h *PulseHistory) Edge(t clock.Ticks) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = t
	h.seen = true
	if h.accepted > 0 && t.Sub(h.stamps[historyLen-1]) <= h.minInterval {
		h.rejected++
		return
	}
	copy(h.stamps[:], h.stamps[1:])
	h.stamps[historyLen-1] = t
	h.accepted++
	h.run = min(h.run+1, historyLen)
	h.counter++
	if h.counter >= h.pulsesPerRev {
		h.counter = 0
		h.heartbeat = !h.heartbeat
	}
}

// PulseSnapshot is a consistent copy of the history.
type PulseSnapshot struct {
	Oldest    clock.Ticks
	Newest    clock.Ticks
	Last      clock.Ticks
	Seen      bool
	Accepted  uint64
	Run       int
	Rejected  uint64
	Heartbeat bool
}

func (h *PulseHistory) Snapshot() PulseSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return PulseSnapshot{
		Oldest:    h.stamps[0],
		Newest:    h.stamps[historyLen-1],
		Last:      h.last,
		Seen:      h.seen,
		Accepted:  h.accepted,
		Run:       h.run,
		Rejected:  h.rejected,
		Heartbeat: h.heartbeat,
	}
}

// Stamps returns the accepted timestamps, oldest first.
func (h *PulseHistory) Stamps() [historyLen]clock.Ticks {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stamps
}

// Expire drops the history once no edge has arrived for stall, so the
// estimate needs historyLen fresh edges after the shaft stops. The control
// loop calls it on every pass, which keeps the silence well inside half a
// counter wrap.
func (h *PulseHistory) Expire(now clock.Ticks, stall time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run > 0 && stalled(now, h.last, stall) {
		h.run = 0
	}
}

// stalled reports whether last is more than stall before now. An edge may be
// stamped slightly after now when it lands while a tick is starting; one
// further ahead than stall can only be an old edge seen across the wrap.
func stalled(now, last clock.Ticks, stall time.Duration) bool {
	if clock.Before(now, last) {
		return last.Sub(now) > stall
	}
	return now.Sub(last) > stall
}

// RPM estimates speed from snap at now. It is zero until historyLen edges
// have been accepted since the last stall, and zero once no edge has
// arrived for stall.
func RPM(snap PulseSnapshot, now clock.Ticks, pulsesPerRev int, stall time.Duration) float64 {
	if snap.Run < historyLen || !snap.Seen {
		return 0
	}
	if stalled(now, snap.Last, stall) {
		return 0
	}
	elapsed := snap.Newest.Micros(snap.Oldest)
	if elapsed == 0 {
		return 0
	}
	return (historyLen - 1) * (60 / float64(pulsesPerRev)) * 1e6 / float64(elapsed)
}
