package clock

import "time"

// maxCatchUp bounds how many periods a Gate will replay after a stall before
// it resynchronizes to the current tick.
const maxCatchUp = 1000

// Gate rate-limits a periodic activity.
//
// When due, the deadline advances by exactly one period instead of snapping
// to now. A late tick is therefore followed by earlier ones until the backlog
// is absorbed, which keeps the long-run average rate equal to the period.
type Gate struct {
	period time.Duration
	next   Ticks
	armed  bool
}

func NewGate(period time.Duration) *Gate {
	return &Gate{period: period}
}

func (g *Gate) Period() time.Duration { return g.period }

// Next returns the pending deadline. Only meaningful once armed.
func (g *Gate) Next() Ticks { return g.next }

// Due reports whether the activity should run at now and, if so, advances
// the deadline. An unarmed gate is due immediately.
func (g *Gate) Due(now Ticks) bool {
	if !g.armed {
		g.armed = true
		g.next = now.Add(g.period)
		return true
	}
	if !Reached(now, g.next) {
		return false
	}
	if g.period > 0 && now.Sub(g.next) > maxCatchUp*g.period {
		g.next = now.Add(g.period)
		return true
	}
	g.next = g.next.Add(g.period)
	return true
}

// Rearm makes the gate due again on the next call to Due.
func (g *Gate) Rearm() {
	g.armed = false
}
