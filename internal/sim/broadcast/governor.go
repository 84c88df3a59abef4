package broadcast

import (
	"sync"
	"time"

	"darkcragg.world/internal/sim/tuning"
)

// bucket counts deliveries within one fixed time slot.
type bucket struct {
	slot  int64
	count int
}

// Governor enforces the delivery budget over two sliding windows: a
// rolling 24 hours of hourly buckets and a rolling 10 minutes of
// minute buckets. Decisions are deterministic in (history, now).
type Governor struct {
	mu sync.Mutex

	cfg tuning.GovernorTuning

	hours   [24]bucket // hour-granularity, rolling day
	minutes [10]bucket // minute-granularity, rolling 10 minutes

	lastUnix int64 // most recent delivery, for the trickle rule
}

func NewGovernor(cfg tuning.GovernorTuning) *Governor {
	return &Governor{cfg: cfg}
}

func (g *Governor) dayCount(now time.Time) int {
	cutoff := now.Add(-24 * time.Hour).Unix() / 3600
	total := 0
	for _, b := range g.hours {
		if b.slot > cutoff {
			total += b.count
		}
	}
	return total
}

func (g *Governor) burstCount(now time.Time) int {
	cutoff := now.Add(-10 * time.Minute).Unix() / 60
	total := 0
	for _, b := range g.minutes {
		if b.slot > cutoff {
			total += b.count
		}
	}
	return total
}

// Admit decides whether a rate-limited event may be delivered now and,
// if so, records it. Critical events bypass the governor entirely and
// are recorded via Record so they still count against the windows.
func (g *Governor) Admit(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	day := g.dayCount(now)
	if day < g.cfg.DailyFloor {
		g.record(now)
		return true
	}
	if day >= g.cfg.DailyCeiling {
		return false
	}
	if g.burstCount(now) >= g.cfg.BurstCap {
		return false
	}
	if day >= g.cfg.DailyTarget {
		// Over the soft target: trickle one per hour at most.
		if g.lastUnix > 0 && now.Unix()-g.lastUnix < 3600 {
			return false
		}
	}
	g.record(now)
	return true
}

// Record counts a delivery that bypassed admission (critical events).
func (g *Governor) Record(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record(now)
}

func (g *Governor) record(now time.Time) {
	hourSlot := now.Unix() / 3600
	hb := &g.hours[int(hourSlot%24)]
	if hb.slot != hourSlot {
		hb.slot = hourSlot
		hb.count = 0
	}
	hb.count++

	minSlot := now.Unix() / 60
	mb := &g.minutes[int(minSlot%10)]
	if mb.slot != minSlot {
		mb.slot = minSlot
		mb.count = 0
	}
	mb.count++

	g.lastUnix = now.Unix()
}
