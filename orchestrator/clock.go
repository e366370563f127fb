package orchestrator

import (
	"sync"
	"time"
)

// BarClock is a clock driven by the bars being replayed. Wiring its Now
// into every component makes day and week rollovers, trading-session
// checks and cadence counts follow market time instead of the wall clock.
type BarClock struct {
	mu sync.RWMutex
	t  time.Time
}

func NewBarClock(start time.Time) *BarClock {
	return &BarClock{t: start}
}

func (c *BarClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.t
}

// Set advances the clock to t. Earlier times are ignored.
func (c *BarClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.t) {
		c.t = t
	}
}
