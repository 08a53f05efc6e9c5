package clock

import (
	"sync"
	"time"
)

// Manual provides a controllable clock for deterministic tests.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *Manual
	at      time.Time
	ch      chan time.Time
	stopped bool
	fired   bool
}

// NewManual constructs a Manual clock starting at the supplied time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// NewTimer returns a timer that fires once the clock is advanced past d.
func (m *Manual) NewTimer(d time.Duration) Timer {
	timer := &manualTimer{clock: m, ch: make(chan time.Time, 1)}
	m.mu.Lock()
	defer m.mu.Unlock()
	timer.at = m.now.Add(d)
	if d <= 0 {
		timer.fired = true
		timer.ch <- m.now
		return timer
	}
	m.timers = append(m.timers, timer)
	return timer
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d and fires any due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	remaining := m.timers[:0]
	for _, timer := range m.timers {
		switch {
		case timer.stopped:
		case timer.at.After(m.now):
			remaining = append(remaining, timer)
		default:
			timer.fired = true
			timer.ch <- m.now
		}
	}
	m.timers = remaining
	return m.now
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, timer := range m.timers {
		if !timer.stopped {
			n++
		}
	}
	return n
}
