package clock

import (
	"sort"
	"sync"
	"time"
)

// Manual is a test clock. Time only moves via Advance and Set.
//
// Timers whose deadline is reached are fired in deadline order, one at a
// time, from the goroutine calling Advance/Set and without holding the clock's
// lock, so callbacks may freely call Now, AfterFunc or Stop.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
}

// NewManual returns a Manual clock set to start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{clk: m, at: m.now.Add(d), seq: m.seq, fn: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by d, firing timers that come due.
func (m *Manual) Advance(d time.Duration) {
	m.Set(m.Now().Add(d))
}

// Set moves the clock to t. Timers due at or before t fire with Now()
// reporting their own deadline, so periodic timers re-armed from inside a
// callback keep their cadence.
func (m *Manual) Set(t time.Time) {
	for {
		m.mu.Lock()
		next := m.popDueLocked(t)
		if next == nil {
			m.now = t
			m.mu.Unlock()
			return
		}
		if next.at.After(m.now) {
			m.now = next.at
		}
		m.mu.Unlock()
		next.fn()
	}
}

// Pending reports how many timers are armed. Tests use it to assert that
// lifecycle methods leave no dangling timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) popDueLocked(t time.Time) *manualTimer {
	if len(m.timers) == 0 {
		return nil
	}
	sort.SliceStable(m.timers, func(i, j int) bool {
		if !m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].at.Before(m.timers[j].at)
		}
		return m.timers[i].seq < m.timers[j].seq
	})
	first := m.timers[0]
	if first.at.After(t) {
		return nil
	}
	m.timers = m.timers[1:]
	return first
}

func (m *Manual) remove(t *manualTimer) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.timers {
		if cur == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return true
		}
	}
	return false
}

type manualTimer struct {
	clk *Manual
	at  time.Time
	seq uint64
	fn  func()
}

func (t *manualTimer) Stop() bool { return t.clk.remove(t) }
