// Package eventbus is an in-process fanout for lifecycle events (scheduler
// ticks, rule fires, leadership changes). It never blocks publishers.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ruleflow/internal/clock"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Topic returns the part of Type before the first dot ("rule" for
// "rule.fired").
func (e Event) Topic() string {
	topic, _, _ := strings.Cut(e.Type, ".")
	return topic
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. Events published without a timestamp
// are stamped with clk. It does not own any background goroutines.
func New(clk clock.Clock) Bus {
	if clk == nil {
		clk = clock.System{}
	}
	return &memBus{clk: clk, subs: map[uint64]chan Event{}}
}

// Discard returns a bus that drops every event.
func Discard() Bus { return discard{} }

type discard struct{}

func (discard) Publish(Event) {}
func (discard) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	clk  clock.Clock
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = b.clk.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
