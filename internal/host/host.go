// Package host turns process-level signals into the visibility and unload
// notifications the scheduler and elector listen for.
//
// A daemon has no focus events, so "visible again" means one of: the wall
// clock jumped well past the expected check time (resume from suspend), or
// the process received SIGCONT or SIGUSR1.
package host

import (
	"context"
	"sort"
	"sync"
	"time"

	"ruleflow/internal/clock"
	logx "ruleflow/pkg/logx"
)

// DefaultWakeCheckInterval is used when Config leaves it unset.
const DefaultWakeCheckInterval = 15 * time.Second

type Config struct {
	WakeCheckInterval time.Duration
}

type Host struct {
	clk      clock.Clock
	log      logx.Logger
	interval time.Duration

	mu        sync.Mutex
	visible   map[int]func()
	unload    map[int]func()
	seq       int
	lastCheck time.Time
	timer     clock.Timer
}

func New(cfg Config, clk clock.Clock, log logx.Logger) *Host {
	if cfg.WakeCheckInterval <= 0 {
		cfg.WakeCheckInterval = DefaultWakeCheckInterval
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Host{
		clk:      clk,
		log:      log,
		interval: cfg.WakeCheckInterval,
		visible:  map[int]func(){},
		unload:   map[int]func(){},
	}
}

// OnVisible registers fn for visibility-regained notifications.
func (h *Host) OnVisible(fn func()) func() { return h.add(h.visible, fn) }

// OnUnload registers fn to run when the process is about to exit.
func (h *Host) OnUnload(fn func()) func() { return h.add(h.unload, fn) }

func (h *Host) add(m map[int]func(), fn func()) func() {
	h.mu.Lock()
	h.seq++
	id := h.seq
	m[id] = fn
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(m, id)
			h.mu.Unlock()
		})
	}
}

// NotifyVisible runs every visibility listener in registration order.
func (h *Host) NotifyVisible() { h.notify(h.visible) }

// Unload runs every unload hook in registration order.
func (h *Host) Unload() { h.notify(h.unload) }

func (h *Host) notify(m map[int]func()) {
	h.mu.Lock()
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m[id])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Run watches for wake-ups and signals until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	h.lastCheck = h.clk.Now()
	h.armLocked()
	h.mu.Unlock()

	stopSignals := h.watchSignals(ctx)
	defer stopSignals()

	<-ctx.Done()
	h.mu.Lock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()
	return nil
}

func (h *Host) armLocked() {
	h.timer = h.clk.AfterFunc(h.interval, h.check)
}

func (h *Host) check() {
	now := h.clk.Now()
	h.mu.Lock()
	if h.timer == nil {
		h.mu.Unlock()
		return
	}
	woke := h.observeLocked(now)
	h.armLocked()
	h.mu.Unlock()
	if woke {
		h.NotifyVisible()
	}
}

// observeLocked records a check at now and reports whether the wall clock
// moved more than twice the check interval since the previous check.
func (h *Host) observeLocked(now time.Time) bool {
	last := h.lastCheck
	h.lastCheck = now
	if last.IsZero() {
		return false
	}
	// Round(0) drops the monotonic reading, which stops during suspend.
	gap := now.Round(0).Sub(last.Round(0))
	if gap > 2*h.interval {
		h.log.Info("wake detected", logx.Duration("gap", gap))
		return true
	}
	return false
}
