package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ruleflow/internal/clock"
	"ruleflow/internal/eventbus"
	logx "ruleflow/pkg/logx"
)

// Service owns the tick loop.
type Service struct {
	deps Deps
	clk  clock.Clock
	bus  eventbus.Bus
	log  logx.Logger

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	running   bool
	gen       uint64
	runCtx    context.Context
	runCancel context.CancelFunc
	timer     clock.Timer
	unsubVis  func()

	// tickMu serializes ticks and guards the stats below.
	tickMu      sync.Mutex
	ticks       uint64
	lastTickAt  time.Time
	lastSummary *TickSummary

	warnMu sync.Mutex
	warn   map[string]*rate.Limiter
}

func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Discard()
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	s := &Service{
		deps: deps,
		clk:  deps.Clock,
		bus:  deps.Bus,
		log:  deps.Log,
		warn: map[string]*rate.Limiter{},
	}
	s.cfg = withDefaults(cfg)
	s.loc = s.loadLocation(s.cfg.Timezone)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	return cfg
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Apply updates the configuration. A new tick interval takes effect when the
// next periodic tick is armed.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	loc := s.loadLocation(cfg.Timezone)
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
	if old.Timezone != cfg.Timezone || old.TickInterval != cfg.TickInterval {
		s.log.Info("scheduler config applied", logx.String("tz", loc.String()), logx.Duration("tick_interval", cfg.TickInterval))
	}
}

// IsRunning reports whether the service is in the running state.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// now returns the clock time in the configured location.
func (s *Service) now() time.Time {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	return s.clk.Now().In(loc)
}

// Start enters the running state: one catch-up tick, then periodic ticks and
// visibility-driven catch-up ticks until Stop. Calling Start while running is
// a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Debug("start ignored; already running")
		return
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	interval := s.cfg.TickInterval
	tz := s.loc.String()
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Duration("tick_interval", interval), logx.String("tz", tz))
	s.bus.Publish(eventbus.Event{Type: EventStarted, Time: s.clk.Now()})

	_, _ = s.Tick(runCtx, true)

	s.mu.Lock()
	defer s.mu.Unlock()
	// The catch-up callback may have stopped (or restarted) the service.
	if !s.running || s.gen != gen {
		return
	}
	s.armLocked(gen)
	if s.deps.Visibility != nil {
		s.unsubVis = s.deps.Visibility.OnVisible(func() { s.onVisible(gen) })
	}
}

// Stop leaves the running state, cancelling the periodic timer and the
// visibility listener. It is safe to call repeatedly.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	unsub := s.unsubVis
	s.unsubVis = nil
	cancel := s.runCancel
	s.runCtx, s.runCancel = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("scheduler stopped")
	s.bus.Publish(eventbus.Event{Type: EventStopped, Time: s.clk.Now()})
}

func (s *Service) armLocked(gen uint64) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clk.AfterFunc(s.cfg.TickInterval, func() { s.onTimer(gen) })
}

// current returns the run context when gen is still the live generation.
func (s *Service) current(gen uint64) (context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gen != gen {
		return nil, false
	}
	return s.runCtx, true
}

func (s *Service) onTimer(gen uint64) {
	ctx, ok := s.current(gen)
	if !ok {
		return
	}
	_, _ = s.Tick(ctx, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.gen == gen {
		s.armLocked(gen)
	}
}

func (s *Service) onVisible(gen uint64) {
	ctx, ok := s.current(gen)
	if !ok {
		return
	}
	s.log.Debug("host visible; running catch-up tick")
	_, _ = s.Tick(ctx, true)
}
