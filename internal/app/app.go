// Package app wires the ruleflow daemon: config, logging, storage, the
// scheduler, leader election, bulk operations and the process host.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ruleflow/internal/bulk"
	"ruleflow/internal/clock"
	"ruleflow/internal/config"
	"ruleflow/internal/election"
	"ruleflow/internal/eventbus"
	"ruleflow/internal/host"
	"ruleflow/internal/scheduler"
	"ruleflow/internal/storage"
	"ruleflow/internal/supervisor"
	logx "ruleflow/pkg/logx"
)

// Leadership events published on the app bus.
const (
	EventElected = "election.elected"
	EventDemoted = "election.demoted"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	clk  clock.Clock
	bus  eventbus.Bus

	store storage.Store
	host  *host.Host
	sched *scheduler.Service
	bulk  *bulk.Service

	opts     options
	election electionSettings
	elector  *election.Elector

	// schedEnabled mirrors scheduler.enabled; leadership only starts the
	// scheduler while it is set.
	schedEnabled atomic.Bool

	stopOnce sync.Once
}

type options struct {
	clk   clock.Clock
	hub   *election.Hub
	tabID string
	log   *logx.Logger
}

type Option func(*options)

// WithClock replaces the system clock.
func WithClock(clk clock.Clock) Option { return func(o *options) { o.clk = clk } }

// WithElectionHub makes the "memory" election driver join h instead of a
// private hub, so several apps in one process contest leadership.
func WithElectionHub(h *election.Hub) Option { return func(o *options) { o.hub = h } }

// WithTabID fixes the elector id (random by default).
func WithTabID(id string) Option { return func(o *options) { o.tabID = id } }

// WithLogger replaces the logger built from the logging config section.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = &log } }

// NewApp loads the config at cfgPath and builds every component without
// starting any of them. Commands that only touch rules use the returned App
// directly and Close it; the daemon calls Start and Stop.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.clk == nil {
		o.clk = clock.System{}
	}

	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if o.log != nil {
		log = *o.log
	} else {
		logSvc, log = logx.New(mapLoggingConfig(cfg))
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	hostCfg, err := mapHostConfig(cfg)
	if err != nil {
		return nil, err
	}
	elect, err := mapElectionConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Debug("storage opened", logx.String("driver", storeCfg.Driver))

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		clk:      o.clk,
		bus:      eventbus.New(o.clk),
		store:    store,
		opts:     o,
		election: elect,
	}
	a.schedEnabled.Store(schedCfg.Enabled)
	a.host = host.New(hostCfg, o.clk, log.With(logx.String("comp", "host")))
	a.sched = scheduler.New(schedCfg, scheduler.Deps{
		Rules:          store.Rules(),
		Tasks:          store.Tasks(),
		Clock:          o.clk,
		OnRuleFired:    a.recordFire,
		OnTickComplete: a.onTickComplete,
		Visibility:     a.host,
		Bus:            a.bus,
		Log:            log.With(logx.String("comp", "scheduler")),
	})
	a.bulk = bulk.New(store.Rules(), o.clk, log.With(logx.String("comp", "bulk")))
	return a, nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Rules() storage.RuleRepository { return a.store.Rules() }
func (a *App) Tasks() storage.TaskRepository { return a.store.Tasks() }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Bulk() *bulk.Service           { return a.bulk }
func (a *App) Host() *host.Host              { return a.host }

// Elector is nil until Start.
func (a *App) Elector() *election.Elector { return a.elector }

// IsLeader reports whether this process currently runs the scheduler loop.
func (a *App) IsLeader() bool { return a.elector != nil && a.elector.IsLeader() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start runs the background loops and joins the leader election. The
// scheduler starts when this process is elected.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go("host", a.host.Run)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	a.sup.Go("config.reload", a.reloadLoop)

	bus := a.openElectionBus(runCtx)
	a.elector = election.New(a.election.Timing, election.Options{
		TabID:     a.opts.tabID,
		Bus:       bus,
		Clock:     a.clk,
		Log:       a.log.With(logx.String("comp", "election")),
		Unload:    a.host,
		OnElected: func() { a.onElected(runCtx) },
		OnDemoted: a.onDemoted,
	})
	a.elector.Start()

	a.log.Info("app started",
		logx.String("election", a.election.Driver),
		logx.String("tab", a.elector.TabID()),
		logx.Bool("scheduler_enabled", a.schedEnabled.Load()),
	)
	return nil
}

// openElectionBus returns nil when election is off or the bus cannot be
// reached, which makes this process the leader.
func (a *App) openElectionBus(ctx context.Context) election.Bus {
	switch a.election.Driver {
	case "memory":
		hub := a.opts.hub
		if hub == nil {
			hub = election.NewHub()
		}
		return hub.Endpoint()
	case "redis":
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		bus, err := election.DialRedis(dialCtx, a.election.RedisURL, a.election.Channel, a.log.With(logx.String("comp", "election.redis")))
		if err != nil {
			a.log.Warn("election bus unavailable; running as leader", logx.Err(err))
			return nil
		}
		return bus
	default:
		return nil
	}
}

func (a *App) onElected(ctx context.Context) {
	a.log.Info("elected leader")
	a.bus.Publish(eventbus.Event{Type: EventElected, Data: a.elector.TabID()})
	if !a.schedEnabled.Load() {
		a.log.Info("scheduler disabled via config; not starting")
		return
	}
	a.sched.Start(ctx)
}

func (a *App) onDemoted() {
	a.log.Info("lost leadership")
	a.bus.Publish(eventbus.Event{Type: EventDemoted})
	a.sched.Stop()
}

// Stop shuts the daemon down: leadership is released first so another
// process can take over, then the scheduler, background loops and storage.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a step that does not is reported and left behind.
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Err(stepCtx.Err()))
			errs = append(errs, fmt.Errorf("%s: %w", name, stepCtx.Err()))
		}
	}

	step("host.unload", time.Second, func(context.Context) error { a.host.Unload(); return nil })
	if a.elector != nil {
		step("election", 2*time.Second, func(context.Context) error { a.elector.Destroy(); return nil })
	}
	step("scheduler", 2*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	if a.sup != nil {
		step("supervisor", 3*time.Second, func(c context.Context) error {
			if err := a.sup.Stop(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	if a.sup != nil {
		started, active := a.sup.Counters()
		a.log.Debug("supervisor counters", logx.Uint64("started", started), logx.Int64("active", active))
	}

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// Close releases an App that was never started.
func (a *App) Close() error {
	return a.Stop(context.Background(), StopCommand)
}
