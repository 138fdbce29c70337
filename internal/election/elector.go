package election

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"ruleflow/internal/clock"
	logx "ruleflow/pkg/logx"
)

// State is an elector's role.
type State int

const (
	Candidate State = iota
	Leader
	Follower
)

func (s State) String() string {
	switch s {
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	default:
		return "candidate"
	}
}

// Config holds the protocol timings. Zero values take the defaults.
type Config struct {
	ClaimWindow       time.Duration // default 2s
	HeartbeatInterval time.Duration // default 30s
	LeaderTimeout     time.Duration // default 60s
	ResignJitter      time.Duration // default 500ms
}

func (c Config) withDefaults() Config {
	if c.ClaimWindow <= 0 {
		c.ClaimWindow = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LeaderTimeout <= 0 {
		c.LeaderTimeout = 60 * time.Second
	}
	if c.ResignJitter <= 0 {
		c.ResignJitter = 500 * time.Millisecond
	}
	return c
}

// Unloader notifies when the host is about to go away.
type Unloader interface {
	OnUnload(fn func()) (remove func())
}

// Options are the collaborators of an Elector.
type Options struct {
	// TabID identifies this elector; a random UUID when empty. Lower ids win.
	TabID string
	// Bus is the shared broadcast channel. A nil Bus means leadership is
	// uncontested.
	Bus       Bus
	Clock     clock.Clock
	Log       logx.Logger
	Unload    Unloader
	OnElected func()
	OnDemoted func()
	// Jitter returns a delay in [0, max]; random when nil.
	Jitter func(max time.Duration) time.Duration
}

// Elector runs the claim/heartbeat protocol for one participant.
type Elector struct {
	cfg    Config
	tabID  string
	bus    Bus
	clk    clock.Clock
	log    logx.Logger
	unload Unloader
	onUp   func()
	onDown func()
	jitter func(time.Duration) time.Duration

	mu          sync.Mutex
	state       State
	started     bool
	destroyed   bool
	knownLeader string
	timers      [timerCount]clock.Timer
	timerSeq    [timerCount]uint64
	unsub       func()
	removeHook  func()
}

type timerKind int

const (
	claimTimer timerKind = iota
	heartbeatTimer
	timeoutTimer
	resignTimer
	timerCount
)

// effects are the side effects of a state change, run after the lock is
// released.
type effects struct {
	publish []MessageType
	elected bool
	demoted bool
}

func New(cfg Config, opts Options) *Elector {
	if opts.TabID == "" {
		opts.TabID = uuid.NewString()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}
	return &Elector{
		cfg:    cfg.withDefaults(),
		tabID:  opts.TabID,
		bus:    opts.Bus,
		clk:    opts.Clock,
		log:    opts.Log.With(logx.String("tab", opts.TabID)),
		unload: opts.Unload,
		onUp:   opts.OnElected,
		onDown: opts.OnDemoted,
		jitter: opts.Jitter,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

func (e *Elector) TabID() string { return e.tabID }

func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Leader
}

func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start joins the election. It is a no-op after the first call or after
// Destroy.
func (e *Elector) Start() {
	e.mu.Lock()
	if e.started || e.destroyed {
		e.mu.Unlock()
		return
	}
	e.started = true

	if e.bus == nil {
		e.state = Leader
		e.knownLeader = e.tabID
		e.mu.Unlock()
		e.log.Info("no election bus; assuming leadership")
		e.run(effects{elected: true})
		return
	}
	e.mu.Unlock()

	// Subscribe before claiming so that replies to the claim are seen.
	unsub := e.bus.Subscribe(e.handle)
	var remove func()
	if e.unload != nil {
		remove = e.unload.OnUnload(e.Resign)
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		unsub()
		if remove != nil {
			remove()
		}
		return
	}
	e.unsub = unsub
	e.removeHook = remove
	fx := e.claimLocked()
	e.mu.Unlock()
	e.run(fx)
}

// claimLocked (re)enters the candidate state and broadcasts a claim.
func (e *Elector) claimLocked() effects {
	e.state = Candidate
	e.knownLeader = ""
	e.stopLocked(heartbeatTimer)
	e.armLocked(claimTimer, e.cfg.ClaimWindow, e.onClaimWindow)
	e.armLocked(timeoutTimer, e.cfg.LeaderTimeout, e.onLeaderTimeout)
	return effects{publish: []MessageType{MsgClaim}}
}

func (e *Elector) armLocked(k timerKind, d time.Duration, fn func(seq uint64)) {
	e.stopLocked(k)
	e.timerSeq[k]++
	seq := e.timerSeq[k]
	e.timers[k] = e.clk.AfterFunc(d, func() { fn(seq) })
}

func (e *Elector) stopLocked(k timerKind) {
	e.timerSeq[k]++
	if e.timers[k] != nil {
		e.timers[k].Stop()
		e.timers[k] = nil
	}
}

// liveLocked reports whether a timer callback with seq is still current.
func (e *Elector) liveLocked(k timerKind, seq uint64) bool {
	if e.destroyed || e.timerSeq[k] != seq {
		return false
	}
	e.timers[k] = nil
	return true
}

func (e *Elector) onClaimWindow(seq uint64) {
	e.mu.Lock()
	if !e.liveLocked(claimTimer, seq) || e.state != Candidate {
		e.mu.Unlock()
		return
	}
	fx := e.becomeLeaderLocked()
	e.mu.Unlock()
	e.log.Info("elected leader")
	e.run(fx)
}

func (e *Elector) becomeLeaderLocked() effects {
	e.state = Leader
	e.knownLeader = e.tabID
	e.stopLocked(timeoutTimer)
	e.stopLocked(resignTimer)
	e.armLocked(heartbeatTimer, e.cfg.HeartbeatInterval, e.onHeartbeatTick)
	return effects{elected: true, publish: []MessageType{MsgHeartbeat}}
}

func (e *Elector) onHeartbeatTick(seq uint64) {
	e.mu.Lock()
	if !e.liveLocked(heartbeatTimer, seq) || e.state != Leader {
		e.mu.Unlock()
		return
	}
	e.armLocked(heartbeatTimer, e.cfg.HeartbeatInterval, e.onHeartbeatTick)
	e.mu.Unlock()
	e.run(effects{publish: []MessageType{MsgHeartbeat}})
}

func (e *Elector) onLeaderTimeout(seq uint64) {
	e.mu.Lock()
	if !e.liveLocked(timeoutTimer, seq) || e.state == Leader {
		e.mu.Unlock()
		return
	}
	fx := e.claimLocked()
	e.mu.Unlock()
	e.log.Info("leader heartbeat timed out; claiming")
	e.run(fx)
}

func (e *Elector) onResignJitter(seq uint64) {
	e.mu.Lock()
	if !e.liveLocked(resignTimer, seq) || e.state == Leader {
		e.mu.Unlock()
		return
	}
	fx := e.claimLocked()
	e.mu.Unlock()
	e.run(fx)
}

// stepDownLocked moves to follower and waits for heartbeats.
func (e *Elector) stepDownLocked() effects {
	var fx effects
	if e.state == Leader {
		fx.demoted = true
	}
	e.state = Follower
	e.stopLocked(claimTimer)
	e.stopLocked(heartbeatTimer)
	if e.bus != nil {
		e.armLocked(timeoutTimer, e.cfg.LeaderTimeout, e.onLeaderTimeout)
	}
	return fx
}

func (e *Elector) handle(m Message) {
	if m.TabID == "" || m.TabID == e.tabID {
		return
	}
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	var fx effects
	switch m.Type {
	case MsgClaim:
		fx = e.onClaimLocked(m.TabID)
	case MsgHeartbeat:
		fx = e.onHeartbeatLocked(m.TabID)
	case MsgResign:
		fx = e.onResignLocked(m.TabID)
	}
	state := e.state
	e.mu.Unlock()
	if fx.demoted {
		e.log.Info("lost leadership", logx.String("to", m.TabID))
	}
	e.log.Trace("election message", logx.String("type", string(m.Type)), logx.String("from", m.TabID), logx.String("state", state.String()))
	e.run(fx)
}

func (e *Elector) onClaimLocked(other string) effects {
	if other < e.tabID {
		return e.stepDownLocked()
	}
	switch e.state {
	case Leader:
		// The contest is already resolved; tell the newcomer.
		return effects{publish: []MessageType{MsgHeartbeat}}
	case Candidate:
		// A newcomer may not have heard our claim yet.
		e.armLocked(timeoutTimer, e.cfg.LeaderTimeout, e.onLeaderTimeout)
		return effects{publish: []MessageType{MsgClaim}}
	default:
		e.armLocked(timeoutTimer, e.cfg.LeaderTimeout, e.onLeaderTimeout)
		return effects{}
	}
}

func (e *Elector) onHeartbeatLocked(other string) effects {
	if e.state == Leader {
		if other < e.tabID {
			e.knownLeader = other
			return e.stepDownLocked()
		}
		return effects{}
	}
	e.knownLeader = other
	if e.state == Candidate && other < e.tabID {
		return e.stepDownLocked()
	}
	e.armLocked(timeoutTimer, e.cfg.LeaderTimeout, e.onLeaderTimeout)
	return effects{}
}

func (e *Elector) onResignLocked(other string) effects {
	if e.state == Leader {
		return effects{}
	}
	if e.knownLeader != "" && e.knownLeader != other {
		return effects{}
	}
	e.knownLeader = ""
	d := e.jitter(e.cfg.ResignJitter)
	e.armLocked(resignTimer, d, e.onResignJitter)
	return effects{}
}

// Resign gives up leadership and tells the others, e.g. before the host
// unloads. It is a no-op unless this elector leads.
func (e *Elector) Resign() {
	e.mu.Lock()
	if e.destroyed || e.state != Leader {
		e.mu.Unlock()
		return
	}
	fx := e.stepDownLocked()
	if e.bus != nil {
		fx.publish = append(fx.publish, MsgResign)
	}
	e.mu.Unlock()
	e.log.Info("resigned leadership")
	e.run(fx)
}

// Destroy steps down, cancels every timer, detaches from the host and closes
// the bus. It is safe to call more than once.
func (e *Elector) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	wasLeader := e.state == Leader
	e.state = Follower
	e.destroyed = true
	for k := timerKind(0); k < timerCount; k++ {
		e.stopLocked(k)
	}
	unsub, remove := e.unsub, e.removeHook
	e.unsub, e.removeHook = nil, nil
	fx := effects{demoted: wasLeader}
	if wasLeader && e.bus != nil {
		fx.publish = []MessageType{MsgResign}
	}
	e.mu.Unlock()

	e.run(fx)
	if unsub != nil {
		unsub()
	}
	if remove != nil {
		remove()
	}
	if e.bus != nil {
		if err := e.bus.Close(); err != nil {
			e.log.Debug("close election bus", logx.Err(err))
		}
	}
	e.log.Debug("elector destroyed")
}

func (e *Elector) run(fx effects) {
	for _, t := range fx.publish {
		if e.bus == nil {
			break
		}
		if err := e.bus.Publish(context.Background(), Message{Type: t, TabID: e.tabID}); err != nil {
			e.log.Warn("election publish failed", logx.String("type", string(t)), logx.Err(err))
		}
	}
	if fx.demoted && e.onDown != nil {
		e.onDown()
	}
	if fx.elected && e.onUp != nil {
		e.onUp()
	}
}
