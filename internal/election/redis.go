package election

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	logx "ruleflow/pkg/logx"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "ruleflow:election"

// RedisBus broadcasts election messages over a Redis pub/sub channel, so
// electors in separate processes can contest leadership. Delivery is
// asynchronous, on a single goroutine per bus.
type RedisBus struct {
	rdb     *redis.Client
	ownsRDB bool
	channel string
	origin  string
	log     logx.Logger
	ps      *redis.PubSub

	mu     sync.Mutex
	subs   map[int]func(Message)
	seq    int
	closed bool
	done   chan struct{}
}

type envelope struct {
	Origin string  `json:"origin"`
	Msg    Message `json:"msg"`
}

// DialRedis connects to url (redis://...) and returns a bus that owns the
// client.
func DialRedis(ctx context.Context, url, channel string, log logx.Logger) (*RedisBus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	b, err := NewRedisBus(ctx, rdb, channel, log)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	b.ownsRDB = true
	return b, nil
}

// NewRedisBus subscribes to channel and returns once the subscription is
// confirmed, so no message published afterwards is missed.
func NewRedisBus(ctx context.Context, rdb *redis.Client, channel string, log logx.Logger) (*RedisBus, error) {
	if channel == "" {
		channel = DefaultChannel
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ps := rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	b := &RedisBus{
		rdb:     rdb,
		channel: channel,
		origin:  uuid.NewString(),
		log:     log,
		ps:      ps,
		subs:    map[int]func(Message){},
		done:    make(chan struct{}),
	}
	go b.loop(ps.Channel())
	return b, nil
}

func (b *RedisBus) loop(ch <-chan *redis.Message) {
	defer close(b.done)
	for rm := range ch {
		var env envelope
		if err := json.Unmarshal([]byte(rm.Payload), &env); err != nil {
			b.log.Debug("dropping malformed election message", logx.Err(err))
			continue
		}
		if env.Origin == b.origin {
			continue
		}
		for _, fn := range b.handlers() {
			fn(env.Msg)
		}
	}
}

func (b *RedisBus) handlers() []func(Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]func(Message), 0, len(b.subs))
	for i := 1; i <= b.seq; i++ {
		if fn, ok := b.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (b *RedisBus) Publish(ctx context.Context, m Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	payload, err := json.Marshal(envelope{Origin: b.origin, Msg: m})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(fn func(Message)) func() {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close unsubscribes, waits for the delivery goroutine and closes the client
// when the bus owns it.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = map[int]func(Message){}
	b.mu.Unlock()

	err := b.ps.Close()
	<-b.done
	if b.ownsRDB {
		if cerr := b.rdb.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
