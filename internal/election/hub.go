package election

import (
	"context"
	"sync"
)

// Hub connects in-process endpoints. Delivery is synchronous: Publish returns
// after every other endpoint's subscribers have run.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*hubEndpoint]struct{}
}

func NewHub() *Hub {
	return &Hub{endpoints: map[*hubEndpoint]struct{}{}}
}

// Endpoint returns a new Bus attached to the hub.
func (h *Hub) Endpoint() Bus {
	ep := &hubEndpoint{hub: h, subs: map[int]func(Message){}}
	h.mu.Lock()
	h.endpoints[ep] = struct{}{}
	h.mu.Unlock()
	return ep
}

// Endpoints reports how many endpoints are attached.
func (h *Hub) Endpoints() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints)
}

type hubEndpoint struct {
	hub *Hub

	mu     sync.Mutex
	subs   map[int]func(Message)
	seq    int
	closed bool
}

func (e *hubEndpoint) Publish(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	e.hub.mu.Lock()
	peers := make([]*hubEndpoint, 0, len(e.hub.endpoints))
	for p := range e.hub.endpoints {
		if p != e {
			peers = append(peers, p)
		}
	}
	e.hub.mu.Unlock()

	for _, p := range peers {
		for _, fn := range p.handlers() {
			fn(m)
		}
	}
	return nil
}

func (e *hubEndpoint) handlers() []func(Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(Message), 0, len(e.subs))
	for i := 1; i <= e.seq; i++ {
		if fn, ok := e.subs[i]; ok {
			out = append(out, fn)
		}
	}
	return out
}

func (e *hubEndpoint) Subscribe(fn func(Message)) func() {
	e.mu.Lock()
	e.seq++
	id := e.seq
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

func (e *hubEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.subs = map[int]func(Message){}
	e.mu.Unlock()

	e.hub.mu.Lock()
	delete(e.hub.endpoints, e)
	e.hub.mu.Unlock()
	return nil
}
