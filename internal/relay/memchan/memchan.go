// Package memchan is an in-process relay channel. Every Endpoint created
// from the same Bus sees the messages published by the others, which makes
// it suitable for single-instance deployments and multi-replica tests.
package memchan

import (
	"context"
	"errors"
	"sync"

	"github.com/floodguard/floodguard/internal/relay"
)

// ErrDisconnected is returned by Subscribe when the bus severed the
// subscription.
var ErrDisconnected = errors.New("memchan: subscription severed")

const subscriberBuffer = 256

type subscription struct {
	name  string
	msgs  chan []byte
	sever chan struct{}
	once  sync.Once
}

func (s *subscription) cut() {
	s.once.Do(func() { close(s.sever) })
}

// Bus is the shared medium.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
	down bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

// Endpoint returns a new relay.Channel attached to the bus.
func (b *Bus) Endpoint() *Endpoint {
	return &Endpoint{bus: b, done: make(chan struct{})}
}

// Sever drops every live subscription, as a broker restart would.
func (b *Bus) Sever() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.cut()
		delete(b.subs, s)
	}
}

// SetDown makes publishes and new subscriptions fail until called with
// false.
func (b *Bus) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
	if down {
		b.Sever()
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) publish(ctx context.Context, name string, data []byte) error {
	b.mu.RLock()
	if b.down {
		b.mu.RUnlock()
		return ErrDisconnected
	}
	targets := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		if s.name == name {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		msg := append([]byte(nil), data...)
		select {
		case s.msgs <- msg:
		case <-s.sever:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Bus) add(name string) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return nil, ErrDisconnected
	}
	s := &subscription{
		name:  name,
		msgs:  make(chan []byte, subscriberBuffer),
		sever: make(chan struct{}),
	}
	b.subs[s] = struct{}{}
	return s, nil
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Endpoint is one replica's connection to a Bus.
type Endpoint struct {
	bus  *Bus
	once sync.Once
	done chan struct{}
}

// Publish sends data to every subscription on name, including this
// endpoint's own.
func (e *Endpoint) Publish(ctx context.Context, name string, data []byte) error {
	select {
	case <-e.done:
		return relay.ErrClosed
	default:
	}
	return e.bus.publish(ctx, name, data)
}

// Subscribe delivers messages on name to handler until ctx is done, the
// endpoint is closed, or the bus severs the subscription.
func (e *Endpoint) Subscribe(ctx context.Context, name string, handler func([]byte)) error {
	s, err := e.bus.add(name)
	if err != nil {
		return err
	}
	defer e.bus.remove(s)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return relay.ErrClosed
		case <-s.sever:
			return ErrDisconnected
		case msg := <-s.msgs:
			handler(msg)
		}
	}
}

// Close detaches the endpoint.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

var _ relay.Channel = (*Endpoint)(nil)
