//
//
// Package broadcast delivers derived events to local subscriber connections
// and hands them to the cross-instance relay.
package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/metrics"
	"github.com/floodguard/floodguard/internal/registry"
)

// Relay is the cross-instance side of dispatch.
type Relay interface {
	// Observe records ev as seen and reports whether it is new.
	Observe(ev event.Event) bool
	// Publish hands ev to sibling instances without blocking.
	Publish(ev event.Event)
}

// Config controls dispatcher timing.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration
	StopTimeout       time.Duration
}

// Dispatcher fans events out to the connections in a registry.
//
// LOCK ORDERING: d.mu is never held while calling into the registry or a
// connection. Registry reads return snapshots, so a slow or vanished
// connection cannot stall the others. d.order is taken before the registry
// lock and covers only non-blocking work.
type Dispatcher struct {
	mu        sync.RWMutex
	registry  *registry.Registry
	relay     Relay
	sequencer *event.Sequencer
	metrics   *metrics.Metrics
	config    Config

	// order makes sequence allocation, local delivery and the relay
	// enqueue one step, so siblings never see N+1 before N.
	order sync.Mutex

	heartbeatTicker *time.Ticker

	// Synchronization for shutdown
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher over reg. m may be nil.
func NewDispatcher(reg *registry.Registry, cfg Config, m *metrics.Metrics) *Dispatcher {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Dispatcher{
		registry: reg,
		metrics:  m,
		config:   cfg,
		done:     make(chan struct{}),
	}
}

// SetRelay attaches the cross-instance relay. Without one, Dispatch only
// delivers locally.
func (d *Dispatcher) SetRelay(r Relay) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relay = r
}

// SetSequencer makes Dispatch stamp origin and sequence on routable events.
func (d *Dispatcher) SetSequencer(s *event.Sequencer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sequencer = s
}

func (d *Dispatcher) getRelay() Relay {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.relay
}

func (d *Dispatcher) getSequencer() *event.Sequencer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sequencer
}

// Dispatch stamps a locally originated event, delivers it to local
// connections and publishes it once to sibling instances. It returns the
// event as stamped and never blocks on I/O.
func (d *Dispatcher) Dispatch(ev event.Event) event.Event {
	select {
	case <-d.done:
		return ev
	default:
	}

	if ev.IsControl() {
		d.DeliverLocal(ev)
		return ev
	}

	rl := d.getRelay()
	seq := d.getSequencer()

	d.order.Lock()
	if seq != nil {
		ev = seq.Stamp(ev)
	}
	if rl != nil {
		// Mark our own event seen first so its echo from the shared channel
		// is suppressed like any other duplicate.
		rl.Observe(ev)
	}
	n := d.DeliverLocal(ev)
	if rl != nil {
		rl.Publish(ev)
	}
	d.order.Unlock()

	log.Debug().
		Str("topic", ev.Topic).
		Str("type", ev.Type).
		Uint64("sequence", ev.Sequence).
		Int("local_recipients", n).
		Msg("event dispatched")
	return ev
}

// DeliverLocal sends ev to every local connection subscribed to its topic
// and returns how many queued it. Per-connection failures are counted and
// otherwise ignored.
func (d *Dispatcher) DeliverLocal(ev event.Event) int {
	delivered := 0
	for _, id := range d.registry.List(ev.Topic) {
		if d.sendTo(id, ev) {
			delivered++
		}
	}
	return delivered
}

func (d *Dispatcher) sendTo(id string, ev event.Event) bool {
	rec, ok := d.registry.Lookup(id)
	if !ok {
		// Unregistered after the snapshot was taken.
		d.metrics.Dropped("gone")
		return false
	}

	err := rec.Conn.Send(ev)
	switch {
	case err == nil:
		d.metrics.Delivered()
		return true
	case errors.Is(err, ErrClosed):
		d.metrics.Dropped("closed")
	case errors.Is(err, ErrRateLimited):
		d.metrics.Dropped("rate_limited")
	case errors.Is(err, ErrOverflow):
		d.metrics.Dropped("overflow")
		log.Warn().Str("connection_id", id).Str("type", ev.Type).Msg("subscriber queue overflow")
	default:
		d.metrics.Dropped("error")
		log.Warn().Err(err).Str("connection_id", id).Msg("subscriber send failed")
	}
	return false
}

// Start begins the heartbeat loop.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.heartbeatTicker != nil || d.config.HeartbeatInterval <= 0 {
		return
	}

	// Add jitter to prevent thundering herd
	interval := d.config.HeartbeatInterval + time.Duration(float64(d.config.HeartbeatJitter)*0.5)
	d.heartbeatTicker = time.NewTicker(interval)
	ticker := d.heartbeatTicker

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				d.sendHeartbeat()
			case <-d.done:
				return
			}
		}
	}()
}

// sendHeartbeat sends a heartbeat to every local connection. Never relayed.
func (d *Dispatcher) sendHeartbeat() {
	hb := event.Control(event.TypeHeartbeat, map[string]interface{}{
		"ts":          time.Now().UTC().Format(time.RFC3339),
		"connections": d.registry.Count(),
	})
	for _, id := range d.registry.All() {
		d.sendTo(id, hb)
	}
}

// Stop ends the heartbeat, closes every local connection and waits for
// background goroutines.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)

		d.mu.Lock()
		if d.heartbeatTicker != nil {
			d.heartbeatTicker.Stop()
			d.heartbeatTicker = nil
		}
		d.mu.Unlock()

		waited := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(waited)
		}()

		select {
		case <-waited:
		case <-time.After(d.config.StopTimeout):
			log.Warn().Dur("timeout", d.config.StopTimeout).Msg("dispatcher stop timed out")
		}

		for _, id := range d.registry.All() {
			if rec, ok := d.registry.Lookup(id); ok {
				rec.Conn.Close(ReasonShutdown)
			}
		}
	})
}
