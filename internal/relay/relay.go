// Package relay carries events between replicas over a shared pub/sub
// channel and suppresses duplicates by per-origin sequence numbers.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/metrics"
)

// ErrClosed is returned by channels used after Close.
var ErrClosed = errors.New("relay channel closed")

// Channel is a named broadcast medium shared by all replicas.
type Channel interface {
	Publish(ctx context.Context, name string, data []byte) error
	// Subscribe calls handler for every message on name until ctx is done or
	// the subscription fails. It always returns a non-nil error.
	Subscribe(ctx context.Context, name string, handler func([]byte)) error
	Close() error
}

// Deliverer hands relayed events to local connections.
type Deliverer interface {
	DeliverLocal(ev event.Event) int
}

// Config tunes the relay.
type Config struct {
	ChannelName      string
	PublishQueue     int
	PublishTimeout   time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	SeenTTL          time.Duration
	SweepInterval    time.Duration
}

type seenKey struct {
	topic  string
	origin string
}

type seenEntry struct {
	sequence uint64
	at       time.Time
}

// Relay publishes local events and delivers sibling events locally.
type Relay struct {
	cfg     Config
	channel Channel
	codec   Codec
	local   Deliverer
	metrics *metrics.Metrics

	mu   sync.Mutex
	seen map[seenKey]*seenEntry

	queue chan event.Event
	now   func() time.Time
}

// New creates a relay. m may be nil.
func New(ch Channel, codec Codec, local Deliverer, cfg Config, m *metrics.Metrics) *Relay {
	if cfg.ChannelName == "" {
		cfg.ChannelName = "floodguard.events"
	}
	if cfg.PublishQueue <= 0 {
		cfg.PublishQueue = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectInitial {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Relay{
		cfg:     cfg,
		channel: ch,
		codec:   codec,
		local:   local,
		metrics: m,
		seen:    make(map[seenKey]*seenEntry),
		queue:   make(chan event.Event, cfg.PublishQueue),
		now:     time.Now,
	}
}

// Observe records ev and reports whether it is newer than anything seen
// for its (topic, origin) pair.
func (r *Relay) Observe(ev event.Event) bool {
	if ev.OriginInstance == "" {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := seenKey{topic: ev.Topic, origin: ev.OriginInstance}
	entry, ok := r.seen[k]
	if ok && ev.Sequence <= entry.sequence {
		return false
	}
	if !ok {
		entry = &seenEntry{}
		r.seen[k] = entry
	}
	entry.sequence = ev.Sequence
	entry.at = r.now()
	return true
}

// Publish queues ev for the shared channel without blocking. A full queue
// drops the event.
func (r *Relay) Publish(ev event.Event) {
	select {
	case r.queue <- ev:
	default:
		r.metrics.RelayEvent("queue_full")
		log.Warn().
			Str("code", "RELAY_UNAVAILABLE").
			Str("topic", ev.Topic).
			Uint64("sequence", ev.Sequence).
			Msg("relay publish queue full, event not relayed")
	}
}

// Run drives the relay until ctx is done: one publisher, one sweeper and
// the subscription loop.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()

	r.subscribeLoop(ctx)
	wg.Wait()
}

func (r *Relay) subscribeLoop(ctx context.Context) {
	delay := r.cfg.ReconnectInitial
	for {
		started := r.now()
		log.Info().Str("channel", r.cfg.ChannelName).Msg("relay subscribing")
		err := r.channel.Subscribe(ctx, r.cfg.ChannelName, r.handle)
		if ctx.Err() != nil {
			return
		}

		// A subscription that held for a while earns a fresh backoff.
		if r.now().Sub(started) > r.cfg.ReconnectMax {
			delay = r.cfg.ReconnectInitial
		}
		r.metrics.RelayReconnect()
		log.Warn().
			Err(err).
			Str("code", "RELAY_UNAVAILABLE").
			Dur("retry_in", delay).
			Msg("relay subscription lost")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = nextBackoff(delay, r.cfg.ReconnectMax)
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.queue:
			r.send(ctx, ev)
		}
	}
}

func (r *Relay) send(ctx context.Context, ev event.Event) {
	data, err := r.codec.Marshal(ev)
	if err != nil {
		r.metrics.RelayEvent("publish_failed")
		log.Error().Err(err).Str("topic", ev.Topic).Msg("relay encode failed")
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()
	if err := r.channel.Publish(pubCtx, r.cfg.ChannelName, data); err != nil {
		r.metrics.RelayEvent("publish_failed")
		log.Warn().
			Err(err).
			Str("code", "RELAY_UNAVAILABLE").
			Str("topic", ev.Topic).
			Uint64("sequence", ev.Sequence).
			Msg("relay publish failed")
		return
	}
	r.metrics.RelayEvent("published")
}

// handle processes one message from the shared channel. Relayed events are
// only delivered locally, never published again.
func (r *Relay) handle(data []byte) {
	var ev event.Event
	if err := r.codec.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		r.metrics.RelayEvent("undecodable")
		log.Debug().Err(err).Int("bytes", len(data)).Msg("dropping undecodable relay message")
		return
	}
	if ev.IsControl() {
		r.metrics.RelayEvent("undecodable")
		return
	}
	if !r.Observe(ev) {
		r.metrics.RelayEvent("duplicate")
		return
	}
	r.metrics.RelayEvent("received")
	r.local.DeliverLocal(ev)
}

func (r *Relay) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.sweep(); n > 0 {
				log.Debug().Int("removed", n).Msg("relay sequence table swept")
			}
		}
	}
}

// sweep forgets origins not heard from within SeenTTL.
func (r *Relay) sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.cfg.SeenTTL)
	removed := 0
	for k, entry := range r.seen {
		if entry.at.Before(cutoff) {
			delete(r.seen, k)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of (topic, origin) pairs remembered.
func (r *Relay) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit || next <= 0 {
		return limit
	}
	return next
}
