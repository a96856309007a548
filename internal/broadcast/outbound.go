package broadcast

import (
	"errors"
	"sync"
	"time"

	"github.com/floodguard/floodguard/internal/event"
	"github.com/floodguard/floodguard/internal/ratelimit"
)

// Overflow policies.
const (
	PolicyDropOldest = "drop_oldest"
	PolicyDisconnect = "disconnect"
)

// Close reasons reported by an Outbound.
const (
	ReasonSlowConsumer = "slow_consumer"
	ReasonClient       = "client_closed"
	ReasonWriteError   = "write_error"
	ReasonShutdown     = "shutdown"
)

var (
	// ErrClosed is returned by Send after the queue was closed.
	ErrClosed = errors.New("outbound closed")
	// ErrOverflow is returned when an event could not be queued because the
	// queue was full.
	ErrOverflow = errors.New("outbound queue overflow")
	// ErrRateLimited is returned when a routine event was suppressed by the
	// per-connection rate limit.
	ErrRateLimited = errors.New("connection rate limited")
)

// OutboundConfig bounds a single connection's outbound traffic.
type OutboundConfig struct {
	QueueSize         int
	Policy            string
	MaxOverflowStreak int
	RateWindow        time.Duration
	RateMax           int
	RateBuckets       int
}

// Outbound is a bounded FIFO of events waiting for one connection's writer.
// Send never blocks; a single writer drains it with Pop after Ready fires.
type Outbound struct {
	cfg OutboundConfig

	mu     sync.Mutex
	queue  []event.Event
	streak int
	rate   *ratelimit.Window
	closed bool
	reason string

	ready chan struct{}
	done  chan struct{}
	now   func() time.Time
}

// NewOutbound creates an empty queue.
func NewOutbound(cfg OutboundConfig) *Outbound {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyDropOldest
	}
	o := &Outbound{
		cfg:   cfg,
		queue: make([]event.Event, 0, cfg.QueueSize),
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
		now:   time.Now,
	}
	if cfg.RateMax > 0 && cfg.RateWindow > 0 {
		o.rate = ratelimit.NewWindow(cfg.RateWindow, cfg.RateBuckets)
	}
	return o
}

// Send queues ev. It returns ErrClosed, ErrRateLimited or ErrOverflow when
// the event was not queued; the queue itself may have been closed as a
// consequence of the overflow.
func (o *Outbound) Send(ev event.Event) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}

	if o.rate != nil && !ev.IsPriority() && !ev.IsControl() {
		now := o.now()
		if int(o.rate.Count(now)) >= o.cfg.RateMax {
			o.mu.Unlock()
			return ErrRateLimited
		}
		o.rate.Add(now, 1)
	}

	if len(o.queue) < o.cfg.QueueSize {
		o.queue = append(o.queue, ev)
		o.streak = 0
		o.mu.Unlock()
		o.signal()
		return nil
	}

	o.streak++
	if o.cfg.Policy == PolicyDisconnect || (o.cfg.MaxOverflowStreak > 0 && o.streak >= o.cfg.MaxOverflowStreak) {
		o.closeLocked(ReasonSlowConsumer)
		o.mu.Unlock()
		return ErrOverflow
	}

	victim := o.victim(ev)
	if victim < 0 {
		o.mu.Unlock()
		return ErrOverflow
	}
	o.queue = append(o.queue[:victim], o.queue[victim+1:]...)
	o.queue = append(o.queue, ev)
	o.mu.Unlock()
	o.signal()
	// The new event made it in, but an older one was lost.
	return ErrOverflow
}

// victim picks the index to evict for incoming, or -1 to drop incoming
// itself. Routine events go first; priority events are only displaced by
// other priority events. Caller holds o.mu.
func (o *Outbound) victim(incoming event.Event) int {
	for i, ev := range o.queue {
		if !ev.IsPriority() {
			return i
		}
	}
	if incoming.IsPriority() {
		return 0
	}
	return -1
}

func (o *Outbound) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest queued event.
func (o *Outbound) Pop() (event.Event, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.queue) == 0 {
		return event.Event{}, false
	}
	ev := o.queue[0]
	o.queue[0] = event.Event{}
	o.queue = o.queue[1:]
	return ev, true
}

// Ready fires after events were queued.
func (o *Outbound) Ready() <-chan struct{} {
	return o.ready
}

// Done is closed once the queue has been closed.
func (o *Outbound) Done() <-chan struct{} {
	return o.done
}

// Close closes the queue; later Sends return ErrClosed. Only the first
// reason is kept.
func (o *Outbound) Close(reason string) {
	o.mu.Lock()
	o.closeLocked(reason)
	o.mu.Unlock()
}

func (o *Outbound) closeLocked(reason string) {
	if o.closed {
		return
	}
	o.closed = true
	o.reason = reason
	o.queue = nil
	close(o.done)
}

// Reason returns why the queue was closed, or "" while open.
func (o *Outbound) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// Len returns the number of queued events.
func (o *Outbound) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
