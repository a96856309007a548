package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// DeviceConfig configures per-device throttling.
type DeviceConfig struct {
	Window            time.Duration // request counting window
	MaxRequests       int           // requests allowed per Window
	AuthFailureWindow time.Duration // authentication failure counting window
	MaxAuthFailures   int           // failures allowed per AuthFailureWindow
	BlockDuration     time.Duration // reject-all period once a limit trips
	Buckets           int           // window resolution
	MaxTracked        int           // upper bound on tracked devices
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// Tripped is true on the call that moved the device into the blocked state.
	Tripped bool
}

// maxEvictSkips bounds how many blocked entries one eviction steps over
// before it drops the least recently seen entry regardless.
const maxEvictSkips = 8

type deviceState struct {
	id           string
	requests     *Window
	authFailures *Window
	blockedUntil time.Time
	elem         *list.Element
}

// Devices tracks per-device request rates and authentication failures.
type Devices struct {
	mu      sync.Mutex
	cfg     DeviceConfig
	devices map[string]*deviceState
	recency *list.List // front is the most recently seen device
	now     func() time.Time
}

// NewDevices creates a device limiter.
func NewDevices(cfg DeviceConfig) *Devices {
	if cfg.MaxTracked <= 0 {
		cfg.MaxTracked = 100000
	}
	return &Devices{
		cfg:     cfg,
		devices: make(map[string]*deviceState),
		recency: list.New(),
		now:     time.Now,
	}
}

// Allow admits one request from deviceID, independent of signature validity.
func (d *Devices) Allow(deviceID string) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	st := d.state(deviceID, now)

	if now.Before(st.blockedUntil) {
		return Decision{Allowed: false, RetryAfter: st.blockedUntil.Sub(now)}
	}

	if d.cfg.MaxRequests > 0 && int(st.requests.Add(now, 1)) > d.cfg.MaxRequests {
		st.blockedUntil = now.Add(d.cfg.BlockDuration)
		st.requests.Reset()
		return Decision{Allowed: false, RetryAfter: d.cfg.BlockDuration, Tripped: true}
	}

	return Decision{Allowed: true}
}

// RecordAuthFailure counts a failed verification. It returns true when the
// failure moved the device into the blocked state.
func (d *Devices) RecordAuthFailure(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	st := d.state(deviceID, now)
	if d.cfg.MaxAuthFailures <= 0 {
		return false
	}
	if int(st.authFailures.Add(now, 1)) >= d.cfg.MaxAuthFailures && !now.Before(st.blockedUntil) {
		st.blockedUntil = now.Add(d.cfg.BlockDuration)
		st.authFailures.Reset()
		return true
	}
	return false
}

// Blocked reports whether deviceID is currently in the reject-all state.
func (d *Devices) Blocked(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.devices[deviceID]
	return ok && d.now().Before(st.blockedUntil)
}

// Tracked returns the number of devices currently held in memory.
func (d *Devices) Tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// state returns the entry for deviceID, creating it and evicting another
// if the tracked set is full. Caller holds d.mu.
func (d *Devices) state(deviceID string, now time.Time) *deviceState {
	if st, ok := d.devices[deviceID]; ok {
		d.recency.MoveToFront(st.elem)
		return st
	}
	if len(d.devices) >= d.cfg.MaxTracked {
		d.evict(now)
	}
	st := &deviceState{
		id:           deviceID,
		requests:     NewWindow(d.cfg.Window, d.cfg.Buckets),
		authFailures: NewWindow(d.cfg.AuthFailureWindow, d.cfg.Buckets),
	}
	st.elem = d.recency.PushFront(st)
	d.devices[deviceID] = st
	return st
}

// evict drops the least recently seen entry. Blocked entries are passed over
// up to maxEvictSkips times so a burst of new ids cannot lift a block.
// Caller holds d.mu.
func (d *Devices) evict(now time.Time) {
	for i := 0; i < maxEvictSkips; i++ {
		back := d.recency.Back()
		if back == nil {
			return
		}
		st := back.Value.(*deviceState)
		if !now.Before(st.blockedUntil) {
			d.remove(st)
			return
		}
		d.recency.MoveToFront(back)
	}
	if back := d.recency.Back(); back != nil {
		d.remove(back.Value.(*deviceState))
	}
}

func (d *Devices) remove(st *deviceState) {
	d.recency.Remove(st.elem)
	delete(d.devices, st.id)
}
