// Package ratelimit implements fixed-size, time-windowed counters used to
// throttle devices and subscriber connections.
package ratelimit

import "time"

// DefaultBuckets is the resolution of a Window when none is given.
const DefaultBuckets = 10

// Window is a sliding-window counter approximated by a ring of buckets.
// Memory use is fixed regardless of traffic. Not safe for concurrent use;
// callers serialize access.
type Window struct {
	width  time.Duration
	counts []uint32
	epochs []int64
}

// NewWindow creates a counter over span split into buckets slots.
func NewWindow(span time.Duration, buckets int) *Window {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	width := span / time.Duration(buckets)
	if width <= 0 {
		width = time.Nanosecond
	}
	return &Window{
		width:  width,
		counts: make([]uint32, buckets),
		epochs: make([]int64, buckets),
	}
}

func (w *Window) slot(now time.Time) (int, int64) {
	epoch := now.UnixNano() / int64(w.width)
	return int(epoch % int64(len(w.counts))), epoch
}

// Add records n hits at now and returns the windowed total.
func (w *Window) Add(now time.Time, n uint32) uint32 {
	i, epoch := w.slot(now)
	if w.epochs[i] != epoch {
		w.epochs[i] = epoch
		w.counts[i] = 0
	}
	w.counts[i] += n
	return w.Count(now)
}

// Count returns the number of hits within the window ending at now.
func (w *Window) Count(now time.Time) uint32 {
	_, current := w.slot(now)
	oldest := current - int64(len(w.counts)) + 1
	var total uint32
	for i, epoch := range w.epochs {
		if epoch >= oldest && epoch <= current {
			total += w.counts[i]
		}
	}
	return total
}

// Reset clears all buckets.
func (w *Window) Reset() {
	for i := range w.counts {
		w.counts[i] = 0
		w.epochs[i] = 0
	}
}
