// Package ringchan provides a bounded channel that drops the oldest entry
// instead of blocking the producer.
package ringchan

import "sync/atomic"

// Ring is a bounded FIFO with overwrite-oldest semantics. Producers never
// block; consumers read from C() like a normal channel or use Receive to be
// counted in Stats.
//
// The outbound MQTT queue and the scanner event feed both sit on a Ring, so a
// stalled broker or a slow terminal costs old messages, never the dispatch loop.
type Ring[T any] struct {
	ch    chan T
	stats Stats
}

// New creates a Ring holding at most capacity values.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. Reads through it are not counted as delivered.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Push inserts v, evicting the oldest value when full. It reports whether
// something was evicted.
func (r *Ring[T]) Push(v T) (evicted bool) {
	for {
		select {
		case r.ch <- v:
			atomic.AddInt64(&r.stats.Pushed, 1)
			return evicted
		default:
		}
		// a concurrent consumer may empty the slot first; retry the send then
		select {
		case <-r.ch:
			atomic.AddInt64(&r.stats.Evicted, 1)
			evicted = true
		default:
		}
	}
}

// TryPush inserts v only if there is room.
func (r *Ring[T]) TryPush(v T) bool {
	select {
	case r.ch <- v:
		atomic.AddInt64(&r.stats.Pushed, 1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value arrives or the ring is closed.
func (r *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-r.ch
	if ok {
		atomic.AddInt64(&r.stats.Delivered, 1)
	}
	return
}

// TryReceive returns immediately with (zero, false) when the ring is empty.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		if ok {
			atomic.AddInt64(&r.stats.Delivered, 1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered values.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return cap(r.ch)
}

// Close closes the receive side. Pushing after Close panics.
func (r *Ring[T]) Close() {
	close(r.ch)
}

// Stats returns a point-in-time copy of the counters.
func (r *Ring[T]) Stats() Stats {
	return Stats{
		Pushed:    atomic.LoadInt64(&r.stats.Pushed),
		Evicted:   atomic.LoadInt64(&r.stats.Evicted),
		Delivered: atomic.LoadInt64(&r.stats.Delivered),
	}
}

// Stats counts ring traffic.
type Stats struct {
	Pushed    int64
	Evicted   int64
	Delivered int64
}
