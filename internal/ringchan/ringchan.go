// Package ringchan provides a bounded, never-blocking channel used for every hand-off
// between the gateway's execution contexts.
package ringchan

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by receivers once the channel is closed and drained
var ErrClosed = errors.New("ringchan: closed")

// RingChannel is a bounded channel-like buffer whose producers never block.
//
// Two overflow policies are available per call:
//
//	TrySend   - drop the newest item (the one being sent) when full
//	ForceSend - drop the oldest buffered item to make room
//
// Receivers block with Receive/ReceiveContext, or poll with TryReceive.
// Sends after Close are ignored and reported as drops.
type RingChannel[T any] struct {
	mu      sync.RWMutex // guards closed against in-flight sends
	closed  bool
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Reads through C() are not counted in Metrics.Processed.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend inserts v without blocking. Returns false (and counts a drop) when the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		rc.metrics.addDropped(1)
		return false
	}

	select {
	case rc.ch <- v:
		rc.metrics.addWritten(1)
		return true
	default:
		rc.metrics.addDropped(1)
		return false
	}
}

// ForceSend inserts v, discarding the oldest buffered items if needed.
// Returns true when something was overwritten.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.closed {
		rc.metrics.addDropped(1)
		return false
	}

	overwritten := false
	for {
		select {
		case rc.ch <- v:
			rc.metrics.addWritten(1)
			return overwritten
		default:
		}
		select {
		case <-rc.ch:
			rc.metrics.addOverwritten(1)
			overwritten = true
		default:
		}
	}
}

// Receive blocks until a value is available. ok is false once the channel is closed and empty.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	if ok {
		rc.metrics.addProcessed(1)
	}
	return
}

// ReceiveContext blocks until a value is available or ctx is done
func (rc *RingChannel[T]) ReceiveContext(ctx context.Context) (T, error) {
	select {
	case v, ok := <-rc.ch:
		if !ok {
			var zero T
			return zero, ErrClosed
		}
		rc.metrics.addProcessed(1)
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryReceive attempts a non-blocking receive
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		if ok {
			rc.metrics.addProcessed(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Drain removes and returns everything currently buffered
func (rc *RingChannel[T]) Drain() []T {
	var out []T
	for {
		v, ok := rc.TryReceive()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Len returns the number of buffered elements
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the channel. Buffered items remain receivable. Safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// GetMetrics returns a snapshot of the counters
func (rc *RingChannel[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
		Dropped:     atomic.LoadInt64(&rc.metrics.Dropped),
	}
}

// Metrics counts channel traffic. All fields are updated atomically.
type Metrics struct {
	Processed   int64 // received through Receive, ReceiveContext or TryReceive
	Written     int64
	Overwritten int64 // oldest items discarded by ForceSend
	Dropped     int64 // newest items rejected by TrySend, or sends after Close
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}

func (m *Metrics) addDropped(n int) {
	atomic.AddInt64(&m.Dropped, int64(n))
}
