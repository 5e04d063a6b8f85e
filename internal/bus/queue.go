package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrQueueFull   = errors.New("queue full")
	ErrQueueClosed = errors.New("queue closed")
)

// OverflowPolicy defines queue behavior when full.
type OverflowPolicy uint8

const (
	// OverflowBlock blocks the producer until space is available or its
	// context ends.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropNewest rejects the incoming item.
	OverflowDropNewest
	// OverflowDropOldest evicts the oldest queued item to make room.
	OverflowDropOldest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowBlock:
		return "block"
	case OverflowDropNewest:
		return "drop-newest"
	case OverflowDropOldest:
		return "drop-oldest"
	}
	return fmt.Sprintf("policy(%d)", uint8(p))
}

// ParseOverflowPolicy accepts the String forms.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	for _, p := range []OverflowPolicy{OverflowBlock, OverflowDropNewest, OverflowDropOldest} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown overflow policy %q", s)
}

// Queue is a bounded channel with an explicit overflow policy.
type Queue[T any] struct {
	mu      sync.RWMutex
	ch      chan T
	policy  OverflowPolicy
	closed  atomic.Bool
	dropped atomic.Uint64
	onDrop  func(T)
}

// NewQueue allocates a queue with the given capacity.
func NewQueue[T any](capacity int, policy OverflowPolicy) *Queue[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity), policy: policy}
}

// OnDrop registers a callback for every item the queue discards. It runs on
// the producer's goroutine.
func (q *Queue[T]) OnDrop(fn func(T)) { q.onDrop = fn }

// Publish enqueues v according to the queue's policy.
func (q *Queue[T]) Publish(ctx context.Context, v T) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}

	switch q.policy {
	case OverflowDropNewest:
		select {
		case q.ch <- v:
			return nil
		default:
			q.drop(v)
			return ErrQueueFull
		}
	case OverflowDropOldest:
		for {
			select {
			case q.ch <- v:
				return nil
			default:
			}
			select {
			case old := <-q.ch:
				q.drop(old)
			default:
			}
		}
	default:
		select {
		case q.ch <- v:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue[T]) drop(v T) {
	q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop(v)
	}
}

// C exposes the receive side.
func (q *Queue[T]) C() <-chan T { return q.ch }

func (q *Queue[T]) Len() int        { return len(q.ch) }
func (q *Queue[T]) Cap() int        { return cap(q.ch) }
func (q *Queue[T]) Dropped() uint64 { return q.dropped.Load() }
func (q *Queue[T]) Policy() OverflowPolicy {
	return q.policy
}

// Close stops the queue from accepting new items. Items already queued can
// still be received.
func (q *Queue[T]) Close() {
	if !q.closed.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
}

// Run consumes items until the context is done or the queue is closed.
func (q *Queue[T]) Run(ctx context.Context, handler func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-q.ch:
			if !ok {
				return
			}
			handler(v)
		}
	}
}
