// Package queue provides a FIFO queue with blocking, cancellable Put and
// Take.
//
// The queue is two semaphores around a mutex-guarded buffer: "slots" counts
// free capacity and "items" counts buffered values. Put takes a slot,
// appends, and releases an item; Take does the reverse. Neither semaphore
// wait happens while the buffer mutex is held.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/daviddao/coordkit/pkg/semaphore"
)

// ErrInvalidCapacity is returned by New for a negative capacity.
var ErrInvalidCapacity = errors.New("queue: invalid capacity")

// Bounded is a FIFO queue of T. With a capacity of zero it is unbounded and
// Put never blocks.
type Bounded[T any] struct {
	capacity int
	slots    *semaphore.Semaphore // nil when unbounded
	items    *semaphore.Semaphore

	mu   sync.Mutex
	buf  []T
	head int
}

// New returns an empty queue. capacity 0 means unbounded.
func New[T any](capacity int) (*Bounded[T], error) {
	if capacity < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	items, err := semaphore.New(0, semaphore.WithName("queue-items"))
	if err != nil {
		return nil, err
	}
	q := &Bounded[T]{capacity: capacity, items: items}
	if capacity > 0 {
		q.slots, err = semaphore.New(capacity, semaphore.WithName("queue-slots"))
		if err != nil {
			return nil, err
		}
		q.buf = make([]T, 0, capacity)
	}
	return q, nil
}

// Put appends v, blocking while a bounded queue is full. A cancelled Put
// returns an error matching semaphore.ErrCancelled and leaves the queue
// unchanged.
func (q *Bounded[T]) Put(ctx context.Context, v T) error {
	if q.slots != nil {
		if err := q.slots.Acquire(ctx); err != nil {
			return err
		}
	}
	q.push(v)
	q.items.Release()
	return nil
}

// TryPut appends v if a slot is free, without blocking.
func (q *Bounded[T]) TryPut(v T) bool {
	if q.slots != nil && !q.slots.TryAcquire() {
		return false
	}
	q.push(v)
	q.items.Release()
	return true
}

// Take removes and returns the oldest value, blocking while the queue is
// empty. A cancelled Take returns an error matching semaphore.ErrCancelled.
func (q *Bounded[T]) Take(ctx context.Context) (T, error) {
	if err := q.items.Acquire(ctx); err != nil {
		var zero T
		return zero, err
	}
	v := q.pop()
	if q.slots != nil {
		q.slots.Release()
	}
	return v, nil
}

// TryTake removes and returns the oldest value if there is one.
func (q *Bounded[T]) TryTake() (T, bool) {
	if !q.items.TryAcquire() {
		var zero T
		return zero, false
	}
	v := q.pop()
	if q.slots != nil {
		q.slots.Release()
	}
	return v, true
}

// Len returns the number of buffered values.
func (q *Bounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf) - q.head
}

// Cap returns the capacity, 0 for an unbounded queue.
func (q *Bounded[T]) Cap() int { return q.capacity }

func (q *Bounded[T]) push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buf = append(q.buf, v)
}

// pop is only called after an item permit was taken, so the buffer is
// never empty here.
func (q *Bounded[T]) pop() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	v := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero
	q.head++
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 >= len(q.buf) {
		n := copy(q.buf, q.buf[q.head:])
		clear(q.buf[n:])
		q.buf = q.buf[:n]
		q.head = 0
	}
	return v
}
