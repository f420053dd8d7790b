// Package semaphore implements a counting semaphore as a monitor with an
// explicit wait set.
//
// A mutex guards the permit count and a FIFO list of waiters. Each waiter
// owns a one-shot channel, so Release wakes exactly one caller instead of
// broadcasting to all of them. A caller checks the permit count and, if it
// must wait, registers itself in the list within the same critical section;
// a Release can therefore never fire between the check and the wait.
//
// A woken waiter re-checks the count before taking a permit, because a
// caller arriving through Acquire or TryAcquire may have taken it first.
// Such a waiter goes back to the front of the list. Ordering is best-effort
// FIFO, not a guarantee.
package semaphore

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/daviddao/coordkit/pkg/metrics"
	"github.com/daviddao/coordkit/pkg/model"
)

var (
	// ErrInvalidArgument is returned by New for a negative permit count.
	ErrInvalidArgument = errors.New("semaphore: invalid argument")

	// ErrCancelled is returned by Acquire when its context ends before a
	// permit was obtained. The returned error also wraps the context error.
	ErrCancelled = errors.New("semaphore: acquire cancelled")
)

// waiter is one blocked Acquire call. ready is closed by the releasing
// side; signalled records that it happened and is guarded by Semaphore.mu.
type waiter struct {
	ready     chan struct{}
	signalled bool
	elem      *list.Element
}

// Semaphore is a counting semaphore. Create it with New.
type Semaphore struct {
	mu      sync.Mutex
	permits int
	waiters list.List // of *waiter, front is next to wake

	name     string
	observer model.Observer
	metrics  *metrics.SemaphoreMetrics
}

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithName labels the semaphore in emitted events.
func WithName(name string) Option {
	return func(s *Semaphore) { s.name = name }
}

// WithObserver reports acquire, release, wait and cancel events to o.
func WithObserver(o model.Observer) Option {
	return func(s *Semaphore) { s.observer = o }
}

// WithMetrics records permit traffic in m.
func WithMetrics(m *metrics.SemaphoreMetrics) Option {
	return func(s *Semaphore) { s.metrics = m }
}

// New returns a semaphore holding initial permits.
func New(initial int, opts ...Option) (*Semaphore, error) {
	if initial < 0 {
		return nil, fmt.Errorf("%w: initial permits %d", ErrInvalidArgument, initial)
	}
	s := &Semaphore{permits: initial, name: "semaphore"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Acquire blocks until a permit is available and takes it.
//
// If ctx ends first, Acquire leaves the wait set and returns an error
// matching both ErrCancelled and the context's error; no permit is held in
// that case. A permit that is already available is taken even when ctx is
// done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	requeueFront := false
	for {
		s.mu.Lock()
		if s.permits > 0 {
			s.permits--
			avail, waiting := s.permits, s.waiters.Len()
			s.mu.Unlock()
			s.metrics.Acquired(avail, waiting)
			s.emit(model.EventPermitAcquired, avail, waiting)
			return nil
		}

		w := &waiter{ready: make(chan struct{})}
		if requeueFront {
			w.elem = s.waiters.PushFront(w)
		} else {
			w.elem = s.waiters.PushBack(w)
		}
		avail, waiting := s.permits, s.waiters.Len()
		s.mu.Unlock()
		s.metrics.Waiting(avail, waiting)
		s.emit(model.EventPermitWaiting, avail, waiting)

		select {
		case <-w.ready:
			requeueFront = true
		case <-ctx.Done():
			s.mu.Lock()
			if w.signalled {
				// A Release chose this waiter before the cancellation was
				// seen. Hand the wakeup to the next waiter.
				s.wakeLocked()
			} else {
				s.waiters.Remove(w.elem)
			}
			avail, waiting := s.permits, s.waiters.Len()
			s.mu.Unlock()
			s.metrics.Cancelled(avail, waiting)
			s.emit(model.EventPermitCancelled, avail, waiting)
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
	}
}

// TryAcquire takes a permit if one is available without blocking.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	if s.permits == 0 {
		s.mu.Unlock()
		return false
	}
	s.permits--
	avail, waiting := s.permits, s.waiters.Len()
	s.mu.Unlock()
	s.metrics.Acquired(avail, waiting)
	s.emit(model.EventPermitAcquired, avail, waiting)
	return true
}

// Release returns one permit and wakes at most one waiter. With no waiter
// registered the permit stays banked for a later Acquire.
func (s *Semaphore) Release() {
	s.mu.Lock()
	s.permits++
	s.wakeLocked()
	avail, waiting := s.permits, s.waiters.Len()
	s.mu.Unlock()
	s.metrics.Released(avail, waiting)
	s.emit(model.EventPermitReleased, avail, waiting)
}

// Available returns the current permit count. The value may be stale by the
// time the caller looks at it.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.permits
}

// Waiting returns the number of callers registered in the wait set.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// wakeLocked signals the front waiter, if any. s.mu must be held.
func (s *Semaphore) wakeLocked() {
	front := s.waiters.Front()
	if front == nil {
		return
	}
	w := s.waiters.Remove(front).(*waiter)
	w.signalled = true
	close(w.ready)
}

func (s *Semaphore) emit(kind model.EventKind, avail, waiting int) {
	if s.observer == nil {
		return
	}
	s.observer.Emit(model.Event{
		Source:  model.SourceSemaphore,
		Kind:    kind,
		Subject: s.name,
		Detail:  "available=" + strconv.Itoa(avail) + " waiting=" + strconv.Itoa(waiting),
	})
}
