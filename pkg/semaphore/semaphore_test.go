package semaphore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daviddao/coordkit/pkg/metrics"
	"github.com/daviddao/coordkit/pkg/model"
)

const waitBound = 2 * time.Second

func newSem(t *testing.T, initial int, opts ...Option) *Semaphore {
	t.Helper()
	s, err := New(initial, opts...)
	require.NoError(t, err)
	return s
}

// acquireAsync starts Acquire in a goroutine and returns its result channel.
func acquireAsync(ctx context.Context, s *Semaphore) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitBound):
		t.Fatal("Acquire did not return in time")
		return nil
	}
}

func TestNew_NegativeInitial(t *testing.T) {
	_, err := New(-1)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNew_ZeroAndPositive(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		s := newSem(t, n)
		assert.Equal(t, n, s.Available())
		assert.Equal(t, 0, s.Waiting())
	}
}

func TestReleaseBanksPermit(t *testing.T) {
	s := newSem(t, 0)
	s.Release()
	s.Release()
	assert.Equal(t, 2, s.Available())

	require.NoError(t, s.Acquire(context.Background()))
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 0, s.Available())
}

func TestTryAcquire(t *testing.T) {
	s := newSem(t, 1)
	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())
	assert.Equal(t, 0, s.Available())
	s.Release()
	assert.True(t, s.TryAcquire())
}

func TestNoLostWakeup(t *testing.T) {
	s := newSem(t, 0)
	done := acquireAsync(context.Background(), s)

	require.Eventually(t, func() bool { return s.Waiting() == 1 }, waitBound, time.Millisecond)
	s.Release()

	require.NoError(t, waitResult(t, done))
	assert.Equal(t, 0, s.Available())
	assert.Equal(t, 0, s.Waiting())
}

func TestNoLostWakeup_ReleaseRacesRegistration(t *testing.T) {
	// Release may land before, during or after the waiter registers.
	for i := 0; i < 500; i++ {
		s := newSem(t, 0)
		done := acquireAsync(context.Background(), s)
		s.Release()
		require.NoError(t, waitResult(t, done), "iteration %d", i)
		require.Equal(t, 0, s.Available(), "iteration %d", i)
	}
}

func TestNonNegativityUnderContention(t *testing.T) {
	const permits, workers, rounds = 3, 16, 200
	s := newSem(t, permits)

	var holders, maxHolders atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if err := s.Acquire(context.Background()); err != nil {
					t.Errorf("Acquire: %v", err)
					return
				}
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				if a := s.Available(); a < 0 {
					t.Errorf("Available() = %d, want >= 0", a)
				}
				holders.Add(-1)
				s.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxHolders.Load(), int64(permits))
	assert.Equal(t, permits, s.Available())
	assert.Equal(t, 0, s.Waiting())
}

func TestAcquire_Cancelled(t *testing.T) {
	s := newSem(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := acquireAsync(ctx, s)

	require.Eventually(t, func() bool { return s.Waiting() == 1 }, waitBound, time.Millisecond)
	cancel()

	err := waitResult(t, done)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, s.Waiting(), "cancelled waiter must leave the wait set")

	// The permit released afterwards is not consumed by the cancelled caller.
	s.Release()
	assert.Equal(t, 1, s.Available())
}

func TestAcquire_DeadlineExceeded(t *testing.T) {
	s := newSem(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Acquire(ctx)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.Waiting())
}

func TestAcquire_AvailablePermitWinsOverDoneContext(t *testing.T) {
	s := newSem(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Acquire(ctx))
	assert.Equal(t, 0, s.Available())
}

func TestCancelRacingRelease_NoPermitLost(t *testing.T) {
	for i := 0; i < 500; i++ {
		s := newSem(t, 0)
		ctx, cancel := context.WithCancel(context.Background())
		done := acquireAsync(ctx, s)

		go s.Release()
		go cancel()

		err := waitResult(t, done)
		cancel()
		if err == nil {
			require.Equal(t, 0, s.Available(), "iteration %d: acquired but permit still banked", i)
		} else {
			require.ErrorIs(t, err, ErrCancelled)
			require.Eventually(t, func() bool { return s.Available() == 1 }, waitBound, time.Millisecond,
				"iteration %d: cancelled acquire lost the permit", i)
		}
	}
}

func TestCancelledSignalledWaiterForwardsWakeup(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := newSem(t, 0)
		ctxA, cancelA := context.WithCancel(context.Background())
		doneA := acquireAsync(ctxA, s)
		require.Eventually(t, func() bool { return s.Waiting() == 1 }, waitBound, time.Millisecond)
		doneB := acquireAsync(context.Background(), s)
		require.Eventually(t, func() bool { return s.Waiting() == 2 }, waitBound, time.Millisecond)

		// A is at the front: Release signals A while A is being cancelled.
		go cancelA()
		s.Release()

		errA := waitResult(t, doneA)
		if errA != nil {
			require.ErrorIs(t, errA, ErrCancelled)
			require.NoError(t, waitResult(t, doneB), "iteration %d: wakeup not forwarded to B", i)
		} else {
			select {
			case <-doneB:
				t.Fatalf("iteration %d: both A and B acquired a single permit", i)
			default:
			}
			s.Release()
			require.NoError(t, waitResult(t, doneB))
		}
		require.Equal(t, 0, s.Available(), "iteration %d", i)
		cancelA()
	}
}

func TestWakeupOrderIsFIFO(t *testing.T) {
	s := newSem(t, 0)
	const n = 5

	order := make(chan int, n)
	for i := 0; i < n; i++ {
		go func() {
			if err := s.Acquire(context.Background()); err == nil {
				order <- i
			}
		}()
		want := i + 1
		require.Eventually(t, func() bool { return s.Waiting() == want }, waitBound, time.Millisecond)
	}

	for i := 0; i < n; i++ {
		s.Release()
		select {
		case got := <-order:
			assert.Equal(t, i, got)
		case <-time.After(waitBound):
			t.Fatalf("waiter %d never woke", i)
		}
	}
}

func TestObserverAndMetrics(t *testing.T) {
	reg := metrics.NewRegistry()
	m := metrics.NewSemaphoreMetrics(reg, "test")

	var mu sync.Mutex
	var kinds []model.EventKind
	obs := func(e model.Event) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, model.SourceSemaphore, e.Source)
		assert.Equal(t, "gate", e.Subject)
		kinds = append(kinds, e.Kind)
	}

	s := newSem(t, 1, WithName("gate"), WithObserver(obs), WithMetrics(m))
	require.NoError(t, s.Acquire(context.Background()))
	s.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Acquire(ctx)) // permit available
	err := s.Acquire(ctx)
	require.True(t, errors.Is(err, ErrCancelled))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []model.EventKind{
		model.EventPermitAcquired,
		model.EventPermitReleased,
		model.EventPermitAcquired,
		model.EventPermitWaiting,
		model.EventPermitCancelled,
	}, kinds)

	lines, err := metrics.Snapshot(reg)
	require.NoError(t, err)
	assert.Contains(t, lines, `coordkit_semaphore_acquired_total{semaphore="test"} 2`)
	assert.Contains(t, lines, `coordkit_semaphore_cancelled_total{semaphore="test"} 1`)
	count, err := testutil.GatherAndCount(reg, "coordkit_semaphore_released_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
