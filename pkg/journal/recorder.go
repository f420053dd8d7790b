package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/coordkit/pkg/clock"
	"github.com/daviddao/coordkit/pkg/model"
	"github.com/daviddao/coordkit/pkg/queue"
)

// Recorder writes observed events to a journal in the background.
//
// Observe stamps the event with the next Lamport timestamp and queues it; a
// single goroutine drains the queue into the journal in batches. When the
// queue is full Observe blocks, slowing the observed component rather than
// losing events. After Close, Observe drops events and counts them.
type Recorder struct {
	journal JournalInterface
	runID   string
	clock   *clock.Clock
	events  *queue.Bounded[model.Event]
	logger  *zap.Logger
	batch   int

	mu     sync.RWMutex // write-held by Close; read-held by Observe while queueing
	closed bool

	recorded atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64

	stop context.CancelFunc
	done chan struct{}
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder) error

// WithBuffer sets the queue capacity. 0 makes it unbounded.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) error {
		q, err := queue.New[model.Event](n)
		if err != nil {
			return err
		}
		r.events = q
		return nil
	}
}

// WithBatchSize caps how many events go into one transaction.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) error {
		if n < 1 {
			return fmt.Errorf("batch size must be at least 1, got %d", n)
		}
		r.batch = n
		return nil
	}
}

// WithRecorderLogger sets the logger for write failures.
func WithRecorderLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) error {
		r.logger = l
		return nil
	}
}

// NewRecorder starts a recorder for runID. Its clock resumes from the
// journal's highest timestamp so a later run always sorts after an
// earlier one.
func NewRecorder(ctx context.Context, j JournalInterface, runID string, opts ...RecorderOption) (*Recorder, error) {
	r := &Recorder{
		journal: j,
		runID:   runID,
		clock:   &clock.Clock{},
		logger:  zap.NewNop(),
		batch:   128,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
	}
	if r.events == nil {
		q, err := queue.New[model.Event](1024)
		if err != nil {
			return nil, err
		}
		r.events = q
	}

	maxTS, err := j.MaxLamportTS(ctx)
	if err != nil {
		return nil, fmt.Errorf("recorder: read max timestamp: %w", err)
	}
	r.clock.Set(maxTS)

	drainCtx, stop := context.WithCancel(context.Background())
	r.stop = stop
	go r.run(drainCtx)
	return r, nil
}

// RunID returns the run this recorder writes events for.
func (r *Recorder) RunID() string { return r.runID }

// Observe queues e for writing. Its signature matches model.Observer.
func (r *Recorder) Observe(e model.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	e.RunID = r.runID
	e.LamportTS = r.clock.Tick()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// The drain goroutine outlives every Observe call, so this Put always
	// completes.
	if err := r.events.Put(context.Background(), e); err != nil {
		r.dropped.Add(1)
	}
}

// Close stops accepting events, writes everything already queued and stops
// the drain goroutine. It returns ctx's error if ctx ends first; the
// remaining events are still written in the background.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.stop()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recorded returns how many events were written.
func (r *Recorder) Recorded() int64 { return r.recorded.Load() }

// Dropped returns how many events arrived after Close.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Failed returns how many events could not be written.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

// run drains the queue until ctx is cancelled and the queue is empty.
func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for {
		first, err := r.events.Take(ctx)
		if err != nil {
			// Cancelled with nothing left: Close holds off new events, so
			// the queue is final.
			r.flush()
			return
		}
		batch := []model.Event{first}
		for len(batch) < r.batch {
			e, ok := r.events.TryTake()
			if !ok {
				break
			}
			batch = append(batch, e)
		}
		r.write(batch)
	}
}

func (r *Recorder) flush() {
	var batch []model.Event
	for {
		e, ok := r.events.TryTake()
		if !ok {
			break
		}
		batch = append(batch, e)
		if len(batch) == r.batch {
			r.write(batch)
			batch = nil
		}
	}
	r.write(batch)
}

func (r *Recorder) write(batch []model.Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.journal.InsertEvents(ctx, batch); err != nil {
		r.failed.Add(int64(len(batch)))
		r.logger.Warn("journal write failed",
			zap.String("run", r.runID),
			zap.Int("events", len(batch)),
			zap.Error(err))
		return
	}
	r.recorded.Add(int64(len(batch)))
}
