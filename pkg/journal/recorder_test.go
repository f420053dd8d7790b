package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/coordkit/pkg/clock"
	"github.com/daviddao/coordkit/pkg/model"
)

func newTestRecorder(t *testing.T, s JournalInterface, runID string, opts ...RecorderOption) *Recorder {
	t.Helper()
	r, err := NewRecorder(context.Background(), s, runID, opts...)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	t.Cleanup(func() { r.Close(context.Background()) })
	return r
}

func TestRecorder_WritesEverythingOnClose(t *testing.T) {
	s := newTestStore(t)
	run := startRun(t, s, "pipeline")
	r := newTestRecorder(t, s, run.ID, WithBuffer(8), WithBatchSize(5))

	const goroutines, perG = 6, 100
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perG; i++ {
				r.Observe(model.Event{
					Source: model.SourcePipeline,
					Kind:   model.EventOrderProduced,
					Actor:  fmt.Sprintf("producer-%d", g),
				})
			}
		}()
	}
	wg.Wait()
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := r.Recorded(); got != goroutines*perG {
		t.Fatalf("Recorded = %d, want %d", got, goroutines*perG)
	}
	n, err := s.CountEvents(context.Background(), Filter{RunID: run.ID})
	if err != nil {
		t.Fatal(err)
	}
	if n != goroutines*perG {
		t.Fatalf("journal holds %d events, want %d", n, goroutines*perG)
	}
}

func TestRecorder_TimestampsUniqueAndOrdered(t *testing.T) {
	s := newTestStore(t)
	run := startRun(t, s, "semaphore")
	r := newTestRecorder(t, s, run.ID)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				r.Observe(model.Event{Source: model.SourceSemaphore, Kind: model.EventPermitAcquired, Actor: fmt.Sprintf("worker-%d", w)})
			}
		}()
	}
	wg.Wait()
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListEvents(context.Background(), Filter{RunID: run.ID, Limit: 1000})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 200 {
		t.Fatalf("got %d events, want 200", len(events))
	}
	for i := 1; i < len(events); i++ {
		a, b := events[i-1], events[i]
		if !clock.TotalOrderLess(a.LamportTS, a.Actor, b.LamportTS, b.Actor) {
			t.Fatalf("events %d and %d out of total order: %d/%s then %d/%s",
				i-1, i, a.LamportTS, a.Actor, b.LamportTS, b.Actor)
		}
		if a.LamportTS == b.LamportTS {
			t.Fatalf("timestamp %d assigned twice", a.LamportTS)
		}
	}
	if events[0].RunID != run.ID || events[0].CreatedAt.IsZero() {
		t.Fatalf("recorder should fill run id and created_at, got %+v", events[0])
	}
}

func TestRecorder_ClockResumesAcrossRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := startRun(t, s, "bank")
	r1 := newTestRecorder(t, s, first.ID)
	for i := 0; i < 10; i++ {
		r1.Observe(model.Event{Source: model.SourceLedger, Kind: model.EventDeposit})
	}
	if err := r1.Close(ctx); err != nil {
		t.Fatal(err)
	}

	second := startRun(t, s, "bank")
	r2 := newTestRecorder(t, s, second.ID)
	r2.Observe(model.Event{Source: model.SourceLedger, Kind: model.EventDeposit})
	if err := r2.Close(ctx); err != nil {
		t.Fatal(err)
	}

	events, err := s.ListEvents(ctx, Filter{RunID: second.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].LamportTS != 11 {
		t.Fatalf("second run should continue at ts 11, got %+v", events)
	}
}

func TestRecorder_DropsAfterClose(t *testing.T) {
	s := newTestStore(t)
	run := startRun(t, s, "bank")
	r := newTestRecorder(t, s, run.ID)

	r.Observe(model.Event{Source: model.SourceLedger, Kind: model.EventDeposit})
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	r.Observe(model.Event{Source: model.SourceLedger, Kind: model.EventDeposit})

	if r.Recorded() != 1 {
		t.Fatalf("Recorded = %d, want 1", r.Recorded())
	}
	if r.Dropped() != 1 {
		t.Fatalf("Dropped = %d, want 1", r.Dropped())
	}
}

func TestRecorder_InvalidOptions(t *testing.T) {
	s := newTestStore(t)
	if _, err := NewRecorder(context.Background(), s, "run", WithBatchSize(0)); err == nil {
		t.Fatal("expected error for batch size 0")
	}
	if _, err := NewRecorder(context.Background(), s, "run", WithBuffer(-1)); err == nil {
		t.Fatal("expected error for negative buffer")
	}
}

// failingJournal accepts nothing; it exercises the write failure path.
type failingJournal struct {
	JournalInterface
	mu    sync.Mutex
	calls int
}

func (f *failingJournal) MaxLamportTS(context.Context) (int64, error) { return 0, nil }

func (f *failingJournal) InsertEvents(context.Context, []model.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("disk full")
}

func TestRecorder_CountsFailedWrites(t *testing.T) {
	j := &failingJournal{}
	r := newTestRecorder(t, j, "run", WithBatchSize(4))
	for i := 0; i < 10; i++ {
		r.Observe(model.Event{Source: model.SourcePipeline, Kind: model.EventOrderProduced})
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Failed() != 10 || r.Recorded() != 0 {
		t.Fatalf("Failed=%d Recorded=%d, want 10/0", r.Failed(), r.Recorded())
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.calls < 3 {
		t.Fatalf("batches of 4 need at least 3 writes for 10 events, got %d", j.calls)
	}
}

// slowJournal blocks writes until released, to fill the recorder's queue.
type slowJournal struct {
	failingJournal
	release chan struct{}
	written chan int
}

func (s *slowJournal) InsertEvents(_ context.Context, events []model.Event) error {
	<-s.release
	s.written <- len(events)
	return nil
}

func TestRecorder_BackpressureWhenFull(t *testing.T) {
	j := &slowJournal{release: make(chan struct{}), written: make(chan int, 100)}
	r := newTestRecorder(t, j, "run", WithBuffer(2), WithBatchSize(1))

	// One event is held by the stalled writer and two fill the buffer; the
	// fourth Observe must block.
	for i := 0; i < 3; i++ {
		r.Observe(model.Event{Kind: model.EventPermitAcquired})
	}

	blocked := make(chan struct{})
	go func() {
		r.Observe(model.Event{Kind: model.EventPermitAcquired})
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("Observe on a full recorder should block")
	case <-time.After(30 * time.Millisecond):
	}

	close(j.release)
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe stayed blocked after the writer resumed")
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r.Recorded() != 4 {
		t.Fatalf("Recorded = %d, want 4", r.Recorded())
	}
}
