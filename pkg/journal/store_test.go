package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/daviddao/coordkit/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("New(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func startRun(t *testing.T, s *Store, command string) *model.Run {
	t.Helper()
	run, err := s.StartRun(context.Background(), command)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return run
}

func mkEvent(runID string, ts int64, actor string, kind model.EventKind) model.Event {
	return model.Event{
		RunID:     runID,
		LamportTS: ts,
		Source:    model.SourcePipeline,
		Kind:      kind,
		Actor:     actor,
		Subject:   fmt.Sprintf("%s#%d", actor, ts),
		Detail:    "item=30",
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC),
	}
}

// --- Run tests ---

func TestStartRun(t *testing.T) {
	s := newTestStore(t)
	run := startRun(t, s, "bank")
	if run.ID == "" {
		t.Fatal("run id should be set")
	}
	if run.Command != "bank" {
		t.Fatalf("got command %q, want bank", run.Command)
	}

	got, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ID != run.ID || got.Command != "bank" {
		t.Fatalf("GetRun = %+v, want %+v", got, run)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Fatalf("started_at round trip: got %v, want %v", got.StartedAt, run.StartedAt)
	}
}

func TestStartRun_DistinctIDs(t *testing.T) {
	s := newTestStore(t)
	a := startRun(t, s, "semaphore")
	b := startRun(t, s, "semaphore")
	if a.ID == b.ID {
		t.Fatal("two runs should not share an id")
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nonexistent")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	first := startRun(t, s, "bank")
	second := startRun(t, s, "pipeline")

	runs, err := s.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Fatalf("expected newest first, got %s then %s", runs[0].Command, runs[1].Command)
	}

	runs, err = s.ListRuns(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("limit 1 returned %d runs", len(runs))
	}
}

// --- Event tests ---

func TestInsertEvent_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := startRun(t, s, "pipeline")

	e := mkEvent(run.ID, 7, "validator-1", model.EventOrderRejected)
	id, err := s.InsertEvent(ctx, &e)
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if id <= 0 || e.ID != id {
		t.Fatalf("expected positive id stored on event, got id=%d e.ID=%d", id, e.ID)
	}

	events, err := s.ListEvents(ctx, Filter{RunID: run.ID})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	got := events[0]
	if !got.CreatedAt.Equal(e.CreatedAt) {
		t.Fatalf("created_at: got %v, want %v", got.CreatedAt, e.CreatedAt)
	}
	got.CreatedAt = e.CreatedAt
	if got != e {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, e)
	}
}

func TestInsertEvent_ZeroCreatedAt(t *testing.T) {
	s := newTestStore(t)
	run := startRun(t, s, "bank")
	e := model.Event{RunID: run.ID, LamportTS: 1, Source: model.SourceLedger, Kind: model.EventDeposit}
	if _, err := s.InsertEvent(context.Background(), &e); err != nil {
		t.Fatal(err)
	}
	events, err := s.ListEvents(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("created_at should default to now")
	}
}

func TestListEvents_TotalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := startRun(t, s, "pipeline")

	// Inserted out of order; equal timestamps break ties by actor.
	batch := []model.Event{
		mkEvent(run.ID, 3, "producer-1", model.EventOrderProduced),
		mkEvent(run.ID, 1, "producer-2", model.EventOrderProduced),
		mkEvent(run.ID, 2, "producer-b", model.EventOrderProduced),
		mkEvent(run.ID, 2, "producer-a", model.EventOrderProduced),
	}
	if err := s.InsertEvents(ctx, batch); err != nil {
		t.Fatalf("InsertEvents: %v", err)
	}

	events, err := s.ListEvents(ctx, Filter{RunID: run.ID})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"producer-2", "producer-a", "producer-b", "producer-1"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, e := range events {
		if e.Actor != want[i] {
			t.Errorf("position %d: got %s@%d, want %s", i, e.Actor, e.LamportTS, want[i])
		}
	}
}

func TestListEvents_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	runA := startRun(t, s, "pipeline")
	runB := startRun(t, s, "bank")

	if err := s.InsertEvents(ctx, []model.Event{
		mkEvent(runA.ID, 1, "p", model.EventOrderProduced),
		mkEvent(runA.ID, 2, "v", model.EventOrderRejected),
		mkEvent(runA.ID, 3, "v", model.EventOrderValidated),
		mkEvent(runA.ID, 4, "v", model.EventOrderRejected),
	}); err != nil {
		t.Fatal(err)
	}
	ledger := mkEvent(runB.ID, 5, "", model.EventTransfer)
	ledger.Source = model.SourceLedger
	if _, err := s.InsertEvent(ctx, &ledger); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"run A", Filter{RunID: runA.ID}, 4},
		{"run B", Filter{RunID: runB.ID}, 1},
		{"kind", Filter{Kind: model.EventOrderRejected}, 2},
		{"source", Filter{Source: model.SourceLedger}, 1},
		{"since", Filter{SinceTS: 3}, 3},
		{"run and kind", Filter{RunID: runA.ID, Kind: model.EventOrderValidated}, 1},
		{"limit", Filter{Limit: 2}, 2},
		{"no match", Filter{RunID: runB.ID, Kind: model.EventOrderRejected}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := s.ListEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(events) != tt.want {
				t.Fatalf("ListEvents(%+v) returned %d events, want %d", tt.filter, len(events), tt.want)
			}
			if tt.filter.Limit > 0 {
				return
			}
			n, err := s.CountEvents(ctx, tt.filter)
			if err != nil {
				t.Fatalf("CountEvents: %v", err)
			}
			if n != int64(tt.want) {
				t.Fatalf("CountEvents(%+v) = %d, want %d", tt.filter, n, tt.want)
			}
		})
	}
}

func TestInsertEvents_Empty(t *testing.T) {
	s := newTestStore(t)
	if err := s.InsertEvents(context.Background(), nil); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

func TestMaxLamportTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ts, err := s.MaxLamportTS(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ts != 0 {
		t.Fatalf("empty journal: got %d, want 0", ts)
	}

	run := startRun(t, s, "bank")
	if err := s.InsertEvents(ctx, []model.Event{
		mkEvent(run.ID, 9, "a", model.EventDeposit),
		mkEvent(run.ID, 4, "b", model.EventDeposit),
	}); err != nil {
		t.Fatal(err)
	}
	if ts, _ = s.MaxLamportTS(ctx); ts != 9 {
		t.Fatalf("got %d, want 9", ts)
	}
}

func TestConcurrentInserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := startRun(t, s, "pipeline")

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				e := mkEvent(run.ID, int64(w*perWriter+i+1), fmt.Sprintf("w%d", w), model.EventOrderProduced)
				if _, err := s.InsertEvent(ctx, &e); err != nil {
					t.Errorf("InsertEvent: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	n, err := s.CountEvents(ctx, Filter{RunID: run.ID})
	if err != nil {
		t.Fatal(err)
	}
	if n != writers*perWriter {
		t.Fatalf("got %d events, want %d", n, writers*perWriter)
	}
}

func TestInMemoryStore(t *testing.T) {
	for _, path := range []string{"", MemoryPath} {
		s, err := New(path)
		if err != nil {
			t.Fatalf("New(%q): %v", path, err)
		}
		ctx := context.Background()
		run, err := s.StartRun(ctx, "semaphore")
		if err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		e := mkEvent(run.ID, 1, "worker-0", model.EventPermitAcquired)
		if _, err := s.InsertEvent(ctx, &e); err != nil {
			t.Fatalf("InsertEvent: %v", err)
		}
		// A second query must see the same database, not a fresh one.
		n, err := s.CountEvents(ctx, Filter{RunID: run.ID})
		if err != nil {
			t.Fatalf("CountEvents: %v", err)
		}
		if n != 1 {
			t.Fatalf("in-memory journal lost data: got %d events", n)
		}
		s.Close()
	}
}

func TestReopenFileKeepsEvents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ck.db")
	s, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	run, err := s.StartRun(context.Background(), "bank")
	if err != nil {
		t.Fatal(err)
	}
	e := mkEvent(run.ID, 1, "a", model.EventTransfer)
	if _, err := s.InsertEvent(context.Background(), &e); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	runs, err := s2.ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != run.ID {
		t.Fatalf("expected the earlier run after reopen, got %+v", runs)
	}
}
