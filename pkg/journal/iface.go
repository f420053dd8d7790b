package journal

import (
	"context"

	"github.com/daviddao/coordkit/pkg/model"
)

// JournalInterface is the set of journal operations. The Recorder and the
// ck command depend on it rather than on *Store.
type JournalInterface interface {
	Close() error

	// --- Runs ---

	StartRun(ctx context.Context, command string) (*model.Run, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)

	// --- Events ---

	InsertEvent(ctx context.Context, e *model.Event) (int64, error)
	InsertEvents(ctx context.Context, events []model.Event) error
	ListEvents(ctx context.Context, f Filter) ([]model.Event, error)
	CountEvents(ctx context.Context, f Filter) (int64, error)
	MaxLamportTS(ctx context.Context) (int64, error)
}

// Compile-time check that *Store implements JournalInterface.
var _ JournalInterface = (*Store)(nil)
