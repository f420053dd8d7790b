// Package model defines the event vocabulary shared by coordkit's
// primitives.
//
// Every component (semaphore, ledger, pipeline) reports what it does through
// an observer hook that receives an Event. Observers are never consulted for
// correctness: the components behave the same with or without one. The
// journal package stamps events with a Lamport timestamp and records them,
// which is how interleavings are reconstructed after a run.
package model

import "time"

// Source identifies the component that emitted an event.
type Source string

const (
	SourceSemaphore Source = "semaphore"
	SourceLedger    Source = "ledger"
	SourcePipeline  Source = "pipeline"
)

// EventKind enumerates the types of events in the journal.
type EventKind string

const (
	// Semaphore
	EventPermitAcquired  EventKind = "permit_acquired"
	EventPermitReleased  EventKind = "permit_released"
	EventPermitWaiting   EventKind = "permit_waiting"
	EventPermitCancelled EventKind = "permit_cancelled"

	// Ledger
	EventAccountOpened EventKind = "account_opened"
	EventAccountClosed EventKind = "account_closed"
	EventDeposit       EventKind = "deposit"
	EventWithdraw      EventKind = "withdraw"
	EventTransfer      EventKind = "transfer"
	EventLedgerFailed  EventKind = "ledger_failed"

	// Pipeline
	EventStageStarted   EventKind = "stage_started"
	EventStageStopped   EventKind = "stage_stopped"
	EventOrderProduced  EventKind = "order_produced"
	EventOrderValidated EventKind = "order_validated"
	EventOrderRejected  EventKind = "order_rejected"
	EventOrderProcessed EventKind = "order_processed"
	EventHandlerFailed  EventKind = "handler_failed"
)

// Event is a single entry in the journal.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	LamportTS int64     `json:"lamport_ts"`
	Source    Source    `json:"source"`
	Kind      EventKind `json:"kind"`
	Actor     string    `json:"actor,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Observer receives events from a component. It is called outside the
// component's locks and must not block for long.
type Observer func(Event)

// Emit calls o with e if o is non-nil, filling CreatedAt when unset.
func (o Observer) Emit(e Event) {
	if o == nil {
		return
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	o(e)
}

// Run groups the events of one CLI invocation.
type Run struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}
