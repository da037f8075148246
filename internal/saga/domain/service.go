package domain

import (
	"context"
	"errors"
	"time"

	"github.com/openprocure/provena/internal/events"
)

var (
	ErrSagaNotFound    = errors.New("saga_not_found")
	ErrSagaTerminal    = errors.New("saga_terminal")
	ErrUnknownEvent    = errors.New("unknown_event_type")
	ErrMissingEventKey = errors.New("missing_business_key")
)

// Orchestrator drives procurement sagas from inbound events. Handling is
// idempotent at two levels: redelivered transport events are dropped by
// event ID, and out-of-order or duplicated business events are skipped by
// step ordinal.
type Orchestrator interface {
	HandleEvent(ctx context.Context, ev events.Event) error

	// Cancel compensates a running saga and marks it failed. Cancelling a
	// terminal saga returns ErrSagaTerminal.
	Cancel(ctx context.Context, businessKey, reason string) error

	Get(ctx context.Context, businessKey string) (Instance, []StepRecord, error)

	// MarkStalled flags running sagas that sat on one step past its dwell
	// budget. Returns the number of sagas newly flagged.
	MarkStalled(ctx context.Context, now time.Time) (int, error)
}
