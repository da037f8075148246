package events

import (
	"context"
	"time"
)

// Inbound event types consumed from the bus.
const (
	EventRequisitionCreated  = "requisition.created"
	EventRequisitionApproved = "requisition.approved"
	EventRequisitionRejected = "requisition.rejected"
	EventVendorSelected      = "vendor.selected"
	EventOrderPlaced         = "order.placed"
	EventOrderFailed         = "order.failed"
	EventGoodsReceived       = "goods.received"
	EventInvoiceReceived     = "invoice.received"
	EventPaymentRequested    = "payment.requested"
	EventSagaCancelRequested = "saga.cancel.requested"
)

// Outbound event types emitted through the outbox.
const (
	EventBudgetQueried         = "budget.queried"
	EventBudgetReserved        = "budget.reserved"
	EventBudgetInsufficient    = "budget.insufficient"
	EventBudgetReleased        = "budget.released"
	EventBudgetSpent           = "budget.spent"
	EventBudgetTopUp           = "budget.topup"
	EventOrderCancelled        = "order.cancelled"
	EventInvoiceDisputed       = "order.invoice.disputed"
	EventMatchResult           = "order.invoice.matchresult"
	EventSagaCompleted         = "saga.completed"
	EventSagaFailed            = "saga.failed"
	EventSagaStalled           = "saga.stalled"
	EventSagaNeedsIntervention = "saga.needs_intervention"
)

// Event is the envelope shared by inbound and outbound messages.
// EventID is the transport-level de-duplication key; CorrelationID is the
// saga business key.
type Event struct {
	EventID       string         `json:"event_id"`
	Type          string         `json:"event_type"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	OccurredAt    time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data"`

	// DedupeKey, when set, makes the outbox insert idempotent: a second
	// publish with the same key is silently dropped.
	DedupeKey string `json:"-"`

	// IdempotencyKey is an optional client-supplied key on mutating
	// inbound requests. Absence means at-least-once semantics apply.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Handler consumes one event. Consumers are plain functions from event to
// error so delivery loops stay visible and testable.
type Handler func(ctx context.Context, ev Event) error
