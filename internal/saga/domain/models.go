package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"

	// StatusFailedManual means compensation retries were exhausted and an
	// operator has to reconcile the ledger by hand.
	StatusFailedManual Status = "failed_manual"
)

// Terminal reports whether the saga can no longer transition.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusFailedManual:
		return true
	default:
		return false
	}
}

// Step names in forward order. The ordinal gives step-skip idempotence:
// an event that would move the saga to a step it already passed is
// recorded and dropped.
const (
	StepCreated       = "created"
	StepReserved      = "reserved"
	StepApproved      = "approved"
	StepOrderPlaced   = "order_placed"
	StepGoodsReceived = "goods_received"
	StepInvoiced      = "invoiced"
	StepCompleted     = "completed"
)

// The saga rests at "reserved" after an approval event (approval and the
// budget reservation arrive as one inbound event); "approved" keeps its
// slot in the chain for ordinal comparisons.
var stepOrdinals = map[string]int{
	StepCreated:       0,
	StepReserved:      1,
	StepApproved:      2,
	StepOrderPlaced:   3,
	StepGoodsReceived: 4,
	StepInvoiced:      5,
	StepCompleted:     6,
}

// StepOrdinal returns the forward position of a step name, or -1.
func StepOrdinal(step string) int {
	if ord, ok := stepOrdinals[step]; ok {
		return ord
	}
	return -1
}

// Instance is one procurement saga, keyed by the requisition business key.
type Instance struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	BusinessKey string       `gorm:"type:text;not null;uniqueIndex" json:"business_key"`
	Status      Status       `gorm:"type:text;not null;index" json:"status"`
	CurrentStep string       `gorm:"type:text;not null" json:"current_step"`

	AccountID     snowflake.ID  `gorm:"not null;index" json:"account_id"`
	ReservationID *snowflake.ID `json:"reservation_id,omitempty"`
	OrderID       *snowflake.ID `json:"order_id,omitempty"`

	Amount   decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	Currency string          `gorm:"type:text;not null" json:"currency"`

	FailureReason        *string `gorm:"type:text" json:"failure_reason,omitempty"`
	CompensationAttempts int     `gorm:"not null;default:0" json:"compensation_attempts"`

	// StalledAt is set by the dwell sweeper when the saga sat on one step
	// past its dwell budget. Cleared on the next successful transition.
	StalledAt   *time.Time `json:"stalled_at,omitempty"`
	LastEventAt time.Time  `gorm:"not null;index" json:"last_event_at"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Instance) TableName() string { return "saga_instances" }

type StepStatus string

const (
	StepStatusApplied     StepStatus = "applied"
	StepStatusSkipped     StepStatus = "skipped"
	StepStatusCompensated StepStatus = "compensated"
	StepStatusFailed      StepStatus = "failed"
)

// StepRecord is the append-only journal of saga transitions, including
// skipped duplicates and compensations.
type StepRecord struct {
	ID        snowflake.ID      `gorm:"primaryKey" json:"id"`
	SagaID    snowflake.ID      `gorm:"not null;index" json:"saga_id"`
	Step      string            `gorm:"type:text;not null" json:"step"`
	EventType string            `gorm:"type:text;not null" json:"event_type"`
	EventID   string            `gorm:"type:text" json:"event_id"`
	Status    StepStatus        `gorm:"type:text;not null" json:"status"`
	Detail    datatypes.JSONMap `gorm:"type:json" json:"detail"`
	CreatedAt time.Time         `gorm:"not null;index" json:"created_at"`
}

// TableName sets the database table name.
func (StepRecord) TableName() string { return "saga_step_records" }
