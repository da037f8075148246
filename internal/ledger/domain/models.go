package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

type ReservationState string

const (
	ReservationStateReserved       ReservationState = "reserved"
	ReservationStateConfirmed      ReservationState = "confirmed"
	ReservationStatePartiallySpent ReservationState = "partially_spent"
	ReservationStateSpent          ReservationState = "spent"
	ReservationStateReleased       ReservationState = "released"
	ReservationStateCancelled      ReservationState = "cancelled"
)

// Active reports whether the reservation still holds funds.
func (s ReservationState) Active() bool {
	switch s {
	case ReservationStateReserved, ReservationStateConfirmed, ReservationStatePartiallySpent:
		return true
	default:
		return false
	}
}

type TransactionType string

const (
	TransactionTypeAllocate TransactionType = "allocate"
	TransactionTypeReserve  TransactionType = "reserve"
	TransactionTypeRelease  TransactionType = "release"
	TransactionTypeSpend    TransactionType = "spend"
	TransactionTypeTopUp    TransactionType = "topup"
	TransactionTypeAdjust   TransactionType = "adjust"
)

// LedgerAccount is the per-department, per-fiscal-period balance record.
// Invariant: spent + reserved <= total_allocated at all times. Mutated only
// under an exclusive row lock.
type LedgerAccount struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	DepartmentID   string          `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_dept_period,priority:1" json:"department_id"`
	FiscalPeriod   string          `gorm:"type:text;not null;uniqueIndex:ux_ledger_accounts_dept_period,priority:2" json:"fiscal_period"`
	Currency       string          `gorm:"type:text;not null" json:"currency"`
	Status         AccountStatus   `gorm:"type:text;not null" json:"status"`
	TotalAllocated decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"total_allocated"`
	Spent          decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"spent"`
	Reserved       decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"reserved"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (LedgerAccount) TableName() string { return "ledger_accounts" }

// Available is total − spent − reserved.
func (a LedgerAccount) Available() decimal.Decimal {
	return a.TotalAllocated.Sub(a.Spent).Sub(a.Reserved)
}

// Reservation is a hold against a ledger account, unique per business key.
// One reservation maps to exactly one downstream order.
type Reservation struct {
	ID          snowflake.ID     `gorm:"primaryKey" json:"id"`
	AccountID   snowflake.ID     `gorm:"not null;index;uniqueIndex:ux_reservations_account_key,priority:1" json:"account_id"`
	BusinessKey string           `gorm:"type:text;not null;uniqueIndex:ux_reservations_account_key,priority:2" json:"business_key"`
	Amount      decimal.Decimal  `gorm:"type:numeric(18,2);not null" json:"amount"`
	SpentAmount decimal.Decimal  `gorm:"type:numeric(18,2);not null" json:"spent_amount"`
	State       ReservationState `gorm:"type:text;not null;index" json:"state"`
	ExpiresAt   *time.Time       `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt   time.Time        `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time        `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Reservation) TableName() string { return "reservations" }

// Remaining is the unspent part of the hold.
func (r Reservation) Remaining() decimal.Decimal {
	return r.Amount.Sub(r.SpentAmount)
}

// LedgerTransaction is the immutable audit record of one balance mutation,
// written inside the same transaction as the mutation itself. Never updated
// or deleted. BalanceBefore/After record the available amount.
type LedgerTransaction struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id"`
	AccountID     snowflake.ID    `gorm:"not null;index" json:"account_id"`
	ReservationID *snowflake.ID   `gorm:"index" json:"reservation_id,omitempty"`
	Type          TransactionType `gorm:"type:text;not null;index" json:"type"`
	Amount        decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"amount"`
	BalanceBefore decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(18,2);not null" json:"balance_after"`
	Actor         string          `gorm:"type:text;not null" json:"actor"`
	CreatedAt     time.Time       `gorm:"not null;index" json:"created_at"`
}

// TableName sets the database table name.
func (LedgerTransaction) TableName() string { return "ledger_transactions" }
