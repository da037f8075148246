package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound         = errors.New("account_not_found")
	ErrAccountExists           = errors.New("account_exists")
	ErrAccountClosed           = errors.New("account_closed")
	ErrAccountSuspended        = errors.New("account_suspended")
	ErrReservationNotFound     = errors.New("reservation_not_found")
	ErrReservationNotActive    = errors.New("reservation_not_active")
	ErrOutstandingReservations = errors.New("outstanding_reservations")
	ErrInvalidAmount           = errors.New("invalid_amount")
	ErrInvalidBusinessKey      = errors.New("invalid_business_key")
	ErrLockTimeout             = errors.New("lock_timeout")
)

// InsufficientFundsError carries the actual available amount so callers
// never see a bare "denied".
type InsufficientFundsError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient_funds: requested %s, available %s", e.Requested, e.Available)
}

// OverspendError is returned when a spend exceeds the reservation's
// remaining reserved amount.
type OverspendError struct {
	Remaining decimal.Decimal
	Requested decimal.Decimal
}

func (e *OverspendError) Error() string {
	return fmt.Sprintf("overspend: requested %s, remaining %s", e.Requested, e.Remaining)
}

type CheckAvailabilityResult struct {
	Sufficient bool            `json:"sufficient"`
	Available  decimal.Decimal `json:"available"`
	Currency   string          `json:"currency"`
}

type AllocateRequest struct {
	DepartmentID string
	FiscalPeriod string
	Currency     string
	Amount       decimal.Decimal
	Actor        string
}

type ReserveRequest struct {
	AccountID   snowflake.ID
	BusinessKey string
	Amount      decimal.Decimal
	Actor       string
	ExpiresAt   *time.Time
}

// Service is the Budget Control Service. All mutating operations take a
// pessimistic exclusive lock on the account row with a bounded wait and
// append a LedgerTransaction atomically with the mutation.
type Service interface {
	// CheckAvailability is a consistent read used for pre-validation only;
	// it is inherently racy and never a substitute for Reserve's own check.
	CheckAvailability(ctx context.Context, accountID snowflake.ID, amount decimal.Decimal) (CheckAvailabilityResult, error)

	Allocate(ctx context.Context, req AllocateRequest) (LedgerAccount, error)

	// Reserve is idempotent per business key: a second call with the same
	// key returns the existing reservation unchanged.
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)

	// Release is idempotent: releasing an already released or spent
	// reservation succeeds as a no-op.
	Release(ctx context.Context, reservationID snowflake.ID, actor string) error

	Spend(ctx context.Context, reservationID snowflake.ID, amount decimal.Decimal, actor string) error

	TopUp(ctx context.Context, accountID snowflake.ID, amount decimal.Decimal, actor string) error

	// Close ends the fiscal period: no further reservations are accepted;
	// fails while reservations still hold funds.
	Close(ctx context.Context, accountID snowflake.ID, actor string) error

	GetAccount(ctx context.Context, accountID snowflake.ID) (LedgerAccount, error)
	GetReservation(ctx context.Context, reservationID snowflake.ID) (Reservation, error)
	FindReservationByKey(ctx context.Context, accountID snowflake.ID, businessKey string) (Reservation, error)

	// ExpiredReservations lists active reservations whose advisory expiry
	// has passed, for the sweeper.
	ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)

	ListTransactions(ctx context.Context, accountID snowflake.ID, from, to *time.Time, limit int) ([]LedgerTransaction, error)
}
