package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/openprocure/provena/internal/audit/domain"
	"github.com/openprocure/provena/internal/config"
	"github.com/openprocure/provena/internal/events"
	ledgerdomain "github.com/openprocure/provena/internal/ledger/domain"
	obsmetrics "github.com/openprocure/provena/internal/observability/metrics"
	"github.com/openprocure/provena/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	AuditSvc   auditdomain.Service
	Policy     *config.ProcurementConfigHolder
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	auditSvc   auditdomain.Service
	policy     *config.ProcurementConfigHolder
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		auditSvc:   p.AuditSvc,
		policy:     p.Policy,
		outbox:     p.Outbox,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) CheckAvailability(ctx context.Context, accountID snowflake.ID, amount decimal.Decimal) (ledgerdomain.CheckAvailabilityResult, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return ledgerdomain.CheckAvailabilityResult{}, err
	}

	available := account.Available()
	result := ledgerdomain.CheckAvailabilityResult{
		Sufficient: account.Status == ledgerdomain.AccountStatusActive && available.GreaterThanOrEqual(amount),
		Available:  available,
		Currency:   account.Currency,
	}

	// Availability reads are audited best-effort; a failed audit write
	// never fails the read.
	if err := s.auditSvc.AuditLog(ctx, auditdomain.Entry{
		ActorType:  auditdomain.ActorTypeSystem,
		Action:     events.EventBudgetQueried,
		TargetType: "ledger_account",
		TargetID:   accountID.String(),
		AccountID:  &accountID,
		Metadata: map[string]any{
			"available": available.String(),
			"requested": amount.String(),
		},
	}); err != nil {
		s.log.Warn("failed to audit availability check", zap.Error(err))
	}

	return result, nil
}

func (s *Service) Allocate(ctx context.Context, req ledgerdomain.AllocateRequest) (ledgerdomain.LedgerAccount, error) {
	if !req.Amount.IsPositive() {
		return ledgerdomain.LedgerAccount{}, ledgerdomain.ErrInvalidAmount
	}
	departmentID := strings.TrimSpace(req.DepartmentID)
	fiscalPeriod := strings.TrimSpace(req.FiscalPeriod)
	if departmentID == "" || fiscalPeriod == "" {
		return ledgerdomain.LedgerAccount{}, ledgerdomain.ErrAccountNotFound
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := time.Now().UTC()
	account := ledgerdomain.LedgerAccount{
		ID:             s.genID.Generate(),
		DepartmentID:   departmentID,
		FiscalPeriod:   fiscalPeriod,
		Currency:       currency,
		Status:         ledgerdomain.AccountStatusActive,
		TotalAllocated: req.Amount,
		Spent:          decimal.Zero,
		Reserved:       decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&account).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return ledgerdomain.ErrAccountExists
			}
			return err
		}
		if err := s.appendTransaction(ctx, tx, &account, nil, ledgerdomain.TransactionTypeAllocate, req.Amount, decimal.Zero, req.Amount, req.Actor); err != nil {
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeUser,
			ActorID:    req.Actor,
			Action:     "budget.allocated",
			TargetType: "ledger_account",
			TargetID:   account.ID.String(),
			AccountID:  &account.ID,
			Metadata: map[string]any{
				"department_id": departmentID,
				"fiscal_period": fiscalPeriod,
				"amount":        req.Amount.String(),
				"currency":      currency,
			},
		})
	})
	if err != nil {
		return ledgerdomain.LedgerAccount{}, err
	}
	return account, nil
}

func (s *Service) Reserve(ctx context.Context, req ledgerdomain.ReserveRequest) (ledgerdomain.Reservation, error) {
	if !req.Amount.IsPositive() {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrInvalidAmount
	}
	businessKey := strings.TrimSpace(req.BusinessKey)
	if businessKey == "" {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrInvalidBusinessKey
	}

	var out ledgerdomain.Reservation
	err := s.withAccountLock(ctx, req.AccountID, func(tx *gorm.DB, account *ledgerdomain.LedgerAccount) error {
		// Reserve is idempotent per business key: return the existing
		// reservation unchanged instead of double-reserving.
		var existing ledgerdomain.Reservation
		err := tx.First(&existing, "account_id = ? AND business_key = ?", account.ID, businessKey).Error
		if err == nil {
			out = existing
			if !existing.Amount.Equal(req.Amount) {
				// Reserve is idempotent per key even when the retry
				// disagrees on amount; record the discrepancy instead.
				_ = s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
					ActorType:   auditdomain.ActorTypeUser,
					ActorID:     req.Actor,
					Action:      "budget.reserve.duplicate_key_amount_mismatch",
					TargetType:  "reservation",
					TargetID:    existing.ID.String(),
					AccountID:   &account.ID,
					BusinessKey: businessKey,
					Metadata: map[string]any{
						"reserved_amount":  existing.Amount.String(),
						"requested_amount": req.Amount.String(),
					},
				})
			}
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		switch account.Status {
		case ledgerdomain.AccountStatusClosed:
			return ledgerdomain.ErrAccountClosed
		case ledgerdomain.AccountStatusSuspended:
			return ledgerdomain.ErrAccountSuspended
		}

		available := account.Available()
		if available.LessThan(req.Amount) {
			return &ledgerdomain.InsufficientFundsError{Available: available, Requested: req.Amount}
		}

		now := time.Now().UTC()
		reservation := ledgerdomain.Reservation{
			ID:          s.genID.Generate(),
			AccountID:   account.ID,
			BusinessKey: businessKey,
			Amount:      req.Amount,
			SpentAmount: decimal.Zero,
			State:       ledgerdomain.ReservationStateReserved,
			ExpiresAt:   s.reservationExpiry(req.ExpiresAt, now),
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		account.Reserved = account.Reserved.Add(req.Amount)
		account.UpdatedAt = now
		if err := tx.Model(&ledgerdomain.LedgerAccount{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{"reserved": account.Reserved, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Create(&reservation).Error; err != nil {
			return err
		}
		if err := s.appendTransaction(ctx, tx, account, &reservation.ID, ledgerdomain.TransactionTypeReserve, req.Amount, available, account.Available(), req.Actor); err != nil {
			return err
		}
		if err := s.publishTx(ctx, tx, events.Event{
			Type:          events.EventBudgetReserved,
			CorrelationID: businessKey,
			DedupeKey:     "budget.reserved:" + businessKey,
			Data: map[string]any{
				"account_id":     account.ID.String(),
				"reservation_id": reservation.ID.String(),
				"business_key":   businessKey,
				"amount":         req.Amount.String(),
				"available":      account.Available().String(),
				"currency":       account.Currency,
			},
		}); err != nil {
			return err
		}
		if err := s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:   auditdomain.ActorTypeUser,
			ActorID:     req.Actor,
			Action:      events.EventBudgetReserved,
			TargetType:  "reservation",
			TargetID:    reservation.ID.String(),
			AccountID:   &account.ID,
			BusinessKey: businessKey,
			Metadata: map[string]any{
				"amount":    req.Amount.String(),
				"available": account.Available().String(),
			},
		}); err != nil {
			return err
		}

		out = reservation
		return nil
	})
	if err != nil {
		var insufficient *ledgerdomain.InsufficientFundsError
		if errors.As(err, &insufficient) {
			s.recordReservation("insufficient")
			// The rejection is announced after rollback; nothing was
			// mutated inside the lock.
			if pubErr := s.publish(ctx, events.Event{
				Type:          events.EventBudgetInsufficient,
				CorrelationID: businessKey,
				DedupeKey:     "budget.insufficient:" + businessKey,
				Data: map[string]any{
					"account_id":   req.AccountID.String(),
					"business_key": businessKey,
					"requested":    req.Amount.String(),
					"available":    insufficient.Available.String(),
				},
			}); pubErr != nil {
				s.log.Warn("failed to publish insufficient funds event", zap.Error(pubErr))
			}
		}
		return ledgerdomain.Reservation{}, err
	}

	s.recordReservation("reserved")
	return out, nil
}

func (s *Service) Release(ctx context.Context, reservationID snowflake.ID, actor string) error {
	reservation, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	return s.withAccountLock(ctx, reservation.AccountID, func(tx *gorm.DB, account *ledgerdomain.LedgerAccount) error {
		var current ledgerdomain.Reservation
		if err := tx.First(&current, "id = ?", reservationID).Error; err != nil {
			return err
		}
		// Releasing an already released or spent reservation is a no-op
		// that still succeeds.
		if !current.State.Active() {
			return nil
		}

		remaining := current.Remaining()
		available := account.Available()
		now := time.Now().UTC()

		account.Reserved = account.Reserved.Sub(remaining)
		if err := tx.Model(&ledgerdomain.LedgerAccount{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{"reserved": account.Reserved, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&ledgerdomain.Reservation{}).
			Where("id = ?", current.ID).
			Updates(map[string]any{"state": ledgerdomain.ReservationStateReleased, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := s.appendTransaction(ctx, tx, account, &current.ID, ledgerdomain.TransactionTypeRelease, remaining, available, account.Available(), actor); err != nil {
			return err
		}
		if err := s.publishTx(ctx, tx, events.Event{
			Type:          events.EventBudgetReleased,
			CorrelationID: current.BusinessKey,
			DedupeKey:     "budget.released:" + current.ID.String(),
			Data: map[string]any{
				"account_id":     account.ID.String(),
				"reservation_id": current.ID.String(),
				"business_key":   current.BusinessKey,
				"amount":         remaining.String(),
				"available":      account.Available().String(),
			},
		}); err != nil {
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:   auditdomain.ActorTypeUser,
			ActorID:     actor,
			Action:      events.EventBudgetReleased,
			TargetType:  "reservation",
			TargetID:    current.ID.String(),
			AccountID:   &account.ID,
			BusinessKey: current.BusinessKey,
			Metadata: map[string]any{
				"amount":    remaining.String(),
				"available": account.Available().String(),
			},
		})
	})
}

func (s *Service) Spend(ctx context.Context, reservationID snowflake.ID, amount decimal.Decimal, actor string) error {
	if !amount.IsPositive() {
		return ledgerdomain.ErrInvalidAmount
	}

	reservation, err := s.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	return s.withAccountLock(ctx, reservation.AccountID, func(tx *gorm.DB, account *ledgerdomain.LedgerAccount) error {
		var current ledgerdomain.Reservation
		if err := tx.First(&current, "id = ?", reservationID).Error; err != nil {
			return err
		}
		if !current.State.Active() {
			return ledgerdomain.ErrReservationNotActive
		}

		remaining := current.Remaining()
		if amount.GreaterThan(remaining) {
			return &ledgerdomain.OverspendError{Remaining: remaining, Requested: amount}
		}

		available := account.Available()
		now := time.Now().UTC()

		account.Reserved = account.Reserved.Sub(amount)
		account.Spent = account.Spent.Add(amount)
		if err := tx.Model(&ledgerdomain.LedgerAccount{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{"reserved": account.Reserved, "spent": account.Spent, "updated_at": now}).Error; err != nil {
			return err
		}

		spentAmount := current.SpentAmount.Add(amount)
		state := ledgerdomain.ReservationStatePartiallySpent
		if spentAmount.Equal(current.Amount) {
			state = ledgerdomain.ReservationStateSpent
		}
		if err := tx.Model(&ledgerdomain.Reservation{}).
			Where("id = ?", current.ID).
			Updates(map[string]any{"spent_amount": spentAmount, "state": state, "updated_at": now}).Error; err != nil {
			return err
		}

		if err := s.appendTransaction(ctx, tx, account, &current.ID, ledgerdomain.TransactionTypeSpend, amount, available, account.Available(), actor); err != nil {
			return err
		}
		if err := s.publishTx(ctx, tx, events.Event{
			Type:          events.EventBudgetSpent,
			CorrelationID: current.BusinessKey,
			DedupeKey:     "budget.spent:" + current.ID.String() + ":" + spentAmount.String(),
			Data: map[string]any{
				"account_id":     account.ID.String(),
				"reservation_id": current.ID.String(),
				"business_key":   current.BusinessKey,
				"amount":         amount.String(),
				"state":          string(state),
			},
		}); err != nil {
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:   auditdomain.ActorTypeUser,
			ActorID:     actor,
			Action:      events.EventBudgetSpent,
			TargetType:  "reservation",
			TargetID:    current.ID.String(),
			AccountID:   &account.ID,
			BusinessKey: current.BusinessKey,
			Metadata: map[string]any{
				"amount": amount.String(),
				"state":  string(state),
			},
		})
	})
}

func (s *Service) TopUp(ctx context.Context, accountID snowflake.ID, amount decimal.Decimal, actor string) error {
	if !amount.IsPositive() {
		return ledgerdomain.ErrInvalidAmount
	}

	return s.withAccountLock(ctx, accountID, func(tx *gorm.DB, account *ledgerdomain.LedgerAccount) error {
		if account.Status == ledgerdomain.AccountStatusClosed {
			return ledgerdomain.ErrAccountClosed
		}

		available := account.Available()
		now := time.Now().UTC()
		account.TotalAllocated = account.TotalAllocated.Add(amount)
		if err := tx.Model(&ledgerdomain.LedgerAccount{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{"total_allocated": account.TotalAllocated, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := s.appendTransaction(ctx, tx, account, nil, ledgerdomain.TransactionTypeTopUp, amount, available, account.Available(), actor); err != nil {
			return err
		}
		if err := s.publishTx(ctx, tx, events.Event{
			Type: events.EventBudgetTopUp,
			Data: map[string]any{
				"account_id": account.ID.String(),
				"amount":     amount.String(),
				"available":  account.Available().String(),
			},
		}); err != nil {
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeUser,
			ActorID:    actor,
			Action:     events.EventBudgetTopUp,
			TargetType: "ledger_account",
			TargetID:   account.ID.String(),
			AccountID:  &account.ID,
			Metadata: map[string]any{
				"amount":          amount.String(),
				"total_allocated": account.TotalAllocated.String(),
			},
		})
	})
}

func (s *Service) Close(ctx context.Context, accountID snowflake.ID, actor string) error {
	return s.withAccountLock(ctx, accountID, func(tx *gorm.DB, account *ledgerdomain.LedgerAccount) error {
		if account.Status == ledgerdomain.AccountStatusClosed {
			return nil
		}

		var outstanding int64
		if err := tx.Model(&ledgerdomain.Reservation{}).
			Where("account_id = ? AND state IN ?", account.ID, []ledgerdomain.ReservationState{
				ledgerdomain.ReservationStateReserved,
				ledgerdomain.ReservationStateConfirmed,
				ledgerdomain.ReservationStatePartiallySpent,
			}).Count(&outstanding).Error; err != nil {
			return err
		}
		if outstanding > 0 {
			return ledgerdomain.ErrOutstandingReservations
		}

		now := time.Now().UTC()
		if err := tx.Model(&ledgerdomain.LedgerAccount{}).
			Where("id = ?", account.ID).
			Updates(map[string]any{"status": ledgerdomain.AccountStatusClosed, "updated_at": now}).Error; err != nil {
			return err
		}
		return s.auditSvc.AuditLogTx(ctx, tx, auditdomain.Entry{
			ActorType:  auditdomain.ActorTypeUser,
			ActorID:    actor,
			Action:     "budget.closed",
			TargetType: "ledger_account",
			TargetID:   account.ID.String(),
			AccountID:  &account.ID,
		})
	})
}

func (s *Service) GetAccount(ctx context.Context, accountID snowflake.ID) (ledgerdomain.LedgerAccount, error) {
	var account ledgerdomain.LedgerAccount
	err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerdomain.LedgerAccount{}, ledgerdomain.ErrAccountNotFound
	}
	return account, err
}

func (s *Service) GetReservation(ctx context.Context, reservationID snowflake.ID) (ledgerdomain.Reservation, error) {
	var reservation ledgerdomain.Reservation
	err := s.db.WithContext(ctx).First(&reservation, "id = ?", reservationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrReservationNotFound
	}
	return reservation, err
}

func (s *Service) FindReservationByKey(ctx context.Context, accountID snowflake.ID, businessKey string) (ledgerdomain.Reservation, error) {
	var reservation ledgerdomain.Reservation
	err := s.db.WithContext(ctx).
		First(&reservation, "account_id = ? AND business_key = ?", accountID, strings.TrimSpace(businessKey)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledgerdomain.Reservation{}, ledgerdomain.ErrReservationNotFound
	}
	return reservation, err
}

func (s *Service) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]ledgerdomain.Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	var reservations []ledgerdomain.Reservation
	err := s.db.WithContext(ctx).
		Where("state IN ? AND expires_at IS NOT NULL AND expires_at <= ?", []ledgerdomain.ReservationState{
			ledgerdomain.ReservationStateReserved,
			ledgerdomain.ReservationStateConfirmed,
			ledgerdomain.ReservationStatePartiallySpent,
		}, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&reservations).Error
	return reservations, err
}

func (s *Service) ListTransactions(ctx context.Context, accountID snowflake.ID, from, to *time.Time, limit int) ([]ledgerdomain.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Where("account_id = ?", accountID)
	if from != nil {
		query = query.Where("created_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("created_at <= ?", *to)
	}
	var txs []ledgerdomain.LedgerTransaction
	err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&txs).Error
	return txs, err
}

// withAccountLock runs fn with an exclusive lock on the account row. The
// lock wait is bounded; the lock is never held across a network call.
func (s *Service) withAccountLock(ctx context.Context, accountID snowflake.ID, fn func(tx *gorm.DB, account *ledgerdomain.LedgerAccount) error) error {
	lockWait := s.policy.Current().LockWait
	lockCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()

	start := time.Now()
	err := s.db.WithContext(lockCtx).Transaction(func(tx *gorm.DB) error {
		var account ledgerdomain.LedgerAccount
		if err := db.WithRowLock(tx).First(&account, "id = ?", accountID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledgerdomain.ErrAccountNotFound
			}
			return err
		}
		if s.obsMetrics != nil {
			s.obsMetrics.ObserveLockWait(time.Since(start))
		}
		return fn(tx, &account)
	})
	if err != nil {
		if lockCtx.Err() != nil && ctx.Err() == nil {
			return ledgerdomain.ErrLockTimeout
		}
		if db.IsLockWaitErr(err) {
			return ledgerdomain.ErrLockTimeout
		}
		return err
	}
	return nil
}

func (s *Service) appendTransaction(
	ctx context.Context,
	tx *gorm.DB,
	account *ledgerdomain.LedgerAccount,
	reservationID *snowflake.ID,
	txType ledgerdomain.TransactionType,
	amount, balanceBefore, balanceAfter decimal.Decimal,
	actor string,
) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "system"
	}
	return tx.WithContext(ctx).Create(&ledgerdomain.LedgerTransaction{
		ID:            s.genID.Generate(),
		AccountID:     account.ID,
		ReservationID: reservationID,
		Type:          txType,
		Amount:        amount,
		BalanceBefore: balanceBefore,
		BalanceAfter:  balanceAfter,
		Actor:         actor,
		CreatedAt:     time.Now().UTC(),
	}).Error
}

func (s *Service) publishTx(ctx context.Context, tx *gorm.DB, ev events.Event) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, ev)
}

func (s *Service) publish(ctx context.Context, ev events.Event) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Publish(ctx, ev)
}

func (s *Service) reservationExpiry(requested *time.Time, now time.Time) *time.Time {
	if requested != nil {
		return requested
	}
	if ttl := s.policy.Current().ReservationTTL; ttl > 0 {
		expiry := now.Add(ttl)
		return &expiry
	}
	return nil
}

func (s *Service) recordReservation(result string) {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordReservation(result)
	}
}
