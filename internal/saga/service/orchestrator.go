package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/openprocure/provena/internal/audit/domain"
	"github.com/openprocure/provena/internal/clock"
	"github.com/openprocure/provena/internal/config"
	"github.com/openprocure/provena/internal/events"
	"github.com/openprocure/provena/internal/idempotency"
	ledgerdomain "github.com/openprocure/provena/internal/ledger/domain"
	obsmetrics "github.com/openprocure/provena/internal/observability/metrics"
	recdomain "github.com/openprocure/provena/internal/reconciliation/domain"
	sagadomain "github.com/openprocure/provena/internal/saga/domain"
	"github.com/openprocure/provena/pkg/db"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Ledger   ledgerdomain.Service
	Recon    recdomain.Service
	AuditSvc auditdomain.Service
	Idem     *idempotency.Cache
	Policy   *config.ProcurementConfigHolder
	Outbox   *events.Outbox      `optional:"true"`
	Obs      *obsmetrics.Metrics `optional:"true"`
}

type Orchestrator struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	ledger   ledgerdomain.Service
	recon    recdomain.Service
	auditSvc auditdomain.Service
	idem     *idempotency.Cache
	policy   *config.ProcurementConfigHolder
	outbox   *events.Outbox
	obs      *obsmetrics.Metrics
}

func NewOrchestrator(p Params) sagadomain.Orchestrator {
	return &Orchestrator{
		db:       p.DB,
		log:      p.Log.Named("saga.orchestrator"),
		genID:    p.GenID,
		clock:    p.Clock,
		ledger:   p.Ledger,
		recon:    p.Recon,
		auditSvc: p.AuditSvc,
		idem:     p.Idem,
		policy:   p.Policy,
		outbox:   p.Outbox,
		obs:      p.Obs,
	}
}

func (o *Orchestrator) HandleEvent(ctx context.Context, ev events.Event) error {
	first, err := o.idem.MarkEventSeen(ctx, ev.EventID)
	if err != nil {
		return err
	}
	if !first {
		o.log.Debug("dropping redelivered event",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", ev.Type),
		)
		return nil
	}

	businessKey := businessKeyOf(ev)
	if businessKey == "" {
		return sagadomain.ErrMissingEventKey
	}

	var handleErr error
	switch ev.Type {
	case events.EventRequisitionCreated:
		handleErr = o.handleCreated(ctx, businessKey, ev)
	case events.EventRequisitionApproved:
		handleErr = o.handleApproved(ctx, businessKey, ev)
	case events.EventRequisitionRejected:
		handleErr = o.handleRejected(ctx, businessKey, ev)
	case events.EventVendorSelected:
		handleErr = o.handleVendorSelected(ctx, businessKey, ev)
	case events.EventOrderPlaced:
		handleErr = o.handleOrderPlaced(ctx, businessKey, ev)
	case events.EventOrderFailed:
		handleErr = o.handleOrderFailed(ctx, businessKey, ev)
	case events.EventGoodsReceived:
		handleErr = o.handleGoodsReceived(ctx, businessKey, ev)
	case events.EventInvoiceReceived:
		handleErr = o.handleInvoiceReceived(ctx, businessKey, ev)
	case events.EventPaymentRequested:
		handleErr = o.handlePaymentRequested(ctx, businessKey, ev)
	case events.EventSagaCancelRequested:
		handleErr = o.cancel(ctx, businessKey, dataString(ev.Data, "reason"), ev)
		if errors.Is(handleErr, sagadomain.ErrSagaTerminal) {
			handleErr = nil
		}
	default:
		o.log.Warn("unknown event type", zap.String("event_type", ev.Type))
		return sagadomain.ErrUnknownEvent
	}

	status := "applied"
	if handleErr != nil {
		status = "error"
		// A failed step must not consume the delivery: the mark is
		// cleared so the broker's redelivery gets handled again.
		if unmarkErr := o.idem.UnmarkEventSeen(ctx, ev.EventID); unmarkErr != nil {
			o.log.Warn("failed to clear event dedup mark",
				zap.String("event_id", ev.EventID),
				zap.Error(unmarkErr),
			)
		}
	}
	o.obs.RecordSagaTransition(ev.Type, status)
	return handleErr
}

func (o *Orchestrator) Cancel(ctx context.Context, businessKey, reason string) error {
	return o.cancel(ctx, businessKey, reason, events.Event{Type: events.EventSagaCancelRequested})
}

func (o *Orchestrator) Get(ctx context.Context, businessKey string) (sagadomain.Instance, []sagadomain.StepRecord, error) {
	instance, err := o.loadByKey(ctx, businessKey)
	if err != nil {
		return sagadomain.Instance{}, nil, err
	}
	var steps []sagadomain.StepRecord
	err = o.db.WithContext(ctx).
		Where("saga_id = ?", instance.ID).
		Order("created_at ASC, id ASC").
		Find(&steps).Error
	return instance, steps, err
}

func (o *Orchestrator) MarkStalled(ctx context.Context, now time.Time) (int, error) {
	var candidates []sagadomain.Instance
	err := o.db.WithContext(ctx).
		Where("status IN ? AND stalled_at IS NULL", []sagadomain.Status{
			sagadomain.StatusRunning,
			sagadomain.StatusCompensating,
		}).
		Order("last_event_at ASC").
		Limit(500).
		Find(&candidates).Error
	if err != nil {
		return 0, err
	}

	policy := o.policy.Current().Saga
	flagged := 0
	for _, instance := range candidates {
		dwell := policy.DefaultStepDwell
		if override, ok := policy.StepDwell[instance.CurrentStep]; ok {
			dwell = override
		}
		if dwell <= 0 || instance.LastEventAt.Add(dwell).After(now) {
			continue
		}

		err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&sagadomain.Instance{}).
				Where("id = ? AND stalled_at IS NULL", instance.ID).
				Updates(map[string]any{"stalled_at": now, "updated_at": now})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			flagged++
			return o.publishTx(ctx, tx, events.Event{
				Type:          events.EventSagaStalled,
				CorrelationID: instance.BusinessKey,
				DedupeKey:     fmt.Sprintf("saga.stalled:%s:%s", instance.BusinessKey, instance.CurrentStep),
				Data: map[string]any{
					"business_key": instance.BusinessKey,
					"current_step": instance.CurrentStep,
					"last_event_at": instance.LastEventAt.
						Format(time.RFC3339),
				},
			})
		})
		if err != nil {
			return flagged, err
		}
	}
	return flagged, nil
}

func (o *Orchestrator) handleCreated(ctx context.Context, businessKey string, ev events.Event) error {
	if _, err := o.loadByKey(ctx, businessKey); err == nil {
		// The saga already exists; creation is idempotent.
		return nil
	} else if !errors.Is(err, sagadomain.ErrSagaNotFound) {
		return err
	}

	accountID, err := dataSnowflake(ev.Data, "account_id")
	if err != nil {
		return err
	}
	amount, err := dataDecimal(ev.Data, "amount")
	if err != nil {
		return err
	}
	currency := strings.ToUpper(dataString(ev.Data, "currency"))
	if currency == "" {
		currency = "USD"
	}

	now := o.clock.Now()
	instance := sagadomain.Instance{
		ID:          o.genID.Generate(),
		BusinessKey: businessKey,
		Status:      sagadomain.StatusRunning,
		CurrentStep: sagadomain.StepCreated,
		AccountID:   accountID,
		Amount:      amount,
		Currency:    currency,
		LastEventAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&instance).Error; err != nil {
			return err
		}
		return o.appendStep(ctx, tx, instance.ID, sagadomain.StepCreated, ev, sagadomain.StepStatusApplied, map[string]any{
			"amount": amount.String(),
		})
	})
	if err != nil && db.IsDuplicateKeyErr(err) {
		// A concurrent delivery created the saga first.
		return nil
	}
	return err
}

func (o *Orchestrator) handleApproved(ctx context.Context, businessKey string, ev events.Event) error {
	instance, skip, err := o.forwardInstance(ctx, businessKey, sagadomain.StepReserved, ev)
	if err != nil || skip {
		return err
	}

	reservation, err := o.ledger.Reserve(ctx, ledgerdomain.ReserveRequest{
		AccountID:   instance.AccountID,
		BusinessKey: businessKey,
		Amount:      instance.Amount,
		Actor:       "saga",
	})
	if err != nil {
		var insufficient *ledgerdomain.InsufficientFundsError
		if errors.As(err, &insufficient) {
			// Nothing to compensate: the reservation never existed.
			return o.fail(ctx, &instance, "insufficient_funds", ev, map[string]any{
				"available": insufficient.Available.String(),
				"requested": insufficient.Requested.String(),
			})
		}
		return err
	}

	return o.advance(ctx, &instance, sagadomain.StepReserved, ev, map[string]any{
		"reservation_id": reservation.ID.String(),
	}, map[string]any{
		"reservation_id": reservation.ID,
	})
}

func (o *Orchestrator) handleRejected(ctx context.Context, businessKey string, ev events.Event) error {
	instance, err := o.loadByKey(ctx, businessKey)
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		return o.recordSkip(ctx, instance.ID, ev, "saga already terminal")
	}
	if instance.ReservationID != nil {
		if err := o.compensate(ctx, &instance, "rejected", ev); err != nil {
			return err
		}
		return nil
	}
	return o.fail(ctx, &instance, "rejected", ev, nil)
}

func (o *Orchestrator) handleVendorSelected(ctx context.Context, businessKey string, ev events.Event) error {
	instance, err := o.loadByKey(ctx, businessKey)
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		return o.recordSkip(ctx, instance.ID, ev, "saga already terminal")
	}

	// Vendor selection annotates the saga without moving the step.
	now := o.clock.Now()
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&sagadomain.Instance{}).
			Where("id = ?", instance.ID).
			Updates(map[string]any{"last_event_at": now, "updated_at": now}).Error; err != nil {
			return err
		}
		return o.appendStep(ctx, tx, instance.ID, instance.CurrentStep, ev, sagadomain.StepStatusApplied, map[string]any{
			"vendor_id": dataString(ev.Data, "vendor_id"),
		})
	})
}

func (o *Orchestrator) handleOrderPlaced(ctx context.Context, businessKey string, ev events.Event) error {
	instance, skip, err := o.forwardInstance(ctx, businessKey, sagadomain.StepOrderPlaced, ev)
	if err != nil || skip {
		return err
	}

	lines, err := dataLines(ev.Data)
	if err != nil {
		return err
	}

	order, err := o.recon.RecordOrder(ctx, recdomain.RecordOrderRequest{
		BusinessKey: businessKey,
		VendorID:    dataString(ev.Data, "vendor_id"),
		Currency:    instance.Currency,
		Lines:       lines,
	})
	if errors.Is(err, recdomain.ErrOrderExists) {
		order, err = o.recon.GetOrderByKey(ctx, businessKey)
	}
	if err != nil {
		return err
	}

	return o.advance(ctx, &instance, sagadomain.StepOrderPlaced, ev, map[string]any{
		"order_id": order.ID.String(),
	}, map[string]any{
		"order_id": order.ID,
	})
}

func (o *Orchestrator) handleOrderFailed(ctx context.Context, businessKey string, ev events.Event) error {
	instance, err := o.loadByKey(ctx, businessKey)
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		return o.recordSkip(ctx, instance.ID, ev, "saga already terminal")
	}
	return o.compensate(ctx, &instance, "order_failed", ev)
}

func (o *Orchestrator) handleGoodsReceived(ctx context.Context, businessKey string, ev events.Event) error {
	instance, skip, err := o.forwardInstance(ctx, businessKey, sagadomain.StepGoodsReceived, ev)
	if err != nil || skip {
		return err
	}
	if instance.OrderID == nil {
		return fmt.Errorf("saga %s received goods before an order", businessKey)
	}

	lines, err := dataLines(ev.Data)
	if err != nil {
		return err
	}
	receipt, err := o.recon.RecordReceipt(ctx, recdomain.RecordReceiptRequest{
		PurchaseOrderID: *instance.OrderID,
		Reference:       dataString(ev.Data, "reference"),
		Lines:           lines,
	})
	if err != nil {
		return err
	}

	return o.advance(ctx, &instance, sagadomain.StepGoodsReceived, ev, map[string]any{
		"receipt_id": receipt.ID.String(),
	}, nil)
}

func (o *Orchestrator) handleInvoiceReceived(ctx context.Context, businessKey string, ev events.Event) error {
	instance, skip, err := o.forwardInstance(ctx, businessKey, sagadomain.StepInvoiced, ev)
	if err != nil || skip {
		return err
	}
	if instance.OrderID == nil {
		return fmt.Errorf("saga %s invoiced before an order", businessKey)
	}

	amount, err := dataDecimal(ev.Data, "amount")
	if err != nil {
		return err
	}
	lines, _ := dataLines(ev.Data)

	invoice, err := o.recon.RecordInvoice(ctx, recdomain.RecordInvoiceRequest{
		PurchaseOrderID: *instance.OrderID,
		InvoiceNumber:   dataString(ev.Data, "invoice_number"),
		Amount:          amount,
		Lines:           lines,
	})
	if errors.Is(err, recdomain.ErrInvoiceExists) {
		return o.recordSkip(ctx, instance.ID, ev, "invoice already recorded")
	}
	if err != nil {
		return err
	}

	result, err := o.recon.Match(ctx, recdomain.MatchRequest{InvoiceID: invoice.ID})
	if err != nil {
		return err
	}

	// A mismatch keeps the saga at invoiced: the dispute event is already
	// out, and payment waits for a re-match or manual cancel.
	return o.advance(ctx, &instance, sagadomain.StepInvoiced, ev, map[string]any{
		"invoice_id":       invoice.ID.String(),
		"verdict":          string(result.Verdict),
		"variance":         result.Variance.String(),
		"variance_percent": result.VariancePercent.String(),
	}, nil)
}

func (o *Orchestrator) handlePaymentRequested(ctx context.Context, businessKey string, ev events.Event) error {
	instance, skip, err := o.forwardInstance(ctx, businessKey, sagadomain.StepCompleted, ev)
	if err != nil || skip {
		return err
	}
	if instance.ReservationID == nil {
		return fmt.Errorf("saga %s has no reservation to settle", businessKey)
	}

	// Payment settles against the latest match: only a cleared invoice may
	// be paid, unless a reviewer approved the mismatch on the event itself.
	if instance.OrderID != nil && !dataBool(ev.Data, "override_approved") {
		results, err := o.recon.ListMatchResults(ctx, *instance.OrderID)
		if err != nil {
			return err
		}
		if len(results) == 0 || results[0].Verdict == recdomain.VerdictMismatch {
			return o.recordSkip(ctx, instance.ID, ev, "invoice not cleared for payment")
		}
	}

	amount, err := dataDecimal(ev.Data, "amount")
	if err != nil {
		reservation, resErr := o.ledger.GetReservation(ctx, *instance.ReservationID)
		if resErr != nil {
			return resErr
		}
		amount = reservation.Remaining()
	}

	if err := o.ledger.Spend(ctx, *instance.ReservationID, amount, "saga"); err != nil {
		return err
	}
	// Anything left on the hold after settlement goes back to the budget.
	if err := o.ledger.Release(ctx, *instance.ReservationID, "saga"); err != nil {
		return err
	}

	if err := o.advance(ctx, &instance, sagadomain.StepCompleted, ev, map[string]any{
		"amount": amount.String(),
	}, map[string]any{
		"status": sagadomain.StatusCompleted,
	}); err != nil {
		return err
	}

	return o.publish(ctx, events.Event{
		Type:          events.EventSagaCompleted,
		CorrelationID: businessKey,
		DedupeKey:     "saga.completed:" + businessKey,
		Data: map[string]any{
			"business_key": businessKey,
			"amount":       amount.String(),
		},
	})
}

func (o *Orchestrator) cancel(ctx context.Context, businessKey, reason string, ev events.Event) error {
	instance, err := o.loadByKey(ctx, businessKey)
	if err != nil {
		return err
	}
	if instance.Status.Terminal() {
		return sagadomain.ErrSagaTerminal
	}
	if reason == "" {
		reason = "cancelled"
	} else {
		reason = "cancelled: " + reason
	}
	return o.compensate(ctx, &instance, reason, ev)
}

// compensate unwinds completed steps in reverse order, retrying each with
// bounded exponential backoff. Exhausted retries park the saga for an
// operator instead of leaking the reservation silently.
func (o *Orchestrator) compensate(ctx context.Context, instance *sagadomain.Instance, reason string, ev events.Event) error {
	now := o.clock.Now()
	if err := o.db.WithContext(ctx).Model(&sagadomain.Instance{}).
		Where("id = ?", instance.ID).
		Updates(map[string]any{"status": sagadomain.StatusCompensating, "updated_at": now}).Error; err != nil {
		return err
	}
	instance.Status = sagadomain.StatusCompensating

	if instance.OrderID != nil {
		if err := o.retryCompensation(ctx, instance, "cancel_order", func() error {
			return o.recon.CancelOrder(ctx, *instance.OrderID, reason)
		}); err != nil {
			return o.parkForIntervention(ctx, instance, reason, ev, err)
		}
	}
	if instance.ReservationID != nil {
		if err := o.retryCompensation(ctx, instance, "release_reservation", func() error {
			return o.ledger.Release(ctx, *instance.ReservationID, "saga")
		}); err != nil {
			return o.parkForIntervention(ctx, instance, reason, ev, err)
		}
	}

	if err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := o.clock.Now()
		if err := tx.Model(&sagadomain.Instance{}).
			Where("id = ?", instance.ID).
			Updates(map[string]any{
				"status":                sagadomain.StatusFailed,
				"failure_reason":        reason,
				"compensation_attempts": instance.CompensationAttempts,
				"last_event_at":         now,
				"updated_at":            now,
			}).Error; err != nil {
			return err
		}
		return o.appendStep(ctx, tx, instance.ID, instance.CurrentStep, ev, sagadomain.StepStatusCompensated, map[string]any{
			"reason": reason,
		})
	}); err != nil {
		return err
	}

	return o.publish(ctx, events.Event{
		Type:          events.EventSagaFailed,
		CorrelationID: instance.BusinessKey,
		DedupeKey:     "saga.failed:" + instance.BusinessKey,
		Data: map[string]any{
			"business_key": instance.BusinessKey,
			"reason":       reason,
		},
	})
}

func (o *Orchestrator) retryCompensation(ctx context.Context, instance *sagadomain.Instance, step string, fn func() error) error {
	policy := o.policy.Current().Saga
	backoff := policy.CompensationBackoff

	var lastErr error
	for attempt := 0; attempt < policy.CompensationMaxAttempts; attempt++ {
		instance.CompensationAttempts++
		lastErr = fn()
		if lastErr == nil {
			o.obs.RecordCompensation(step, "ok")
			return nil
		}
		o.obs.RecordCompensation(step, "retry")
		o.log.Warn("compensation attempt failed",
			zap.String("business_key", instance.BusinessKey),
			zap.String("step", step),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	o.obs.RecordCompensation(step, "exhausted")
	return lastErr
}

func (o *Orchestrator) parkForIntervention(ctx context.Context, instance *sagadomain.Instance, reason string, ev events.Event, cause error) error {
	now := o.clock.Now()
	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&sagadomain.Instance{}).
			Where("id = ?", instance.ID).
			Updates(map[string]any{
				"status":                sagadomain.StatusFailedManual,
				"failure_reason":        reason,
				"compensation_attempts": instance.CompensationAttempts,
				"updated_at":            now,
			}).Error; err != nil {
			return err
		}
		if err := o.appendStep(ctx, tx, instance.ID, instance.CurrentStep, ev, sagadomain.StepStatusFailed, map[string]any{
			"reason": reason,
			"error":  cause.Error(),
		}); err != nil {
			return err
		}
		return o.publishTx(ctx, tx, events.Event{
			Type:          events.EventSagaNeedsIntervention,
			CorrelationID: instance.BusinessKey,
			DedupeKey:     "saga.needs_intervention:" + instance.BusinessKey,
			Data: map[string]any{
				"business_key": instance.BusinessKey,
				"reason":       reason,
				"error":        cause.Error(),
			},
		})
	})
	if err != nil {
		return err
	}
	return o.auditSvc.AuditLog(ctx, auditdomain.Entry{
		ActorType:   auditdomain.ActorTypeSystem,
		Action:      events.EventSagaNeedsIntervention,
		TargetType:  "saga",
		TargetID:    instance.ID.String(),
		BusinessKey: instance.BusinessKey,
		Metadata:    map[string]any{"reason": reason, "error": cause.Error()},
	})
}

// forwardInstance loads the saga and checks the target step is actually
// forward progress. A duplicate or out-of-order event is journaled as
// skipped and reported with skip=true.
func (o *Orchestrator) forwardInstance(ctx context.Context, businessKey, targetStep string, ev events.Event) (sagadomain.Instance, bool, error) {
	instance, err := o.loadByKey(ctx, businessKey)
	if err != nil {
		return sagadomain.Instance{}, false, err
	}
	if instance.Status.Terminal() {
		return instance, true, o.recordSkip(ctx, instance.ID, ev, "saga already terminal")
	}
	if sagadomain.StepOrdinal(targetStep) <= sagadomain.StepOrdinal(instance.CurrentStep) {
		return instance, true, o.recordSkip(ctx, instance.ID, ev, "step already passed")
	}
	return instance, false, nil
}

// advance moves the saga to step, guarded by an optimistic check on the
// step it was loaded at so concurrent handlers cannot double-apply.
func (o *Orchestrator) advance(ctx context.Context, instance *sagadomain.Instance, step string, ev events.Event, detail map[string]any, extra map[string]any) error {
	now := o.clock.Now()
	updates := map[string]any{
		"current_step":  step,
		"last_event_at": now,
		"stalled_at":    nil,
		"updated_at":    now,
	}
	for key, value := range extra {
		updates[key] = value
	}

	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&sagadomain.Instance{}).
			Where("id = ? AND current_step = ? AND status = ?", instance.ID, instance.CurrentStep, sagadomain.StatusRunning).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return o.appendStep(ctx, tx, instance.ID, step, ev, sagadomain.StepStatusSkipped, map[string]any{
				"note": "lost transition race",
			})
		}
		return o.appendStep(ctx, tx, instance.ID, step, ev, sagadomain.StepStatusApplied, detail)
	})
}

func (o *Orchestrator) fail(ctx context.Context, instance *sagadomain.Instance, reason string, ev events.Event, detail map[string]any) error {
	now := o.clock.Now()
	if detail == nil {
		detail = map[string]any{}
	}
	detail["reason"] = reason

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&sagadomain.Instance{}).
			Where("id = ?", instance.ID).
			Updates(map[string]any{
				"status":         sagadomain.StatusFailed,
				"failure_reason": reason,
				"last_event_at":  now,
				"updated_at":     now,
			}).Error; err != nil {
			return err
		}
		if err := o.appendStep(ctx, tx, instance.ID, instance.CurrentStep, ev, sagadomain.StepStatusFailed, detail); err != nil {
			return err
		}
		return o.publishTx(ctx, tx, events.Event{
			Type:          events.EventSagaFailed,
			CorrelationID: instance.BusinessKey,
			DedupeKey:     "saga.failed:" + instance.BusinessKey,
			Data: map[string]any{
				"business_key": instance.BusinessKey,
				"reason":       reason,
			},
		})
	})
	if err != nil {
		return err
	}
	instance.Status = sagadomain.StatusFailed
	return nil
}

func (o *Orchestrator) recordSkip(ctx context.Context, sagaID snowflake.ID, ev events.Event, note string) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return o.appendStep(ctx, tx, sagaID, "", ev, sagadomain.StepStatusSkipped, map[string]any{
			"note": note,
		})
	})
}

func (o *Orchestrator) appendStep(ctx context.Context, tx *gorm.DB, sagaID snowflake.ID, step string, ev events.Event, status sagadomain.StepStatus, detail map[string]any) error {
	return tx.WithContext(ctx).Create(&sagadomain.StepRecord{
		ID:        o.genID.Generate(),
		SagaID:    sagaID,
		Step:      step,
		EventType: ev.Type,
		EventID:   ev.EventID,
		Status:    status,
		Detail:    datatypes.JSONMap(detail),
		CreatedAt: o.clock.Now(),
	}).Error
}

func (o *Orchestrator) loadByKey(ctx context.Context, businessKey string) (sagadomain.Instance, error) {
	var instance sagadomain.Instance
	err := o.db.WithContext(ctx).First(&instance, "business_key = ?", strings.TrimSpace(businessKey)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sagadomain.Instance{}, sagadomain.ErrSagaNotFound
	}
	return instance, err
}

func (o *Orchestrator) publishTx(ctx context.Context, tx *gorm.DB, ev events.Event) error {
	if o.outbox == nil {
		return nil
	}
	return o.outbox.PublishTx(ctx, tx, ev)
}

func (o *Orchestrator) publish(ctx context.Context, ev events.Event) error {
	if o.outbox == nil {
		return nil
	}
	return o.outbox.Publish(ctx, ev)
}

func businessKeyOf(ev events.Event) string {
	if key := strings.TrimSpace(ev.CorrelationID); key != "" {
		return key
	}
	return strings.TrimSpace(dataString(ev.Data, "business_key"))
}

func dataString(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if value, ok := data[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func dataBool(data map[string]any, key string) bool {
	if data == nil {
		return false
	}
	switch value := data[key].(type) {
	case bool:
		return value
	case string:
		return strings.EqualFold(strings.TrimSpace(value), "true")
	default:
		return false
	}
}

func dataDecimal(data map[string]any, key string) (decimal.Decimal, error) {
	raw, ok := data[key]
	if !ok {
		return decimal.Zero, fmt.Errorf("event data missing %q", key)
	}
	switch value := raw.(type) {
	case string:
		return decimal.NewFromString(value)
	case float64:
		return decimal.NewFromFloat(value), nil
	case json.Number:
		return decimal.NewFromString(value.String())
	default:
		return decimal.Zero, fmt.Errorf("event data %q has unsupported type %T", key, raw)
	}
}

func dataSnowflake(data map[string]any, key string) (snowflake.ID, error) {
	value := dataString(data, key)
	if value == "" {
		return 0, fmt.Errorf("event data missing %q", key)
	}
	return snowflake.ParseString(value)
}

func dataLines(data map[string]any) ([]recdomain.LineItem, error) {
	raw, ok := data["lines"]
	if !ok {
		return nil, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var lines []recdomain.LineItem
	if err := json.Unmarshal(encoded, &lines); err != nil {
		return nil, err
	}
	return lines, nil
}
