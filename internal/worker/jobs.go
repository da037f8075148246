package worker

import (
	"context"
	"time"

	"github.com/openprocure/provena/internal/events"
	"github.com/openprocure/provena/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DispatchOutboxJob claims a batch of pending outbox messages and pushes
// them onto the bus. Claimed rows are locked with SKIP LOCKED so replicas
// never fight over the same message; a failed publish is pushed back with
// linear backoff instead of blocking the batch.
func (w *Worker) DispatchOutboxJob(ctx context.Context) error {
	now := w.clock.Now()
	var dispatched int

	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch []events.OutboxMessage
		if err := db.WithRowLockSkipLocked(tx).
			Where("status = ? AND available_at <= ?", events.OutboxStatusPending, now).
			Order("available_at ASC, id ASC").
			Limit(w.cfg.DispatchBatchSize).
			Find(&batch).Error; err != nil {
			return err
		}

		for _, msg := range batch {
			ev := events.Event{
				EventID:       msg.EventID,
				Type:          msg.EventType,
				Source:        msg.Source,
				CorrelationID: msg.CorrelationID,
				OccurredAt:    msg.OccurredAt,
				Data:          map[string]any(msg.Payload),
			}

			if err := w.publisher.Publish(ctx, w.channel, ev); err != nil {
				w.log.Warn("outbox publish failed",
					zap.String("event_id", msg.EventID),
					zap.String("event_type", msg.EventType),
					zap.Int("attempts", msg.Attempts+1),
					zap.Error(err),
				)
				if err := tx.Model(&events.OutboxMessage{}).
					Where("id = ?", msg.ID).
					Updates(map[string]any{
						"attempts":     msg.Attempts + 1,
						"available_at": now.Add(time.Duration(msg.Attempts+1) * w.cfg.DispatchBackoff),
					}).Error; err != nil {
					return err
				}
				continue
			}

			if err := tx.Model(&events.OutboxMessage{}).
				Where("id = ?", msg.ID).
				Updates(map[string]any{
					"status":        events.OutboxStatusDispatched,
					"attempts":      msg.Attempts + 1,
					"dispatched_at": now,
				}).Error; err != nil {
				return err
			}
			dispatched++
		}
		return nil
	})
	if err != nil {
		w.obs.RecordOutboxBatch("error")
		return err
	}

	if dispatched > 0 {
		w.obs.RecordOutboxBatch("ok")
		w.log.Debug("outbox batch dispatched", zap.Int("count", dispatched))
	}

	var backlog int64
	if err := w.db.WithContext(ctx).Model(&events.OutboxMessage{}).
		Where("status = ?", events.OutboxStatusPending).
		Count(&backlog).Error; err == nil {
		w.obs.SetOutboxBacklog(float64(backlog))
	}
	return nil
}

// ReleaseExpiredJob sweeps reservations whose advisory expiry has passed
// and returns the held funds to their budgets.
func (w *Worker) ReleaseExpiredJob(ctx context.Context) error {
	now := w.clock.Now()
	expired, err := w.ledgerSvc.ExpiredReservations(ctx, now, w.cfg.ReleaseBatchSize)
	if err != nil {
		return err
	}

	for _, reservation := range expired {
		if err := w.ledgerSvc.Release(ctx, reservation.ID, "worker"); err != nil {
			w.log.Warn("failed to release expired reservation",
				zap.Int64("reservation_id", int64(reservation.ID)),
				zap.String("business_key", reservation.BusinessKey),
				zap.Error(err),
			)
			continue
		}
		w.log.Info("released expired reservation",
			zap.Int64("reservation_id", int64(reservation.ID)),
			zap.String("business_key", reservation.BusinessKey),
		)
	}
	return nil
}

// DetectStalledJob flags sagas that sat on one step past its dwell budget.
func (w *Worker) DetectStalledJob(ctx context.Context) error {
	flagged, err := w.sagaSvc.MarkStalled(ctx, w.clock.Now())
	if err != nil {
		return err
	}
	if flagged > 0 {
		w.log.Info("flagged stalled sagas", zap.Int("count", flagged))
	}
	return nil
}
