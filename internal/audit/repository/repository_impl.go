package repository

import (
	"context"

	auditdomain "github.com/openprocure/provena/internal/audit/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Params struct {
	fx.In
}

type repository struct{}

func NewRepository(p Params) auditdomain.Repository {
	return &repository{}
}

func (r *repository) Insert(ctx context.Context, tx *gorm.DB, entry *auditdomain.AuditLog) error {
	return tx.WithContext(ctx).Create(entry).Error
}

func (r *repository) List(ctx context.Context, tx *gorm.DB, filter auditdomain.ListFilter) ([]auditdomain.AuditLog, error) {
	query := tx.WithContext(ctx).Model(&auditdomain.AuditLog{})

	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.TargetType != "" {
		query = query.Where("target_type = ?", filter.TargetType)
	}
	if filter.AccountID != nil {
		query = query.Where("account_id = ?", *filter.AccountID)
	}
	if filter.BusinessKey != "" {
		query = query.Where("business_key = ?", filter.BusinessKey)
	}
	if filter.StartAt != nil {
		query = query.Where("created_at >= ?", *filter.StartAt)
	}
	if filter.EndAt != nil {
		query = query.Where("created_at <= ?", *filter.EndAt)
	}
	if filter.Cursor != nil {
		query = query.Where(
			"(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID,
		)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	var logs []auditdomain.AuditLog
	err := query.Order("created_at DESC, id DESC").Limit(limit + 1).Find(&logs).Error
	return logs, err
}
