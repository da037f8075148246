package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/openprocure/provena/pkg/db/pagination"
	"gorm.io/gorm"
)

// Entry is the write-side shape of an audit record.
type Entry struct {
	ActorType   ActorType
	ActorID     string
	Action      string
	TargetType  string
	TargetID    string
	AccountID   *snowflake.ID
	BusinessKey string
	Metadata    map[string]any
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action      string
	TargetType  string
	AccountID   *snowflake.ID
	BusinessKey string
	StartAt     *time.Time
	EndAt       *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// AuditLog appends one record. AuditLogTx does the same inside an
	// open transaction so the record commits with the mutation it describes.
	AuditLog(ctx context.Context, entry Entry) error
	AuditLogTx(ctx context.Context, tx *gorm.DB, entry Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, tx *gorm.DB, filter ListFilter) ([]AuditLog, error)
}

var (
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
)
