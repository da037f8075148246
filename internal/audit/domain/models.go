package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeSystem ActorType = "system"
)

// AuditLog is one append-only record per ledger mutation or saga
// transition. Rows are never updated or deleted.
type AuditLog struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	ActorType   string            `gorm:"type:text;not null" json:"actor_type"`
	ActorID     *string           `gorm:"type:text" json:"actor_id,omitempty"`
	Action      string            `gorm:"type:text;not null;index" json:"action"`
	TargetType  string            `gorm:"type:text;not null" json:"target_type"`
	TargetID    *string           `gorm:"type:text;index" json:"target_id,omitempty"`
	AccountID   *snowflake.ID     `gorm:"index" json:"account_id,omitempty"`
	BusinessKey *string           `gorm:"type:text;index" json:"business_key,omitempty"`
	Metadata    datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"not null;index" json:"created_at"`
}

// TableName sets the database table name.
func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Action      string
	TargetType  string
	AccountID   *snowflake.ID
	BusinessKey string
	StartAt     *time.Time
	EndAt       *time.Time
	Cursor      *AuditCursor
	Limit       int
}
