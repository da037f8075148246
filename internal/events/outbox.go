package events

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusDispatched OutboxStatus = "dispatched"
)

// OutboxMessage is one undelivered outbound event, written in the same
// database transaction as the state change it announces.
type OutboxMessage struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	EventID       string            `gorm:"type:text;not null;uniqueIndex"`
	DedupeKey     *string           `gorm:"type:text;uniqueIndex"`
	EventType     string            `gorm:"type:text;not null;index"`
	Source        string            `gorm:"type:text;not null"`
	CorrelationID string            `gorm:"type:text;index"`
	Payload       datatypes.JSONMap `gorm:"type:json"`
	Status        OutboxStatus      `gorm:"type:text;not null;index;default:pending"`
	Attempts      int               `gorm:"not null;default:0"`
	AvailableAt   time.Time         `gorm:"not null;index"`
	DispatchedAt  *time.Time
	OccurredAt    time.Time `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (OutboxMessage) TableName() string { return "outbox_messages" }

type OutboxParams struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func NewOutbox(p OutboxParams) *Outbox {
	return &Outbox{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
	}
}

// PublishTx stages ev inside an open transaction. A duplicate dedupe key
// is dropped without error so repeated saga steps stay idempotent.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, ev Event) error {
	eventID := strings.TrimSpace(ev.EventID)
	if eventID == "" {
		eventID = ulid.Make().String()
	}
	source := strings.TrimSpace(ev.Source)
	if source == "" {
		source = "provena"
	}
	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	msg := OutboxMessage{
		ID:            o.genID.Generate(),
		EventID:       eventID,
		EventType:     ev.Type,
		Source:        source,
		CorrelationID: ev.CorrelationID,
		Payload:       datatypes.JSONMap(ev.Data),
		Status:        OutboxStatusPending,
		AvailableAt:   occurredAt,
		OccurredAt:    occurredAt,
		CreatedAt:     time.Now().UTC(),
	}
	if key := strings.TrimSpace(ev.DedupeKey); key != "" {
		msg.DedupeKey = &key
	}

	result := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&msg)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		o.log.Debug("outbox publish deduplicated",
			zap.String("event_type", ev.Type),
			zap.String("dedupe_key", ev.DedupeKey),
		)
	}
	return nil
}

// Publish stages ev in its own transaction, for callers outside one.
func (o *Outbox) Publish(ctx context.Context, ev Event) error {
	return o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return o.PublishTx(ctx, tx, ev)
	})
}
