package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventType classifies an inbound gateway callback.
type EventType string

const (
	EventAuthResult   EventType = "AUTH_RESULT"
	EventChargeResult EventType = "CHARGE_RESULT"
)

// WebhookEvent is the durable dedup log of every verified inbound callback.
// The unique (gateway_transaction_id, event_type) pair guarantees at-most-once
// effective processing under at-least-once delivery.
type WebhookEvent struct {
	ID                   snowflake.ID   `gorm:"primaryKey"`
	GatewayTransactionID string         `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_txn_type,priority:1"`
	EventType            EventType      `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_txn_type,priority:2"`
	Payload              datatypes.JSON `gorm:"not null"`
	ReceivedAt           time.Time      `gorm:"not null"`
	ProcessedAt          *time.Time
}

// TableName sets the database table name.
func (WebhookEvent) TableName() string { return "webhook_events" }
