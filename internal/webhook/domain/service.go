package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// ResponseOK is the literal token the gateway recognizes as acknowledgment.
// Any other response body makes it retransmit the callback.
const ResponseOK = "1|OK"

type Service interface {
	// Ingest verifies, deduplicates and dispatches one callback, returning
	// the literal response body the gateway expects.
	Ingest(ctx context.Context, eventType EventType, params map[string]string) (string, error)
}

type Repository interface {
	// InsertEvent records the callback; it reports false when the unique
	// (gateway_transaction_id, event_type) pair already exists.
	InsertEvent(ctx context.Context, tx *gorm.DB, event *WebhookEvent) (bool, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

var (
	ErrDuplicateEvent   = errors.New("duplicate_event")
	ErrUnknownEventType = errors.New("unknown_event_type")
)
