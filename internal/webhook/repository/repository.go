package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	webhookdomain "github.com/howie/coaching-transcript-tool-sub007/internal/webhook/domain"
)

type Repository struct{}

func Provide() webhookdomain.Repository {
	return Repository{}
}

// InsertEvent relies on the unique (gateway_transaction_id, event_type)
// index as the authoritative dedup guard: a concurrent delivery that loses
// the race observes zero affected rows and no-ops.
func (Repository) InsertEvent(ctx context.Context, tx *gorm.DB, event *webhookdomain.WebhookEvent) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO webhook_events (id, gateway_transaction_id, event_type, payload, received_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (gateway_transaction_id, event_type) DO NOTHING`,
		event.ID,
		event.GatewayTransactionID,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (Repository) MarkProcessed(ctx context.Context, tx *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET processed_at = ?
		 WHERE id = ? AND processed_at IS NULL`,
		processedAt,
		id,
	).Error
}
