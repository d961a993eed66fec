package notification

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Outbox stores notification requests in notification_events. Delivery is
// owned by an external collaborator that drains the table.
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
	log   *zap.Logger
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node, log *zap.Logger) *Outbox {
	return &Outbox{db: db, genID: genID, log: log.Named("notification.outbox")}
}

// Notify inserts the event using the default connection.
func (o *Outbox) Notify(ctx context.Context, event Event) error {
	return o.notify(ctx, o.db, event)
}

// NotifyTx inserts the event inside an existing transaction so the
// notification request commits with the state transition it announces.
func (o *Outbox) NotifyTx(ctx context.Context, tx *gorm.DB, event Event) error {
	if tx == nil {
		return errors.New("missing_transaction")
	}
	return o.notify(ctx, tx, event)
}

func (o *Outbox) notify(ctx context.Context, db *gorm.DB, event Event) error {
	if o == nil || db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	if event.OwnerID == 0 {
		return errors.New("invalid_owner_id")
	}
	kind := strings.TrimSpace(string(event.Kind))
	if kind == "" {
		return errors.New("missing_event_kind")
	}

	payload := datatypes.JSONMap{}
	for key, value := range event.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	dedupe := strings.TrimSpace(event.DedupeKey)
	var dedupeValue any
	if dedupe != "" {
		dedupeValue = dedupe
	}

	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO notification_events (id, owner_id, event_kind, priority, payload, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, false, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		event.OwnerID,
		kind,
		Priority(event.Kind),
		payload,
		dedupeValue,
		now,
	).Error
}
