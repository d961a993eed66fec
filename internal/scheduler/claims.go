package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type workAttempt struct {
	ID             snowflake.ID
	SubscriptionID snowflake.ID
	Amount         int64
	RetryCount     int
}

type workPending struct {
	ID             snowflake.ID
	SubscriptionID snowflake.ID
	Amount         int64
	CreatedAt      time.Time
}

type attemptRow struct {
	ID             snowflake.ID
	SubscriptionID snowflake.ID
	Amount         int64
	Status         string
	RetryCount     int
}

// chargeTarget carries what one gateway call needs: the mandate identity
// behind a subscription.
type chargeTarget struct {
	ExternalMemberID string
	GatewayRef       string
}

// dueAttempts selects FAILED attempts whose retry is due and whose retry
// budget is not exhausted. Rows claimed within the TTL are someone else's;
// rows with an expired claim belong to a crashed sweep and are fair game.
// A subscription with an open PENDING attempt is skipped outright: its
// last charge is still unresolved at the gateway, and charging again could
// bill the same cycle twice.
func (s *Scheduler) dueAttempts(ctx context.Context, limit int) ([]workAttempt, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	now := s.clock.Now()
	staleBefore := now.Add(-s.cfg.ClaimTTL)

	var attempts []workAttempt
	err := s.db.WithContext(ctx).Raw(
		`SELECT pa.id, pa.subscription_id, pa.amount, pa.retry_count
		 FROM payment_attempts pa
		 JOIN subscriptions sub ON sub.id = pa.subscription_id
		 WHERE pa.status = 'FAILED'
		   AND pa.next_retry_at IS NOT NULL
		   AND pa.next_retry_at <= ?
		   AND pa.retry_count < ?
		   AND (pa.claimed_at IS NULL OR pa.claimed_at < ?)
		   AND sub.status = 'PAST_DUE'
		   AND NOT EXISTS (
			SELECT 1 FROM payment_attempts open
			WHERE open.subscription_id = pa.subscription_id
			  AND open.status = 'PENDING'
		   )
		 ORDER BY pa.next_retry_at ASC, pa.id ASC
		 LIMIT ?`,
		now,
		s.appCfg.MaxRetryCount,
		staleBefore,
		limit,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// claimAttempt is the compare-and-swap that serializes concurrent sweeps:
// exactly one caller observes an affected row and proceeds to charge.
func (s *Scheduler) claimAttempt(ctx context.Context, attemptID snowflake.ID, now time.Time) (bool, error) {
	staleBefore := now.Add(-s.cfg.ClaimTTL)
	result := s.db.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'FAILED'
		   AND (claimed_at IS NULL OR claimed_at < ?)`,
		now,
		now,
		attemptID,
		staleBefore,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// retireAttemptRetry clears the retry pointer once the outcome of this
// attempt's re-charge is on the ledger, so the sweep never picks the row
// again. The successor row carries the schedule from here.
func (s *Scheduler) retireAttemptRetry(ctx context.Context, tx *gorm.DB, attemptID snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET next_retry_at = NULL, updated_at = ?
		 WHERE id = ?`,
		now,
		attemptID,
	).Error
}

func (s *Scheduler) stalePendingAttempts(ctx context.Context, olderThan time.Time, limit int) ([]workPending, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var pendings []workPending
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, amount, created_at
		 FROM payment_attempts
		 WHERE status = 'PENDING' AND created_at <= ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		olderThan,
		limit,
	).Scan(&pendings).Error
	if err != nil {
		return nil, err
	}
	return pendings, nil
}

func (s *Scheduler) graceExpiredSubscriptions(ctx context.Context, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id
		 FROM subscriptions
		 WHERE status = 'PAST_DUE'
		   AND grace_period_ends_at IS NOT NULL
		   AND grace_period_ends_at <= ?
		 ORDER BY grace_period_ends_at ASC
		 LIMIT ?`,
		s.clock.Now(),
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Scheduler) cancelDueSubscriptions(ctx context.Context, limit int) ([]snowflake.ID, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	var ids []snowflake.ID
	err := s.db.WithContext(ctx).Raw(
		`SELECT id
		 FROM subscriptions
		 WHERE cancel_at_period_end
		   AND status <> 'CANCELED'
		   AND current_period_end <= ?
		 ORDER BY current_period_end ASC
		 LIMIT ?`,
		s.clock.Now(),
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Scheduler) findAttempt(ctx context.Context, attemptID snowflake.ID) (*attemptRow, error) {
	var row attemptRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, amount, status, retry_count
		 FROM payment_attempts
		 WHERE id = ?`,
		attemptID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (s *Scheduler) chargeTarget(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*chargeTarget, error) {
	var target chargeTarget
	err := db.WithContext(ctx).Raw(
		`SELECT a.external_member_id, COALESCE(a.gateway_ref, '') AS gateway_ref
		 FROM subscriptions sub
		 JOIN authorizations a ON a.id = sub.authorization_id
		 WHERE sub.id = ?`,
		subscriptionID,
	).Scan(&target).Error
	if err != nil {
		return nil, err
	}
	if target.ExternalMemberID == "" {
		return nil, nil
	}
	return &target, nil
}
