package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/howie/coaching-transcript-tool-sub007/internal/clock"
	"github.com/howie/coaching-transcript-tool-sub007/internal/config"
	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/notification"
	"github.com/howie/coaching-transcript-tool-sub007/internal/observability/metrics"
	"github.com/howie/coaching-transcript-tool-sub007/internal/plan"
	subscriptiondomain "github.com/howie/coaching-transcript-tool-sub007/internal/subscription/domain"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Cfg      config.Config
	Outbox   notification.TxDispatcher
	Provider gatewaydomain.Provider
}

// Service is the subscription state machine. Webhook ingestion and the
// retry scheduler both drive transitions through it; neither path carries
// transition logic of its own.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	cfg      config.Config
	outbox   notification.TxDispatcher
	provider gatewaydomain.Provider
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		cfg:      p.Cfg,
		outbox:   p.Outbox,
		provider: p.Provider,
	}
}

func (s *Service) ApplyAuthResult(ctx context.Context, tx *gorm.DB, result subscriptiondomain.AuthResult) error {
	auth, err := s.findAuthorizationByMemberID(ctx, tx, result.MerchantMemberID)
	if err != nil {
		return err
	}
	if auth == nil {
		return subscriptiondomain.ErrUnknownAuthorization
	}

	now := s.clock.Now()
	if !result.Success {
		return tx.WithContext(ctx).Exec(
			`UPDATE authorizations
			 SET status = 'FAILED', updated_at = ?
			 WHERE id = ? AND status = 'PENDING'`,
			now,
			auth.ID,
		).Error
	}

	periodEnd := subscriptiondomain.PeriodLength(auth.BillingCycle, now)
	activated := tx.WithContext(ctx).Exec(
		`UPDATE authorizations
		 SET status = 'ACTIVE', gateway_ref = ?, next_charge_date = ?, updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		result.GatewayTransactionID,
		periodEnd,
		now,
		auth.ID,
	)
	if activated.Error != nil {
		return activated.Error
	}
	if activated.RowsAffected == 0 {
		// An earlier delivery already activated this mandate.
		return nil
	}

	sub := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		OwnerID:            auth.OwnerID,
		AuthorizationID:    auth.ID,
		PlanID:             auth.PlanID,
		BillingCycle:       auth.BillingCycle,
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   periodEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.WithContext(ctx).Create(sub).Error; err != nil {
		return err
	}

	// Ledger row for the first charge the authorization carried.
	if _, err := s.insertAttempt(ctx, tx, &subscriptiondomain.PaymentAttempt{
		ID:                   s.genID.Generate(),
		SubscriptionID:       sub.ID,
		GatewayTransactionID: result.GatewayTransactionID,
		Amount:               auth.PeriodAmount,
		Status:               subscriptiondomain.AttemptSuccess,
		PeriodStart:          now,
		PeriodEnd:            periodEnd,
		ProcessedAt:          &now,
		CreatedAt:            now,
		UpdatedAt:            now,
	}); err != nil {
		return err
	}

	s.log.Info("subscription activated",
		zap.Int64("owner_id", auth.OwnerID),
		zap.String("plan_id", auth.PlanID),
		zap.String("member_id", auth.ExternalMemberID),
	)
	return nil
}

func (s *Service) ApplyChargeOutcome(ctx context.Context, tx *gorm.DB, outcome subscriptiondomain.ChargeOutcome) error {
	sub, err := s.resolveSubscription(ctx, tx, outcome)
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriptiondomain.ErrUnknownSubscription
	}

	if outcome.Success {
		err = s.applyChargeSuccess(ctx, tx, sub, outcome)
	} else {
		err = s.applyChargeFailure(ctx, tx, sub, outcome)
	}
	if err != nil {
		return err
	}

	result := "failure"
	if outcome.Success {
		result = "success"
	}
	metrics.Billing().IncChargeOutcome(string(outcome.Source), result)
	return nil
}

func (s *Service) applyChargeSuccess(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, outcome subscriptiondomain.ChargeOutcome) error {
	now := s.clock.Now()
	newStart := sub.CurrentPeriodEnd
	newEnd := subscriptiondomain.PeriodLength(sub.BillingCycle, sub.CurrentPeriodEnd)

	inserted, err := s.insertAttempt(ctx, tx, &subscriptiondomain.PaymentAttempt{
		ID:                   s.genID.Generate(),
		SubscriptionID:       sub.ID,
		GatewayTransactionID: outcome.GatewayTransactionID,
		Amount:               outcome.Amount,
		Status:               subscriptiondomain.AttemptSuccess,
		PeriodStart:          newStart,
		PeriodEnd:            newEnd,
		ProcessedAt:          &now,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		// This transaction already reached the ledger through the other
		// ingestion path.
		return nil
	}
	return s.finishChargeSuccess(ctx, tx, sub, newStart, newEnd, now, outcome.GatewayTransactionID)
}

// finishChargeSuccess advances the billing period and clears the failure
// streak. Dedupe on the transaction id keeps a replayed success from
// double-announcing recovery.
func (s *Service) finishChargeSuccess(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, newStart, newEnd, now time.Time, dedupeSuffix string) error {
	recovered := sub.Status == subscriptiondomain.StatusPastDue
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = 'ACTIVE',
		     current_period_start = ?,
		     current_period_end = ?,
		     grace_period_ends_at = NULL,
		     failure_count = 0,
		     updated_at = ?
		 WHERE id = ? AND status <> 'CANCELED'`,
		newStart,
		newEnd,
		now,
		sub.ID,
	)
	if result.Error != nil {
		return result.Error
	}

	if recovered {
		s.notify(ctx, tx, notification.Event{
			OwnerID:   sub.OwnerID,
			Kind:      notification.KindRecovered,
			Payload:   map[string]any{"subscription_id": sub.ID.String(), "plan_id": sub.PlanID},
			DedupeKey: dedupeKey(sub.ID, notification.KindRecovered, dedupeSuffix),
		})
	}
	return nil
}

func (s *Service) applyChargeFailure(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, outcome subscriptiondomain.ChargeOutcome) error {
	now := s.clock.Now()
	failureCount, retryCount, nextRetry, grace := s.failureSchedule(sub, now)

	reason := outcome.Message
	if reason == "" {
		reason = outcome.Code
	}
	inserted, err := s.insertAttempt(ctx, tx, &subscriptiondomain.PaymentAttempt{
		ID:                   s.genID.Generate(),
		SubscriptionID:       sub.ID,
		GatewayTransactionID: outcome.GatewayTransactionID,
		Amount:               outcome.Amount,
		Status:               subscriptiondomain.AttemptFailed,
		FailureReason:        &reason,
		PeriodStart:          sub.CurrentPeriodStart,
		PeriodEnd:            sub.CurrentPeriodEnd,
		RetryCount:           retryCount,
		NextRetryAt:          &nextRetry,
		ProcessedAt:          &now,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return s.finishChargeFailure(ctx, tx, sub, failureCount, grace, reason, outcome.PermanentDecline, now, outcome.GatewayTransactionID)
}

// failureSchedule derives the post-failure bookkeeping from the current
// streak: how many retries the new ledger row carries, when the next one
// runs, and where the grace window now ends.
func (s *Service) failureSchedule(sub *subscriptiondomain.Subscription, now time.Time) (failureCount, retryCount int, nextRetry time.Time, grace *time.Time) {
	failureCount = sub.FailureCount + 1
	retryCount = failureCount
	if retryCount > s.cfg.MaxRetryCount {
		retryCount = s.cfg.MaxRetryCount
	}
	nextRetry = now.Add(s.cfg.RetryDelay(failureCount))

	grace = sub.GracePeriodEndsAt
	switch {
	case failureCount == 1:
		g := now.Add(s.cfg.GracePeriod())
		grace = &g
	case failureCount == 2:
		// Extended by the second-retry delay from now, not stacked on the
		// original window.
		g := now.Add(s.cfg.RetryDelay(2))
		grace = &g
	}
	return failureCount, retryCount, nextRetry, grace
}

func (s *Service) finishChargeFailure(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, failureCount int, grace *time.Time, reason string, permanentDecline bool, now time.Time, dedupeSuffix string) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = 'PAST_DUE',
		     failure_count = ?,
		     grace_period_ends_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status <> 'CANCELED'`,
		failureCount,
		grace,
		now,
		sub.ID,
	)
	if result.Error != nil {
		return result.Error
	}

	switch failureCount {
	case 1:
		s.notify(ctx, tx, notification.Event{
			OwnerID: sub.OwnerID,
			Kind:    notification.KindPaymentFailedFirst,
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"grace_ends_at":   grace.Format(time.RFC3339),
				"reason":          reason,
			},
			DedupeKey: dedupeKey(sub.ID, notification.KindPaymentFailedFirst, dedupeSuffix),
		})
	case s.cfg.MaxRetryCount:
		s.notify(ctx, tx, notification.Event{
			OwnerID: sub.OwnerID,
			Kind:    notification.KindPaymentFailedFinal,
			Payload: map[string]any{
				"subscription_id": sub.ID.String(),
				"reason":          reason,
			},
			DedupeKey: dedupeKey(sub.ID, notification.KindPaymentFailedFinal, dedupeSuffix),
		})
	}

	graceExpired := grace != nil && now.After(*grace)
	if permanentDecline || (failureCount >= s.cfg.MaxRetryCount && graceExpired) {
		_, err := s.downgrade(ctx, tx, sub.ID, now)
		return err
	}
	return nil
}

func (s *Service) RecordPendingAttempt(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, amount int64) (snowflake.ID, error) {
	sub, err := s.findByID(ctx, tx, subscriptionID)
	if err != nil {
		return 0, err
	}
	if sub == nil {
		return 0, subscriptiondomain.ErrUnknownSubscription
	}

	now := s.clock.Now()
	attempt := &subscriptiondomain.PaymentAttempt{
		ID:             s.genID.Generate(),
		SubscriptionID: sub.ID,
		// Placeholder until the gateway's side of the story is known. The
		// prefix keeps it out of any real transaction id space.
		GatewayTransactionID: "pending-" + s.genID.Generate().String(),
		Amount:               amount,
		Status:               subscriptiondomain.AttemptPending,
		PeriodStart:          sub.CurrentPeriodStart,
		PeriodEnd:            sub.CurrentPeriodEnd,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if _, err := s.insertAttempt(ctx, tx, attempt); err != nil {
		return 0, err
	}
	return attempt.ID, nil
}

func (s *Service) ResolvePendingAttempt(ctx context.Context, tx *gorm.DB, attemptID snowflake.ID, outcome subscriptiondomain.ChargeOutcome) error {
	var attempt subscriptiondomain.PaymentAttempt
	err := tx.WithContext(ctx).Where("id = ?", attemptID).First(&attempt).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return err
	}
	if attempt.Status != subscriptiondomain.AttemptPending {
		return nil
	}

	sub, err := s.findByID(ctx, tx, attempt.SubscriptionID)
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriptiondomain.ErrUnknownSubscription
	}

	now := s.clock.Now()

	// If the real transaction already arrived via webhook while this row
	// sat PENDING, the transition has been applied. Close the placeholder
	// and stop.
	if outcome.GatewayTransactionID != "" {
		var applied int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT COUNT(*) FROM payment_attempts
			 WHERE gateway_transaction_id = ? AND id <> ?`,
			outcome.GatewayTransactionID,
			attempt.ID,
		).Scan(&applied).Error; err != nil {
			return err
		}
		if applied > 0 {
			// Keep the placeholder id; the real one is taken by the row
			// the webhook wrote.
			return s.closePendingAttempt(ctx, tx, attempt.ID, attempt.GatewayTransactionID, outcome, now, "", 0, nil)
		}
	}

	// Adopting the real transaction id makes a webhook that arrives later
	// for this charge collide with the ledger instead of re-applying.
	gwsr := attempt.GatewayTransactionID
	if outcome.GatewayTransactionID != "" {
		gwsr = outcome.GatewayTransactionID
	}

	if outcome.Success {
		newStart := sub.CurrentPeriodEnd
		newEnd := subscriptiondomain.PeriodLength(sub.BillingCycle, sub.CurrentPeriodEnd)
		if err := s.closePendingAttempt(ctx, tx, attempt.ID, gwsr, outcome, now, "", 0, nil); err != nil {
			return err
		}
		if err := s.finishChargeSuccess(ctx, tx, sub, newStart, newEnd, now, attempt.ID.String()); err != nil {
			return err
		}
		metrics.Billing().IncChargeOutcome(string(outcome.Source), "success")
		return nil
	}

	_, retryCount, nextRetry, grace := s.failureSchedule(sub, now)
	failureCount := sub.FailureCount + 1
	reason := outcome.Message
	if reason == "" {
		reason = outcome.Code
	}
	if err := s.closePendingAttempt(ctx, tx, attempt.ID, gwsr, outcome, now, reason, retryCount, &nextRetry); err != nil {
		return err
	}
	if err := s.finishChargeFailure(ctx, tx, sub, failureCount, grace, reason, outcome.PermanentDecline, now, attempt.ID.String()); err != nil {
		return err
	}
	metrics.Billing().IncChargeOutcome(string(outcome.Source), "failure")
	return nil
}

// closePendingAttempt finishes a placeholder row in place. The PENDING
// predicate makes concurrent resolution attempts settle on exactly one
// winner.
func (s *Service) closePendingAttempt(ctx context.Context, tx *gorm.DB, attemptID snowflake.ID, gwsr string, outcome subscriptiondomain.ChargeOutcome, now time.Time, reason string, retryCount int, nextRetry *time.Time) error {
	status := subscriptiondomain.AttemptFailed
	if outcome.Success {
		status = subscriptiondomain.AttemptSuccess
	}
	var failureReason *string
	if reason != "" {
		failureReason = &reason
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE payment_attempts
		 SET status = ?,
		     gateway_transaction_id = ?,
		     failure_reason = ?,
		     retry_count = ?,
		     next_retry_at = ?,
		     processed_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		status,
		gwsr,
		failureReason,
		retryCount,
		nextRetry,
		now,
		now,
		attemptID,
	).Error
}

func (s *Service) Cancel(ctx context.Context, subscriptionID snowflake.ID, immediate bool) error {
	var memberID, gatewayRef string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.findByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrUnknownSubscription
		}
		if sub.Status == subscriptiondomain.StatusCanceled {
			return subscriptiondomain.ErrAlreadyCanceled
		}

		now := s.clock.Now()
		if !immediate {
			return tx.WithContext(ctx).Exec(
				`UPDATE subscriptions
				 SET cancel_at_period_end = true, updated_at = ?
				 WHERE id = ? AND status <> 'CANCELED'`,
				now,
				sub.ID,
			).Error
		}

		result := tx.WithContext(ctx).Exec(
			`UPDATE subscriptions
			 SET status = 'CANCELED', grace_period_ends_at = NULL, updated_at = ?
			 WHERE id = ? AND status <> 'CANCELED'`,
			now,
			sub.ID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return subscriptiondomain.ErrAlreadyCanceled
		}

		var auth struct {
			ExternalMemberID string
			GatewayRef       *string
		}
		if err := tx.WithContext(ctx).Raw(
			`SELECT external_member_id, gateway_ref
			 FROM authorizations
			 WHERE id = ?`,
			sub.AuthorizationID,
		).Scan(&auth).Error; err != nil {
			return err
		}
		memberID = auth.ExternalMemberID
		if auth.GatewayRef != nil {
			gatewayRef = *auth.GatewayRef
		}

		if err := tx.WithContext(ctx).Exec(
			`UPDATE authorizations
			 SET status = 'CANCELED', updated_at = ?
			 WHERE id = ? AND status = 'ACTIVE'`,
			now,
			sub.AuthorizationID,
		).Error; err != nil {
			return err
		}

		s.notify(ctx, tx, notification.Event{
			OwnerID:   sub.OwnerID,
			Kind:      notification.KindCanceled,
			Payload:   map[string]any{"subscription_id": sub.ID.String()},
			DedupeKey: dedupeKey(sub.ID, notification.KindCanceled, "immediate"),
		})
		return nil
	})
	if err != nil {
		return err
	}

	// The gateway revoke happens after the local state is durable; a
	// failure here is surfaced for operator follow-up, not rolled back.
	if immediate && memberID != "" {
		if err := s.provider.CancelAuthorization(ctx, memberID, gatewayRef); err != nil {
			s.log.Warn("gateway mandate revoke failed",
				zap.String("member_id", memberID),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) DowngradeIfExpired(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (bool, error) {
	now := s.clock.Now()
	sub, err := s.findByID(ctx, tx, subscriptionID)
	if err != nil {
		return false, err
	}
	if sub == nil || sub.Status != subscriptiondomain.StatusPastDue {
		return false, nil
	}
	if sub.GracePeriodEndsAt == nil || now.Before(*sub.GracePeriodEndsAt) {
		return false, nil
	}
	return s.downgrade(ctx, tx, sub.ID, now)
}

func (s *Service) FinalizeCancelIfDue(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (bool, error) {
	now := s.clock.Now()
	sub, err := s.findByID(ctx, tx, subscriptionID)
	if err != nil {
		return false, err
	}
	if sub == nil || !sub.CancelAtPeriodEnd || sub.Status == subscriptiondomain.StatusCanceled {
		return false, nil
	}
	if now.Before(sub.CurrentPeriodEnd) {
		return false, nil
	}

	result := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = 'CANCELED', grace_period_ends_at = NULL, updated_at = ?
		 WHERE id = ? AND cancel_at_period_end AND status <> 'CANCELED'`,
		now,
		sub.ID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE authorizations
		 SET status = 'CANCELED', updated_at = ?
		 WHERE id = ? AND status = 'ACTIVE'`,
		now,
		sub.AuthorizationID,
	).Error; err != nil {
		return false, err
	}

	s.notify(ctx, tx, notification.Event{
		OwnerID:   sub.OwnerID,
		Kind:      notification.KindCanceled,
		Payload:   map[string]any{"subscription_id": sub.ID.String()},
		DedupeKey: dedupeKey(sub.ID, notification.KindCanceled, "period_end"),
	})
	return true, nil
}

func (s *Service) FindByOwner(ctx context.Context, ownerID int64) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// downgrade moves a PAST_DUE subscription to the free tier. The status
// predicate makes a second concurrent or repeated call a no-op, so two
// scheduler sweeps in the same window downgrade exactly once.
func (s *Service) downgrade(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, now time.Time) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?,
		     status = 'ACTIVE',
		     downgraded_at = ?,
		     downgrade_reason = ?,
		     grace_period_ends_at = NULL,
		     failure_count = 0,
		     updated_at = ?
		 WHERE id = ? AND status = 'PAST_DUE'`,
		plan.Free,
		now,
		subscriptiondomain.DowngradeReasonPaymentFailure,
		now,
		subscriptionID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	var ownerID int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT owner_id FROM subscriptions WHERE id = ?`,
		subscriptionID,
	).Scan(&ownerID).Error; err != nil {
		return true, err
	}

	s.notify(ctx, tx, notification.Event{
		OwnerID: ownerID,
		Kind:    notification.KindDowngraded,
		Payload: map[string]any{
			"subscription_id": subscriptionID.String(),
			"reason":          subscriptiondomain.DowngradeReasonPaymentFailure,
		},
		DedupeKey: dedupeKey(subscriptionID, notification.KindDowngraded, now.Format("2006-01-02")),
	})

	s.log.Info("subscription downgraded",
		zap.String("subscription_id", subscriptionID.String()),
		zap.Int64("owner_id", ownerID),
	)
	return true, nil
}

func (s *Service) resolveSubscription(ctx context.Context, tx *gorm.DB, outcome subscriptiondomain.ChargeOutcome) (*subscriptiondomain.Subscription, error) {
	if outcome.SubscriptionID != 0 {
		sub, err := s.findByID(ctx, tx, outcome.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub != nil && sub.Status == subscriptiondomain.StatusCanceled {
			return nil, nil
		}
		return sub, nil
	}

	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT s.*
		 FROM subscriptions s
		 JOIN authorizations a ON a.id = s.authorization_id
		 WHERE a.external_member_id = ? AND s.status <> 'CANCELED'
		 ORDER BY s.created_at DESC
		 LIMIT 1`,
		outcome.MerchantMemberID,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (s *Service) findByID(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Service) findAuthorizationByMemberID(ctx context.Context, tx *gorm.DB, memberID string) (*authRow, error) {
	var auth authRow
	err := tx.WithContext(ctx).Raw(
		`SELECT id, owner_id, external_member_id, plan_id, billing_cycle, period_amount, status
		 FROM authorizations
		 WHERE external_member_id = ?`,
		memberID,
	).Scan(&auth).Error
	if err != nil {
		return nil, err
	}
	if auth.ID == 0 {
		return nil, nil
	}
	return &auth, nil
}

type authRow struct {
	ID               snowflake.ID
	OwnerID          int64
	ExternalMemberID string
	PlanID           string
	BillingCycle     string
	PeriodAmount     int64
	Status           string
}

// insertAttempt appends to the charge ledger. The unique transaction id is
// the last-line guard against two deliveries racing past webhook dedup: a
// loser observes zero affected rows and must not re-apply the transition.
func (s *Service) insertAttempt(ctx context.Context, tx *gorm.DB, attempt *subscriptiondomain.PaymentAttempt) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (
			id, subscription_id, gateway_transaction_id, amount, status,
			failure_reason, period_start, period_end, retry_count,
			next_retry_at, processed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (gateway_transaction_id) DO NOTHING`,
		attempt.ID,
		attempt.SubscriptionID,
		attempt.GatewayTransactionID,
		attempt.Amount,
		attempt.Status,
		attempt.FailureReason,
		attempt.PeriodStart,
		attempt.PeriodEnd,
		attempt.RetryCount,
		attempt.NextRetryAt,
		attempt.ProcessedAt,
		attempt.CreatedAt,
		attempt.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// notify enqueues a notification request in the same transaction as the
// transition it announces. A failed enqueue is logged, never propagated;
// notification failures must not roll back billing state.
func (s *Service) notify(ctx context.Context, tx *gorm.DB, event notification.Event) {
	if err := s.outbox.NotifyTx(ctx, tx, event); err != nil {
		s.log.Warn("notification enqueue failed",
			zap.String("kind", string(event.Kind)),
			zap.Int64("owner_id", event.OwnerID),
			zap.Error(err),
		)
	}
}

func dedupeKey(subscriptionID snowflake.ID, kind notification.EventKind, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", subscriptionID.String(), kind, suffix)
}
