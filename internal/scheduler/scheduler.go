package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/howie/coaching-transcript-tool-sub007/internal/clock"
	"github.com/howie/coaching-transcript-tool-sub007/internal/config"
	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/observability/metrics"
	subscriptiondomain "github.com/howie/coaching-transcript-tool-sub007/internal/subscription/domain"
)

var (
	// ErrClaimConflict means another scheduler instance claimed the
	// attempt first. The loser skips; the work is not lost.
	ErrClaimConflict = errors.New("attempt_claim_conflict")

	ErrAttemptNotFound     = errors.New("attempt_not_found")
	ErrAttemptNotRetryable = errors.New("attempt_not_retryable")
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	AppCfg   config.Config
	Cfg      Config `optional:"true"`
	GenID    *snowflake.Node
	SubSvc   subscriptiondomain.Service
	Provider gatewaydomain.Provider
}

// Scheduler owns the periodic sweeps: due retries, indeterminate-attempt
// reconciliation, grace-window downgrades and period-end cancellations.
// Every transition it discovers is fed through the subscription state
// machine; the scheduler itself holds no transition rules.
type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	appCfg   config.Config
	cfg      Config
	genID    *snowflake.Node
	subSvc   subscriptiondomain.Service
	provider gatewaydomain.Provider
}

func NewScheduler(p Params) *Scheduler {
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler"),
		clock:    p.Clock,
		appCfg:   p.AppCfg,
		cfg:      p.Cfg.withDefaults(),
		genID:    p.GenID,
		subSvc:   p.SubSvc,
		provider: p.Provider,
	}
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes one full sweep. A failure in one pass does not stop the
// others; the first error is reported after all passes ran.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := s.clock.Now()
	defer func() {
		metrics.Billing().ObserveSweepDuration(s.clock.Now().Sub(start).Seconds())
	}()

	var firstErr error
	for _, pass := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"retry_due", s.retryDuePass},
		{"reconcile_pending", s.reconcilePendingPass},
		{"grace_expiry", s.graceExpiryPass},
		{"cancel_period_end", s.cancelPeriodEndPass},
	} {
		if err := pass.run(ctx); err != nil {
			s.log.Warn("scheduler pass failed",
				zap.String("pass", pass.name),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	s.refreshSubscriptionGauge(ctx)
	return firstErr
}

func (s *Scheduler) refreshSubscriptionGauge(ctx context.Context) {
	var rows []struct {
		Status string
		Count  int
	}
	err := s.db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS count FROM subscriptions GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		s.log.Warn("subscription gauge refresh failed", zap.Error(err))
		return
	}
	for _, row := range rows {
		metrics.Billing().SetSubscriptionCount(row.Status, row.Count)
	}
}

func (s *Scheduler) retryDuePass(ctx context.Context) error {
	attempts, err := s.dueAttempts(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, attempt := range attempts {
		if err := s.retryAttempt(ctx, attempt); err != nil {
			if errors.Is(err, ErrClaimConflict) {
				metrics.Billing().IncSweepAction("retry_due", "claim_lost")
				continue
			}
			// Per-item containment: one bad attempt must not starve the
			// rest of the batch.
			s.log.Error("charge retry failed",
				zap.String("attempt_id", attempt.ID.String()),
				zap.String("subscription_id", attempt.SubscriptionID.String()),
				zap.Error(err),
			)
			metrics.Billing().IncSweepAction("retry_due", "error")
			continue
		}
		metrics.Billing().IncSweepAction("retry_due", "charged")
	}
	return nil
}

// retryAttempt claims one due FAILED attempt, re-invokes the charge and
// feeds the outcome through the state machine. An indeterminate gateway
// call leaves a PENDING placeholder for the reconcile pass instead of
// guessing.
func (s *Scheduler) retryAttempt(ctx context.Context, attempt workAttempt) error {
	now := s.clock.Now()
	claimed, err := s.claimAttempt(ctx, attempt.ID, now)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrClaimConflict
	}

	target, err := s.chargeTarget(ctx, s.db, attempt.SubscriptionID)
	if err != nil {
		return err
	}
	if target == nil {
		return subscriptiondomain.ErrUnknownSubscription
	}

	result, err := s.provider.Charge(ctx, gatewaydomain.ChargeRequest{
		MerchantMemberID: target.ExternalMemberID,
		GatewayRef:       target.GatewayRef,
		Amount:           attempt.Amount,
	})
	if err != nil {
		if errors.Is(err, gatewaydomain.ErrTransientGateway) {
			// The charge may or may not have reached the card. Park a
			// PENDING placeholder and let the reconcile pass ask the
			// gateway what actually happened. Placeholder and retirement
			// commit together: a crash must never leave the source attempt
			// due again while the charge is unresolved.
			var pendingID snowflake.ID
			txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var recErr error
				pendingID, recErr = s.subSvc.RecordPendingAttempt(ctx, tx, attempt.SubscriptionID, attempt.Amount)
				if recErr != nil {
					return recErr
				}
				return s.retireAttemptRetry(ctx, tx, attempt.ID, s.clock.Now())
			})
			if txErr != nil {
				return txErr
			}
			s.log.Warn("charge outcome indeterminate",
				zap.String("attempt_id", attempt.ID.String()),
				zap.String("pending_attempt_id", pendingID.String()),
				zap.Error(err),
			)
			metrics.Billing().IncChargeOutcome(string(subscriptiondomain.SourceScheduler), "indeterminate")
			return nil
		}
		return err
	}

	gwsr := result.TransactionID
	if gwsr == "" {
		// Declines do not always carry a transaction id; the ledger still
		// needs a unique one.
		gwsr = "sch-" + s.genID.Generate().String()
	}

	outcome := subscriptiondomain.ChargeOutcome{
		SubscriptionID:       attempt.SubscriptionID,
		MerchantMemberID:     target.ExternalMemberID,
		GatewayTransactionID: gwsr,
		Amount:               attempt.Amount,
		Success:              result.Success,
		Code:                 result.Code,
		Message:              result.Message,
		PermanentDecline:     !result.Success && s.provider.PermanentDecline(result.Code),
		Source:               subscriptiondomain.SourceScheduler,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.subSvc.ApplyChargeOutcome(ctx, tx, outcome); err != nil {
			return err
		}
		return s.retireAttemptRetry(ctx, tx, attempt.ID, s.clock.Now())
	})
}

// ForceRetry re-runs the charge for one FAILED attempt immediately,
// bypassing the due-time check. Claims still apply, so a concurrent sweep
// and an operator cannot double-charge.
func (s *Scheduler) ForceRetry(ctx context.Context, attemptID snowflake.ID) error {
	attempt, err := s.findAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if attempt == nil {
		return ErrAttemptNotFound
	}
	if attempt.Status != string(subscriptiondomain.AttemptFailed) {
		return ErrAttemptNotRetryable
	}
	return s.retryAttempt(ctx, workAttempt{
		ID:             attempt.ID,
		SubscriptionID: attempt.SubscriptionID,
		Amount:         attempt.Amount,
		RetryCount:     attempt.RetryCount,
	})
}

func (s *Scheduler) reconcilePendingPass(ctx context.Context) error {
	now := s.clock.Now()
	pendings, err := s.stalePendingAttempts(ctx, now.Add(-s.cfg.PendingAge), s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, pending := range pendings {
		if err := s.reconcilePending(ctx, pending); err != nil {
			s.log.Error("pending attempt reconcile failed",
				zap.String("attempt_id", pending.ID.String()),
				zap.Error(err),
			)
			metrics.Billing().IncSweepAction("reconcile_pending", "error")
			continue
		}
		metrics.Billing().IncSweepAction("reconcile_pending", "resolved")
	}
	return nil
}

// reconcilePending asks the gateway for the authoritative outcome of a
// charge whose original call timed out. An outcome recorded before the
// placeholder was created belongs to an earlier charge and means ours
// never went through.
func (s *Scheduler) reconcilePending(ctx context.Context, pending workPending) error {
	target, err := s.chargeTarget(ctx, s.db, pending.SubscriptionID)
	if err != nil {
		return err
	}
	if target == nil {
		return subscriptiondomain.ErrUnknownSubscription
	}

	status, err := s.provider.QueryTradeStatus(ctx, target.GatewayRef)
	if err != nil {
		// Still unreachable; leave the placeholder for the next sweep.
		return err
	}

	outcome := subscriptiondomain.ChargeOutcome{
		SubscriptionID:   pending.SubscriptionID,
		MerchantMemberID: target.ExternalMemberID,
		Amount:           pending.Amount,
		Source:           subscriptiondomain.SourceScheduler,
	}
	if !status.ProcessedAt.IsZero() && status.ProcessedAt.After(pending.CreatedAt.Add(-time.Minute)) {
		outcome.GatewayTransactionID = status.TransactionID
		outcome.Success = status.Success
		outcome.Code = status.Code
		outcome.Message = status.Message
		outcome.PermanentDecline = !status.Success && s.provider.PermanentDecline(status.Code)
	} else {
		// The gateway has no record of our charge: it never happened.
		// Resolve as a failure so the retry schedule keeps moving.
		outcome.Success = false
		outcome.Code = "timeout"
		outcome.Message = "charge not found at gateway"
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.subSvc.ResolvePendingAttempt(ctx, tx, pending.ID, outcome)
	})
}

func (s *Scheduler) graceExpiryPass(ctx context.Context) error {
	ids, err := s.graceExpiredSubscriptions(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, id := range ids {
		var acted bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			acted, err = s.subSvc.DowngradeIfExpired(ctx, tx, id)
			return err
		})
		if err != nil {
			s.log.Error("grace expiry downgrade failed",
				zap.String("subscription_id", id.String()),
				zap.Error(err),
			)
			metrics.Billing().IncSweepAction("grace_expiry", "error")
			continue
		}
		if acted {
			metrics.Billing().IncSweepAction("grace_expiry", "downgraded")
		} else {
			metrics.Billing().IncSweepAction("grace_expiry", "noop")
		}
	}
	return nil
}

func (s *Scheduler) cancelPeriodEndPass(ctx context.Context) error {
	ids, err := s.cancelDueSubscriptions(ctx, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, id := range ids {
		var acted bool
		var target *chargeTarget
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			acted, err = s.subSvc.FinalizeCancelIfDue(ctx, tx, id)
			if err != nil || !acted {
				return err
			}
			target, err = s.chargeTarget(ctx, tx, id)
			return err
		})
		if err != nil {
			s.log.Error("period-end cancel failed",
				zap.String("subscription_id", id.String()),
				zap.Error(err),
			)
			metrics.Billing().IncSweepAction("cancel_period_end", "error")
			continue
		}
		if !acted {
			metrics.Billing().IncSweepAction("cancel_period_end", "noop")
			continue
		}

		// Revoke the recurring mandate once the local cancel is durable,
		// or the gateway keeps charging the card. A failed revoke is
		// surfaced for operator follow-up, not rolled back.
		if target != nil {
			if err := s.provider.CancelAuthorization(ctx, target.ExternalMemberID, target.GatewayRef); err != nil {
				s.log.Warn("gateway mandate revoke failed",
					zap.String("subscription_id", id.String()),
					zap.String("member_id", target.ExternalMemberID),
					zap.Error(err),
				)
			}
		}
		metrics.Billing().IncSweepAction("cancel_period_end", "canceled")
	}
	return nil
}
