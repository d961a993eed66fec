package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/howie/coaching-transcript-tool-sub007/internal/config"
	gatewaydomain "github.com/howie/coaching-transcript-tool-sub007/internal/gateway/domain"
	"github.com/howie/coaching-transcript-tool-sub007/internal/notification"
	"github.com/howie/coaching-transcript-tool-sub007/internal/plan"
	subscriptiondomain "github.com/howie/coaching-transcript-tool-sub007/internal/subscription/domain"
	subscriptionservice "github.com/howie/coaching-transcript-tool-sub007/internal/subscription/service"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type fakeProvider struct {
	chargeResult *gatewaydomain.ChargeResult
	chargeErr    error
	tradeStatus  *gatewaydomain.TradeStatus
	tradeErr     error
	charges      int
	revoked      []string
}

func (f *fakeProvider) BuildAuthorizeForm(context.Context, gatewaydomain.AuthorizeParams) (*gatewaydomain.AuthorizeForm, error) {
	return nil, nil
}

func (f *fakeProvider) Charge(context.Context, gatewaydomain.ChargeRequest) (*gatewaydomain.ChargeResult, error) {
	f.charges++
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	return f.chargeResult, nil
}

func (f *fakeProvider) CancelAuthorization(_ context.Context, memberID string, _ string) error {
	f.revoked = append(f.revoked, memberID)
	return nil
}

func (f *fakeProvider) QueryTradeStatus(context.Context, string) (*gatewaydomain.TradeStatus, error) {
	if f.tradeErr != nil {
		return nil, f.tradeErr
	}
	return f.tradeStatus, nil
}

func (f *fakeProvider) PermanentDecline(code string) bool { return code == "10100058" }

type fixture struct {
	db       *gorm.DB
	sched    *Scheduler
	clock    *testClock
	provider *fakeProvider
	genID    *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupSchedulerTestDB(t)
	node, err := snowflake.NewNode(4)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	clk := &testClock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
	provider := &fakeProvider{}
	appCfg := config.Config{
		GracePeriodDays:   7,
		RetryScheduleDays: []int{1, 3, 7},
		MaxRetryCount:     3,
	}
	subSvc := subscriptionservice.NewService(subscriptionservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Cfg:      appCfg,
		Outbox:   notification.NewOutbox(db, node, zap.NewNop()),
		Provider: provider,
	})
	sched := NewScheduler(Params{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clk,
		AppCfg:   appCfg,
		Cfg:      Config{BatchSize: 10},
		GenID:    node,
		SubSvc:   subSvc,
		Provider: provider,
	})
	return &fixture{db: db, sched: sched, clock: clk, provider: provider, genID: node}
}

func setupSchedulerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS authorizations (
			id INTEGER PRIMARY KEY,
			owner_id BIGINT NOT NULL,
			external_member_id VARCHAR(30) NOT NULL UNIQUE,
			plan_id TEXT NOT NULL,
			billing_cycle TEXT NOT NULL,
			period_type TEXT NOT NULL,
			period_amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			gateway_ref TEXT,
			next_charge_date DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id INTEGER PRIMARY KEY,
			owner_id BIGINT NOT NULL,
			authorization_id BIGINT NOT NULL,
			plan_id TEXT NOT NULL,
			billing_cycle TEXT NOT NULL,
			status TEXT NOT NULL,
			current_period_start DATETIME NOT NULL,
			current_period_end DATETIME NOT NULL,
			grace_period_ends_at DATETIME,
			failure_count INTEGER NOT NULL DEFAULT 0,
			downgraded_at DATETIME,
			downgrade_reason TEXT,
			cancel_at_period_end BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payment_attempts (
			id INTEGER PRIMARY KEY,
			subscription_id BIGINT NOT NULL,
			gateway_transaction_id TEXT NOT NULL UNIQUE,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			failure_reason TEXT,
			period_start DATETIME NOT NULL,
			period_end DATETIME NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			next_retry_at DATETIME,
			claimed_at DATETIME,
			processed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notification_events (
			id INTEGER PRIMARY KEY,
			owner_id BIGINT NOT NULL,
			event_kind TEXT NOT NULL,
			priority INTEGER NOT NULL,
			payload TEXT,
			dedupe_key TEXT UNIQUE,
			published BOOLEAN NOT NULL DEFAULT false,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return db
}

func (f *fixture) seedSubscription(t *testing.T, ownerID int64, status subscriptiondomain.SubscriptionStatus, failureCount int) snowflake.ID {
	t.Helper()
	now := f.clock.Now()
	authID := f.genID.Generate()
	memberID := "M" + authID.String()
	if len(memberID) > 30 {
		memberID = memberID[:30]
	}
	if err := f.db.Exec(
		`INSERT INTO authorizations (id, owner_id, external_member_id, plan_id, billing_cycle, period_type, period_amount, status, gateway_ref, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'ACTIVE', ?, ?, ?)`,
		authID, ownerID, memberID, plan.Pro, "monthly", "MONTH", int64(89900), "ref-"+authID.String(), now, now,
	).Error; err != nil {
		t.Fatalf("seed authorization: %v", err)
	}

	subID := f.genID.Generate()
	if err := f.db.Exec(
		`INSERT INTO subscriptions (id, owner_id, authorization_id, plan_id, billing_cycle, status, current_period_start, current_period_end, failure_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subID, ownerID, authID, plan.Pro, "monthly", status, now.AddDate(0, -1, 0), now, failureCount, now, now,
	).Error; err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return subID
}

func (f *fixture) seedFailedAttempt(t *testing.T, subID snowflake.ID, retryCount int, nextRetry time.Time) snowflake.ID {
	t.Helper()
	now := f.clock.Now()
	id := f.genID.Generate()
	if err := f.db.Exec(
		`INSERT INTO payment_attempts (id, subscription_id, gateway_transaction_id, amount, status, period_start, period_end, retry_count, next_retry_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'FAILED', ?, ?, ?, ?, ?, ?)`,
		id, subID, "fail-"+id.String(), int64(89900), now.AddDate(0, -1, 0), now, retryCount, nextRetry, now, now,
	).Error; err != nil {
		t.Fatalf("seed attempt: %v", err)
	}
	return id
}

func (f *fixture) subscriptionStatus(t *testing.T, subID snowflake.ID) string {
	t.Helper()
	var status string
	if err := f.db.Raw(`SELECT status FROM subscriptions WHERE id = ?`, subID).Scan(&status).Error; err != nil {
		t.Fatalf("load status: %v", err)
	}
	return status
}

func TestRetryDuePassRecoversSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 200, subscriptiondomain.StatusPastDue, 1)
	attemptID := f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(-time.Hour))
	f.provider.chargeResult = &gatewaydomain.ChargeResult{
		Success:       true,
		TransactionID: "gwsr-retry-1",
		Code:          "1",
	}

	if err := f.sched.retryDuePass(ctx); err != nil {
		t.Fatalf("retry pass: %v", err)
	}

	if f.provider.charges != 1 {
		t.Fatalf("expected one gateway charge, got %d", f.provider.charges)
	}
	if got := f.subscriptionStatus(t, subID); got != "ACTIVE" {
		t.Fatalf("expected recovered ACTIVE subscription, got %s", got)
	}

	var nextRetry sql.NullTime
	if err := f.db.Raw(`SELECT next_retry_at FROM payment_attempts WHERE id = ?`, attemptID).Scan(&nextRetry).Error; err != nil {
		t.Fatalf("load attempt: %v", err)
	}
	if nextRetry.Valid {
		t.Fatalf("charged attempt must be retired from the sweep")
	}

	// A second pass finds nothing to do.
	if err := f.sched.retryDuePass(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if f.provider.charges != 1 {
		t.Fatalf("retired attempt was charged again")
	}
}

func TestDueAttemptsSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 201, subscriptiondomain.StatusPastDue, 1)

	due := f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(-time.Minute))
	f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(time.Hour))  // not due yet
	f.seedFailedAttempt(t, subID, 3, f.clock.Now().Add(-time.Hour)) // retry budget spent

	attempts, err := f.sched.dueAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("due attempts: %v", err)
	}
	if len(attempts) != 1 || attempts[0].ID != due {
		t.Fatalf("expected only the due, in-budget attempt, got %+v", attempts)
	}
}

func TestDueAttemptsIgnoresNonPastDueSubscriptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 202, subscriptiondomain.StatusActive, 0)
	f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(-time.Minute))

	attempts, err := f.sched.dueAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("due attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("recovered subscription must not be recharged, got %+v", attempts)
	}
}

func TestDueAttemptsSkipsSubscriptionsWithOpenPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 211, subscriptiondomain.StatusPastDue, 1)
	f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(-time.Minute))

	pendingID := f.genID.Generate()
	now := f.clock.Now()
	if err := f.db.Exec(
		`INSERT INTO payment_attempts (id, subscription_id, gateway_transaction_id, amount, status, period_start, period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'PENDING', ?, ?, ?, ?)`,
		pendingID, subID, "pending-"+pendingID.String(), int64(89900), now.AddDate(0, -1, 0), now, now, now,
	).Error; err != nil {
		t.Fatalf("seed pending: %v", err)
	}

	attempts, err := f.sched.dueAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("due attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("an unresolved charge must block further retries, got %+v", attempts)
	}
}

func TestClaimAttemptIsExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 203, subscriptiondomain.StatusPastDue, 1)
	attemptID := f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(-time.Minute))

	claimed, err := f.sched.claimAttempt(ctx, attemptID, f.clock.Now())
	if err != nil || !claimed {
		t.Fatalf("first claim should win, claimed=%v err=%v", claimed, err)
	}
	claimed, err = f.sched.claimAttempt(ctx, attemptID, f.clock.Now())
	if err != nil || claimed {
		t.Fatalf("second claim must lose, claimed=%v err=%v", claimed, err)
	}

	// An expired claim is recoverable.
	f.clock.now = f.clock.now.Add(time.Hour)
	claimed, err = f.sched.claimAttempt(ctx, attemptID, f.clock.Now())
	if err != nil || !claimed {
		t.Fatalf("stale claim should be reclaimable, claimed=%v err=%v", claimed, err)
	}
}

func TestIndeterminateChargeParksPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 204, subscriptiondomain.StatusPastDue, 1)
	f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(-time.Minute))
	f.provider.chargeErr = gatewaydomain.ErrTransientGateway

	if err := f.sched.retryDuePass(ctx); err != nil {
		t.Fatalf("retry pass: %v", err)
	}

	var pending int64
	if err := f.db.Raw(
		`SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = ? AND status = 'PENDING'`,
		subID,
	).Scan(&pending).Error; err != nil {
		t.Fatalf("count pending: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected one PENDING placeholder, got %d", pending)
	}
	if got := f.subscriptionStatus(t, subID); got != "PAST_DUE" {
		t.Fatalf("indeterminate outcome must not change state, got %s", got)
	}
}

func TestReconcilePendingAdoptsGatewayOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 205, subscriptiondomain.StatusPastDue, 1)

	pendingID := f.genID.Generate()
	created := f.clock.Now().Add(-2 * time.Hour)
	if err := f.db.Exec(
		`INSERT INTO payment_attempts (id, subscription_id, gateway_transaction_id, amount, status, period_start, period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'PENDING', ?, ?, ?, ?)`,
		pendingID, subID, "pending-"+pendingID.String(), int64(89900),
		created.AddDate(0, -1, 0), created, created, created,
	).Error; err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	f.provider.tradeStatus = &gatewaydomain.TradeStatus{
		TransactionID: "gwsr-reconciled-1",
		Success:       true,
		Code:          "1",
		ProcessedAt:   f.clock.Now().Add(-90 * time.Minute),
	}

	if err := f.sched.reconcilePendingPass(ctx); err != nil {
		t.Fatalf("reconcile pass: %v", err)
	}

	var status, gwsr string
	row := f.db.Raw(`SELECT status, gateway_transaction_id FROM payment_attempts WHERE id = ?`, pendingID).Row()
	if err := row.Scan(&status, &gwsr); err != nil {
		t.Fatalf("load attempt: %v", err)
	}
	if status != "SUCCESS" || gwsr != "gwsr-reconciled-1" {
		t.Fatalf("expected SUCCESS with adopted gwsr, got %s %s", status, gwsr)
	}
	if got := f.subscriptionStatus(t, subID); got != "ACTIVE" {
		t.Fatalf("expected recovered subscription, got %s", got)
	}
}

func TestReconcilePendingFailsWhenGatewayHasNoRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 206, subscriptiondomain.StatusPastDue, 1)

	pendingID := f.genID.Generate()
	created := f.clock.Now().Add(-2 * time.Hour)
	if err := f.db.Exec(
		`INSERT INTO payment_attempts (id, subscription_id, gateway_transaction_id, amount, status, period_start, period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'PENDING', ?, ?, ?, ?)`,
		pendingID, subID, "pending-"+pendingID.String(), int64(89900),
		created.AddDate(0, -1, 0), created, created, created,
	).Error; err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	// Last recorded charge predates our placeholder: ours never happened.
	f.provider.tradeStatus = &gatewaydomain.TradeStatus{
		TransactionID: "gwsr-old",
		Success:       true,
		Code:          "1",
		ProcessedAt:   created.Add(-24 * time.Hour),
	}

	if err := f.sched.reconcilePendingPass(ctx); err != nil {
		t.Fatalf("reconcile pass: %v", err)
	}

	var status string
	if err := f.db.Raw(`SELECT status FROM payment_attempts WHERE id = ?`, pendingID).Scan(&status).Error; err != nil {
		t.Fatalf("load attempt: %v", err)
	}
	if status != "FAILED" {
		t.Fatalf("unrecorded charge must resolve as failure, got %s", status)
	}
}

func TestGraceExpiryPassDowngradesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 207, subscriptiondomain.StatusPastDue, 3)
	if err := f.db.Exec(
		`UPDATE subscriptions SET grace_period_ends_at = ? WHERE id = ?`,
		f.clock.Now().Add(-time.Hour), subID,
	).Error; err != nil {
		t.Fatalf("set grace: %v", err)
	}

	if err := f.sched.graceExpiryPass(ctx); err != nil {
		t.Fatalf("grace pass: %v", err)
	}
	if err := f.sched.graceExpiryPass(ctx); err != nil {
		t.Fatalf("second grace pass: %v", err)
	}

	var planID string
	if err := f.db.Raw(`SELECT plan_id FROM subscriptions WHERE id = ?`, subID).Scan(&planID).Error; err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if planID != plan.Free {
		t.Fatalf("expected downgrade to free, got %s", planID)
	}

	var downgraded int64
	if err := f.db.Raw(
		`SELECT COUNT(*) FROM notification_events WHERE event_kind = 'downgraded'`,
	).Scan(&downgraded).Error; err != nil {
		t.Fatalf("count notifications: %v", err)
	}
	if downgraded != 1 {
		t.Fatalf("two sweeps must downgrade exactly once, got %d notifications", downgraded)
	}
}

func TestCancelPeriodEndPassFinalizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 208, subscriptiondomain.StatusActive, 0)
	if err := f.db.Exec(
		`UPDATE subscriptions SET cancel_at_period_end = true, current_period_end = ? WHERE id = ?`,
		f.clock.Now().Add(-time.Hour), subID,
	).Error; err != nil {
		t.Fatalf("flag cancel: %v", err)
	}

	if err := f.sched.cancelPeriodEndPass(ctx); err != nil {
		t.Fatalf("cancel pass: %v", err)
	}
	if got := f.subscriptionStatus(t, subID); got != "CANCELED" {
		t.Fatalf("expected CANCELED, got %s", got)
	}
	if len(f.provider.revoked) != 1 {
		t.Fatalf("finalized cancel must revoke the gateway mandate, got %d revokes", len(f.provider.revoked))
	}

	// A second sweep neither re-cancels nor re-revokes.
	if err := f.sched.cancelPeriodEndPass(ctx); err != nil {
		t.Fatalf("second cancel pass: %v", err)
	}
	if len(f.provider.revoked) != 1 {
		t.Fatalf("mandate revoked again on a repeated sweep, got %d revokes", len(f.provider.revoked))
	}
}

func TestForceRetryGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.sched.ForceRetry(ctx, f.genID.Generate()); !errors.Is(err, ErrAttemptNotFound) {
		t.Fatalf("expected ErrAttemptNotFound, got %v", err)
	}

	subID := f.seedSubscription(t, 209, subscriptiondomain.StatusPastDue, 1)

	succeededID := f.genID.Generate()
	now := f.clock.Now()
	if err := f.db.Exec(
		`INSERT INTO payment_attempts (id, subscription_id, gateway_transaction_id, amount, status, period_start, period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'SUCCESS', ?, ?, ?, ?)`,
		succeededID, subID, "ok-"+succeededID.String(), int64(89900), now.AddDate(0, -1, 0), now, now, now,
	).Error; err != nil {
		t.Fatalf("seed success attempt: %v", err)
	}
	if err := f.sched.ForceRetry(ctx, succeededID); !errors.Is(err, ErrAttemptNotRetryable) {
		t.Fatalf("expected ErrAttemptNotRetryable, got %v", err)
	}

	attemptID := f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(24*time.Hour))

	// Fresh claim by another sweep blocks the operator.
	if err := f.db.Exec(
		`UPDATE payment_attempts SET claimed_at = ? WHERE id = ?`,
		f.clock.Now(), attemptID,
	).Error; err != nil {
		t.Fatalf("claim attempt: %v", err)
	}
	if err := f.sched.ForceRetry(ctx, attemptID); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("expected ErrClaimConflict, got %v", err)
	}
}

func TestForceRetryChargesBeforeDueTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subID := f.seedSubscription(t, 210, subscriptiondomain.StatusPastDue, 1)
	attemptID := f.seedFailedAttempt(t, subID, 1, f.clock.Now().Add(24*time.Hour))
	f.provider.chargeResult = &gatewaydomain.ChargeResult{
		Success:       true,
		TransactionID: "gwsr-forced-1",
		Code:          "1",
	}

	if err := f.sched.ForceRetry(ctx, attemptID); err != nil {
		t.Fatalf("force retry: %v", err)
	}
	if f.provider.charges != 1 {
		t.Fatalf("expected one charge, got %d", f.provider.charges)
	}
	if got := f.subscriptionStatus(t, subID); got != "ACTIVE" {
		t.Fatalf("expected recovered subscription, got %s", got)
	}
}
