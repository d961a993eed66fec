package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// OutcomeSource tells which entry point discovered a charge outcome. Both
// feed the same transition logic.
type OutcomeSource string

const (
	SourceWebhook   OutcomeSource = "webhook"
	SourceScheduler OutcomeSource = "scheduler"
)

// AuthResult is a verified authorization callback from the gateway.
type AuthResult struct {
	MerchantMemberID     string
	GatewayTransactionID string
	Success              bool
	Code                 string
	Message              string
}

// ChargeOutcome is one charge result, from either a webhook or a scheduler
// retry. PermanentDecline short-circuits the remaining retry schedule.
type ChargeOutcome struct {
	SubscriptionID       snowflake.ID // zero when resolved via member id
	MerchantMemberID     string
	GatewayTransactionID string
	Amount               int64
	Success              bool
	Code                 string
	Message              string
	PermanentDecline     bool
	Source               OutcomeSource
}

// Service is the subscription state machine. All mutation for one logical
// event happens inside the transaction handed in by the caller.
type Service interface {
	// ApplyAuthResult activates or fails a PENDING authorization; success
	// creates the subscription in ACTIVE and records the first attempt.
	ApplyAuthResult(ctx context.Context, tx *gorm.DB, result AuthResult) error

	// ApplyChargeOutcome applies one charge success/failure. Shared by the
	// webhook and scheduler paths so the two can never diverge.
	ApplyChargeOutcome(ctx context.Context, tx *gorm.DB, outcome ChargeOutcome) error

	// RecordPendingAttempt writes a PENDING ledger row for an outbound
	// charge whose outcome is indeterminate (timed-out call). No state
	// transition happens until the outcome is known. Runs in the caller's
	// transaction so the placeholder and the caller's bookkeeping land
	// atomically.
	RecordPendingAttempt(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, amount int64) (snowflake.ID, error)

	// ResolvePendingAttempt finishes a PENDING attempt once the gateway's
	// authoritative outcome is known, applying the same transition rules
	// as ApplyChargeOutcome. A pending row whose real transaction was
	// already applied via webhook is closed without a second transition.
	ResolvePendingAttempt(ctx context.Context, tx *gorm.DB, attemptID snowflake.ID, outcome ChargeOutcome) error

	// Cancel cancels a subscription immediately or at period end.
	Cancel(ctx context.Context, subscriptionID snowflake.ID, immediate bool) error

	// DowngradeIfExpired downgrades a PAST_DUE subscription whose grace
	// period has lapsed. Idempotent; reports whether it acted.
	DowngradeIfExpired(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (bool, error)

	// FinalizeCancelIfDue finishes a cancel-at-period-end subscription
	// whose period has ended. Idempotent; reports whether it acted.
	FinalizeCancelIfDue(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (bool, error)

	// FindByOwner returns the owner's newest subscription, if any.
	FindByOwner(ctx context.Context, ownerID int64) (*Subscription, error)
}

var (
	ErrUnknownSubscription  = errors.New("unknown_subscription")
	ErrUnknownAuthorization = errors.New("unknown_authorization")
	ErrAlreadyCanceled      = errors.New("subscription_already_canceled")
)
