package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus is the billing-cycle state that gates entitlement.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "ACTIVE"
	StatusPastDue  SubscriptionStatus = "PAST_DUE"
	StatusCanceled SubscriptionStatus = "CANCELED"
)

// AttemptStatus is the outcome of one charge cycle.
type AttemptStatus string

const (
	AttemptSuccess AttemptStatus = "SUCCESS"
	AttemptFailed  AttemptStatus = "FAILED"
	AttemptPending AttemptStatus = "PENDING"
)

// DowngradeReasonPaymentFailure marks a downgrade caused by an unrecovered
// payment failure, distinct from cancellation.
const DowngradeReasonPaymentFailure = "payment_failure"

// Subscription gates a user's plan entitlement. At most one non-CANCELED
// subscription exists per owner. A downgraded subscription stays ACTIVE on
// the free plan; CANCELED is terminal but the row is retained.
type Subscription struct {
	ID                 snowflake.ID       `gorm:"primaryKey"`
	OwnerID            int64              `gorm:"not null;index"`
	AuthorizationID    snowflake.ID       `gorm:"not null;index"`
	PlanID             string             `gorm:"type:text;not null"`
	BillingCycle       string             `gorm:"type:text;not null"`
	Status             SubscriptionStatus `gorm:"type:text;not null"`
	CurrentPeriodStart time.Time          `gorm:"not null"`
	CurrentPeriodEnd   time.Time          `gorm:"not null"`
	GracePeriodEndsAt  *time.Time
	FailureCount       int `gorm:"not null;default:0"`
	DowngradedAt       *time.Time
	DowngradeReason    *string `gorm:"type:text"`
	CancelAtPeriodEnd  bool    `gorm:"not null;default:false"`
	CreatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// PaymentAttempt is the append-only charge ledger. GatewayTransactionID is
// unique across all attempts; rows are never mutated after status leaves
// PENDING except to extend NextRetryAt.
type PaymentAttempt struct {
	ID                   snowflake.ID  `gorm:"primaryKey"`
	SubscriptionID       snowflake.ID  `gorm:"not null;index"`
	GatewayTransactionID string        `gorm:"type:text;not null;uniqueIndex:ux_payment_attempts_gwsr"`
	Amount               int64         `gorm:"not null"`
	Status               AttemptStatus `gorm:"type:text;not null"`
	FailureReason        *string       `gorm:"type:text"`
	PeriodStart          time.Time     `gorm:"not null"`
	PeriodEnd            time.Time     `gorm:"not null"`
	RetryCount           int           `gorm:"not null;default:0"`
	NextRetryAt          *time.Time
	ClaimedAt            *time.Time
	ProcessedAt          *time.Time
	CreatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentAttempt) TableName() string { return "payment_attempts" }

// PeriodLength returns the duration of one billing period from its start.
func PeriodLength(billingCycle string, from time.Time) time.Time {
	if billingCycle == "yearly" {
		return from.AddDate(1, 0, 0)
	}
	return from.AddDate(0, 1, 0)
}
