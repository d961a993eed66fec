package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// AuthorizationStatus tracks the lifecycle of a recurring-charge mandate.
type AuthorizationStatus string

const (
	StatusPending  AuthorizationStatus = "PENDING"
	StatusActive   AuthorizationStatus = "ACTIVE"
	StatusCanceled AuthorizationStatus = "CANCELED"
	StatusFailed   AuthorizationStatus = "FAILED"
)

// PeriodType is the recurring interval stored on the mandate.
type PeriodType string

const (
	PeriodMonth PeriodType = "MONTH"
	PeriodYear  PeriodType = "YEAR"
)

// Authorization is one payer mandate for recurring charges. Rows are kept
// for audit and never hard-deleted; ExternalMemberID is immutable once
// created.
type Authorization struct {
	ID               snowflake.ID        `gorm:"primaryKey"`
	OwnerID          int64               `gorm:"not null;index"`
	ExternalMemberID string              `gorm:"type:varchar(30);not null;uniqueIndex:ux_authorizations_member_id"`
	PlanID           string              `gorm:"type:text;not null"`
	BillingCycle     string              `gorm:"type:text;not null"`
	PeriodType       PeriodType          `gorm:"type:text;not null"`
	PeriodAmount     int64               `gorm:"not null"`
	Status           AuthorizationStatus `gorm:"type:text;not null"`
	GatewayRef       *string             `gorm:"type:text"`
	NextChargeDate   *time.Time
	CreatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Authorization) TableName() string { return "authorizations" }
