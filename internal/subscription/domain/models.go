// Package domain contains persistence models for member subscriptions.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusSuspended SubscriptionStatus = "SUSPENDED"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
)

var ErrSubscriptionNotFound = errors.New("subscription not found")

// Subscription captures a member's recurring billing agreement.
type Subscription struct {
	ID                      snowflake.ID       `gorm:"primaryKey"`
	TenantID                snowflake.ID       `gorm:"not null;index"`
	MemberID                snowflake.ID       `gorm:"not null;index"`
	PlanID                  snowflake.ID       `gorm:"not null;index"`
	FamilyGroupID           *snowflake.ID      `gorm:"index"`
	Status                  SubscriptionStatus `gorm:"type:text;not null;default:'ACTIVE'"`
	StartDate               time.Time          `gorm:"not null"`
	NextChargeDate          *time.Time         `gorm:"index"`
	PriceOverride           *int64             `gorm:""`
	FirstPeriodDiscountOnly bool               `gorm:"not null;default:false"`
	RetryCount              int                `gorm:"not null;default:0"`
	NextRetryAt             *time.Time         `gorm:"index"`
	LastPaymentDate         *time.Time         `gorm:""`
	AutoCharge              bool               `gorm:"not null;default:false"`
	Processor               string             `gorm:"type:text"`
	CustomerRef             string             `gorm:"type:text"`
	Metadata                datatypes.JSONMap  `gorm:"type:jsonb"`
	CreatedAt               time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }
