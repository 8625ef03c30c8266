// Package domain contains persistence models for membership plans.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// BillingCycle is the unit a plan bills on.
type BillingCycle string

const (
	BillingCycleDaily      BillingCycle = "DAILY"
	BillingCycleWeekly     BillingCycle = "WEEKLY"
	BillingCycleMonthly    BillingCycle = "MONTHLY"
	BillingCycleQuarterly  BillingCycle = "QUARTERLY"
	BillingCycleSemiannual BillingCycle = "SEMIANNUAL"
	BillingCycleAnnual     BillingCycle = "ANNUAL"
)

var ErrUnknownBillingCycle = errors.New("unknown billing cycle")

var ErrPlanNotFound = errors.New("plan not found")

// Plan prices a membership. Immutable during a billing run.
type Plan struct {
	ID                    snowflake.ID `gorm:"primaryKey"`
	TenantID              snowflake.ID `gorm:"not null;index"`
	Name                  string       `gorm:"type:text;not null"`
	Slug                  string       `gorm:"type:text;not null;index"`
	Price                 int64        `gorm:"not null"`
	Currency              string       `gorm:"type:text;not null"`
	BillingCycle          BillingCycle `gorm:"type:text;not null"`
	AutoRenew             bool         `gorm:"not null;default:true"`
	FamilyDiscountPercent int          `gorm:"not null;default:0"`
	RankDiscountPercent   int          `gorm:"not null;default:0"`
	CancelNoticeDays      int          `gorm:"not null;default:0"`
	Active                bool         `gorm:"not null;default:true"`
	CreatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// Advance returns the start of the period following one beginning at t.
func (c BillingCycle) Advance(t time.Time) (time.Time, error) {
	switch c {
	case BillingCycleDaily:
		return t.AddDate(0, 0, 1), nil
	case BillingCycleWeekly:
		return t.AddDate(0, 0, 7), nil
	case BillingCycleMonthly:
		return t.AddDate(0, 1, 0), nil
	case BillingCycleQuarterly:
		return t.AddDate(0, 3, 0), nil
	case BillingCycleSemiannual:
		return t.AddDate(0, 6, 0), nil
	case BillingCycleAnnual:
		return t.AddDate(1, 0, 0), nil
	default:
		return time.Time{}, ErrUnknownBillingCycle
	}
}

// PeriodEnd returns the inclusive last day of the period beginning at start.
func (c BillingCycle) PeriodEnd(start time.Time) (time.Time, error) {
	next, err := c.Advance(start)
	if err != nil {
		return time.Time{}, err
	}
	return next.AddDate(0, 0, -1), nil
}
