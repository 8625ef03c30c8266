package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Subscription, error)
	FetchDueForBilling(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)
	FetchRetryDue(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]Subscription, error)
	CountFamilyBilled(ctx context.Context, db *gorm.DB, tenantID, familyGroupID snowflake.ID) (int, error)
	AdvanceNextCharge(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to time.Time) (bool, error)
	RecordPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) error
	ScheduleRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, retryCount int, nextRetryAt *time.Time) error
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to SubscriptionStatus) (bool, error)
}
