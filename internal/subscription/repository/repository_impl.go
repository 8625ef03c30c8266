package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&subscription).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &subscription, nil
}

// FetchDueForBilling reads subscriptions whose next charge date has
// arrived. Reads are not exclusive; concurrent runs converge through
// AdvanceNextCharge and the per-period invoice key.
func (r *repo) FetchDueForBilling(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	query := db.WithContext(ctx).
		Where("status = ?", subscriptiondomain.SubscriptionStatusActive).
		Where("next_charge_date IS NOT NULL AND next_charge_date <= ?", asOf).
		Order("id").
		Limit(limit)

	var subscriptions []subscriptiondomain.Subscription
	if err := query.Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) FetchRetryDue(ctx context.Context, db *gorm.DB, asOf time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	query := db.WithContext(ctx).
		Where("status = ?", subscriptiondomain.SubscriptionStatusActive).
		Where("retry_count > 0").
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", asOf).
		Order("id").
		Limit(limit)

	var subscriptions []subscriptiondomain.Subscription
	if err := query.Find(&subscriptions).Error; err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) CountFamilyBilled(ctx context.Context, db *gorm.DB, tenantID, familyGroupID snowflake.ID) (int, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("tenant_id = ? AND family_group_id = ? AND status = ?",
			tenantID, familyGroupID, subscriptiondomain.SubscriptionStatusActive).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

func (r *repo) AdvanceNextCharge(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET next_charge_date = ?, updated_at = ?
		 WHERE id = ? AND next_charge_date = ?`,
		to,
		time.Now().UTC(),
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) RecordPayment(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET last_payment_date = ?, retry_count = 0, next_retry_at = NULL, updated_at = ?
		 WHERE id = ?`,
		paidAt,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) ScheduleRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, retryCount int, nextRetryAt *time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET retry_count = ?, next_retry_at = ?, updated_at = ?
		 WHERE id = ?`,
		retryCount,
		nextRetryAt,
		time.Now().UTC(),
		id,
	).Error
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to subscriptiondomain.SubscriptionStatus) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		time.Now().UTC(),
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
