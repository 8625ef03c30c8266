package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/dojoflow/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	return db.WithContext(ctx).Create(plan).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, plandomain.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *repo) ListByIDs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, ids []snowflake.ID) ([]plandomain.Plan, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var plans []plandomain.Plan
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Find(&plans).Error
	if err != nil {
		return nil, err
	}
	return plans, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, activeOnly bool) ([]plandomain.Plan, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if activeOnly {
		query = query.Where("active = ?", true)
	}
	var plans []plandomain.Plan
	if err := query.Order("id").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}
