package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	settingsdomain "github.com/smallbiznis/dojoflow/internal/settings/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() settingsdomain.Repository {
	return &repo{}
}

func (r *repo) FindSettings(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*settingsdomain.TenantSettings, error) {
	var settings settingsdomain.TenantSettings
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, settingsdomain.ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}
	return &settings, nil
}

func (r *repo) UpsertSettings(ctx context.Context, db *gorm.DB, settings *settingsdomain.TenantSettings) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"grace_days", "max_retries", "default_currency",
				"checkout_success_url", "checkout_cancel_url",
				"default_processor", "updated_at",
			}),
		}).
		Create(settings).Error
}

func (r *repo) ListActiveConfigs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]settingsdomain.ProviderConfig, error) {
	var configs []settingsdomain.ProviderConfig
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND is_active = ?", tenantID, true).
		Order("provider").
		Find(&configs).Error
	if err != nil {
		return nil, err
	}
	return configs, nil
}

func (r *repo) FindConfig(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*settingsdomain.ProviderConfig, error) {
	var config settingsdomain.ProviderConfig
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, strings.ToLower(strings.TrimSpace(provider))).
		First(&config).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, settingsdomain.ErrConfigNotFound
	}
	if err != nil {
		return nil, err
	}
	return &config, nil
}

func (r *repo) UpsertConfig(ctx context.Context, db *gorm.DB, config *settingsdomain.ProviderConfig) error {
	config.Provider = strings.ToLower(strings.TrimSpace(config.Provider))
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"config", "is_active", "updated_at"}),
		}).
		Create(config).Error
}

func (r *repo) UpdateConfigStatus(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string, isActive bool, updatedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).
		Model(&settingsdomain.ProviderConfig{}).
		Where("tenant_id = ? AND provider = ?", tenantID, strings.ToLower(strings.TrimSpace(provider))).
		Updates(map[string]any{"is_active": isActive, "updated_at": updatedAt})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListTenantsWithActiveConfigs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error) {
	var tenantIDs []snowflake.ID
	err := db.WithContext(ctx).
		Model(&settingsdomain.ProviderConfig{}).
		Where("is_active = ?", true).
		Distinct("tenant_id").
		Order("tenant_id").
		Pluck("tenant_id", &tenantIDs).Error
	if err != nil {
		return nil, err
	}
	return tenantIDs, nil
}
