package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindSettings(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantSettings, error)
	UpsertSettings(ctx context.Context, db *gorm.DB, settings *TenantSettings) error
	ListActiveConfigs(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]ProviderConfig, error)
	FindConfig(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string) (*ProviderConfig, error)
	UpsertConfig(ctx context.Context, db *gorm.DB, config *ProviderConfig) error
	UpdateConfigStatus(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, provider string, isActive bool, updatedAt time.Time) (bool, error)
	ListTenantsWithActiveConfigs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
}
