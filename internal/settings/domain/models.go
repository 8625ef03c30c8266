// Package domain contains tenant-scoped billing settings.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	ErrSettingsNotFound = errors.New("tenant settings not found")
	ErrConfigNotFound   = errors.New("provider config not found")
)

// TenantSettings tunes billing behavior per tenant. Absent rows fall
// back to the dunning policy defaults.
type TenantSettings struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	TenantID           snowflake.ID `gorm:"not null;uniqueIndex"`
	GraceDays          int          `gorm:"not null;default:3"`
	MaxRetries         int          `gorm:"not null;default:4"`
	DefaultCurrency    string       `gorm:"type:text;not null;default:'USD'"`
	CheckoutSuccessURL string       `gorm:"type:text"`
	CheckoutCancelURL  string       `gorm:"type:text"`
	DefaultProcessor   string       `gorm:"type:text"`
	CreatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TenantSettings) TableName() string { return "tenant_settings" }

// ProviderConfig stores one tenant's credentials for one processor.
type ProviderConfig struct {
	ID        snowflake.ID      `gorm:"primaryKey"`
	TenantID  snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_provider_config_tenant_provider"`
	Provider  string            `gorm:"type:text;not null;uniqueIndex:ux_provider_config_tenant_provider"`
	Config    datatypes.JSONMap `gorm:"type:jsonb;not null"`
	IsActive  bool              `gorm:"not null;default:true"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (ProviderConfig) TableName() string { return "provider_configs" }
