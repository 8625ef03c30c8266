// Package domain contains persistence models for promo codes.
package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/lib/pq"
)

// DiscountType selects how a promo discounts the price.
type DiscountType string

const (
	DiscountTypePercent DiscountType = "PERCENT"
	DiscountTypeFixed   DiscountType = "FIXED"
)

var (
	ErrPromoNotFound  = errors.New("promo code not found")
	ErrPromoExists    = errors.New("promo code already exists for tenant")
	ErrPromoInactive  = errors.New("promo code is not active")
	ErrPromoExpired   = errors.New("promo code is outside its validity window")
	ErrPromoPlan      = errors.New("promo code does not apply to this plan")
	ErrPromoExhausted = errors.New("promo code redemption cap reached")
)

// PromoCode grants a discount at enrollment time.
type PromoCode struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	TenantID          snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_promo_tenant_code"`
	Code              string        `gorm:"type:text;not null;uniqueIndex:ux_promo_tenant_code"`
	DiscountType      DiscountType  `gorm:"type:text;not null"`
	DiscountValue     int64         `gorm:"not null"`
	StartsAt          *time.Time    `gorm:""`
	EndsAt            *time.Time    `gorm:""`
	MaxRedemptions    int           `gorm:"not null;default:0"`
	RedemptionCount   int           `gorm:"not null;default:0"`
	ApplicablePlanIDs pq.Int64Array `gorm:"type:bigint[]"`
	Active            bool          `gorm:"not null;default:true"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PromoCode) TableName() string { return "promo_codes" }

// NormalizeCode canonicalizes user-entered promo codes for lookup.
func NormalizeCode(raw string) string {
	return strings.ToUpper(slug.Make(raw))
}

// AppliesToPlan reports whether the promo covers planID. An empty
// plan set means the promo applies to every plan.
func (p *PromoCode) AppliesToPlan(planID snowflake.ID) bool {
	if len(p.ApplicablePlanIDs) == 0 {
		return true
	}
	for _, id := range p.ApplicablePlanIDs {
		if id == int64(planID) {
			return true
		}
	}
	return false
}
