package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, promo *PromoCode) error
	FindByCode(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, code string) (*PromoCode, error)
	// Redeem consumes one redemption. The count check and increment run
	// as a single conditional write so concurrent enrollments cannot
	// overshoot the cap.
	Redeem(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (bool, error)
}
