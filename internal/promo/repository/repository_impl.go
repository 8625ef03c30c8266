package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	promodomain "github.com/smallbiznis/dojoflow/internal/promo/domain"
	pkgdb "github.com/smallbiznis/dojoflow/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() promodomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, promo *promodomain.PromoCode) error {
	promo.Code = promodomain.NormalizeCode(promo.Code)
	err := db.WithContext(ctx).Create(promo).Error
	if pkgdb.IsDuplicateKeyErr(err) {
		return promodomain.ErrPromoExists
	}
	return err
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, code string) (*promodomain.PromoCode, error) {
	var promo promodomain.PromoCode
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND code = ?", tenantID, promodomain.NormalizeCode(code)).
		First(&promo).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, promodomain.ErrPromoNotFound
	}
	if err != nil {
		return nil, err
	}
	return &promo, nil
}

func (r *repo) Redeem(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE promo_codes
		 SET redemption_count = redemption_count + 1, updated_at = ?
		 WHERE tenant_id = ? AND id = ?
		   AND active = ?
		   AND (max_redemptions = 0 OR redemption_count < max_redemptions)`,
		time.Now().UTC(),
		tenantID,
		id,
		true,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
