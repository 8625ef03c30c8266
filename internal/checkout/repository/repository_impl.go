package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	checkoutdomain "github.com/smallbiznis/dojoflow/internal/checkout/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() checkoutdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, session *checkoutdomain.Session) error {
	return db.WithContext(ctx).Create(session).Error
}

func (r *repo) FindBySessionID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, sessionID string) (*checkoutdomain.Session, error) {
	var session checkoutdomain.Session
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).
		Order("id DESC").
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, checkoutdomain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *repo) FindByReferenceID(ctx context.Context, db *gorm.DB, referenceID string) (*checkoutdomain.Session, error) {
	var session checkoutdomain.Session
	err := db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, checkoutdomain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *repo) Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, status checkoutdomain.SessionStatus, externalPaymentID string) (bool, error) {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if externalPaymentID != "" {
		updates["external_payment_id"] = externalPaymentID
	}
	result := db.WithContext(ctx).
		Model(&checkoutdomain.Session{}).
		Where("id = ? AND status = ?", id, checkoutdomain.SessionStatusOpen).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
