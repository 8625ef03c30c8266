package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() paymentdomain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, record *paymentdomain.EventRecord) error {
	return db.WithContext(ctx).Create(record).Error
}

func (r *repo) MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).
		Model(&paymentdomain.EventRecord{}).
		Where("id = ?", id).
		Update("processed_at", processedAt).Error
}

func (r *repo) ListEventsByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]paymentdomain.EventRecord, error) {
	var records []paymentdomain.EventRecord
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("received_at").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
