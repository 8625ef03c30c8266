package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, record *EventRecord) error
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	ListEventsByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]EventRecord, error)
}
