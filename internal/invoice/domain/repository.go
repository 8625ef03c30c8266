package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// StatusPatch carries the fields a status transition may stamp
// alongside the new status.
type StatusPatch struct {
	PaidAt                  *time.Time
	SettlementTransactionID *snowflake.ID
	PaymentMethod           string
	Notes                   string
}

// ListFilter narrows invoice listings.
type ListFilter struct {
	SubscriptionID *snowflake.ID
	Status         *InvoiceStatus
	DueBefore      *time.Time
	Limit          int
	Offset         int
}

type Repository interface {
	// Create inserts the invoice unless one already exists for the same
	// (subscription, period start). Returns false when the row already
	// existed; that is the idempotency signal, not an error.
	Create(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Invoice, error)
	FindBySubscriptionPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*Invoice, error)
	FindOpenBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter ListFilter) ([]Invoice, error)
	// TransitionStatus performs a conditional update: the row moves to
	// target only while its current status is in from. Returns false
	// when the precondition no longer holds, which is how duplicate
	// webhook deliveries become no-ops.
	TransitionStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from []InvoiceStatus, target InvoiceStatus, patch StatusPatch) (bool, error)
	SweepPastDue(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, cutoff time.Time) (int64, error)
	CreateSettlement(ctx context.Context, db *gorm.DB, settlement *SettlementTransaction) error
	FindSettlementByExternalID(ctx context.Context, db *gorm.DB, processor, externalPaymentID string) (*SettlementTransaction, error)
	FindSettlementByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, kind SettlementKind) (*SettlementTransaction, error)
}
