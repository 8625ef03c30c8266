package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "subscription_id"}, {Name: "period_start"}},
			DoNothing: true,
		}).
		Create(invoice)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindBySubscriptionPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND period_start = ?", subscriptionID, periodStart).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) FindOpenBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).
		Where("subscription_id = ? AND status IN ?", subscriptionID, []invoicedomain.InvoiceStatus{
			invoicedomain.InvoiceStatusPending,
			invoicedomain.InvoiceStatusPastDue,
			invoicedomain.InvoiceStatusFailed,
		}).
		Order("period_start DESC").
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, filter invoicedomain.ListFilter) ([]invoicedomain.Invoice, error) {
	query := db.WithContext(ctx).Where("tenant_id = ?", tenantID)
	if filter.SubscriptionID != nil {
		query = query.Where("subscription_id = ?", *filter.SubscriptionID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	if filter.DueBefore != nil {
		query = query.Where("due_date < ?", *filter.DueBefore)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var invoices []invoicedomain.Invoice
	err := query.
		Order("period_start DESC, id DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) TransitionStatus(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	from []invoicedomain.InvoiceStatus,
	target invoicedomain.InvoiceStatus,
	patch invoicedomain.StatusPatch,
) (bool, error) {
	if len(from) == 0 {
		return false, invoicedomain.ErrInvalidTransition
	}

	updates := map[string]any{
		"status":     target,
		"updated_at": time.Now().UTC(),
	}
	if patch.PaidAt != nil {
		updates["paid_at"] = *patch.PaidAt
	}
	if patch.SettlementTransactionID != nil {
		updates["settlement_transaction_id"] = *patch.SettlementTransactionID
	}
	if patch.PaymentMethod != "" {
		updates["payment_method"] = patch.PaymentMethod
	}
	if patch.Notes != "" {
		updates["notes"] = patch.Notes
	}

	result := db.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) SweepPastDue(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, updated_at = ?
		 WHERE tenant_id = ? AND status = ? AND due_date < ?`,
		invoicedomain.InvoiceStatusPastDue,
		time.Now().UTC(),
		tenantID,
		invoicedomain.InvoiceStatusPending,
		cutoff,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *repo) CreateSettlement(ctx context.Context, db *gorm.DB, settlement *invoicedomain.SettlementTransaction) error {
	return db.WithContext(ctx).Create(settlement).Error
}

func (r *repo) FindSettlementByExternalID(ctx context.Context, db *gorm.DB, processor, externalPaymentID string) (*invoicedomain.SettlementTransaction, error) {
	var settlement invoicedomain.SettlementTransaction
	err := db.WithContext(ctx).
		Where("processor = ? AND external_payment_id = ?", processor, externalPaymentID).
		Order("id").
		First(&settlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}

func (r *repo) FindSettlementByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, kind invoicedomain.SettlementKind) (*invoicedomain.SettlementTransaction, error) {
	var settlement invoicedomain.SettlementTransaction
	err := db.WithContext(ctx).
		Where("invoice_id = ? AND kind = ?", invoiceID, kind).
		Order("id").
		First(&settlement).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrSettlementNotFound
	}
	if err != nil {
		return nil, err
	}
	return &settlement, nil
}
