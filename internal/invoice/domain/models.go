// Package domain contains the invoice ledger models and state machine.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusPastDue InvoiceStatus = "PAST_DUE"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusVoid    InvoiceStatus = "VOID"
	InvoiceStatusFailed  InvoiceStatus = "FAILED"
)

var (
	ErrInvoiceNotFound    = errors.New("invoice not found")
	ErrInvalidTransition  = errors.New("invalid invoice status transition")
	ErrSettlementNotFound = errors.New("settlement transaction not found")
	// ErrSettlementPending marks an event that arrived before the
	// settlement it refers to. Callers should retry, not drop it.
	ErrSettlementPending = errors.New("settlement not yet recorded for payment")
)

// allowedPredecessors drives conditional transitions. A target status
// may only be entered from the listed states; everything else is a
// no-op or a rejection depending on the caller.
var allowedPredecessors = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusPaid:    {InvoiceStatusPending, InvoiceStatusPastDue, InvoiceStatusFailed},
	InvoiceStatusPastDue: {InvoiceStatusPending},
	InvoiceStatusFailed:  {InvoiceStatusPending, InvoiceStatusPastDue},
	InvoiceStatusVoid:    {InvoiceStatusPending, InvoiceStatusPastDue, InvoiceStatusFailed, InvoiceStatusPaid},
}

// PredecessorsOf returns the states a transition into target may start
// from, or nil when target is not a valid transition target.
func PredecessorsOf(target InvoiceStatus) []InvoiceStatus {
	return allowedPredecessors[target]
}

// Invoice is a single billing obligation. Amount never changes after
// creation; only status and settlement fields move.
type Invoice struct {
	ID                      snowflake.ID      `gorm:"primaryKey"`
	TenantID                snowflake.ID      `gorm:"not null;index"`
	SubscriptionID          snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoice_subscription_period"`
	MemberID                snowflake.ID      `gorm:"not null;index"`
	PlanID                  snowflake.ID      `gorm:"not null"`
	Amount                  int64             `gorm:"not null"`
	Currency                string            `gorm:"type:text;not null"`
	PeriodStart             time.Time         `gorm:"not null;uniqueIndex:ux_invoice_subscription_period"`
	PeriodEnd               time.Time         `gorm:"not null"`
	DueDate                 time.Time         `gorm:"not null;index"`
	Status                  InvoiceStatus     `gorm:"type:text;not null;default:'PENDING'"`
	PaidAt                  *time.Time        `gorm:""`
	SettlementTransactionID *snowflake.ID     `gorm:"index"`
	PaymentMethod           string            `gorm:"type:text"`
	Notes                   string            `gorm:"type:text"`
	Metadata                datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt               time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt               time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// SettlementKind distinguishes money captured from money returned.
type SettlementKind string

const (
	SettlementKindCapture SettlementKind = "CAPTURE"
	SettlementKindRefund  SettlementKind = "REFUND"
)

// SettlementTransaction records money actually moving, one row per
// capture or refund.
type SettlementTransaction struct {
	ID                snowflake.ID   `gorm:"primaryKey"`
	TenantID          snowflake.ID   `gorm:"not null;index"`
	InvoiceID         snowflake.ID   `gorm:"not null;index"`
	Kind              SettlementKind `gorm:"type:text;not null"`
	Processor         string         `gorm:"type:text;not null"`
	ExternalPaymentID string         `gorm:"type:text;not null;index"`
	Amount            int64          `gorm:"not null"`
	Currency          string         `gorm:"type:text;not null"`
	CreatedAt         time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SettlementTransaction) TableName() string { return "settlement_transactions" }
