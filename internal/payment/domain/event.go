package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// EventInfo carries the fields shared by every canonical event.
type EventInfo struct {
	Provider          string
	ProviderEventID   string
	ExternalPaymentID string
	Amount            int64
	Currency          string
	OccurredAt        time.Time
	// InvoiceID is present when the processor echoed back our metadata.
	// Events without it (dashboard-initiated refunds) are resolved via
	// the settlement ledger instead.
	InvoiceID *snowflake.ID
	// ReferenceID is the caller-supplied checkout reference for
	// providers that key webhooks on it instead of metadata.
	ReferenceID string
	RawPayload  []byte
}

// ProcessorEvent is the canonical event an adapter decodes a
// provider-specific webhook payload into. It is a closed set:
// PaymentSucceeded, PaymentFailed or PaymentRefunded.
type ProcessorEvent interface {
	Info() EventInfo
	processorEvent()
}

// PaymentSucceeded reports money captured for an invoice.
type PaymentSucceeded struct {
	EventInfo
	Metadata map[string]string
}

// PaymentFailed reports a declined or errored charge.
type PaymentFailed struct {
	EventInfo
	Reason string
}

// PaymentRefunded reports money returned for a prior capture.
type PaymentRefunded struct {
	EventInfo
}

func (e PaymentSucceeded) Info() EventInfo { return e.EventInfo }
func (e PaymentFailed) Info() EventInfo    { return e.EventInfo }
func (e PaymentRefunded) Info() EventInfo  { return e.EventInfo }

func (PaymentSucceeded) processorEvent() {}
func (PaymentFailed) processorEvent()    {}
func (PaymentRefunded) processorEvent()  {}

// EventRecord is the append-only audit trail of webhook deliveries.
// It plays no part in dedup; the invoice status transition is the
// exactly-once guard.
type EventRecord struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	TenantID        snowflake.ID   `gorm:"not null;index"`
	Provider        string         `gorm:"type:text;not null"`
	ProviderEventID string         `gorm:"type:text;not null;index"`
	EventType       string         `gorm:"type:text;not null"`
	InvoiceID       *snowflake.ID  `gorm:"index"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (EventRecord) TableName() string { return "payment_events" }

// EventTypeOf names an event for audit rows and metrics labels.
func EventTypeOf(event ProcessorEvent) string {
	switch event.(type) {
	case PaymentSucceeded, *PaymentSucceeded:
		return "payment_succeeded"
	case PaymentFailed, *PaymentFailed:
		return "payment_failed"
	case PaymentRefunded, *PaymentRefunded:
		return "payment_refunded"
	default:
		return "unknown"
	}
}
