package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// SessionStatus tracks a hosted checkout from creation to resolution.
type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "OPEN"
	SessionStatusComplete SessionStatus = "COMPLETE"
	SessionStatusExpired  SessionStatus = "EXPIRED"
	SessionStatusFailed   SessionStatus = "FAILED"
)

var (
	ErrSessionNotFound = errors.New("checkout session not found")
)

// Session links a provider-hosted checkout back to the invoice it
// pays. ReferenceID is ours and unique; SessionID is the provider's
// handle and is what we poll with.
type Session struct {
	ID                snowflake.ID  `gorm:"primaryKey"`
	TenantID          snowflake.ID  `gorm:"not null;index"`
	InvoiceID         snowflake.ID  `gorm:"not null;index"`
	Provider          string        `gorm:"type:text;not null"`
	SessionID         string        `gorm:"type:text;not null;index"`
	ReferenceID       string        `gorm:"type:text;not null;uniqueIndex:ux_checkout_reference"`
	Status            SessionStatus `gorm:"type:text;not null;default:'OPEN'"`
	CheckoutURL       string        `gorm:"type:text"`
	ExternalPaymentID string        `gorm:"type:text"`
	CreatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Session) TableName() string { return "checkout_sessions" }
