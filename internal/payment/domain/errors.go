package domain

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrInvalidEvent     = errors.New("invalid webhook event")
	// ErrEventIgnored marks event types the engine does not react to.
	// Handlers acknowledge these with 200 and no state change.
	ErrEventIgnored     = errors.New("event ignored")
	ErrInvalidConfig    = errors.New("invalid provider configuration")
	ErrProviderNotFound = errors.New("payment provider not found")
	ErrChargeDeclined   = errors.New("off-session charge declined")
	ErrSessionNotFound  = errors.New("checkout session not found")
	ErrRefundRejected   = errors.New("processor rejected refund")
)
