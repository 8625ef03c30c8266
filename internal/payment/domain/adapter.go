package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// Provider names. These are the keys adapters register under and the
// strings stored on provider configs and settlements.
const (
	ProviderStripe = "stripe"
	ProviderPaypal = "paypal"
	ProviderSquare = "square"
)

// CheckoutRequest opens a hosted payment page for an invoice.
type CheckoutRequest struct {
	Amount     int64
	Currency   string
	SuccessURL string
	CancelURL  string
	// ReferenceID is a caller-supplied id carried through the checkout.
	// Providers that key their webhooks on it (square) require it;
	// the rest echo it back inside metadata.
	ReferenceID string
	Metadata    map[string]string
}

// CheckoutSession is the provider's handle for an open checkout.
type CheckoutSession struct {
	SessionID   string
	CheckoutURL string
}

// ChargeRequest charges a stored payment method without the member
// present.
type ChargeRequest struct {
	CustomerRef string
	Amount      int64
	Currency    string
	Metadata    map[string]string
}

// ChargeResult identifies the payment the processor created.
type ChargeResult struct {
	ExternalPaymentID string
}

// PollState is the caller-visible status of a checkout session.
type PollState string

const (
	PollStatePending  PollState = "pending"
	PollStateComplete PollState = "complete"
	PollStateExpired  PollState = "expired"
	PollStateFailed   PollState = "failed"
)

// PollResult reports a checkout session's progress. ExternalPaymentID
// and Metadata are set only when Status is complete.
type PollResult struct {
	Status            PollState
	ExternalPaymentID string
	Metadata          map[string]string
}

// ProcessorAdapter is the uniform surface over the external payment
// providers. Implementations hide each provider's completion model:
// callers never branch on provider outside this package tree.
type ProcessorAdapter interface {
	// Verify checks the webhook signature against the tenant secret.
	// It must run on the raw body, before any parsing.
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	// Parse decodes a verified payload into a canonical event.
	// Returns ErrEventIgnored for event types the engine ignores.
	Parse(ctx context.Context, payload []byte) (ProcessorEvent, error)
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	ChargeOffSession(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	PollStatus(ctx context.Context, sessionID string) (*PollResult, error)
	Refund(ctx context.Context, externalPaymentID string, amount int64, currency string) error
}

// AdapterConfig is one tenant's credentials for one provider.
type AdapterConfig struct {
	TenantID snowflake.ID
	Config   map[string]any
	// HTTPClient overrides the adapter's default client; tests point it
	// at a local stub.
	HTTPClient *http.Client
	// BaseURL overrides the provider API host for tests and sandboxes.
	BaseURL string
}

// AdapterFactory builds adapters for one provider. Factories are
// registered once; adapters are constructed per tenant configuration
// with no process-wide credential cache.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (ProcessorAdapter, error)
}

// ReadString pulls a required string credential out of a config map.
func ReadString(config map[string]any, key string) (string, bool) {
	value, ok := config[key]
	if !ok {
		return "", false
	}
	cast, ok := value.(string)
	return cast, ok
}
