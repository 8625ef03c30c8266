// Package service opens hosted checkout sessions and resolves them by
// polling. Resolution is idempotent: the first terminal poll settles
// the invoice and later polls replay the stored outcome, including
// when a webhook already settled it first.
package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	checkoutdomain "github.com/smallbiznis/dojoflow/internal/checkout/domain"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	invoicesvc "github.com/smallbiznis/dojoflow/internal/invoice/service"
	"github.com/smallbiznis/dojoflow/internal/observability/logger"
	"github.com/smallbiznis/dojoflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
	settingssvc "github.com/smallbiznis/dojoflow/internal/settings/service"
	"github.com/smallbiznis/dojoflow/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrInvoiceNotOpen rejects checkout against an invoice that no longer
// needs payment.
var ErrInvoiceNotOpen = errors.New("invoice is not open for payment")

// Outcome is a poll's view of a session and the invoice behind it.
// SettlementID is set once a capture has been recorded against the
// invoice, whichever of poll or webhook got there first.
type Outcome struct {
	Session       *checkoutdomain.Session
	InvoiceStatus invoicedomain.InvoiceStatus
	SettlementID  *snowflake.ID
}

type Service struct {
	db       *gorm.DB
	repo     checkoutdomain.Repository
	invoices *invoicesvc.Service
	settings *settingssvc.Service
	node     *snowflake.Node
	metrics  *metrics.Metrics
	log      *zap.Logger
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Repo     checkoutdomain.Repository
	Invoices *invoicesvc.Service
	Settings *settingssvc.Service
	Node     *snowflake.Node
	Metrics  *metrics.Metrics
	Log      *zap.Logger
}

func New(p Params) *Service {
	return &Service{
		db:       p.DB,
		repo:     p.Repo,
		invoices: p.Invoices,
		settings: p.Settings,
		node:     p.Node,
		metrics:  p.Metrics,
		log:      p.Log.Named("checkout"),
	}
}

// Create opens a hosted checkout for an open invoice. When provider is
// empty the tenant's default processor is used.
func (s *Service) Create(ctx context.Context, tenantID, invoiceID snowflake.ID, provider string) (*checkoutdomain.Session, error) {
	invoice, err := s.invoices.FindByID(ctx, tenantID, invoiceID)
	if err != nil {
		return nil, err
	}
	switch invoice.Status {
	case invoicedomain.InvoiceStatusPaid, invoicedomain.InvoiceStatusVoid:
		return nil, ErrInvoiceNotOpen
	}

	effective, err := s.settings.Effective(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if provider == "" {
		provider = effective.DefaultProcessor
	}
	adapter, err := s.settings.AdapterFor(ctx, tenantID, provider)
	if err != nil {
		return nil, err
	}

	referenceID := correlation.NewID()
	hosted, err := adapter.CreateCheckout(ctx, paymentdomain.CheckoutRequest{
		Amount:      invoice.Amount,
		Currency:    invoice.Currency,
		SuccessURL:  effective.CheckoutSuccessURL,
		CancelURL:   effective.CheckoutCancelURL,
		ReferenceID: referenceID,
		Metadata: map[string]string{
			"invoice_id": invoice.ID.String(),
		},
	})
	if err != nil {
		return nil, err
	}

	session := &checkoutdomain.Session{
		ID:          s.node.Generate(),
		TenantID:    tenantID,
		InvoiceID:   invoice.ID,
		Provider:    provider,
		SessionID:   hosted.SessionID,
		ReferenceID: referenceID,
		Status:      checkoutdomain.SessionStatusOpen,
		CheckoutURL: hosted.CheckoutURL,
	}
	if err := s.repo.Insert(ctx, s.db, session); err != nil {
		return nil, err
	}

	logger.WithContext(ctx, s.log).Info("checkout session opened",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("provider", provider),
		zap.String("session_id", hosted.SessionID),
	)
	return session, nil
}

// Poll reports a session's progress, settling the invoice on the first
// completed poll. Polling a resolved session replays the stored
// outcome without touching the provider again.
func (s *Service) Poll(ctx context.Context, tenantID snowflake.ID, sessionID string) (Outcome, error) {
	session, err := s.repo.FindBySessionID(ctx, s.db, tenantID, sessionID)
	if err != nil {
		return Outcome{}, err
	}
	invoice, err := s.invoices.FindByID(ctx, tenantID, session.InvoiceID)
	if err != nil {
		return Outcome{}, err
	}

	if session.Status != checkoutdomain.SessionStatusOpen {
		return Outcome{
			Session:       session,
			InvoiceStatus: invoice.Status,
			SettlementID:  invoice.SettlementTransactionID,
		}, nil
	}

	adapter, err := s.settings.AdapterFor(ctx, tenantID, session.Provider)
	if err != nil {
		return Outcome{}, err
	}
	result, err := adapter.PollStatus(ctx, session.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	s.metrics.IncCheckoutPoll(session.Provider, string(result.Status))

	switch result.Status {
	case paymentdomain.PollStateComplete:
		// MarkPaid is conditional on invoice status, so the webhook
		// arriving first just makes this a no-op.
		if _, err := s.invoices.MarkPaid(ctx, invoice, invoicesvc.Settlement{
			Processor:         session.Provider,
			ExternalPaymentID: result.ExternalPaymentID,
			Amount:            invoice.Amount,
			Currency:          invoice.Currency,
			PaymentMethod:     session.Provider,
		}); err != nil {
			return Outcome{}, err
		}
		if _, err := s.repo.Resolve(ctx, s.db, session.ID, checkoutdomain.SessionStatusComplete, result.ExternalPaymentID); err != nil {
			return Outcome{}, err
		}
		session.Status = checkoutdomain.SessionStatusComplete
		session.ExternalPaymentID = result.ExternalPaymentID
		// Re-read to pick up the settlement reference, which MarkPaid
		// stamped here or the webhook stamped first.
		if invoice, err = s.invoices.FindByID(ctx, tenantID, session.InvoiceID); err != nil {
			return Outcome{}, err
		}

	case paymentdomain.PollStateExpired:
		if _, err := s.repo.Resolve(ctx, s.db, session.ID, checkoutdomain.SessionStatusExpired, ""); err != nil {
			return Outcome{}, err
		}
		session.Status = checkoutdomain.SessionStatusExpired

	case paymentdomain.PollStateFailed:
		// The invoice stays open; the member can retry with a new
		// session or the billing run recharges later.
		if _, err := s.repo.Resolve(ctx, s.db, session.ID, checkoutdomain.SessionStatusFailed, ""); err != nil {
			return Outcome{}, err
		}
		session.Status = checkoutdomain.SessionStatusFailed
	}

	return Outcome{
		Session:       session,
		InvoiceStatus: invoice.Status,
		SettlementID:  invoice.SettlementTransactionID,
	}, nil
}

// FindByReference resolves a checkout reference to its session. The
// webhook reconciler uses it for providers that key events on the
// checkout reference rather than invoice metadata.
func (s *Service) FindByReference(ctx context.Context, referenceID string) (*checkoutdomain.Session, error) {
	return s.repo.FindByReferenceID(ctx, s.db, referenceID)
}
