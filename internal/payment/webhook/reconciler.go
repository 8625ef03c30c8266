// Package webhook reconciles provider webhook deliveries against the
// invoice ledger. Deliveries are at-least-once and unordered, so the
// reconciler leans entirely on the ledger's conditional transitions:
// replays become duplicates, and events that arrive before their
// prerequisites are deferred for the provider to redeliver.
package webhook

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
	checkoutsvc "github.com/smallbiznis/dojoflow/internal/checkout/service"
	"github.com/smallbiznis/dojoflow/internal/clock"
	"github.com/smallbiznis/dojoflow/internal/dunning"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	invoicesvc "github.com/smallbiznis/dojoflow/internal/invoice/service"
	"github.com/smallbiznis/dojoflow/internal/observability/logger"
	"github.com/smallbiznis/dojoflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
	settingssvc "github.com/smallbiznis/dojoflow/internal/settings/service"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrRetryLater asks the provider to redeliver: the event is valid but
// cannot be applied yet.
var ErrRetryLater = errors.New("event cannot be applied yet, retry delivery")

// Result is the reconciler's disposition of one delivery.
type Result struct {
	Verdict   string
	InvoiceID *snowflake.ID
}

type Reconciler struct {
	db       *gorm.DB
	settings *settingssvc.Service
	invoices *invoicesvc.Service
	invoiceR invoicedomain.Repository
	checkout *checkoutsvc.Service
	subs     subscriptiondomain.Repository
	dunning  *dunning.Engine
	events   paymentdomain.Repository
	node     *snowflake.Node
	metrics  *metrics.Metrics
	clock    clock.Clock
	log      *zap.Logger
}

type Params struct {
	fx.In

	DB          *gorm.DB
	Settings    *settingssvc.Service
	Invoices    *invoicesvc.Service
	InvoiceRepo invoicedomain.Repository
	Checkout    *checkoutsvc.Service
	Subs        subscriptiondomain.Repository
	Dunning     *dunning.Engine
	Events      paymentdomain.Repository
	Node        *snowflake.Node
	Metrics     *metrics.Metrics
	Clock       clock.Clock
	Log         *zap.Logger
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		db:       p.DB,
		settings: p.Settings,
		invoices: p.Invoices,
		invoiceR: p.InvoiceRepo,
		checkout: p.Checkout,
		subs:     p.Subs,
		dunning:  p.Dunning,
		events:   p.Events,
		node:     p.Node,
		metrics:  p.Metrics,
		clock:    p.Clock,
		log:      p.Log.Named("webhook"),
	}
}

// EventsForInvoice returns the processor deliveries recorded against
// an invoice, oldest first.
func (r *Reconciler) EventsForInvoice(ctx context.Context, invoiceID snowflake.ID) ([]paymentdomain.EventRecord, error) {
	return r.events.ListEventsByInvoice(ctx, r.db, invoiceID)
}

// Handle verifies, decodes, and applies one webhook delivery.
//
// Providers do not send our tenant id, so the tenant is identified by
// which tenant's webhook secret verifies the signature. Tenants with
// no active config for the provider are skipped.
func (r *Reconciler) Handle(ctx context.Context, provider string, payload []byte, headers http.Header) (Result, error) {
	log := logger.WithContext(ctx, r.log).With(zap.String("provider", provider))

	tenantID, adapter, err := r.identifyTenant(ctx, provider, payload, headers)
	if err != nil {
		r.metrics.IncWebhookEvent(provider, metrics.WebhookVerdictInvalidSignature)
		log.Warn("webhook signature did not verify for any tenant")
		return Result{Verdict: metrics.WebhookVerdictInvalidSignature}, paymentdomain.ErrInvalidSignature
	}
	log = log.With(zap.String("tenant_id", tenantID.String()))

	event, err := adapter.Parse(ctx, payload)
	if errors.Is(err, paymentdomain.ErrEventIgnored) {
		r.metrics.IncWebhookEvent(provider, metrics.WebhookVerdictIgnored)
		return Result{Verdict: metrics.WebhookVerdictIgnored}, nil
	}
	if err != nil {
		r.metrics.IncWebhookEvent(provider, metrics.WebhookVerdictError)
		return Result{Verdict: metrics.WebhookVerdictError}, err
	}

	invoice, err := r.resolveInvoice(ctx, tenantID, event.Info())
	if errors.Is(err, invoicedomain.ErrInvoiceNotFound) || errors.Is(err, invoicedomain.ErrSettlementNotFound) {
		if _, refunded := event.(paymentdomain.PaymentRefunded); refunded {
			// The capture this refund reverses has not landed yet.
			// Fail the delivery so the provider retries after it does.
			r.metrics.IncWebhookEvent(provider, metrics.WebhookVerdictDeferred)
			log.Warn("refund event arrived before its capture, deferring",
				zap.String("provider_event_id", event.Info().ProviderEventID))
			return Result{Verdict: metrics.WebhookVerdictDeferred}, ErrRetryLater
		}
		r.metrics.IncWebhookEvent(provider, metrics.WebhookVerdictIgnored)
		log.Warn("webhook event does not match any invoice",
			zap.String("provider_event_id", event.Info().ProviderEventID))
		return Result{Verdict: metrics.WebhookVerdictIgnored}, nil
	}
	if err != nil {
		r.metrics.IncWebhookEvent(provider, metrics.WebhookVerdictError)
		return Result{Verdict: metrics.WebhookVerdictError}, err
	}

	record := r.audit(ctx, tenantID, provider, event, invoice.ID)

	verdict, err := r.apply(ctx, tenantID, invoice, event)
	r.metrics.IncWebhookEvent(provider, verdict)
	if err != nil {
		return Result{Verdict: verdict, InvoiceID: &invoice.ID}, err
	}

	if record != nil {
		if markErr := r.events.MarkEventProcessed(ctx, r.db, record.ID, r.clock.Now()); markErr != nil {
			log.Warn("event applied but audit row not marked processed", zap.Error(markErr))
		}
	}
	log.Info("webhook reconciled",
		zap.String("event_type", paymentdomain.EventTypeOf(event)),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("verdict", verdict),
	)
	return Result{Verdict: verdict, InvoiceID: &invoice.ID}, nil
}

// identifyTenant finds whose secret signed the payload by trying each
// tenant with an active config for the provider.
func (r *Reconciler) identifyTenant(ctx context.Context, provider string, payload []byte, headers http.Header) (snowflake.ID, paymentdomain.ProcessorAdapter, error) {
	tenants, err := r.settings.Tenants(ctx)
	if err != nil {
		return 0, nil, err
	}
	for _, tenantID := range tenants {
		adapter, err := r.settings.AdapterFor(ctx, tenantID, provider)
		if err != nil {
			continue
		}
		if err := adapter.Verify(ctx, payload, headers); err == nil {
			return tenantID, adapter, nil
		}
	}
	return 0, nil, paymentdomain.ErrInvalidSignature
}

// resolveInvoice maps an event to its invoice. Preference order:
// invoice id echoed in metadata, then the checkout reference, then the
// settlement ledger keyed by the external payment id.
func (r *Reconciler) resolveInvoice(ctx context.Context, tenantID snowflake.ID, info paymentdomain.EventInfo) (*invoicedomain.Invoice, error) {
	if info.InvoiceID != nil {
		return r.invoiceR.FindByID(ctx, r.db, tenantID, *info.InvoiceID)
	}
	if info.ReferenceID != "" {
		session, err := r.checkout.FindByReference(ctx, info.ReferenceID)
		if err == nil {
			return r.invoiceR.FindByID(ctx, r.db, tenantID, session.InvoiceID)
		}
	}
	if info.ExternalPaymentID != "" {
		settlement, err := r.invoiceR.FindSettlementByExternalID(ctx, r.db, info.Provider, info.ExternalPaymentID)
		if err != nil {
			return nil, err
		}
		return r.invoiceR.FindByID(ctx, r.db, tenantID, settlement.InvoiceID)
	}
	return nil, invoicedomain.ErrInvoiceNotFound
}

func (r *Reconciler) apply(ctx context.Context, tenantID snowflake.ID, invoice *invoicedomain.Invoice, event paymentdomain.ProcessorEvent) (string, error) {
	info := event.Info()

	switch e := event.(type) {
	case paymentdomain.PaymentSucceeded:
		applied, err := r.invoices.MarkPaid(ctx, invoice, invoicesvc.Settlement{
			Processor:         info.Provider,
			ExternalPaymentID: info.ExternalPaymentID,
			Amount:            info.Amount,
			Currency:          info.Currency,
			PaymentMethod:     info.Provider,
		})
		if err != nil {
			return metrics.WebhookVerdictError, err
		}
		if !applied {
			return metrics.WebhookVerdictDuplicate, nil
		}
		return metrics.WebhookVerdictApplied, nil

	case paymentdomain.PaymentFailed:
		applied, err := r.invoices.MarkFailed(ctx, invoice.ID, e.Reason)
		if err != nil {
			return metrics.WebhookVerdictError, err
		}
		if !applied {
			return metrics.WebhookVerdictDuplicate, nil
		}
		if err := r.escalate(ctx, tenantID, invoice.SubscriptionID); err != nil {
			logger.WithContext(ctx, r.log).Warn("invoice failed but dunning escalation errored",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
		}
		return metrics.WebhookVerdictApplied, nil

	case paymentdomain.PaymentRefunded:
		applied, err := r.invoices.ApplyRefund(ctx, invoice, info.Provider, info.ExternalPaymentID, info.Amount, info.Currency)
		if errors.Is(err, invoicedomain.ErrSettlementPending) {
			return metrics.WebhookVerdictDeferred, ErrRetryLater
		}
		if err != nil {
			return metrics.WebhookVerdictError, err
		}
		if !applied {
			return metrics.WebhookVerdictDuplicate, nil
		}
		return metrics.WebhookVerdictApplied, nil
	}
	return metrics.WebhookVerdictIgnored, nil
}

func (r *Reconciler) escalate(ctx context.Context, tenantID, subscriptionID snowflake.ID) error {
	subscription, err := r.subs.FindByID(ctx, r.db, tenantID, subscriptionID)
	if err != nil {
		return err
	}
	effective, err := r.settings.Effective(ctx, tenantID)
	if err != nil {
		return err
	}
	_, err = r.dunning.HandleFailedCharge(ctx, subscription, effective.MaxRetries)
	return err
}

// audit records the delivery for operators. Failure to write the audit
// row never blocks reconciliation.
func (r *Reconciler) audit(ctx context.Context, tenantID snowflake.ID, provider string, event paymentdomain.ProcessorEvent, invoiceID snowflake.ID) *paymentdomain.EventRecord {
	info := event.Info()
	record := &paymentdomain.EventRecord{
		ID:              r.node.Generate(),
		TenantID:        tenantID,
		Provider:        provider,
		ProviderEventID: info.ProviderEventID,
		EventType:       paymentdomain.EventTypeOf(event),
		InvoiceID:       &invoiceID,
		Payload:         datatypes.JSON(info.RawPayload),
		ReceivedAt:      r.clock.Now(),
	}
	if err := r.events.InsertEvent(ctx, r.db, record); err != nil {
		logger.WithContext(ctx, r.log).Warn("webhook audit row not recorded",
			zap.String("provider", provider),
			zap.String("provider_event_id", info.ProviderEventID),
			zap.Error(err),
		)
		return nil
	}
	return record
}

var Module = fx.Module("webhook",
	fx.Provide(NewReconciler),
)
