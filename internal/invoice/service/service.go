// Package service is the invoice ledger: it owns every status
// transition, settlement row, and the side effects that ride along
// with them. All writes go through conditional updates so concurrent
// webhook deliveries, polls, and manual edits converge on one outcome.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dojoflow/internal/clock"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	"github.com/smallbiznis/dojoflow/internal/notifier"
	"github.com/smallbiznis/dojoflow/internal/observability/logger"
	"github.com/smallbiznis/dojoflow/internal/observability/metrics"
	settingssvc "github.com/smallbiznis/dojoflow/internal/settings/service"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Settlement describes the processor-side capture backing a PAID
// transition.
type Settlement struct {
	Processor         string
	ExternalPaymentID string
	Amount            int64
	Currency          string
	PaymentMethod     string
}

// VoidResult reports a void and, when the invoice was already paid,
// whether the compensating refund went through. A failed refund does
// not undo the void; it surfaces here for manual follow-up.
type VoidResult struct {
	Invoice       *invoicedomain.Invoice
	RefundWarning string
}

type Service struct {
	db       *gorm.DB
	repo     invoicedomain.Repository
	subs     subscriptiondomain.Repository
	settings *settingssvc.Service
	notify   notifier.Notifier
	node     *snowflake.Node
	metrics  *metrics.Metrics
	clock    clock.Clock
	log      *zap.Logger
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Repo     invoicedomain.Repository
	Subs     subscriptiondomain.Repository
	Settings *settingssvc.Service
	Notify   notifier.Notifier
	Node     *snowflake.Node
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Log      *zap.Logger
}

func New(p Params) *Service {
	return &Service{
		db:       p.DB,
		repo:     p.Repo,
		subs:     p.Subs,
		settings: p.Settings,
		notify:   p.Notify,
		node:     p.Node,
		metrics:  p.Metrics,
		clock:    p.Clock,
		log:      p.Log.Named("invoice"),
	}
}

// Create opens a PENDING invoice. Returns false when an invoice for
// the same subscription and period already exists; callers treat that
// as a skip, not a failure.
func (s *Service) Create(ctx context.Context, invoice *invoicedomain.Invoice) (bool, error) {
	if invoice.ID == 0 {
		invoice.ID = s.node.Generate()
	}
	if invoice.Status == "" {
		invoice.Status = invoicedomain.InvoiceStatusPending
	}

	created, err := s.repo.Create(ctx, s.db, invoice)
	if err != nil {
		return false, err
	}
	if !created {
		// Another run opened this period first; hand the caller the
		// row that actually exists.
		existing, err := s.repo.FindBySubscriptionPeriod(ctx, s.db, invoice.SubscriptionID, invoice.PeriodStart)
		if err != nil {
			return false, err
		}
		*invoice = *existing
	}
	if created {
		s.notify.Send(ctx, notifier.EventInvoiceCreated, "", map[string]string{
			"invoice_id": invoice.ID.String(),
			"amount":     fmt.Sprintf("%d", invoice.Amount),
			"currency":   invoice.Currency,
			"due_date":   invoice.DueDate.Format("2006-01-02"),
		})
	}
	return created, nil
}

func (s *Service) FindByID(ctx context.Context, tenantID, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return s.repo.FindByID(ctx, s.db, tenantID, id)
}

// FindOpen returns the most recent invoice still awaiting payment for
// a subscription.
func (s *Service) FindOpen(ctx context.Context, subscriptionID snowflake.ID) (*invoicedomain.Invoice, error) {
	return s.repo.FindOpenBySubscription(ctx, s.db, subscriptionID)
}

func (s *Service) List(ctx context.Context, tenantID snowflake.ID, filter invoicedomain.ListFilter) ([]invoicedomain.Invoice, error) {
	return s.repo.List(ctx, s.db, tenantID, filter)
}

// MarkPaid settles an invoice: the settlement row and the conditional
// status update commit in one transaction, so either both land or
// neither does. A false return means the invoice was not in a payable
// state, which is how a redelivered success webhook becomes a no-op.
func (s *Service) MarkPaid(ctx context.Context, invoice *invoicedomain.Invoice, settlement Settlement) (bool, error) {
	log := logger.WithContext(ctx, s.log)
	now := s.clock.Now()

	row := &invoicedomain.SettlementTransaction{
		ID:                s.node.Generate(),
		TenantID:          invoice.TenantID,
		InvoiceID:         invoice.ID,
		Kind:              invoicedomain.SettlementKindCapture,
		Processor:         settlement.Processor,
		ExternalPaymentID: settlement.ExternalPaymentID,
		Amount:            settlement.Amount,
		Currency:          settlement.Currency,
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateSettlement(ctx, tx, row); err != nil {
			return err
		}
		ok, err := s.repo.TransitionStatus(ctx, tx, invoice.ID,
			invoicedomain.PredecessorsOf(invoicedomain.InvoiceStatusPaid),
			invoicedomain.InvoiceStatusPaid,
			invoicedomain.StatusPatch{
				PaidAt:                  &now,
				SettlementTransactionID: &row.ID,
				PaymentMethod:           settlement.PaymentMethod,
			},
		)
		if err != nil {
			return err
		}
		if !ok {
			return invoicedomain.ErrInvalidTransition
		}
		applied = true
		return nil
	})
	if errors.Is(err, invoicedomain.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := s.subs.RecordPayment(ctx, s.db, invoice.SubscriptionID, now); err != nil {
		log.Warn("paid invoice recorded but subscription counters not reset",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("subscription_id", invoice.SubscriptionID.String()),
			zap.Error(err),
		)
	}

	log.Info("invoice paid",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("processor", settlement.Processor),
		zap.String("external_payment_id", settlement.ExternalPaymentID),
	)
	s.notify.Send(ctx, notifier.EventInvoicePaid, "", map[string]string{
		"invoice_id": invoice.ID.String(),
		"amount":     fmt.Sprintf("%d", invoice.Amount),
		"currency":   invoice.Currency,
	})
	return applied, nil
}

// MarkFailed moves an open invoice to FAILED. Dunning reacts to the
// returned flag; the ledger itself only records the outcome.
func (s *Service) MarkFailed(ctx context.Context, invoiceID snowflake.ID, reason string) (bool, error) {
	return s.repo.TransitionStatus(ctx, s.db, invoiceID,
		invoicedomain.PredecessorsOf(invoicedomain.InvoiceStatusFailed),
		invoicedomain.InvoiceStatusFailed,
		invoicedomain.StatusPatch{Notes: reason},
	)
}

// ApplyRefund voids an invoice in response to a processor-initiated
// refund. The refund must reference a capture we already recorded;
// until that capture lands the event is undeliverable and callers
// should retry later.
func (s *Service) ApplyRefund(ctx context.Context, invoice *invoicedomain.Invoice, processor, externalPaymentID string, amount int64, currency string) (bool, error) {
	if _, err := s.repo.FindSettlementByInvoice(ctx, s.db, invoice.ID, invoicedomain.SettlementKindCapture); err != nil {
		if errors.Is(err, invoicedomain.ErrSettlementNotFound) {
			return false, invoicedomain.ErrSettlementPending
		}
		return false, err
	}

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := s.repo.TransitionStatus(ctx, tx, invoice.ID,
			invoicedomain.PredecessorsOf(invoicedomain.InvoiceStatusVoid),
			invoicedomain.InvoiceStatusVoid,
			invoicedomain.StatusPatch{Notes: "refunded by processor"},
		)
		if err != nil {
			return err
		}
		if !ok {
			// Already void; a redelivered refund event changes nothing.
			return nil
		}
		applied = true
		return s.repo.CreateSettlement(ctx, tx, &invoicedomain.SettlementTransaction{
			ID:                s.node.Generate(),
			TenantID:          invoice.TenantID,
			InvoiceID:         invoice.ID,
			Kind:              invoicedomain.SettlementKindRefund,
			Processor:         processor,
			ExternalPaymentID: externalPaymentID,
			Amount:            amount,
			Currency:          currency,
		})
	})
	if err != nil {
		return false, err
	}
	if applied {
		logger.WithContext(ctx, s.log).Info("invoice voided by processor refund",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("processor", processor),
			zap.String("external_payment_id", externalPaymentID),
		)
		s.notify.Send(ctx, notifier.EventInvoiceVoided, "", map[string]string{
			"invoice_id": invoice.ID.String(),
			"reason":     "refund",
		})
	}
	return applied, nil
}

// Void cancels an invoice. Voiding a PAID invoice triggers a refund at
// the processor after the local void commits; if the refund call
// fails, the void stands and the warning is returned for an operator
// to settle by hand. The ledger is the source of truth, the processor
// eventually catches up.
func (s *Service) Void(ctx context.Context, tenantID, invoiceID snowflake.ID, note string) (VoidResult, error) {
	log := logger.WithContext(ctx, s.log)

	invoice, err := s.repo.FindByID(ctx, s.db, tenantID, invoiceID)
	if err != nil {
		return VoidResult{}, err
	}
	wasPaid := invoice.Status == invoicedomain.InvoiceStatusPaid

	ok, err := s.repo.TransitionStatus(ctx, s.db, invoice.ID,
		invoicedomain.PredecessorsOf(invoicedomain.InvoiceStatusVoid),
		invoicedomain.InvoiceStatusVoid,
		invoicedomain.StatusPatch{Notes: note},
	)
	if err != nil {
		return VoidResult{}, err
	}
	if !ok {
		return VoidResult{}, invoicedomain.ErrInvalidTransition
	}
	invoice.Status = invoicedomain.InvoiceStatusVoid

	result := VoidResult{Invoice: invoice}
	if wasPaid {
		result.RefundWarning = s.refundCapture(ctx, invoice)
	}

	log.Info("invoice voided",
		zap.String("invoice_id", invoice.ID.String()),
		zap.Bool("was_paid", wasPaid),
		zap.Bool("refund_warning", result.RefundWarning != ""),
	)
	s.notify.Send(ctx, notifier.EventInvoiceVoided, "", map[string]string{
		"invoice_id": invoice.ID.String(),
	})
	return result, nil
}

// refundCapture issues the compensating refund for a voided PAID
// invoice. Returns an empty string on success, otherwise a warning
// describing what still needs manual attention.
func (s *Service) refundCapture(ctx context.Context, invoice *invoicedomain.Invoice) string {
	log := logger.WithContext(ctx, s.log)

	capture, err := s.repo.FindSettlementByInvoice(ctx, s.db, invoice.ID, invoicedomain.SettlementKindCapture)
	if err != nil {
		s.metrics.IncRefundWarning()
		log.Warn("void committed but no capture settlement found for refund",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
		return "no settlement transaction recorded; refund the payment manually"
	}

	adapter, err := s.settings.AdapterFor(ctx, invoice.TenantID, capture.Processor)
	if err != nil {
		s.metrics.IncRefundWarning()
		log.Warn("void committed but refund adapter unavailable",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("processor", capture.Processor),
			zap.Error(err),
		)
		return fmt.Sprintf("refund not issued: %s adapter unavailable", capture.Processor)
	}

	if err := adapter.Refund(ctx, capture.ExternalPaymentID, capture.Amount, capture.Currency); err != nil {
		s.metrics.IncRefundWarning()
		log.Warn("void committed but processor refund failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("processor", capture.Processor),
			zap.String("external_payment_id", capture.ExternalPaymentID),
			zap.Error(err),
		)
		return fmt.Sprintf("refund failed at %s for payment %s; issue it manually", capture.Processor, capture.ExternalPaymentID)
	}

	err = s.repo.CreateSettlement(ctx, s.db, &invoicedomain.SettlementTransaction{
		ID:                s.node.Generate(),
		TenantID:          invoice.TenantID,
		InvoiceID:         invoice.ID,
		Kind:              invoicedomain.SettlementKindRefund,
		Processor:         capture.Processor,
		ExternalPaymentID: capture.ExternalPaymentID,
		Amount:            capture.Amount,
		Currency:          capture.Currency,
	})
	if err != nil {
		log.Warn("refund issued but settlement row not recorded",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
	}
	return ""
}

// Transition applies an operator-requested status change, routing
// through the same guards the automated paths use. PAID requires a
// payment method and records a manual settlement so the audit trail
// stays complete.
func (s *Service) Transition(ctx context.Context, tenantID, invoiceID snowflake.ID, target invoicedomain.InvoiceStatus, paymentMethod, note string) (*invoicedomain.Invoice, string, error) {
	switch target {
	case invoicedomain.InvoiceStatusPaid:
		invoice, err := s.repo.FindByID(ctx, s.db, tenantID, invoiceID)
		if err != nil {
			return nil, "", err
		}
		if paymentMethod == "" {
			paymentMethod = "manual"
		}
		ok, err := s.MarkPaid(ctx, invoice, Settlement{
			Processor:         "manual",
			ExternalPaymentID: fmt.Sprintf("manual-%s", s.node.Generate()),
			Amount:            invoice.Amount,
			Currency:          invoice.Currency,
			PaymentMethod:     paymentMethod,
		})
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", invoicedomain.ErrInvalidTransition
		}
		updated, err := s.repo.FindByID(ctx, s.db, tenantID, invoiceID)
		return updated, "", err

	case invoicedomain.InvoiceStatusVoid:
		result, err := s.Void(ctx, tenantID, invoiceID, note)
		if err != nil {
			return nil, "", err
		}
		return result.Invoice, result.RefundWarning, nil

	case invoicedomain.InvoiceStatusPastDue, invoicedomain.InvoiceStatusFailed:
		ok, err := s.repo.TransitionStatus(ctx, s.db, invoiceID,
			invoicedomain.PredecessorsOf(target), target,
			invoicedomain.StatusPatch{Notes: note},
		)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", invoicedomain.ErrInvalidTransition
		}
		updated, err := s.repo.FindByID(ctx, s.db, tenantID, invoiceID)
		return updated, "", err

	default:
		return nil, "", invoicedomain.ErrInvalidTransition
	}
}

// SweepPastDue flips every PENDING invoice past its due date to
// PAST_DUE and notifies per invoice. Returns the number flipped.
func (s *Service) SweepPastDue(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	now := s.clock.Now()
	pending := invoicedomain.InvoiceStatusPending

	// Snapshot first so notifications match the rows the sweep flips.
	due, err := s.repo.List(ctx, s.db, tenantID, invoicedomain.ListFilter{
		Status:    &pending,
		DueBefore: &now,
		Limit:     200,
	})
	if err != nil {
		return 0, err
	}

	count, err := s.repo.SweepPastDue(ctx, s.db, tenantID, now)
	if err != nil {
		return 0, err
	}
	for i := range due {
		s.notify.Send(ctx, notifier.EventInvoicePastDue, "", map[string]string{
			"invoice_id": due[i].ID.String(),
			"due_date":   due[i].DueDate.Format("2006-01-02"),
		})
	}
	return count, nil
}
