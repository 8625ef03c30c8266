package webhook

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	checkoutdomain "github.com/smallbiznis/dojoflow/internal/checkout/domain"
	checkoutrepo "github.com/smallbiznis/dojoflow/internal/checkout/repository"
	checkoutsvc "github.com/smallbiznis/dojoflow/internal/checkout/service"
	"github.com/smallbiznis/dojoflow/internal/clock"
	"github.com/smallbiznis/dojoflow/internal/config"
	"github.com/smallbiznis/dojoflow/internal/dunning"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/dojoflow/internal/invoice/repository"
	invoicesvc "github.com/smallbiznis/dojoflow/internal/invoice/service"
	"github.com/smallbiznis/dojoflow/internal/notifier"
	"github.com/smallbiznis/dojoflow/internal/observability/metrics"
	"github.com/smallbiznis/dojoflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/dojoflow/internal/payment/repository"
	settingsdomain "github.com/smallbiznis/dojoflow/internal/settings/domain"
	settingsrepo "github.com/smallbiznis/dojoflow/internal/settings/repository"
	settingssvc "github.com/smallbiznis/dojoflow/internal/settings/service"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/dojoflow/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// script is the next delivery the fake adapter will decode. Shared
// across adapter instances because AdapterFor builds a fresh one per
// call.
type script struct {
	event    paymentdomain.ProcessorEvent
	parseErr error
}

type scriptedAdapter struct {
	secret string
	script *script
}

func (a *scriptedAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if headers.Get("X-Test-Signature") != a.secret {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *scriptedAdapter) Parse(ctx context.Context, payload []byte) (paymentdomain.ProcessorEvent, error) {
	if a.script.parseErr != nil {
		return nil, a.script.parseErr
	}
	return a.script.event, nil
}

func (a *scriptedAdapter) CreateCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	return &paymentdomain.CheckoutSession{SessionID: "sess_test", CheckoutURL: "https://pay.example/sess_test"}, nil
}

func (a *scriptedAdapter) ChargeOffSession(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	return &paymentdomain.ChargeResult{ExternalPaymentID: "pay_test"}, nil
}

func (a *scriptedAdapter) PollStatus(ctx context.Context, sessionID string) (*paymentdomain.PollResult, error) {
	return &paymentdomain.PollResult{Status: paymentdomain.PollStatePending}, nil
}

func (a *scriptedAdapter) Refund(ctx context.Context, externalPaymentID string, amount int64, currency string) error {
	return nil
}

type scriptedFactory struct {
	script *script
}

func (f *scriptedFactory) Provider() string { return paymentdomain.ProviderStripe }

func (f *scriptedFactory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.ProcessorAdapter, error) {
	secret, _ := paymentdomain.ReadString(cfg.Config, "webhook_secret")
	return &scriptedAdapter{secret: secret, script: f.script}, nil
}

var dbSeq atomic.Int64

type fixture struct {
	reconciler *Reconciler
	db         *gorm.DB
	node       *snowflake.Node
	script     *script
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:webhook%d?mode=memory&cache=shared", dbSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.SettlementTransaction{},
		&subscriptiondomain.Subscription{},
		&settingsdomain.TenantSettings{},
		&settingsdomain.ProviderConfig{},
		&checkoutdomain.Session{},
		&paymentdomain.EventRecord{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	holder, err := config.NewDunningConfigHolder()
	require.NoError(t, err)

	sc := &script{}
	settings := settingssvc.New(settingssvc.Params{
		DB:       gdb,
		Repo:     settingsrepo.Provide(),
		Dunning:  holder,
		Registry: adapters.NewRegistry(&scriptedFactory{script: sc}),
	})

	fc := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	invoices := invoicesvc.New(invoicesvc.Params{
		DB:       gdb,
		Repo:     invoicerepo.Provide(),
		Subs:     subscriptionrepo.Provide(),
		Settings: settings,
		Notify:   notifier.NoOp{},
		Node:     node,
		Clock:    fc,
		Log:      zap.NewNop(),
	})
	checkout := checkoutsvc.New(checkoutsvc.Params{
		DB:       gdb,
		Repo:     checkoutrepo.Provide(),
		Invoices: invoices,
		Settings: settings,
		Node:     node,
		Log:      zap.NewNop(),
	})
	engine := dunning.NewEngine(dunning.Params{
		DB:     gdb,
		Subs:   subscriptionrepo.Provide(),
		Policy: holder,
		Notify: notifier.NoOp{},
		Clock:  fc,
		Log:    zap.NewNop(),
	})

	reconciler := NewReconciler(Params{
		DB:          gdb,
		Settings:    settings,
		Invoices:    invoices,
		InvoiceRepo: invoicerepo.Provide(),
		Checkout:    checkout,
		Subs:        subscriptionrepo.Provide(),
		Dunning:     engine,
		Events:      paymentrepo.Provide(),
		Node:        node,
		Clock:       fc,
		Log:         zap.NewNop(),
	})

	require.NoError(t, gdb.Create(&settingsdomain.ProviderConfig{
		ID:       node.Generate(),
		TenantID: 1,
		Provider: paymentdomain.ProviderStripe,
		Config:   datatypes.JSONMap{"webhook_secret": "whsec_test"},
		IsActive: true,
	}).Error)

	return &fixture{reconciler: reconciler, db: gdb, node: node, script: sc}
}

func (f *fixture) seedInvoice(t *testing.T, status invoicedomain.InvoiceStatus) *invoicedomain.Invoice {
	t.Helper()
	periodStart := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := &subscriptiondomain.Subscription{
		ID:        f.node.Generate(),
		TenantID:  1,
		MemberID:  f.node.Generate(),
		PlanID:    f.node.Generate(),
		Status:    subscriptiondomain.SubscriptionStatusActive,
		StartDate: periodStart,
	}
	require.NoError(t, f.db.Create(sub).Error)

	invoice := &invoicedomain.Invoice{
		ID:             f.node.Generate(),
		TenantID:       1,
		SubscriptionID: sub.ID,
		MemberID:       sub.MemberID,
		PlanID:         sub.PlanID,
		Amount:         10000,
		Currency:       "USD",
		PeriodStart:    periodStart,
		PeriodEnd:      periodStart.AddDate(0, 1, -1),
		DueDate:        periodStart.AddDate(0, 0, 3),
		Status:         status,
	}
	require.NoError(t, f.db.Create(invoice).Error)
	return invoice
}

func signedHeaders() http.Header {
	headers := http.Header{}
	headers.Set("X-Test-Signature", "whsec_test")
	return headers
}

func succeededEvent(invoiceID snowflake.ID, externalID string) paymentdomain.PaymentSucceeded {
	return paymentdomain.PaymentSucceeded{EventInfo: paymentdomain.EventInfo{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   "evt_" + externalID,
		ExternalPaymentID: externalID,
		Amount:            10000,
		Currency:          "USD",
		InvoiceID:         &invoiceID,
		RawPayload:        []byte(`{}`),
	}}
}

func TestHandleAppliesSuccessOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)

	f.script.event = succeededEvent(invoice.ID, "pi_1")
	result, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookVerdictApplied, result.Verdict)
	require.NotNil(t, result.InvoiceID)
	assert.Equal(t, invoice.ID, *result.InvoiceID)

	// Redelivery of the same success is absorbed by the ledger.
	result, err = f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookVerdictDuplicate, result.Verdict)

	var settlements int64
	require.NoError(t, f.db.Model(&invoicedomain.SettlementTransaction{}).Count(&settlements).Error)
	assert.Equal(t, int64(1), settlements)

	var audits int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).Count(&audits).Error)
	assert.Equal(t, int64(2), audits, "every delivery leaves an audit row")

	var processed int64
	require.NoError(t, f.db.Model(&paymentdomain.EventRecord{}).
		Where("processed_at IS NOT NULL").Count(&processed).Error)
	assert.Equal(t, int64(2), processed)
}

func TestEventsForInvoiceReturnsAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)
	other := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)

	f.script.event = succeededEvent(invoice.ID, "pi_1")
	_, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)
	_, err = f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)

	events, err := f.reconciler.EventsForInvoice(ctx, invoice.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "payment_succeeded", events[0].EventType)

	events, err = f.reconciler.EventsForInvoice(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandleFailureEscalatesDunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)

	invoiceID := invoice.ID
	f.script.event = paymentdomain.PaymentFailed{
		EventInfo: paymentdomain.EventInfo{
			Provider:          paymentdomain.ProviderStripe,
			ProviderEventID:   "evt_fail",
			ExternalPaymentID: "pi_fail",
			InvoiceID:         &invoiceID,
			RawPayload:        []byte(`{}`),
		},
		Reason: "card declined",
	}
	result, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookVerdictApplied, result.Verdict)

	failed := &invoicedomain.Invoice{}
	require.NoError(t, f.db.First(failed, "id = ?", invoice.ID).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, failed.Status)

	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", invoice.SubscriptionID).Error)
	assert.Equal(t, 1, sub.RetryCount)
	assert.NotNil(t, sub.NextRetryAt)
}

func TestHandleDefersRefundBeforeCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)

	invoiceID := invoice.ID
	f.script.event = paymentdomain.PaymentRefunded{EventInfo: paymentdomain.EventInfo{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   "evt_refund",
		ExternalPaymentID: "pi_unseen",
		InvoiceID:         &invoiceID,
		RawPayload:        []byte(`{}`),
	}}
	result, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	assert.ErrorIs(t, err, ErrRetryLater)
	assert.Equal(t, metrics.WebhookVerdictDeferred, result.Verdict)
}

func TestHandleDefersRefundForUnknownPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No invoice id, no checkout reference, no settlement row: the
	// refund cannot be placed yet.
	f.script.event = paymentdomain.PaymentRefunded{EventInfo: paymentdomain.EventInfo{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   "evt_orphan",
		ExternalPaymentID: "pi_orphan",
		RawPayload:        []byte(`{}`),
	}}
	result, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	assert.ErrorIs(t, err, ErrRetryLater)
	assert.Equal(t, metrics.WebhookVerdictDeferred, result.Verdict)
}

func TestHandleResolvesInvoiceViaSettlementLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)

	f.script.event = succeededEvent(invoice.ID, "pi_led")
	_, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)

	// A dashboard-initiated refund carries only the payment id.
	f.script.event = paymentdomain.PaymentRefunded{EventInfo: paymentdomain.EventInfo{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   "evt_dash_refund",
		ExternalPaymentID: "pi_led",
		Amount:            10000,
		Currency:          "USD",
		RawPayload:        []byte(`{}`),
	}}
	result, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookVerdictApplied, result.Verdict)

	voided := &invoicedomain.Invoice{}
	require.NoError(t, f.db.First(voided, "id = ?", invoice.ID).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, voided.Status)
}

func TestHandleRejectsUnknownSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	headers := http.Header{}
	headers.Set("X-Test-Signature", "whsec_wrong")
	result, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.Equal(t, metrics.WebhookVerdictInvalidSignature, result.Verdict)
}

func TestHandleIgnoresUnknownEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.script.parseErr = paymentdomain.ErrEventIgnored
	result, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookVerdictIgnored, result.Verdict)
}

func TestHandleIgnoresEventsWithoutInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	missing := f.node.Generate()
	f.script.event = succeededEvent(missing, "pi_ghost")
	result, err := f.reconciler.Handle(ctx, paymentdomain.ProviderStripe, []byte(`{}`), signedHeaders())
	require.NoError(t, err)
	assert.Equal(t, metrics.WebhookVerdictIgnored, result.Verdict)
}
