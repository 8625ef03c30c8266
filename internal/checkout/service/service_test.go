package service

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
	"github.com/smallbiznis/dojoflow/internal/clock"
	"github.com/smallbiznis/dojoflow/internal/config"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/dojoflow/internal/invoice/repository"
	invoicesvc "github.com/smallbiznis/dojoflow/internal/invoice/service"
	"github.com/smallbiznis/dojoflow/internal/notifier"
	"github.com/smallbiznis/dojoflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
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

type pollAdapter struct {
	pollResult paymentdomain.PollResult
	pollCalls  int
}

func (a *pollAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return nil
}

func (a *pollAdapter) Parse(ctx context.Context, payload []byte) (paymentdomain.ProcessorEvent, error) {
	return nil, paymentdomain.ErrEventIgnored
}

func (a *pollAdapter) CreateCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	return &paymentdomain.CheckoutSession{SessionID: "sess_1", CheckoutURL: "https://pay.example/sess_1"}, nil
}

func (a *pollAdapter) ChargeOffSession(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	return &paymentdomain.ChargeResult{ExternalPaymentID: "pay_1"}, nil
}

func (a *pollAdapter) PollStatus(ctx context.Context, sessionID string) (*paymentdomain.PollResult, error) {
	a.pollCalls++
	result := a.pollResult
	return &result, nil
}

func (a *pollAdapter) Refund(ctx context.Context, externalPaymentID string, amount int64, currency string) error {
	return nil
}

type pollFactory struct {
	adapter *pollAdapter
}

func (f *pollFactory) Provider() string { return paymentdomain.ProviderStripe }

func (f *pollFactory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.ProcessorAdapter, error) {
	return f.adapter, nil
}

var dbSeq atomic.Int64

type fixture struct {
	svc     *Service
	db      *gorm.DB
	node    *snowflake.Node
	adapter *pollAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:checkout%d?mode=memory&cache=shared", dbSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&invoicedomain.Invoice{},
		&invoicedomain.SettlementTransaction{},
		&subscriptiondomain.Subscription{},
		&settingsdomain.TenantSettings{},
		&settingsdomain.ProviderConfig{},
		&checkoutdomain.Session{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)

	holder, err := config.NewDunningConfigHolder()
	require.NoError(t, err)

	adapter := &pollAdapter{pollResult: paymentdomain.PollResult{Status: paymentdomain.PollStatePending}}
	settings := settingssvc.New(settingssvc.Params{
		DB:       gdb,
		Repo:     settingsrepo.Provide(),
		Dunning:  holder,
		Registry: adapters.NewRegistry(&pollFactory{adapter: adapter}),
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

	svc := New(Params{
		DB:       gdb,
		Repo:     checkoutrepo.Provide(),
		Invoices: invoices,
		Settings: settings,
		Node:     node,
		Log:      zap.NewNop(),
	})

	require.NoError(t, gdb.Create(&settingsdomain.ProviderConfig{
		ID:       node.Generate(),
		TenantID: 1,
		Provider: paymentdomain.ProviderStripe,
		Config:   datatypes.JSONMap{"webhook_secret": "whsec_test"},
		IsActive: true,
	}).Error)

	return &fixture{svc: svc, db: gdb, node: node, adapter: adapter}
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

func TestCreateOpensSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)

	session, err := f.svc.Create(ctx, 1, invoice.ID, paymentdomain.ProviderStripe)
	require.NoError(t, err)
	assert.Equal(t, "sess_1", session.SessionID)
	assert.Equal(t, "https://pay.example/sess_1", session.CheckoutURL)
	assert.Equal(t, checkoutdomain.SessionStatusOpen, session.Status)
	assert.NotEmpty(t, session.ReferenceID)
	assert.Equal(t, invoice.ID, session.InvoiceID)
}

func TestCreateRejectsSettledInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPaid)

	_, err := f.svc.Create(ctx, 1, invoice.ID, paymentdomain.ProviderStripe)
	assert.ErrorIs(t, err, ErrInvoiceNotOpen)
}

func TestPollCompletesAndSettles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)
	session, err := f.svc.Create(ctx, 1, invoice.ID, paymentdomain.ProviderStripe)
	require.NoError(t, err)

	f.adapter.pollResult = paymentdomain.PollResult{
		Status:            paymentdomain.PollStateComplete,
		ExternalPaymentID: "pi_sess",
	}
	outcome, err := f.svc.Poll(ctx, 1, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkoutdomain.SessionStatusComplete, outcome.Session.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, outcome.InvoiceStatus)
	assert.Equal(t, 1, f.adapter.pollCalls)

	var settlement invoicedomain.SettlementTransaction
	require.NoError(t, f.db.First(&settlement).Error)
	require.NotNil(t, outcome.SettlementID)
	assert.Equal(t, settlement.ID, *outcome.SettlementID)
}

func TestPollReplaysResolvedSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)
	session, err := f.svc.Create(ctx, 1, invoice.ID, paymentdomain.ProviderStripe)
	require.NoError(t, err)

	f.adapter.pollResult = paymentdomain.PollResult{
		Status:            paymentdomain.PollStateComplete,
		ExternalPaymentID: "pi_sess",
	}
	_, err = f.svc.Poll(ctx, 1, session.SessionID)
	require.NoError(t, err)

	// The second poll replays without calling the provider again.
	outcome, err := f.svc.Poll(ctx, 1, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkoutdomain.SessionStatusComplete, outcome.Session.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, outcome.InvoiceStatus)
	assert.NotNil(t, outcome.SettlementID)
	assert.Equal(t, 1, f.adapter.pollCalls)
}

func TestPollAbsorbsWebhookRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)
	session, err := f.svc.Create(ctx, 1, invoice.ID, paymentdomain.ProviderStripe)
	require.NoError(t, err)

	// A webhook settles the invoice before the redirect poll lands.
	applied, err := f.svc.invoices.MarkPaid(ctx, invoice, invoicesvc.Settlement{
		Processor:         paymentdomain.ProviderStripe,
		ExternalPaymentID: "pi_webhook",
		Amount:            invoice.Amount,
		Currency:          "USD",
	})
	require.NoError(t, err)
	require.True(t, applied)

	f.adapter.pollResult = paymentdomain.PollResult{
		Status:            paymentdomain.PollStateComplete,
		ExternalPaymentID: "pi_webhook",
	}
	outcome, err := f.svc.Poll(ctx, 1, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, outcome.InvoiceStatus)
	assert.NotNil(t, outcome.SettlementID, "the poll reports the webhook's settlement")

	var settlements int64
	require.NoError(t, f.db.Model(&invoicedomain.SettlementTransaction{}).Count(&settlements).Error)
	assert.Equal(t, int64(1), settlements, "the poll does not double-record the capture")
}

func TestPollFailedKeepsInvoiceOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	invoice := f.seedInvoice(t, invoicedomain.InvoiceStatusPending)
	session, err := f.svc.Create(ctx, 1, invoice.ID, paymentdomain.ProviderStripe)
	require.NoError(t, err)

	f.adapter.pollResult = paymentdomain.PollResult{Status: paymentdomain.PollStateFailed}
	outcome, err := f.svc.Poll(ctx, 1, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkoutdomain.SessionStatusFailed, outcome.Session.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, outcome.InvoiceStatus, "an abandoned session does not close the invoice")
	assert.Nil(t, outcome.SettlementID)

	// A fresh session against the same invoice is allowed.
	_, err = f.svc.Create(ctx, 1, invoice.ID, paymentdomain.ProviderStripe)
	require.NoError(t, err)
}

func TestPollUnknownSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Poll(context.Background(), 1, "sess_missing")
	assert.ErrorIs(t, err, checkoutdomain.ErrSessionNotFound)
}
