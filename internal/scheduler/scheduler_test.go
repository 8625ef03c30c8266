package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/dojoflow/internal/clock"
	"github.com/smallbiznis/dojoflow/internal/config"
	"github.com/smallbiznis/dojoflow/internal/dunning"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/dojoflow/internal/invoice/repository"
	invoicesvc "github.com/smallbiznis/dojoflow/internal/invoice/service"
	"github.com/smallbiznis/dojoflow/internal/notifier"
	"github.com/smallbiznis/dojoflow/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
	plandomain "github.com/smallbiznis/dojoflow/internal/plan/domain"
	planrepo "github.com/smallbiznis/dojoflow/internal/plan/repository"
	promodomain "github.com/smallbiznis/dojoflow/internal/promo/domain"
	promorepo "github.com/smallbiznis/dojoflow/internal/promo/repository"
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

type chargeAdapter struct {
	chargeCalls int
	lastCharge  paymentdomain.ChargeRequest
	decline     bool
}

func (a *chargeAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return nil
}

func (a *chargeAdapter) Parse(ctx context.Context, payload []byte) (paymentdomain.ProcessorEvent, error) {
	return nil, paymentdomain.ErrEventIgnored
}

func (a *chargeAdapter) CreateCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	return &paymentdomain.CheckoutSession{SessionID: "sess_test", CheckoutURL: "https://pay.example/sess_test"}, nil
}

func (a *chargeAdapter) ChargeOffSession(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	a.chargeCalls++
	a.lastCharge = req
	if a.decline {
		return nil, paymentdomain.ErrChargeDeclined
	}
	return &paymentdomain.ChargeResult{ExternalPaymentID: fmt.Sprintf("pay_%d", a.chargeCalls)}, nil
}

func (a *chargeAdapter) PollStatus(ctx context.Context, sessionID string) (*paymentdomain.PollResult, error) {
	return &paymentdomain.PollResult{Status: paymentdomain.PollStatePending}, nil
}

func (a *chargeAdapter) Refund(ctx context.Context, externalPaymentID string, amount int64, currency string) error {
	return nil
}

type chargeFactory struct {
	adapter *chargeAdapter
}

func (f *chargeFactory) Provider() string { return paymentdomain.ProviderStripe }

func (f *chargeFactory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.ProcessorAdapter, error) {
	return f.adapter, nil
}

var dbSeq atomic.Int64

type fixture struct {
	scheduler *Scheduler
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	adapter   *chargeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:sched%d?mode=memory&cache=shared", dbSeq.Add(1))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(
		&plandomain.Plan{},
		&promodomain.PromoCode{},
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.SettlementTransaction{},
		&settingsdomain.TenantSettings{},
		&settingsdomain.ProviderConfig{},
	))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	holder, err := config.NewDunningConfigHolder()
	require.NoError(t, err)

	adapter := &chargeAdapter{}
	settings := settingssvc.New(settingssvc.Params{
		DB:       gdb,
		Repo:     settingsrepo.Provide(),
		Dunning:  holder,
		Registry: adapters.NewRegistry(&chargeFactory{adapter: adapter}),
	})

	fc := clock.NewFakeClock(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
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
	engine := dunning.NewEngine(dunning.Params{
		DB:     gdb,
		Subs:   subscriptionrepo.Provide(),
		Policy: holder,
		Notify: notifier.NoOp{},
		Clock:  fc,
		Log:    zap.NewNop(),
	})

	scheduler, err := New(Params{
		DB:       gdb,
		Log:      zap.NewNop(),
		Subs:     subscriptionrepo.Provide(),
		Plans:    planrepo.Provide(),
		Promos:   promorepo.Provide(),
		Invoices: invoices,
		Settings: settings,
		Dunning:  engine,
		Node:     node,
		Clock:    fc,
	})
	require.NoError(t, err)

	require.NoError(t, gdb.Create(&settingsdomain.ProviderConfig{
		ID:       node.Generate(),
		TenantID: 1,
		Provider: paymentdomain.ProviderStripe,
		Config:   datatypes.JSONMap{"webhook_secret": "whsec_test", "api_key": "sk_test"},
		IsActive: true,
	}).Error)

	return &fixture{scheduler: scheduler, db: gdb, node: node, clock: fc, adapter: adapter}
}

func (f *fixture) seedPlan(t *testing.T) *plandomain.Plan {
	t.Helper()
	plan := &plandomain.Plan{
		ID:           f.node.Generate(),
		TenantID:     1,
		Name:         "Adult Unlimited",
		Slug:         "adult-unlimited",
		Price:        10000,
		Currency:     "USD",
		BillingCycle: plandomain.BillingCycleMonthly,
		Active:       true,
	}
	require.NoError(t, f.db.Create(plan).Error)
	return plan
}

func (f *fixture) seedSubscription(t *testing.T, plan *plandomain.Plan, mutate func(*subscriptiondomain.Subscription)) *subscriptiondomain.Subscription {
	t.Helper()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := &subscriptiondomain.Subscription{
		ID:             f.node.Generate(),
		TenantID:       1,
		MemberID:       f.node.Generate(),
		PlanID:         plan.ID,
		Status:         subscriptiondomain.SubscriptionStatusActive,
		StartDate:      start,
		NextChargeDate: &start,
	}
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, f.db.Create(sub).Error)
	return sub
}

func TestBillingRunOpensInvoiceAndAdvances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)
	sub := f.seedSubscription(t, plan, nil)

	result, err := f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Zero(t, result.Skipped)
	assert.Empty(t, result.Errors)

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, int64(10000), invoice.Amount)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, invoice.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), invoice.PeriodStart.UTC())
	assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), invoice.PeriodEnd.UTC())
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), invoice.DueDate.UTC(), "due date is period start plus grace days")

	var after subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&after, "id = ?", sub.ID).Error)
	require.NotNil(t, after.NextChargeDate)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), after.NextChargeDate.UTC())

	// Nothing is due anymore; a second run is a no-op.
	result, err = f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Total)
}

func TestBillingRunReportsPersistentErrorOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)
	broken := f.seedSubscription(t, plan, func(s *subscriptiondomain.Subscription) {
		s.PlanID = f.node.Generate() // no such plan
	})
	f.seedSubscription(t, plan, nil)

	result, err := f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	require.Len(t, result.Errors, 1, "a broken subscription is billed once per run")
	assert.Contains(t, result.Errors[0], broken.ID.String())
	assert.Equal(t, 2, result.Total)

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestBillingRunHealsPartialPriorRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)
	sub := f.seedSubscription(t, plan, nil)

	result, err := f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	// Simulate a run that created the invoice but crashed before
	// advancing the charge date.
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).
		Where("id = ?", sub.ID).
		Update("next_charge_date", start).Error)

	result, err = f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Created)
	assert.Equal(t, 1, result.Skipped, "the existing invoice absorbs the repeat")

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var after subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), after.NextChargeDate.UTC(), "the charge date still advances")
}

func TestBillingRunChargesStoredPaymentMethods(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)
	f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.AutoCharge = true
		sub.Processor = paymentdomain.ProviderStripe
		sub.CustomerRef = "cus_1"
	})

	result, err := f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	assert.Equal(t, 1, f.adapter.chargeCalls)
	assert.Equal(t, "cus_1", f.adapter.lastCharge.CustomerRef)
	assert.Equal(t, int64(10000), f.adapter.lastCharge.Amount)
	assert.NotEmpty(t, f.adapter.lastCharge.Metadata["invoice_id"])

	// The charge only starts collection; the webhook settles it later.
	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusPending, invoice.Status)
}

func TestBillingRunDeclineStartsDunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)
	sub := f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.AutoCharge = true
		sub.Processor = paymentdomain.ProviderStripe
		sub.CustomerRef = "cus_declined"
	})
	f.adapter.decline = true

	result, err := f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusFailed, invoice.Status)

	var after subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, 1, after.RetryCount)
	require.NotNil(t, after.NextRetryAt)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 3), after.NextRetryAt.UTC(), "first retry follows the first delay step")
}

func TestBillingRunAppliesFamilyDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)
	plan.FamilyDiscountPercent = 10
	require.NoError(t, f.db.Save(plan).Error)

	group := f.node.Generate()
	f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.FamilyGroupID = &group
	})
	f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.FamilyGroupID = &group
		sub.NextChargeDate = nil
	})

	result, err := f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice).Error)
	assert.Equal(t, int64(9000), invoice.Amount)
}

func TestBillingRunRedeemsPromoOnFirstPeriodOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)

	require.NoError(t, f.db.Create(&promodomain.PromoCode{
		ID:             f.node.Generate(),
		TenantID:       1,
		Code:           promodomain.NormalizeCode("SPRING50"),
		DiscountType:   promodomain.DiscountTypePercent,
		DiscountValue:  50,
		MaxRedemptions: 1,
		Active:         true,
	}).Error)

	first := f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.Metadata = datatypes.JSONMap{"promo_code": "SPRING50"}
	})
	second := f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.Metadata = datatypes.JSONMap{"promo_code": "SPRING50"}
	})

	result, err := f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Created)

	var discounted invoicedomain.Invoice
	require.NoError(t, f.db.First(&discounted, "subscription_id = ?", first.ID).Error)
	var full invoicedomain.Invoice
	require.NoError(t, f.db.First(&full, "subscription_id = ?", second.ID).Error)

	// One of the two won the single redemption; the exhausted code
	// stops discounting without failing the run.
	amounts := []int64{discounted.Amount, full.Amount}
	assert.ElementsMatch(t, []int64{5000, 10000}, amounts)

	var promo promodomain.PromoCode
	require.NoError(t, f.db.First(&promo, "tenant_id = ?", 1).Error)
	assert.Equal(t, 1, promo.RedemptionCount)
}

func TestBillingRunSkipsPromoAfterFirstPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)

	require.NoError(t, f.db.Create(&promodomain.PromoCode{
		ID:            f.node.Generate(),
		TenantID:      1,
		Code:          promodomain.NormalizeCode("SPRING50"),
		DiscountType:  promodomain.DiscountTypePercent,
		DiscountValue: 50,
		Active:        true,
	}).Error)

	sub := f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.Metadata = datatypes.JSONMap{"promo_code": "SPRING50"}
		// Two renewals in: the promo window has passed.
		sub.StartDate = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	})

	result, err := f.scheduler.BillingRun(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, int64(10000), invoice.Amount)
}

func TestDunningRetrySuspendsAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)

	retryAt := f.clock.Now().Add(-time.Hour)
	sub := f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.RetryCount = 3
		sub.NextRetryAt = &retryAt
		sub.NextChargeDate = nil
	})
	require.NoError(t, f.db.Create(&invoicedomain.Invoice{
		ID:             f.node.Generate(),
		TenantID:       1,
		SubscriptionID: sub.ID,
		MemberID:       sub.MemberID,
		PlanID:         plan.ID,
		Amount:         10000,
		Currency:       "USD",
		PeriodStart:    sub.StartDate,
		PeriodEnd:      sub.StartDate.AddDate(0, 1, -1),
		DueDate:        sub.StartDate.AddDate(0, 0, 3),
		Status:         invoicedomain.InvoiceStatusFailed,
	}).Error)

	// The fourth failure crosses the default retry ceiling.
	require.NoError(t, f.scheduler.DunningRetryJob(ctx))

	var after subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&after, "id = ?", sub.ID).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusSuspended, after.Status)
	assert.Equal(t, 4, after.RetryCount)
	assert.Nil(t, after.NextRetryAt)
}

func TestDunningRetryStopsWhenNothingOwed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)

	retryAt := f.clock.Now().Add(-time.Hour)
	sub := f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.RetryCount = 2
		sub.NextRetryAt = &retryAt
		sub.NextChargeDate = nil
	})

	require.NoError(t, f.scheduler.DunningRetryJob(ctx))

	var after subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&after, "id = ?", sub.ID).Error)
	assert.Zero(t, after.RetryCount, "no open invoice resets the retry state")
	assert.Nil(t, after.NextRetryAt)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, after.Status)
}

func TestDunningRetryChargesStoredMethod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)

	retryAt := f.clock.Now().Add(-time.Hour)
	sub := f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.RetryCount = 1
		sub.NextRetryAt = &retryAt
		sub.NextChargeDate = nil
		sub.AutoCharge = true
		sub.Processor = paymentdomain.ProviderStripe
		sub.CustomerRef = "cus_retry"
	})
	require.NoError(t, f.db.Create(&invoicedomain.Invoice{
		ID:             f.node.Generate(),
		TenantID:       1,
		SubscriptionID: sub.ID,
		MemberID:       sub.MemberID,
		PlanID:         plan.ID,
		Amount:         10000,
		Currency:       "USD",
		PeriodStart:    sub.StartDate,
		PeriodEnd:      sub.StartDate.AddDate(0, 1, -1),
		DueDate:        sub.StartDate.AddDate(0, 0, 3),
		Status:         invoicedomain.InvoiceStatusFailed,
	}).Error)

	require.NoError(t, f.scheduler.DunningRetryJob(ctx))
	assert.Equal(t, 1, f.adapter.chargeCalls)
	assert.Equal(t, "cus_retry", f.adapter.lastCharge.CustomerRef)
}

func TestPastDueSweepJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	plan := f.seedPlan(t)
	sub := f.seedSubscription(t, plan, func(sub *subscriptiondomain.Subscription) {
		sub.NextChargeDate = nil
	})
	require.NoError(t, f.db.Create(&invoicedomain.Invoice{
		ID:             f.node.Generate(),
		TenantID:       1,
		SubscriptionID: sub.ID,
		MemberID:       sub.MemberID,
		PlanID:         plan.ID,
		Amount:         10000,
		Currency:       "USD",
		PeriodStart:    sub.StartDate,
		PeriodEnd:      sub.StartDate.AddDate(0, 1, -1),
		DueDate:        f.clock.Now().AddDate(0, 0, -1),
		Status:         invoicedomain.InvoiceStatusPending,
	}).Error)

	require.NoError(t, f.scheduler.PastDueSweepJob(ctx))

	var invoice invoicedomain.Invoice
	require.NoError(t, f.db.First(&invoice, "subscription_id = ?", sub.ID).Error)
	assert.Equal(t, invoicedomain.InvoiceStatusPastDue, invoice.Status)
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	f := newFixture(t)
	f.scheduler.cfg.EnabledJobs = []string{"past_due_sweep"}
	ctx := context.Background()
	plan := f.seedPlan(t)
	f.seedSubscription(t, plan, nil)

	require.NoError(t, f.scheduler.RunOnce(ctx))

	var count int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&count).Error)
	assert.Zero(t, count, "billing_run is disabled, so nothing is invoiced")
}
