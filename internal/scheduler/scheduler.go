// Package scheduler drives the recurring billing machinery: the
// billing run that opens invoices and charges stored payment methods,
// the dunning retry loop, and the past-due sweep. Jobs are batch
// oriented and safe to run from several processes at once; row-level
// guards in the repositories make duplicate work converge, and a
// best-effort advisory lock keeps most of it from starting at all.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/dojoflow/internal/clock"
	"github.com/smallbiznis/dojoflow/internal/dunning"
	invoicedomain "github.com/smallbiznis/dojoflow/internal/invoice/domain"
	invoicesvc "github.com/smallbiznis/dojoflow/internal/invoice/service"
	"github.com/smallbiznis/dojoflow/internal/joblock"
	"github.com/smallbiznis/dojoflow/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
	plandomain "github.com/smallbiznis/dojoflow/internal/plan/domain"
	"github.com/smallbiznis/dojoflow/internal/pricing"
	promodomain "github.com/smallbiznis/dojoflow/internal/promo/domain"
	settingssvc "github.com/smallbiznis/dojoflow/internal/settings/service"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BillingRunResult summarizes one billing run. Errors carries one
// entry per subscription that failed; a bad subscription never stops
// the rest of the batch.
type BillingRunResult struct {
	Created int      `json:"created"`
	Skipped int      `json:"skipped"`
	Total   int      `json:"total"`
	Errors  []string `json:"errors,omitempty"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Subs     subscriptiondomain.Repository
	Plans    plandomain.Repository
	Promos   promodomain.Repository
	Invoices *invoicesvc.Service
	Settings *settingssvc.Service
	Dunning  *dunning.Engine
	Locker   *joblock.Locker
	Node     *snowflake.Node
	Metrics  *metrics.Metrics
	Clock    clock.Clock
	Config   Config `optional:"true"`
}

type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	subs     subscriptiondomain.Repository
	plans    plandomain.Repository
	promos   promodomain.Repository
	invoices *invoicesvc.Service
	settings *settingssvc.Service
	dunning  *dunning.Engine
	locker   *joblock.Locker
	node     *snowflake.Node
	metrics  *metrics.Metrics
	clock    clock.Clock
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Subs == nil || p.Plans == nil || p.Invoices == nil || p.Settings == nil || p.Dunning == nil || p.Node == nil || p.Clock == nil {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Scheduler{
		db:       p.DB,
		log:      p.Log.Named("scheduler"),
		cfg:      p.Config.withDefaults(),
		subs:     p.Subs,
		plans:    p.Plans,
		promos:   p.Promos,
		invoices: p.Invoices,
		settings: p.Settings,
		dunning:  p.Dunning,
		locker:   p.Locker,
		node:     p.Node,
		metrics:  p.Metrics,
		clock:    p.Clock,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.locker != nil {
		token, acquired, err := s.locker.TryLock(ctx, "scheduler:"+name, s.cfg.JobTimeout)
		if err != nil {
			s.log.Warn("job lock unavailable, running unlocked",
				zap.String("job", name), zap.Error(err))
		} else if !acquired {
			s.log.Debug("job held elsewhere, skipping", zap.String("job", name))
			return nil
		} else {
			defer func() {
				if releaseErr := s.locker.Release(context.Background(), "scheduler:"+name, token); releaseErr != nil {
					s.log.Warn("job lock release failed",
						zap.String("job", name), zap.Error(releaseErr))
				}
			}()
		}
	}

	s.metrics.IncJobRun(name)
	log := s.log.With(zap.String("job", name))
	log.Info("job started")

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err != nil {
		s.metrics.IncJobError(name)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			log.Warn("job timed out", zap.Duration("timeout", s.cfg.JobTimeout), zap.Error(err))
			return nil
		}
		log.Error("job failed", zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Info("job finished", zap.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RunOnce executes one pass of every enabled job.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"billing_run", func(ctx context.Context) error {
			_, runErr := s.BillingRun(ctx)
			return runErr
		}},
		{"dunning_retry", s.DunningRetryJob},
		{"past_due_sweep", s.PastDueSweepJob},
	}
	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, func(ctx context.Context) error {
				return job.Run(ctx)
			}))
		}
	}
	return err
}

// RunForever loops RunOnce on the configured interval until the
// context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// BillingRun opens invoices for every subscription whose next charge
// date has arrived and kicks off off-session charges where a stored
// payment method allows it. Re-running for the same instant creates
// nothing new: the invoice's period uniqueness absorbs the repeat.
func (s *Scheduler) BillingRun(ctx context.Context) (BillingRunResult, error) {
	now := s.clock.Now()
	var result BillingRunResult

	// Erroring rows keep their charge date and come back on refetch;
	// bill each of them once per run.
	failed := make(map[snowflake.ID]struct{})
	for {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		batch, err := s.subs.FetchDueForBilling(ctx, s.db, now, s.cfg.BatchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}
		progressed := false
		for i := range batch {
			if _, seen := failed[batch[i].ID]; seen {
				continue
			}
			outcome, err := s.billSubscription(ctx, &batch[i], now)
			result.Total++
			switch {
			case err != nil:
				failed[batch[i].ID] = struct{}{}
				s.metrics.IncBillingOutcome(metrics.BillingOutcomeError)
				result.Errors = append(result.Errors,
					fmt.Sprintf("subscription %s: %v", batch[i].ID, err))
			case outcome:
				s.metrics.IncBillingOutcome(metrics.BillingOutcomeCreated)
				result.Created++
				progressed = true
			default:
				s.metrics.IncBillingOutcome(metrics.BillingOutcomeSkipped)
				result.Skipped++
				progressed = true
			}
		}
		// Without forward progress the same batch would come back
		// forever; bail and surface the errors instead.
		if !progressed {
			break
		}
	}
	return result, nil
}

// billSubscription opens the invoice for one subscription's current
// period and advances its next charge date. Returns true when a new
// invoice was created, false when it already existed.
func (s *Scheduler) billSubscription(ctx context.Context, sub *subscriptiondomain.Subscription, now time.Time) (bool, error) {
	if sub.NextChargeDate == nil {
		return false, errors.New("subscription has no next charge date")
	}
	periodStart := *sub.NextChargeDate

	plan, err := s.plans.FindByID(ctx, s.db, sub.TenantID, sub.PlanID)
	if err != nil {
		return false, err
	}
	periodEnd, err := plan.BillingCycle.PeriodEnd(periodStart)
	if err != nil {
		return false, err
	}
	nextStart, err := plan.BillingCycle.Advance(periodStart)
	if err != nil {
		return false, err
	}

	effective, err := s.settings.Effective(ctx, sub.TenantID)
	if err != nil {
		return false, err
	}

	familyBilled := 0
	if sub.FamilyGroupID != nil {
		familyBilled, err = s.subs.CountFamilyBilled(ctx, s.db, sub.TenantID, *sub.FamilyGroupID)
		if err != nil {
			return false, err
		}
	}

	amount := pricing.EffectivePrice(sub, plan, periodStart, familyBilled)
	amount = s.applyPromo(ctx, sub, plan, periodStart, now, amount)

	currency := plan.Currency
	if currency == "" {
		currency = effective.DefaultCurrency
	}

	invoice := &invoicedomain.Invoice{
		ID:             s.node.Generate(),
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		MemberID:       sub.MemberID,
		PlanID:         plan.ID,
		Amount:         amount,
		Currency:       currency,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		DueDate:        periodStart.AddDate(0, 0, effective.GraceDays),
		Status:         invoicedomain.InvoiceStatusPending,
	}
	created, err := s.invoices.Create(ctx, invoice)
	if err != nil {
		return false, err
	}

	// Advance regardless of created: an existing invoice for this
	// period means a previous run got here first.
	if _, err := s.subs.AdvanceNextCharge(ctx, s.db, sub.ID, periodStart, nextStart); err != nil {
		return created, err
	}

	if created && sub.AutoCharge {
		if err := s.chargeInvoice(ctx, sub, invoice, effective); err != nil {
			return created, err
		}
	}
	return created, nil
}

// applyPromo discounts the first period when the subscription carries
// a promo code. The redemption is consumed with a conditional
// increment, so an exhausted code silently stops discounting.
func (s *Scheduler) applyPromo(ctx context.Context, sub *subscriptiondomain.Subscription, plan *plandomain.Plan, periodStart, now time.Time, amount int64) int64 {
	if s.promos == nil || sub.Metadata == nil {
		return amount
	}
	raw, ok := sub.Metadata["promo_code"].(string)
	if !ok || raw == "" {
		return amount
	}
	// Promo discounts apply to the first invoice only.
	if periodStart.Sub(sub.StartDate) > 24*time.Hour {
		return amount
	}

	promo, err := s.promos.FindByCode(ctx, s.db, sub.TenantID, promodomain.NormalizeCode(raw))
	if err != nil {
		return amount
	}
	decision := pricing.ValidatePromo(promo, plan.ID, now)
	if !decision.Valid {
		return amount
	}
	redeemed, err := s.promos.Redeem(ctx, s.db, sub.TenantID, promo.ID)
	if err != nil || !redeemed {
		return amount
	}
	return pricing.ApplyPromo(amount, decision)
}

// chargeInvoice starts an off-session charge for a freshly opened
// invoice. Success is provisional: the invoice stays PENDING until the
// processor's webhook confirms capture. A decline fails the invoice
// and hands the subscription to dunning immediately.
func (s *Scheduler) chargeInvoice(ctx context.Context, sub *subscriptiondomain.Subscription, invoice *invoicedomain.Invoice, effective settingssvc.Effective) error {
	provider := sub.Processor
	if provider == "" {
		provider = effective.DefaultProcessor
	}
	if provider == "" || sub.CustomerRef == "" {
		return nil
	}
	adapter, err := s.settings.AdapterFor(ctx, sub.TenantID, provider)
	if err != nil {
		return err
	}

	_, err = adapter.ChargeOffSession(ctx, paymentdomain.ChargeRequest{
		CustomerRef: sub.CustomerRef,
		Amount:      invoice.Amount,
		Currency:    invoice.Currency,
		Metadata: map[string]string{
			"invoice_id": invoice.ID.String(),
		},
	})
	if errors.Is(err, paymentdomain.ErrChargeDeclined) {
		if _, failErr := s.invoices.MarkFailed(ctx, invoice.ID, "off-session charge declined"); failErr != nil {
			return failErr
		}
		_, dunErr := s.dunning.HandleFailedCharge(ctx, sub, effective.MaxRetries)
		return dunErr
	}
	return err
}

// DunningRetryJob re-attempts charges for subscriptions whose retry
// window has arrived. Each failed attempt escalates dunning; each
// success is confirmed later by the processor webhook.
func (s *Scheduler) DunningRetryJob(ctx context.Context) error {
	now := s.clock.Now()
	batch, err := s.subs.FetchRetryDue(ctx, s.db, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}

	var jobErr error
	for i := range batch {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.retrySubscription(ctx, &batch[i]); err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("subscription %s: %w", batch[i].ID, err))
		}
	}
	return jobErr
}

func (s *Scheduler) retrySubscription(ctx context.Context, sub *subscriptiondomain.Subscription) error {
	effective, err := s.settings.Effective(ctx, sub.TenantID)
	if err != nil {
		return err
	}
	invoice, err := s.invoices.FindOpen(ctx, sub.ID)
	if errors.Is(err, invoicedomain.ErrInvoiceNotFound) {
		// Nothing left to collect; stop retrying.
		return s.subs.ScheduleRetry(ctx, s.db, sub.ID, 0, nil)
	}
	if err != nil {
		return err
	}

	if !sub.AutoCharge || sub.CustomerRef == "" {
		// No stored payment method: the retry is notification only.
		_, err := s.dunning.HandleFailedCharge(ctx, sub, effective.MaxRetries)
		return err
	}

	provider := sub.Processor
	if provider == "" {
		provider = effective.DefaultProcessor
	}
	adapter, err := s.settings.AdapterFor(ctx, sub.TenantID, provider)
	if err != nil {
		return err
	}
	_, err = adapter.ChargeOffSession(ctx, paymentdomain.ChargeRequest{
		CustomerRef: sub.CustomerRef,
		Amount:      invoice.Amount,
		Currency:    invoice.Currency,
		Metadata: map[string]string{
			"invoice_id": invoice.ID.String(),
		},
	})
	if errors.Is(err, paymentdomain.ErrChargeDeclined) {
		if _, failErr := s.invoices.MarkFailed(ctx, invoice.ID, "retry charge declined"); failErr != nil {
			return failErr
		}
		_, dunErr := s.dunning.HandleFailedCharge(ctx, sub, effective.MaxRetries)
		return dunErr
	}
	return err
}

// PastDueSweepJob flips overdue PENDING invoices to PAST_DUE for every
// tenant with an active processor config.
func (s *Scheduler) PastDueSweepJob(ctx context.Context) error {
	tenants, err := s.settings.Tenants(ctx)
	if err != nil {
		return err
	}
	var jobErr error
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		count, err := s.invoices.SweepPastDue(ctx, tenantID)
		if err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		if count > 0 {
			s.log.Info("past due sweep",
				zap.String("tenant_id", tenantID.String()),
				zap.Int64("flipped", count),
			)
		}
	}
	return jobErr
}
