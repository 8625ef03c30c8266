package dunning

import (
	"context"
	"strconv"

	"github.com/smallbiznis/dojoflow/internal/clock"
	"github.com/smallbiznis/dojoflow/internal/config"
	"github.com/smallbiznis/dojoflow/internal/notifier"
	"github.com/smallbiznis/dojoflow/internal/observability/logger"
	"github.com/smallbiznis/dojoflow/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/dojoflow/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var levelEvents = map[EscalationLevel]string{
	EscalationFriendly:   notifier.EventDunningFriendly,
	EscalationUrgent:     notifier.EventDunningUrgent,
	EscalationFinal:      notifier.EventDunningFinal,
	EscalationSuspension: notifier.EventSuspension,
}

// Outcome reports what a failed charge attempt led to.
type Outcome struct {
	RetryCount int
	Level      EscalationLevel
	Suspended  bool
}

type Engine struct {
	db      *gorm.DB
	subs    subscriptiondomain.Repository
	policy  *config.DunningConfigHolder
	notify  notifier.Notifier
	metrics *metrics.Metrics
	clock   clock.Clock
	log     *zap.Logger
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Subs    subscriptiondomain.Repository
	Policy  *config.DunningConfigHolder
	Notify  notifier.Notifier
	Metrics *metrics.Metrics
	Clock   clock.Clock
	Log     *zap.Logger
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:      p.DB,
		subs:    p.Subs,
		policy:  p.Policy,
		notify:  p.Notify,
		metrics: p.Metrics,
		clock:   p.Clock,
		log:     p.Log.Named("dunning"),
	}
}

// HandleFailedCharge advances the dunning state after a charge failed.
// It bumps the retry count, notifies at the escalation level, and
// either schedules the next attempt or suspends the subscription when
// maxRetries is exhausted. Suspension is terminal for automation; only
// a human reactivates.
func (e *Engine) HandleFailedCharge(
	ctx context.Context,
	subscription *subscriptiondomain.Subscription,
	maxRetries int,
) (Outcome, error) {
	log := logger.WithContext(ctx, e.log)
	now := e.clock.Now()

	previousCount := subscription.RetryCount
	newCount := previousCount + 1
	level := Escalation(newCount)
	suspend := ShouldSuspend(newCount, maxRetries)

	if suspend {
		level = EscalationSuspension
		updated, err := e.subs.UpdateStatus(ctx, e.db, subscription.ID,
			subscriptiondomain.SubscriptionStatusActive,
			subscriptiondomain.SubscriptionStatusSuspended,
		)
		if err != nil {
			return Outcome{}, err
		}
		if err := e.subs.ScheduleRetry(ctx, e.db, subscription.ID, newCount, nil); err != nil {
			return Outcome{}, err
		}
		if updated {
			e.metrics.IncSuspension()
			log.Warn("subscription suspended after exhausted retries",
				zap.String("subscription_id", subscription.ID.String()),
				zap.Int("retry_count", newCount),
				zap.Int("max_retries", maxRetries),
			)
		}
	} else {
		nextRetry := NextRetryDate(now, previousCount, e.policy.Get().RetryDelayDays)
		if err := e.subs.ScheduleRetry(ctx, e.db, subscription.ID, newCount, &nextRetry); err != nil {
			return Outcome{}, err
		}
		log.Info("charge retry scheduled",
			zap.String("subscription_id", subscription.ID.String()),
			zap.Int("retry_count", newCount),
			zap.String("level", string(level)),
			zap.Time("next_retry_at", nextRetry),
		)
	}

	e.metrics.IncDunningEscalation(string(level))
	e.notify.Send(ctx, levelEvents[level], recipientOf(subscription), map[string]string{
		"subscription_id": subscription.ID.String(),
		"retry_count":     strconv.Itoa(newCount),
	})

	subscription.RetryCount = newCount
	return Outcome{RetryCount: newCount, Level: level, Suspended: suspend}, nil
}

func recipientOf(subscription *subscriptiondomain.Subscription) string {
	if subscription.Metadata == nil {
		return ""
	}
	if email, ok := subscription.Metadata["email"].(string); ok {
		return email
	}
	return ""
}

var Module = fx.Module("dunning",
	fx.Provide(NewEngine),
)
