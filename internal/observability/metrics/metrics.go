// Package metrics exposes prometheus instruments for the billing engine.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config carries constant labels applied to every instrument.
type Config struct {
	ServiceName string
	Environment string
}

const (
	WebhookVerdictApplied          = "applied"
	WebhookVerdictDuplicate        = "duplicate"
	WebhookVerdictIgnored          = "ignored"
	WebhookVerdictInvalidSignature = "invalid_signature"
	WebhookVerdictDeferred         = "deferred"
	WebhookVerdictError            = "error"
)

const (
	BillingOutcomeCreated = "created"
	BillingOutcomeSkipped = "skipped"
	BillingOutcomeError   = "error"
)

// Metrics captures billing engine health signals.
type Metrics struct {
	billingRunOutcomes *prometheus.CounterVec
	jobRuns            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobErrors          *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	checkoutPolls      *prometheus.CounterVec
	dunningEscalations *prometheus.CounterVec
	suspensions        prometheus.Counter
	notifications      *prometheus.CounterVec
	refundWarnings     prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// Default returns the singleton metrics registry.
func Default() *Metrics {
	return WithConfig(Config{})
}

// WithConfig returns the singleton metrics registry using config labels.
func WithConfig(cfg Config) *Metrics {
	metricsOnce.Do(func() {
		metrics = New(prometheus.DefaultRegisterer, cfg)
	})
	return metrics
}

// ResetForTest resets the metrics singleton for tests.
func ResetForTest() {
	metricsOnce = sync.Once{}
	metrics = nil
}

func New(registerer prometheus.Registerer, cfg Config) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "dojoflow"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &Metrics{
		billingRunOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dojoflow_billing_run_outcomes_total",
			Help:        "Billing run invoice outcomes by result.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dojoflow_scheduler_job_runs_total",
			Help:        "Scheduler job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "dojoflow_scheduler_job_duration_seconds",
			Help:        "Scheduler job latency to protect billing batch freshness.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dojoflow_scheduler_job_errors_total",
			Help:        "Scheduler job errors by job name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dojoflow_webhook_events_total",
			Help:        "Processor webhook events by provider and verdict.",
			ConstLabels: constLabels,
		}, []string{"provider", "verdict"}),
		checkoutPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dojoflow_checkout_polls_total",
			Help:        "Checkout status polls by provider and reported status.",
			ConstLabels: constLabels,
		}, []string{"provider", "status"}),
		dunningEscalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dojoflow_dunning_escalations_total",
			Help:        "Dunning escalations by level.",
			ConstLabels: constLabels,
		}, []string{"level"}),
		suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dojoflow_subscription_suspensions_total",
			Help:        "Subscriptions suspended after exhausting dunning retries.",
			ConstLabels: constLabels,
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "dojoflow_notifications_total",
			Help:        "Notification sends by event key and result.",
			ConstLabels: constLabels,
		}, []string{"event_key", "result"}),
		refundWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "dojoflow_refund_warnings_total",
			Help:        "Voids whose processor-side refund failed and needs manual follow-up.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.billingRunOutcomes,
		m.jobRuns,
		m.jobDuration,
		m.jobErrors,
		m.webhookEvents,
		m.checkoutPolls,
		m.dunningEscalations,
		m.suspensions,
		m.notifications,
		m.refundWarnings,
	)
	return m
}

func (m *Metrics) IncBillingOutcome(outcome string) {
	if m == nil {
		return
	}
	m.billingRunOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) IncWebhookEvent(provider, verdict string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, verdict).Inc()
}

func (m *Metrics) IncCheckoutPoll(provider, status string) {
	if m == nil {
		return
	}
	m.checkoutPolls.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) IncDunningEscalation(level string) {
	if m == nil {
		return
	}
	m.dunningEscalations.WithLabelValues(level).Inc()
}

func (m *Metrics) IncSuspension() {
	if m == nil {
		return
	}
	m.suspensions.Inc()
}

func (m *Metrics) IncNotification(eventKey, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(eventKey, result).Inc()
}

func (m *Metrics) IncRefundWarning() {
	if m == nil {
		return
	}
	m.refundWarnings.Inc()
}
