// Package notifier delivers member-facing billing notifications.
// Sends are best-effort: a failed send is reported and logged but
// never blocks or rolls back the ledger transition that triggered it.
package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/smallbiznis/dojoflow/internal/observability/metrics"
	"go.uber.org/zap"
)

// Event keys the billing engine emits.
const (
	EventInvoiceCreated  = "invoice.created"
	EventInvoicePaid     = "invoice.paid"
	EventInvoicePastDue  = "invoice.past_due"
	EventInvoiceVoided   = "invoice.voided"
	EventDunningFriendly = "dunning.friendly"
	EventDunningUrgent   = "dunning.urgent"
	EventDunningFinal    = "dunning.final"
	EventSuspension      = "dunning.suspension"
)

// NotifyResult makes the fire-and-forget outcome explicit instead of a
// silently discarded error.
type NotifyResult string

const (
	ResultSent    NotifyResult = "sent"
	ResultSkipped NotifyResult = "skipped"
	ResultFailed  NotifyResult = "failed"
)

// Notifier sends one notification. Implementations must not return
// errors; the result value is the whole story.
type Notifier interface {
	Send(ctx context.Context, eventKey, recipient string, vars map[string]string) NotifyResult
}

var subjects = map[string]string{
	EventInvoiceCreated:  "Your membership invoice is ready",
	EventInvoicePaid:     "Payment received, thank you",
	EventInvoicePastDue:  "Your membership invoice is past due",
	EventInvoiceVoided:   "Your invoice was voided",
	EventDunningFriendly: "Reminder: a payment did not go through",
	EventDunningUrgent:   "Second notice: payment still failing",
	EventDunningFinal:    "Final notice before suspension",
	EventSuspension:      "Your membership has been suspended",
}

// SMTPConfig configures the default mail transport.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

type smtpNotifier struct {
	cfg     SMTPConfig
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewSMTP builds the production notifier. An empty host degrades to
// skipping every send, which keeps local development quiet.
func NewSMTP(cfg SMTPConfig, m *metrics.Metrics, log *zap.Logger) Notifier {
	return &smtpNotifier{cfg: cfg, metrics: m, log: log}
}

func (n *smtpNotifier) Send(ctx context.Context, eventKey, recipient string, vars map[string]string) NotifyResult {
	result := n.send(eventKey, recipient, vars)
	n.metrics.IncNotification(eventKey, string(result))
	switch result {
	case ResultFailed:
		n.log.Warn("notification send failed",
			zap.String("event_key", eventKey),
		)
	default:
		n.log.Debug("notification handled",
			zap.String("event_key", eventKey),
			zap.String("result", string(result)),
		)
	}
	return result
}

func (n *smtpNotifier) send(eventKey, recipient string, vars map[string]string) NotifyResult {
	recipient = strings.TrimSpace(recipient)
	subject, known := subjects[eventKey]
	if recipient == "" || !known {
		return ResultSkipped
	}
	if n.cfg.Host == "" {
		return ResultSkipped
	}

	var body strings.Builder
	body.WriteString(subject)
	body.WriteString("\r\n\r\n")
	for key, value := range vars {
		fmt.Fprintf(&body, "%s: %s\r\n", key, value)
	}

	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s", recipient, subject, body.String()))
	addr := n.cfg.Host + ":" + n.cfg.Port
	auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)

	if err := smtp.SendMail(addr, auth, n.cfg.From, []string{recipient}, msg); err != nil {
		return ResultFailed
	}
	return ResultSent
}

// NoOp records every send as skipped. Used in tests and workers that
// must not email anyone.
type NoOp struct{}

func (NoOp) Send(ctx context.Context, eventKey, recipient string, vars map[string]string) NotifyResult {
	return ResultSkipped
}
