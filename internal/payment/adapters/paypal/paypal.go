// Package paypal adapts the two-phase processor: orders are approved
// by the payer first and only become final after an explicit capture
// call. The capture step happens inside this adapter, so callers see
// the same create/poll/webhook surface as every other provider.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
)

const defaultBaseURL = "https://api-m.paypal.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderPaypal
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.ProcessorAdapter, error) {
	clientID, ok := paymentdomain.ReadString(cfg.Config, "client_id")
	if !ok || strings.TrimSpace(clientID) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	clientSecret, ok := paymentdomain.ReadString(cfg.Config, "client_secret")
	if !ok || strings.TrimSpace(clientSecret) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	webhookID, _ := paymentdomain.ReadString(cfg.Config, "webhook_id")

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 12 * time.Second}
	}

	return &Adapter{
		tenantID:     cfg.TenantID,
		clientID:     strings.TrimSpace(clientID),
		clientSecret: strings.TrimSpace(clientSecret),
		webhookID:    strings.TrimSpace(webhookID),
		baseURL:      baseURL,
		client:       client,
	}, nil
}

type Adapter struct {
	tenantID     snowflake.ID
	clientID     string
	clientSecret string
	webhookID    string
	baseURL      string
	client       *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// Verify delegates to the provider's webhook verification endpoint,
// which checks the transmission signature against its certificate.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookID == "" {
		return paymentdomain.ErrInvalidConfig
	}

	transmissionID := strings.TrimSpace(headers.Get("Paypal-Transmission-Id"))
	transmissionSig := strings.TrimSpace(headers.Get("Paypal-Transmission-Sig"))
	if transmissionID == "" || transmissionSig == "" {
		return paymentdomain.ErrInvalidSignature
	}

	request := map[string]any{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          headers.Get("Paypal-Cert-Url"),
		"transmission_id":   transmissionID,
		"transmission_sig":  transmissionSig,
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        a.webhookID,
		"webhook_event":     json.RawMessage(payload),
	}

	var response struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := a.doJSONAuthed(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", request, &response); err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if response.VerificationStatus != "SUCCESS" {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime time.Time       `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type captureResource struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	CustomID string `json:"custom_id"`
	Amount   struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	} `json:"amount"`
	StatusDetails struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
}

type orderResource struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID    string `json:"custom_id"`
		ReferenceID string `json:"reference_id"`
		Amount      struct {
			CurrencyCode string `json:"currency_code"`
			Value        string `json:"value"`
		} `json:"amount"`
		Payments struct {
			Captures []captureResource `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Links []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (paymentdomain.ProcessorEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.EventType) {
	case "CHECKOUT.ORDER.APPROVED":
		// Approval is not money. Capture now so callers only ever see
		// a final succeeded/failed outcome.
		return a.captureApprovedOrder(ctx, event, payload)
	case "PAYMENT.CAPTURE.COMPLETED":
		return a.parseCapture(event, payload, kindSucceeded)
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		return a.parseCapture(event, payload, kindFailed)
	case "PAYMENT.CAPTURE.REFUNDED":
		return a.parseCapture(event, payload, kindRefunded)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type captureKind int

const (
	kindSucceeded captureKind = iota
	kindFailed
	kindRefunded
)

func (a *Adapter) parseCapture(event webhookEvent, payload []byte, kind captureKind) (paymentdomain.ProcessorEvent, error) {
	var capture captureResource
	if err := json.Unmarshal(event.Resource, &capture); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(capture.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	info := paymentdomain.EventInfo{
		Provider:          paymentdomain.ProviderPaypal,
		ProviderEventID:   event.ID,
		ExternalPaymentID: capture.ID,
		Amount:            parseAmount(capture.Amount.Value),
		Currency:          strings.ToUpper(strings.TrimSpace(capture.Amount.CurrencyCode)),
		OccurredAt:        occurredAt(event.CreateTime),
		InvoiceID:         parseInvoiceID(capture.CustomID),
		RawPayload:        payload,
	}

	switch kind {
	case kindFailed:
		return paymentdomain.PaymentFailed{
			EventInfo: info,
			Reason:    strings.TrimSpace(capture.StatusDetails.Reason),
		}, nil
	case kindRefunded:
		return paymentdomain.PaymentRefunded{EventInfo: info}, nil
	default:
		return paymentdomain.PaymentSucceeded{EventInfo: info}, nil
	}
}

func (a *Adapter) captureApprovedOrder(ctx context.Context, event webhookEvent, payload []byte) (paymentdomain.ProcessorEvent, error) {
	var order orderResource
	if err := json.Unmarshal(event.Resource, &order); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(order.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	captured, err := a.captureOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	capture, ok := firstCapture(captured)
	if !ok {
		return nil, paymentdomain.ErrInvalidEvent
	}

	info := paymentdomain.EventInfo{
		Provider:          paymentdomain.ProviderPaypal,
		ProviderEventID:   event.ID,
		ExternalPaymentID: capture.ID,
		Amount:            parseAmount(capture.Amount.Value),
		Currency:          strings.ToUpper(strings.TrimSpace(capture.Amount.CurrencyCode)),
		OccurredAt:        occurredAt(event.CreateTime),
		InvoiceID:         parseInvoiceID(capture.CustomID),
		RawPayload:        payload,
	}
	if capture.Status == "DECLINED" || capture.Status == "FAILED" {
		return paymentdomain.PaymentFailed{EventInfo: info, Reason: capture.StatusDetails.Reason}, nil
	}
	return paymentdomain.PaymentSucceeded{EventInfo: info}, nil
}

func (a *Adapter) CreateCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	request := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.ReferenceID,
			"custom_id":    req.Metadata["invoice_id"],
			"amount": map[string]any{
				"currency_code": strings.ToUpper(req.Currency),
				"value":         formatAmount(req.Amount),
			},
		}},
		"application_context": map[string]any{
			"return_url": req.SuccessURL,
			"cancel_url": req.CancelURL,
		},
	}

	var order orderResource
	if err := a.doJSONAuthed(ctx, http.MethodPost, "/v2/checkout/orders", request, &order); err != nil {
		return nil, err
	}

	approveURL := ""
	for _, link := range order.Links {
		if link.Rel == "approve" {
			approveURL = link.Href
		}
	}
	return &paymentdomain.CheckoutSession{
		SessionID:   order.ID,
		CheckoutURL: approveURL,
	}, nil
}

func (a *Adapter) ChargeOffSession(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	if strings.TrimSpace(req.CustomerRef) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	request := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"custom_id": req.Metadata["invoice_id"],
			"amount": map[string]any{
				"currency_code": strings.ToUpper(req.Currency),
				"value":         formatAmount(req.Amount),
			},
		}},
		"payment_source": map[string]any{
			"token": map[string]any{
				"id":   req.CustomerRef,
				"type": "BILLING_AGREEMENT",
			},
		},
	}

	var order orderResource
	if err := a.doJSONAuthed(ctx, http.MethodPost, "/v2/checkout/orders", request, &order); err != nil {
		return nil, err
	}

	// A vaulted payment source completes in one round trip; anything
	// else needs the capture call.
	if order.Status != "COMPLETED" {
		captured, err := a.captureOrder(ctx, order.ID)
		if err != nil {
			return nil, paymentdomain.ErrChargeDeclined
		}
		order = *captured
	}

	capture, ok := firstCapture(&order)
	if !ok || capture.Status == "DECLINED" || capture.Status == "FAILED" {
		return nil, paymentdomain.ErrChargeDeclined
	}
	return &paymentdomain.ChargeResult{ExternalPaymentID: capture.ID}, nil
}

func (a *Adapter) PollStatus(ctx context.Context, sessionID string) (*paymentdomain.PollResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, paymentdomain.ErrSessionNotFound
	}

	var order orderResource
	if err := a.doJSONAuthed(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(sessionID), nil, &order); err != nil {
		return nil, err
	}

	switch order.Status {
	case "APPROVED":
		captured, err := a.captureOrder(ctx, order.ID)
		if err != nil {
			return &paymentdomain.PollResult{Status: paymentdomain.PollStateFailed}, nil
		}
		order = *captured
		fallthrough
	case "COMPLETED":
		capture, ok := firstCapture(&order)
		if !ok {
			return &paymentdomain.PollResult{Status: paymentdomain.PollStateFailed}, nil
		}
		return &paymentdomain.PollResult{
			Status:            paymentdomain.PollStateComplete,
			ExternalPaymentID: capture.ID,
			Metadata:          map[string]string{"invoice_id": capture.CustomID},
		}, nil
	case "CREATED", "SAVED", "PAYER_ACTION_REQUIRED":
		return &paymentdomain.PollResult{Status: paymentdomain.PollStatePending}, nil
	case "VOIDED", "EXPIRED":
		return &paymentdomain.PollResult{Status: paymentdomain.PollStateExpired}, nil
	default:
		return &paymentdomain.PollResult{Status: paymentdomain.PollStateFailed}, nil
	}
}

func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amount int64, currency string) error {
	if strings.TrimSpace(externalPaymentID) == "" {
		return paymentdomain.ErrRefundRejected
	}
	request := map[string]any{
		"amount": map[string]any{
			"currency_code": strings.ToUpper(currency),
			"value":         formatAmount(amount),
		},
	}

	var refund struct {
		Status string `json:"status"`
	}
	err := a.doJSONAuthed(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(externalPaymentID)+"/refund", request, &refund)
	if err != nil {
		return err
	}
	if refund.Status == "CANCELLED" || refund.Status == "FAILED" {
		return paymentdomain.ErrRefundRejected
	}
	return nil
}

func (a *Adapter) captureOrder(ctx context.Context, orderID string) (*orderResource, error) {
	var order orderResource
	err := a.doJSONAuthed(ctx, http.MethodPost, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", map[string]any{}, &order)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func firstCapture(order *orderResource) (captureResource, bool) {
	for _, unit := range order.PurchaseUnits {
		if len(unit.Payments.Captures) > 0 {
			return unit.Payments.Captures[0], true
		}
	}
	return captureResource{}, false
}

func (a *Adapter) token(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accessToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/oauth2/token",
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("paypal: token http %d", resp.StatusCode)
	}

	var token struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", err
	}
	a.accessToken = token.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn-60) * time.Second)
	return a.accessToken, nil
}

func (a *Adapter) doJSONAuthed(ctx context.Context, method, path string, body any, out any) error {
	token, err := a.token(ctx)
	if err != nil {
		return err
	}
	return a.do(ctx, method, path, body, out, "Bearer "+token)
}

func (a *Adapter) do(ctx context.Context, method, path string, body any, out any, authorization string) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return paymentdomain.ErrSessionNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("paypal: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func parseAmount(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return int64(parsed*100 + 0.5)
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}

func parseInvoiceID(customID string) *snowflake.ID {
	customID = strings.TrimSpace(customID)
	if customID == "" {
		return nil
	}
	id, err := snowflake.ParseString(customID)
	if err != nil {
		return nil
	}
	return &id
}

func occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
