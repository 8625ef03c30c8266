// Package stripe adapts the single-phase card processor: a charge is
// final as soon as the processor reports it captured, via webhook or
// session poll.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
)

const defaultBaseURL = "https://api.stripe.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderStripe
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.ProcessorAdapter, error) {
	secret, ok := paymentdomain.ReadString(cfg.Config, "webhook_secret")
	if !ok || strings.TrimSpace(secret) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	apiKey, _ := paymentdomain.ReadString(cfg.Config, "api_key")

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 12 * time.Second}
	}

	return &Adapter{
		tenantID:      cfg.TenantID,
		webhookSecret: strings.TrimSpace(secret),
		apiKey:        strings.TrimSpace(apiKey),
		baseURL:       baseURL,
		client:        client,
	}, nil
}

type Adapter struct {
	tenantID      snowflake.ID
	webhookSecret string
	apiKey        string
	baseURL       string
	client        *http.Client
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (paymentdomain.ProcessorEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parseIntent(event, payload, false)
	case "payment_intent.payment_failed":
		return a.parseIntent(event, payload, true)
	case "charge.refunded":
		return a.parseRefund(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type paymentIntent struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
	LastError      struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type chargeObject struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

func (a *Adapter) parseIntent(event webhookEvent, payload []byte, failed bool) (paymentdomain.ProcessorEvent, error) {
	var intent paymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	info := paymentdomain.EventInfo{
		Provider:          paymentdomain.ProviderStripe,
		ProviderEventID:   event.ID,
		ExternalPaymentID: intent.ID,
		Amount:            amount,
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:        timestamp(intent.Created, event.Created),
		InvoiceID:         metadataInvoiceID(intent.Metadata),
		RawPayload:        payload,
	}

	if failed {
		return paymentdomain.PaymentFailed{
			EventInfo: info,
			Reason:    strings.TrimSpace(intent.LastError.Message),
		}, nil
	}
	return paymentdomain.PaymentSucceeded{
		EventInfo: info,
		Metadata:  intent.Metadata,
	}, nil
}

func (a *Adapter) parseRefund(event webhookEvent, payload []byte) (paymentdomain.ProcessorEvent, error) {
	var charge chargeObject
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := charge.AmountRefunded
	if amount <= 0 {
		amount = charge.Amount
	}
	externalID := strings.TrimSpace(charge.PaymentIntent)
	if externalID == "" {
		externalID = charge.ID
	}
	return paymentdomain.PaymentRefunded{
		EventInfo: paymentdomain.EventInfo{
			Provider:          paymentdomain.ProviderStripe,
			ProviderEventID:   event.ID,
			ExternalPaymentID: externalID,
			Amount:            amount,
			Currency:          strings.ToUpper(strings.TrimSpace(charge.Currency)),
			OccurredAt:        timestamp(charge.Created, event.Created),
			InvoiceID:         metadataInvoiceID(charge.Metadata),
			RawPayload:        payload,
		},
	}, nil
}

type checkoutSession struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

func (a *Adapter) CreateCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	values := url.Values{}
	values.Set("mode", "payment")
	values.Set("success_url", req.SuccessURL)
	values.Set("cancel_url", req.CancelURL)
	values.Set("client_reference_id", req.ReferenceID)
	values.Set("line_items[0][quantity]", "1")
	values.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	values.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.Amount, 10))
	values.Set("line_items[0][price_data][product_data][name]", "Membership dues")
	for key, value := range req.Metadata {
		values.Set("metadata["+key+"]", value)
		values.Set("payment_intent_data[metadata]["+key+"]", value)
	}

	var session checkoutSession
	if err := a.doForm(ctx, http.MethodPost, "/v1/checkout/sessions", values, &session); err != nil {
		return nil, err
	}
	return &paymentdomain.CheckoutSession{
		SessionID:   session.ID,
		CheckoutURL: session.URL,
	}, nil
}

func (a *Adapter) ChargeOffSession(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	if strings.TrimSpace(req.CustomerRef) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	values := url.Values{}
	values.Set("amount", strconv.FormatInt(req.Amount, 10))
	values.Set("currency", strings.ToLower(req.Currency))
	values.Set("customer", req.CustomerRef)
	values.Set("off_session", "true")
	values.Set("confirm", "true")
	for key, value := range req.Metadata {
		values.Set("metadata["+key+"]", value)
	}

	var intent struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := a.doForm(ctx, http.MethodPost, "/v1/payment_intents", values, &intent); err != nil {
		return nil, err
	}
	switch intent.Status {
	case "succeeded", "processing":
		return &paymentdomain.ChargeResult{ExternalPaymentID: intent.ID}, nil
	default:
		return nil, paymentdomain.ErrChargeDeclined
	}
}

func (a *Adapter) PollStatus(ctx context.Context, sessionID string) (*paymentdomain.PollResult, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, paymentdomain.ErrSessionNotFound
	}
	var session checkoutSession
	if err := a.doForm(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return nil, err
	}

	switch {
	case session.Status == "complete" && session.PaymentStatus == "paid":
		return &paymentdomain.PollResult{
			Status:            paymentdomain.PollStateComplete,
			ExternalPaymentID: session.PaymentIntent,
			Metadata:          session.Metadata,
		}, nil
	case session.Status == "expired":
		return &paymentdomain.PollResult{Status: paymentdomain.PollStateExpired}, nil
	case session.Status == "open":
		return &paymentdomain.PollResult{Status: paymentdomain.PollStatePending}, nil
	default:
		return &paymentdomain.PollResult{Status: paymentdomain.PollStateFailed}, nil
	}
}

func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amount int64, currency string) error {
	if strings.TrimSpace(externalPaymentID) == "" {
		return paymentdomain.ErrRefundRejected
	}
	values := url.Values{}
	values.Set("payment_intent", externalPaymentID)
	if amount > 0 {
		values.Set("amount", strconv.FormatInt(amount, 10))
	}

	var refund struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := a.doForm(ctx, http.MethodPost, "/v1/refunds", values, &refund); err != nil {
		return err
	}
	if refund.Status == "failed" || refund.Status == "canceled" {
		return paymentdomain.ErrRefundRejected
	}
	return nil
}

func (a *Adapter) doForm(ctx context.Context, method, path string, values url.Values, out any) error {
	if a.apiKey == "" {
		return paymentdomain.ErrInvalidConfig
	}

	body := ""
	if values != nil {
		body = values.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, strings.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if values != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return paymentdomain.ErrSessionNotFound
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error.Message != "" {
			return fmt.Errorf("stripe: %s", apiErr.Error.Message)
		}
		return fmt.Errorf("stripe: http %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var ts string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			ts = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return ts, signatures, nil
}

func timestamp(primary, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func metadataInvoiceID(metadata map[string]string) *snowflake.ID {
	raw := strings.TrimSpace(metadata["invoice_id"])
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return nil
	}
	return &id
}
