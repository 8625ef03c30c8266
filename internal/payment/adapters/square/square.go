// Package square adapts the reference-keyed processor: completion is
// confirmed by a payment-status webhook carrying the caller-supplied
// reference id, not a session id. The reference id doubles as the
// session handle for polling.
package square

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	paymentdomain "github.com/smallbiznis/dojoflow/internal/payment/domain"
)

const defaultBaseURL = "https://connect.squareup.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return paymentdomain.ProviderSquare
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.ProcessorAdapter, error) {
	signatureKey, ok := paymentdomain.ReadString(cfg.Config, "webhook_signature_key")
	if !ok || strings.TrimSpace(signatureKey) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	accessToken, _ := paymentdomain.ReadString(cfg.Config, "access_token")
	notificationURL, _ := paymentdomain.ReadString(cfg.Config, "notification_url")
	locationID, _ := paymentdomain.ReadString(cfg.Config, "location_id")

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 12 * time.Second}
	}

	return &Adapter{
		tenantID:        cfg.TenantID,
		signatureKey:    strings.TrimSpace(signatureKey),
		accessToken:     strings.TrimSpace(accessToken),
		notificationURL: strings.TrimSpace(notificationURL),
		locationID:      strings.TrimSpace(locationID),
		baseURL:         baseURL,
		client:          client,
	}, nil
}

type Adapter struct {
	tenantID        snowflake.ID
	signatureKey    string
	accessToken     string
	notificationURL string
	locationID      string
	baseURL         string
	client          *http.Client
}

// Verify checks the HMAC-SHA256 of notification URL + raw body against
// the signature header, base64 encoded.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	signature := strings.TrimSpace(headers.Get("X-Square-Hmacsha256-Signature"))
	if signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.signatureKey))
	_, _ = mac.Write([]byte(a.notificationURL))
	_, _ = mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

type webhookEvent struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		Object struct {
			Payment paymentObject `json:"payment"`
			Refund  refundObject  `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

type paymentObject struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	ReferenceID string `json:"reference_id"`
	Note        string `json:"note"`
	AmountMoney struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
}

type refundObject struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	PaymentID   string `json:"payment_id"`
	AmountMoney struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (paymentdomain.ProcessorEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.EventID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment.updated", "payment.created":
		return a.parsePayment(event, payload)
	case "refund.updated", "refund.created":
		return a.parseRefund(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parsePayment(event webhookEvent, payload []byte) (paymentdomain.ProcessorEvent, error) {
	payment := event.Data.Object.Payment
	if strings.TrimSpace(payment.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	info := paymentdomain.EventInfo{
		Provider:          paymentdomain.ProviderSquare,
		ProviderEventID:   event.EventID,
		ExternalPaymentID: payment.ID,
		Amount:            payment.AmountMoney.Amount,
		Currency:          strings.ToUpper(strings.TrimSpace(payment.AmountMoney.Currency)),
		OccurredAt:        occurredAt(event.CreatedAt),
		ReferenceID:       strings.TrimSpace(payment.ReferenceID),
		RawPayload:        payload,
	}

	switch payment.Status {
	case "COMPLETED":
		return paymentdomain.PaymentSucceeded{EventInfo: info}, nil
	case "FAILED", "CANCELED":
		return paymentdomain.PaymentFailed{EventInfo: info, Reason: strings.TrimSpace(payment.Note)}, nil
	default:
		// APPROVED and PENDING are intermediate; wait for the final one.
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parseRefund(event webhookEvent, payload []byte) (paymentdomain.ProcessorEvent, error) {
	refund := event.Data.Object.Refund
	if strings.TrimSpace(refund.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	if refund.Status != "COMPLETED" {
		return nil, paymentdomain.ErrEventIgnored
	}

	return paymentdomain.PaymentRefunded{
		EventInfo: paymentdomain.EventInfo{
			Provider:          paymentdomain.ProviderSquare,
			ProviderEventID:   event.EventID,
			ExternalPaymentID: strings.TrimSpace(refund.PaymentID),
			Amount:            refund.AmountMoney.Amount,
			Currency:          strings.ToUpper(strings.TrimSpace(refund.AmountMoney.Currency)),
			OccurredAt:        occurredAt(event.CreatedAt),
			RawPayload:        payload,
		},
	}, nil
}

func (a *Adapter) CreateCheckout(ctx context.Context, req paymentdomain.CheckoutRequest) (*paymentdomain.CheckoutSession, error) {
	if strings.TrimSpace(req.ReferenceID) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	request := map[string]any{
		"idempotency_key": uuid.NewString(),
		"checkout_options": map[string]any{
			"redirect_url": req.SuccessURL,
		},
		"quick_pay": map[string]any{
			"name": "Membership dues",
			"price_money": map[string]any{
				"amount":   req.Amount,
				"currency": strings.ToUpper(req.Currency),
			},
			"location_id": a.locationID,
		},
		"payment_note": req.ReferenceID,
	}

	var response struct {
		PaymentLink struct {
			ID  string `json:"id"`
			URL string `json:"url"`
		} `json:"payment_link"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/v2/online-checkout/payment-links", request, &response); err != nil {
		return nil, err
	}

	// The reference id is the session handle; webhooks and polling both
	// key on it, not on the payment link id.
	return &paymentdomain.CheckoutSession{
		SessionID:   req.ReferenceID,
		CheckoutURL: response.PaymentLink.URL,
	}, nil
}

func (a *Adapter) ChargeOffSession(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	if strings.TrimSpace(req.CustomerRef) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	request := map[string]any{
		"idempotency_key": uuid.NewString(),
		"source_id":       req.CustomerRef,
		"reference_id":    req.Metadata["reference_id"],
		"note":            req.Metadata["invoice_id"],
		"autocomplete":    true,
		"amount_money": map[string]any{
			"amount":   req.Amount,
			"currency": strings.ToUpper(req.Currency),
		},
		"location_id": a.locationID,
	}

	var response struct {
		Payment paymentObject `json:"payment"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/v2/payments", request, &response); err != nil {
		return nil, err
	}
	switch response.Payment.Status {
	case "COMPLETED", "APPROVED", "PENDING":
		return &paymentdomain.ChargeResult{ExternalPaymentID: response.Payment.ID}, nil
	default:
		return nil, paymentdomain.ErrChargeDeclined
	}
}

// PollStatus looks up payments by reference id, the handle returned
// from CreateCheckout.
func (a *Adapter) PollStatus(ctx context.Context, sessionID string) (*paymentdomain.PollResult, error) {
	referenceID := strings.TrimSpace(sessionID)
	if referenceID == "" {
		return nil, paymentdomain.ErrSessionNotFound
	}

	var response struct {
		Payments []paymentObject `json:"payments"`
	}
	path := "/v2/payments?reference_id=" + url.QueryEscape(referenceID)
	if a.locationID != "" {
		path += "&location_id=" + url.QueryEscape(a.locationID)
	}
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &response); err != nil {
		return nil, err
	}

	if len(response.Payments) == 0 {
		return &paymentdomain.PollResult{Status: paymentdomain.PollStatePending}, nil
	}

	payment := response.Payments[0]
	switch payment.Status {
	case "COMPLETED":
		return &paymentdomain.PollResult{
			Status:            paymentdomain.PollStateComplete,
			ExternalPaymentID: payment.ID,
			Metadata:          map[string]string{"reference_id": payment.ReferenceID},
		}, nil
	case "FAILED", "CANCELED":
		return &paymentdomain.PollResult{Status: paymentdomain.PollStateFailed}, nil
	default:
		return &paymentdomain.PollResult{Status: paymentdomain.PollStatePending}, nil
	}
}

func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amount int64, currency string) error {
	if strings.TrimSpace(externalPaymentID) == "" {
		return paymentdomain.ErrRefundRejected
	}

	request := map[string]any{
		"idempotency_key": uuid.NewString(),
		"payment_id":      externalPaymentID,
		"amount_money": map[string]any{
			"amount":   amount,
			"currency": strings.ToUpper(currency),
		},
	}

	var response struct {
		Refund refundObject `json:"refund"`
	}
	if err := a.doJSON(ctx, http.MethodPost, "/v2/refunds", request, &response); err != nil {
		return err
	}
	if response.Refund.Status == "REJECTED" || response.Refund.Status == "FAILED" {
		return paymentdomain.ErrRefundRejected
	}
	return nil
}

func (a *Adapter) doJSON(ctx context.Context, method, path string, body any, out any) error {
	if a.accessToken == "" {
		return paymentdomain.ErrInvalidConfig
	}

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
	req.Header.Set("Authorization", "Bearer "+a.accessToken)
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
		return fmt.Errorf("square: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
