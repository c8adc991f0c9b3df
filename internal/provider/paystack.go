package provider

import (
	"context"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-stays/internal/resilience"
	"github.com/noah-isme/backend-stays/internal/signature"
)

const paystackSignatureHeader = "X-Paystack-Signature"

// PaystackAdapter integrates the card-network rail. Paystack signs webhooks
// with HMAC-SHA512 over the raw body and settles in minor units directly.
type PaystackAdapter struct {
	Secret    string
	BaseURL   string
	Namespace string
	IntentTTL time.Duration
	Client    resilience.Client
	Logger    zerolog.Logger
}

// ID implements Adapter.
func (a *PaystackAdapter) ID() ID { return Paystack }

// Capabilities implements Adapter. Static metadata, no I/O.
func (a *PaystackAdapter) Capabilities() Capability {
	return Capability{
		Methods:    []string{"card", "bank_transfer", "ussd"},
		Currencies: []string{"NGN", "GHS", "ZAR", "KES", "USD"},
		Countries:  []string{"NG", "GH", "ZA", "KE", "EG", "CI"},
	}
}

// SupportsCountry implements Adapter.
func (a *PaystackAdapter) SupportsCountry(code string) bool {
	return a.Capabilities().HasCountry(strings.ToUpper(code))
}

type paystackInitReq struct {
	Email     string            `json:"email"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type paystackInitResp struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		AuthorizationURL string `json:"authorization_url"`
		AccessCode       string `json:"access_code"`
		Reference        string `json:"reference"`
	} `json:"data"`
}

// CreateIntent opens a hosted checkout session.
func (a *PaystackAdapter) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	reference := NewReference(a.Namespace, Paystack)
	meta := cloneMeta(req.Metadata)
	meta["original_amount_minor"] = fmt.Sprintf("%d", req.AmountMinor)
	meta["original_currency"] = req.Currency

	var resp paystackInitResp
	err := postJSON(ctx, a.Client, a.baseURL()+"/transaction/initialize", "Authorization", "Bearer "+a.Secret, paystackInitReq{
		Email:     req.CustomerEmail,
		Amount:    req.AmountMinor,
		Currency:  req.Currency,
		Reference: reference,
		Metadata:  meta,
	}, &resp)
	if err != nil {
		return Intent{}, err
	}
	if !resp.Status {
		return Intent{}, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	return Intent{
		Reference:   reference,
		CheckoutURL: resp.Data.AuthorizationURL,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		ExpiresAt:   time.Now().Add(a.intentTTL()),
		Metadata:    meta,
	}, nil
}

type paystackRefundResp struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// Refund issues a full or partial refund. Provider-side business failures are
// reported through the result status, never as an error.
func (a *PaystackAdapter) Refund(ctx context.Context, reference string, amountMinor int64) (RefundResult, error) {
	payload := map[string]any{"transaction": reference}
	if amountMinor > 0 {
		payload["amount"] = amountMinor
	}
	var resp paystackRefundResp
	err := postJSON(ctx, a.Client, a.baseURL()+"/refund", "Authorization", "Bearer "+a.Secret, payload, &resp)
	if err != nil {
		if isRejected(err) {
			a.Logger.Warn().Err(err).Str("reference", reference).Msg("paystack refund rejected")
			return RefundResult{Status: RefundFailed}, nil
		}
		return RefundResult{}, err
	}
	if !resp.Status {
		return RefundResult{Status: RefundFailed}, nil
	}
	return RefundResult{
		ProviderRefundID: fmt.Sprintf("%d", resp.Data.ID),
		Status:           normalisePaystackRefund(resp.Data.Status),
	}, nil
}

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string            `json:"reference"`
		Amount    int64             `json:"amount"`
		Currency  string            `json:"currency"`
		PaidAt    string            `json:"paid_at"`
		Metadata  map[string]string `json:"metadata"`
	} `json:"data"`
}

// VerifyWebhook authenticates the raw body and normalises the event.
func (a *PaystackAdapter) VerifyWebhook(body []byte, headers http.Header) (VerifiedEvent, error) {
	scheme := signature.BodyHMAC{Header: paystackSignatureHeader, Secret: a.Secret, New: sha512.New}
	if err := scheme.Verify(body, headers); err != nil {
		return VerifiedEvent{}, err
	}
	var payload paystackEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return VerifiedEvent{}, fmt.Errorf("%w: malformed payload", signature.ErrInvalidSignature)
	}
	eventType, ok := normalisePaystackEvent(payload.Event)
	if !ok {
		eventType = EventPaymentPending
	}
	ts := time.Now()
	if parsed, err := time.Parse(time.RFC3339, payload.Data.PaidAt); err == nil {
		ts = parsed
	}
	return VerifiedEvent{
		Type:        eventType,
		Reference:   payload.Data.Reference,
		AmountMinor: payload.Data.Amount,
		Currency:    payload.Data.Currency,
		Timestamp:   ts,
		Provider:    Paystack,
		Metadata:    payload.Data.Metadata,
		Raw:         body,
	}, nil
}

func normalisePaystackEvent(event string) (EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "charge.success":
		return EventPaymentSuccess, true
	case "charge.failed", "invoice.payment_failed":
		return EventPaymentFailed, true
	case "charge.pending":
		return EventPaymentPending, true
	case "refund.processed":
		return EventRefundSuccess, true
	case "refund.failed":
		return EventRefundFailed, true
	default:
		return "", false
	}
}

func normalisePaystackRefund(status string) RefundStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "processed", "success":
		return RefundCompleted
	case "pending", "processing":
		return RefundPending
	default:
		return RefundFailed
	}
}

func (a *PaystackAdapter) baseURL() string {
	host := strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if host == "" {
		host = "https://api.paystack.co"
	}
	return host
}

func (a *PaystackAdapter) intentTTL() time.Duration {
	if a.IntentTTL <= 0 {
		return 15 * time.Minute
	}
	return a.IntentTTL
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func isRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
