package provider

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-stays/internal/resilience"
	"github.com/noah-isme/backend-stays/internal/signature"
)

const flutterwaveSignatureHeader = "Verif-Hash"

// FlutterwaveAdapter integrates the wallet rail. Flutterwave signs webhooks
// with HMAC-SHA256 over the raw body and quotes amounts in major units, so
// minor-unit amounts are scaled at the boundary in both directions.
type FlutterwaveAdapter struct {
	Secret    string
	BaseURL   string
	Namespace string
	IntentTTL time.Duration
	Client    resilience.Client
	Logger    zerolog.Logger
}

// ID implements Adapter.
func (a *FlutterwaveAdapter) ID() ID { return Flutterwave }

// Capabilities implements Adapter.
func (a *FlutterwaveAdapter) Capabilities() Capability {
	return Capability{
		Methods:    []string{"wallet", "card", "bank_transfer"},
		Currencies: []string{"NGN", "GHS", "UGX", "TZS", "RWF", "KES", "USD"},
		Countries:  []string{"NG", "GH", "UG", "TZ", "RW", "KE", "ZM"},
	}
}

// SupportsCountry implements Adapter.
func (a *FlutterwaveAdapter) SupportsCountry(code string) bool {
	return a.Capabilities().HasCountry(strings.ToUpper(code))
}

type flutterwavePaymentReq struct {
	TxRef       string            `json:"tx_ref"`
	Amount      string            `json:"amount"`
	Currency    string            `json:"currency"`
	RedirectURL string            `json:"redirect_url,omitempty"`
	Customer    map[string]string `json:"customer"`
	Meta        map[string]string `json:"meta,omitempty"`
}

type flutterwavePaymentResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		Link string `json:"link"`
	} `json:"data"`
}

// CreateIntent opens a hosted payment link. Amounts cross the wire in major
// units; the minor-unit original is carried in meta for reconciliation.
func (a *FlutterwaveAdapter) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	reference := NewReference(a.Namespace, Flutterwave)
	meta := cloneMeta(req.Metadata)
	meta["original_amount_minor"] = fmt.Sprintf("%d", req.AmountMinor)
	meta["original_currency"] = req.Currency

	var resp flutterwavePaymentResp
	err := postJSON(ctx, a.Client, a.baseURL()+"/v3/payments", "Authorization", "Bearer "+a.Secret, flutterwavePaymentReq{
		TxRef:    reference,
		Amount:   majorUnits(req.AmountMinor),
		Currency: req.Currency,
		Customer: map[string]string{"email": req.CustomerEmail},
		Meta:     meta,
	}, &resp)
	if err != nil {
		return Intent{}, err
	}
	if !strings.EqualFold(resp.Status, "success") {
		return Intent{}, fmt.Errorf("%w: %s", ErrRejected, resp.Message)
	}
	return Intent{
		Reference:   reference,
		CheckoutURL: resp.Data.Link,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		ExpiresAt:   time.Now().Add(a.intentTTL()),
		Metadata:    meta,
	}, nil
}

type flutterwaveRefundResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// Refund issues a refund against the original transaction reference.
func (a *FlutterwaveAdapter) Refund(ctx context.Context, reference string, amountMinor int64) (RefundResult, error) {
	payload := map[string]any{"tx_ref": reference}
	if amountMinor > 0 {
		payload["amount"] = majorUnits(amountMinor)
	}
	var resp flutterwaveRefundResp
	err := postJSON(ctx, a.Client, a.baseURL()+"/v3/refunds", "Authorization", "Bearer "+a.Secret, payload, &resp)
	if err != nil {
		if isRejected(err) {
			a.Logger.Warn().Err(err).Str("reference", reference).Msg("flutterwave refund rejected")
			return RefundResult{Status: RefundFailed}, nil
		}
		return RefundResult{}, err
	}
	if !strings.EqualFold(resp.Status, "success") {
		return RefundResult{Status: RefundFailed}, nil
	}
	return RefundResult{
		ProviderRefundID: fmt.Sprintf("%d", resp.Data.ID),
		Status:           normaliseFlutterwaveRefund(resp.Data.Status),
	}, nil
}

type flutterwaveEvent struct {
	Event string `json:"event"`
	Data  struct {
		TxRef     string            `json:"tx_ref"`
		Amount    float64           `json:"amount"`
		Currency  string            `json:"currency"`
		Status    string            `json:"status"`
		CreatedAt string            `json:"created_at"`
		Meta      map[string]string `json:"meta"`
	} `json:"data"`
}

// VerifyWebhook authenticates the raw body and normalises the event. The
// major-unit amount is scaled back to minor units before it leaves the
// adapter.
func (a *FlutterwaveAdapter) VerifyWebhook(body []byte, headers http.Header) (VerifiedEvent, error) {
	scheme := signature.BodyHMAC{Header: flutterwaveSignatureHeader, Secret: a.Secret, New: sha256.New}
	if err := scheme.Verify(body, headers); err != nil {
		return VerifiedEvent{}, err
	}
	var payload flutterwaveEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return VerifiedEvent{}, fmt.Errorf("%w: malformed payload", signature.ErrInvalidSignature)
	}
	eventType := normaliseFlutterwaveEvent(payload.Event, payload.Data.Status)
	ts := time.Now()
	if parsed, err := time.Parse(time.RFC3339, payload.Data.CreatedAt); err == nil {
		ts = parsed
	}
	return VerifiedEvent{
		Type:        eventType,
		Reference:   payload.Data.TxRef,
		AmountMinor: int64(math.Round(payload.Data.Amount * 100)),
		Currency:    payload.Data.Currency,
		Timestamp:   ts,
		Provider:    Flutterwave,
		Metadata:    payload.Data.Meta,
		Raw:         body,
	}, nil
}

func normaliseFlutterwaveEvent(event, status string) EventType {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "charge.completed":
		if strings.EqualFold(status, "successful") {
			return EventPaymentSuccess
		}
		return EventPaymentFailed
	case "charge.failed":
		return EventPaymentFailed
	case "refund.completed":
		if strings.EqualFold(status, "completed") || strings.EqualFold(status, "successful") {
			return EventRefundSuccess
		}
		return EventRefundFailed
	default:
		return EventPaymentPending
	}
}

func normaliseFlutterwaveRefund(status string) RefundStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "successful":
		return RefundCompleted
	case "pending", "processing":
		return RefundPending
	default:
		return RefundFailed
	}
}

func (a *FlutterwaveAdapter) baseURL() string {
	host := strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if host == "" {
		host = "https://api.flutterwave.com"
	}
	return host
}

func (a *FlutterwaveAdapter) intentTTL() time.Duration {
	if a.IntentTTL <= 0 {
		return 15 * time.Minute
	}
	return a.IntentTTL
}

// majorUnits renders a minor-unit amount as the decimal string the provider
// expects, without a float round trip.
func majorUnits(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
