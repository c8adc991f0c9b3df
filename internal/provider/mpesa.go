package provider

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-stays/internal/resilience"
	"github.com/noah-isme/backend-stays/internal/signature"
)

const (
	mpesaSignatureHeader = "X-Mpesa-Signature"
	mpesaTimestampHeader = "X-Mpesa-Timestamp"
)

// MpesaAdapter integrates the mobile-money rail. M-Pesa settles exclusively
// in KES whole shillings, pushes the charge to the customer's handset instead
// of redirecting, and signs webhooks with a timestamped HMAC-SHA256.
type MpesaAdapter struct {
	Secret    string
	BaseURL   string
	ShortCode string
	Namespace string
	IntentTTL time.Duration
	Tolerance time.Duration
	Rates     RateTable
	Client    resilience.Client
	Logger    zerolog.Logger
}

// ID implements Adapter.
func (a *MpesaAdapter) ID() ID { return Mpesa }

// Capabilities implements Adapter. Single currency, single corridor.
func (a *MpesaAdapter) Capabilities() Capability {
	return Capability{
		Methods:    []string{"mobile_money"},
		Currencies: []string{"KES"},
		Countries:  []string{"KE"},
	}
}

// SupportsCountry implements Adapter.
func (a *MpesaAdapter) SupportsCountry(code string) bool {
	return strings.EqualFold(code, "KE")
}

type mpesaPushReq struct {
	ShortCode string `json:"short_code"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	Phone     string `json:"phone,omitempty"`
	Email     string `json:"email,omitempty"`
}

type mpesaPushResp struct {
	ResponseCode        string `json:"response_code"`
	ResponseDescription string `json:"response_description"`
	CheckoutRequestID   string `json:"checkout_request_id"`
}

// CreateIntent converts the amount to whole KES shillings and triggers an
// STK push. There is no checkout URL; the customer approves on the handset.
func (a *MpesaAdapter) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	reference := NewReference(a.Namespace, Mpesa)
	meta := cloneMeta(req.Metadata)
	meta["original_amount_minor"] = fmt.Sprintf("%d", req.AmountMinor)
	meta["original_currency"] = req.Currency

	kesMinor := a.rates().Convert(req.AmountMinor, req.Currency, "KES", a.Logger)
	shillings := kesMinor / 100
	if shillings < 1 {
		shillings = 1
	}

	var resp mpesaPushResp
	err := postJSON(ctx, a.Client, a.baseURL()+"/stkpush/v1/processrequest", "Authorization", "Bearer "+a.Secret, mpesaPushReq{
		ShortCode: a.ShortCode,
		Amount:    shillings,
		Reference: reference,
		Phone:     req.Metadata["phone"],
		Email:     req.CustomerEmail,
	}, &resp)
	if err != nil {
		return Intent{}, err
	}
	if resp.ResponseCode != "0" {
		return Intent{}, fmt.Errorf("%w: %s", ErrRejected, resp.ResponseDescription)
	}
	meta["checkout_request_id"] = resp.CheckoutRequestID
	return Intent{
		Reference:   reference,
		AmountMinor: shillings * 100,
		Currency:    "KES",
		ExpiresAt:   time.Now().Add(a.intentTTL()),
		Metadata:    meta,
	}, nil
}

type mpesaReversalResp struct {
	ResponseCode        string `json:"response_code"`
	ResponseDescription string `json:"response_description"`
	ConversationID      string `json:"conversation_id"`
}

// Refund issues a transaction reversal. Reversals settle asynchronously, so
// an accepted request reports PENDING until the reversal webhook lands.
func (a *MpesaAdapter) Refund(ctx context.Context, reference string, amountMinor int64) (RefundResult, error) {
	payload := map[string]any{
		"short_code": a.ShortCode,
		"reference":  reference,
	}
	if amountMinor > 0 {
		payload["amount"] = amountMinor / 100
	}
	var resp mpesaReversalResp
	err := postJSON(ctx, a.Client, a.baseURL()+"/reversal/v1/request", "Authorization", "Bearer "+a.Secret, payload, &resp)
	if err != nil {
		if isRejected(err) {
			a.Logger.Warn().Err(err).Str("reference", reference).Msg("mpesa reversal rejected")
			return RefundResult{Status: RefundFailed}, nil
		}
		return RefundResult{}, err
	}
	if resp.ResponseCode != "0" {
		return RefundResult{Status: RefundFailed}, nil
	}
	return RefundResult{
		ProviderRefundID: resp.ConversationID,
		Status:           RefundPending,
	}, nil
}

type mpesaEvent struct {
	TransactionType string `json:"transaction_type"`
	ResultCode      int    `json:"result_code"`
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	TransactionTime int64  `json:"transaction_time"`
}

// VerifyWebhook authenticates the timestamped signature and normalises the
// callback. Amounts arrive in whole shillings and are scaled to minor units.
func (a *MpesaAdapter) VerifyWebhook(body []byte, headers http.Header) (VerifiedEvent, error) {
	scheme := signature.TimestampedHMAC{
		SigHeader: mpesaSignatureHeader,
		TSHeader:  mpesaTimestampHeader,
		Secret:    a.Secret,
		New:       sha256.New,
		Tolerance: a.Tolerance,
	}
	if err := scheme.Verify(body, headers); err != nil {
		return VerifiedEvent{}, err
	}
	var payload mpesaEvent
	if err := json.Unmarshal(body, &payload); err != nil {
		return VerifiedEvent{}, fmt.Errorf("%w: malformed payload", signature.ErrInvalidSignature)
	}
	ts := time.Now()
	if payload.TransactionTime > 0 {
		ts = time.Unix(payload.TransactionTime, 0)
	}
	return VerifiedEvent{
		Type:        normaliseMpesaEvent(payload.TransactionType, payload.ResultCode),
		Reference:   payload.Reference,
		AmountMinor: payload.Amount * 100,
		Currency:    "KES",
		Timestamp:   ts,
		Provider:    Mpesa,
		Raw:         body,
	}, nil
}

func normaliseMpesaEvent(txType string, resultCode int) EventType {
	reversal := strings.EqualFold(strings.TrimSpace(txType), "reversal")
	if resultCode == 0 {
		if reversal {
			return EventRefundSuccess
		}
		return EventPaymentSuccess
	}
	if reversal {
		return EventRefundFailed
	}
	return EventPaymentFailed
}

func (a *MpesaAdapter) baseURL() string {
	host := strings.TrimRight(strings.TrimSpace(a.BaseURL), "/")
	if host == "" {
		host = "https://api.safaricom.co.ke/mpesa"
	}
	return host
}

func (a *MpesaAdapter) intentTTL() time.Duration {
	if a.IntentTTL <= 0 {
		return 15 * time.Minute
	}
	return a.IntentTTL
}

func (a *MpesaAdapter) rates() RateTable {
	if a.Rates == nil {
		return DefaultRates
	}
	return a.Rates
}
