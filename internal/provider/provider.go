// Package provider abstracts structurally incompatible payment providers
// behind a single adapter contract. Adapters are stateless after
// construction and safe for concurrent use.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ID identifies a registered payment provider. The set is closed: adding a
// provider means adding a constant here and wiring its adapter into the
// registry, both compile-time-checked changes.
type ID string

const (
	Paystack    ID = "paystack"
	Flutterwave ID = "flutterwave"
	Mpesa       ID = "mpesa"
)

// ParseID maps an inbound path/body segment onto a known provider.
func ParseID(s string) (ID, error) {
	switch ID(s) {
	case Paystack, Flutterwave, Mpesa:
		return ID(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
}

// Tag returns the short provider tag embedded in payment references.
func (id ID) Tag() string {
	switch id {
	case Paystack:
		return "ps"
	case Flutterwave:
		return "flw"
	case Mpesa:
		return "mp"
	default:
		return "unk"
	}
}

// EventType enumerates canonical webhook outcomes.
type EventType string

const (
	EventPaymentSuccess EventType = "payment.success"
	EventPaymentFailed  EventType = "payment.failed"
	EventPaymentPending EventType = "payment.pending"
	EventRefundSuccess  EventType = "refund.success"
	EventRefundFailed   EventType = "refund.failed"
)

// Error taxonomy for adapter operations.
var (
	// ErrUnavailable covers network failures and timeouts; transient,
	// retryable at the caller's discretion.
	ErrUnavailable = errors.New("provider: unavailable")
	// ErrRejected covers business-level rejections from the provider; not
	// retryable without changing the input.
	ErrRejected = errors.New("provider: rejected")
	// ErrUnsupported indicates an unknown provider identifier.
	ErrUnsupported = errors.New("provider: unsupported")
)

// Capability reports what a provider can process. Immutable after
// construction; queried, never mutated.
type Capability struct {
	Methods    []string
	Currencies []string
	Countries  []string
}

// HasCurrency reports whether the provider settles the given ISO-4217 code.
func (c Capability) HasCurrency(code string) bool { return contains(c.Currencies, code) }

// HasMethod reports whether the provider supports the payment method.
func (c Capability) HasMethod(method string) bool { return contains(c.Methods, method) }

// HasCountry reports whether the provider operates in the ISO-3166 country.
func (c Capability) HasCountry(code string) bool { return contains(c.Countries, code) }

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// IntentRequest carries everything an adapter needs to open a payment
// collection session. Amounts are in minor units of Currency.
type IntentRequest struct {
	AmountMinor   int64
	Currency      string
	CustomerEmail string
	Metadata      map[string]string
}

// Intent is the provider-hosted checkout session returned at creation time.
// Created once, never mutated; superseded by the persisted payment record.
type Intent struct {
	Reference   string
	CheckoutURL string
	AmountMinor int64
	Currency    string
	ExpiresAt   time.Time
	Metadata    map[string]string
}

// VerifiedEvent is the canonical, signature-validated outcome of a webhook
// call. Produced fresh per delivery and used only to drive a state
// transition; never persisted as-is.
type VerifiedEvent struct {
	Type        EventType
	Reference   string
	AmountMinor int64
	Currency    string
	Timestamp   time.Time
	Provider    ID
	Metadata    map[string]string
	Raw         []byte
}

// RefundStatus reflects the provider's view of a refund attempt.
type RefundStatus string

const (
	RefundPending   RefundStatus = "PENDING"
	RefundCompleted RefundStatus = "COMPLETED"
	RefundFailed    RefundStatus = "FAILED"
)

// RefundResult is the adapter-level outcome of a refund call. A provider-side
// business failure is reported through Status, not an error, so the caller
// can persist a row reflecting reality instead of losing the attempt.
type RefundResult struct {
	ProviderRefundID string
	Status           RefundStatus
}

// Adapter is the contract every concrete payment provider implements.
type Adapter interface {
	ID() ID
	// CreateIntent generates a globally unique reference, converts the amount
	// into whatever unit the provider requires and opens a checkout session.
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// Refund issues a refund against a previously confirmed reference.
	// amountMinor of zero means full refund.
	Refund(ctx context.Context, reference string, amountMinor int64) (RefundResult, error)
	// VerifyWebhook authenticates the exact bytes received and normalises the
	// payload into a VerifiedEvent.
	VerifyWebhook(body []byte, headers http.Header) (VerifiedEvent, error)
	Capabilities() Capability
	SupportsCountry(code string) bool
}
