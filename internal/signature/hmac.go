// Package signature implements webhook authentication for inbound provider
// callbacks. Verifiers operate on the exact bytes received from the wire;
// callers must never re-serialize the payload before verification.
package signature

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMissingSignature indicates the declared signature header was absent.
	// Distinct from ErrInvalidSignature so operators can tell misconfiguration
	// apart from tampering.
	ErrMissingSignature = errors.New("signature: header missing")
	// ErrInvalidSignature indicates a present but non-matching signature.
	ErrInvalidSignature = errors.New("signature: verification failed")
	// ErrStaleTimestamp indicates the signed timestamp fell outside the replay window.
	ErrStaleTimestamp = errors.New("signature: timestamp outside tolerance")
)

// Scheme verifies a raw webhook body against request headers.
type Scheme interface {
	Verify(body []byte, headers http.Header) error
}

// BodyHMAC verifies an HMAC computed over the raw request body. The hash
// family (sha256, sha512) is configured per provider via New.
type BodyHMAC struct {
	Header string
	Secret string
	New    func() hash.Hash
}

// Verify checks the header-supplied hex digest against HMAC(secret, body).
func (s BodyHMAC) Verify(body []byte, headers http.Header) error {
	provided := strings.TrimSpace(headers.Get(s.Header))
	if provided == "" {
		return ErrMissingSignature
	}
	expected := computeHex(s.New, s.Secret, body)
	if !equalHex(expected, provided) {
		return ErrInvalidSignature
	}
	return nil
}

// TimestampedHMAC verifies an HMAC computed over "<timestamp>.<body>" and
// rejects timestamps outside the configured tolerance, protecting against
// replayed captures.
type TimestampedHMAC struct {
	SigHeader string
	TSHeader  string
	Secret    string
	New       func() hash.Hash
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify checks the signed timestamp window before comparing digests.
func (s TimestampedHMAC) Verify(body []byte, headers http.Header) error {
	provided := strings.TrimSpace(headers.Get(s.SigHeader))
	if provided == "" {
		return ErrMissingSignature
	}
	ts := strings.TrimSpace(headers.Get(s.TSHeader))
	if ts == "" {
		return ErrMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	tolerance := s.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	drift := now().Sub(time.Unix(unix, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > tolerance {
		return ErrStaleTimestamp
	}

	signed := make([]byte, 0, len(ts)+1+len(body))
	signed = append(signed, ts...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	expected := computeHex(s.New, s.Secret, signed)
	if !equalHex(expected, provided) {
		return ErrInvalidSignature
	}
	return nil
}

func computeHex(newHash func() hash.Hash, secret string, input []byte) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(input)
	return hex.EncodeToString(mac.Sum(nil))
}

// equalHex compares two hex digests in constant time.
func equalHex(expected, provided string) bool {
	if expected == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}
