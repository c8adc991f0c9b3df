package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-stays/internal/common"
	"github.com/noah-isme/backend-stays/internal/obs"
	"github.com/noah-isme/backend-stays/internal/provider"
	"github.com/noah-isme/backend-stays/internal/signature"
)

const webhookBodyLimit = 1 << 20

// Reconciler re-evaluates split-group settlement after a member payment
// reaches a terminal state.
type Reconciler interface {
	EnqueueReconcile(ctx context.Context, groupID string) error
}

// WebhookHandler terminates inbound provider callbacks: signature
// verification, replay suppression, then event application.
type WebhookHandler struct {
	Service    *Service
	Registry   *provider.Registry
	Redis      *redis.Client
	ReplayTTL  time.Duration
	Reconciler Reconciler
	Logger     zerolog.Logger
}

// Handle processes POST /webhooks/payment/{provider}.
//
// Response codes are chosen for the provider's retry loop: 400/401 mean the
// delivery can never succeed, 204 means it is settled (including duplicates
// and references we no longer know), 500 asks for a retry.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	id, err := provider.ParseID(chi.URLParam(r, "provider"))
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "unknown payment provider", nil)
		return
	}
	adapter, err := h.Registry.Adapter(id)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, "UNKNOWN_PROVIDER", "unknown payment provider", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		h.count(id, "read_error")
		common.JSONError(w, http.StatusBadRequest, "BAD_BODY", "unable to read request body", nil)
		return
	}

	ev, err := adapter.VerifyWebhook(body, r.Header)
	if err != nil {
		switch {
		case errors.Is(err, signature.ErrMissingSignature):
			h.count(id, "missing_signature")
			common.JSONError(w, http.StatusBadRequest, "MISSING_SIGNATURE", "signature header required", nil)
		case errors.Is(err, signature.ErrStaleTimestamp):
			h.count(id, "stale")
			common.JSONError(w, http.StatusUnauthorized, "STALE_TIMESTAMP", "signed timestamp outside tolerance", nil)
		default:
			h.count(id, "invalid_signature")
			common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
		}
		return
	}

	if h.seenBefore(r.Context(), body) {
		h.count(id, "replay")
		h.Logger.Info().Str("provider", string(id)).Str("reference", ev.Reference).Msg("duplicate webhook suppressed")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out, err := h.Service.ApplyEvent(r.Context(), ev)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Signature was valid but the reference is unknown. Dropping it
			// beats making the provider retry a delivery that can never match.
			h.count(id, "unmatched")
			h.Logger.Warn().
				Str("provider", string(id)).
				Str("reference", ev.Reference).
				Str("event", string(ev.Type)).
				Msg("webhook reference did not match any payment")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.count(id, "error")
		h.Logger.Error().Err(err).Str("provider", string(id)).Str("reference", ev.Reference).Msg("apply webhook event")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "event application failed", nil)
		return
	}

	if out.NeedsReconcile && h.Reconciler != nil {
		if err := h.Reconciler.EnqueueReconcile(r.Context(), out.Payment.GroupID); err != nil {
			// The periodic group sweep settles anything missed here.
			h.Logger.Error().Err(err).Str("group_id", out.Payment.GroupID).Msg("enqueue group reconcile")
		}
	}

	if out.Transitioned {
		h.count(id, "applied")
	} else {
		h.count(id, "ignored")
	}
	w.WriteHeader(http.StatusNoContent)
}

// seenBefore marks the body digest and reports whether it was already marked.
// Redis being down fails open: a duplicate slipping through is still caught
// by the status guard.
func (h *WebhookHandler) seenBefore(ctx context.Context, body []byte) bool {
	if h.Redis == nil {
		return false
	}
	ttl := h.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	key := "webhook:replay:" + common.Sha256Hex(string(body))
	ok, err := h.Redis.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		h.Logger.Warn().Err(err).Msg("webhook replay guard unavailable")
		return false
	}
	return !ok
}

func (h *WebhookHandler) count(id provider.ID, result string) {
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(string(id), result).Inc()
	}
}
