package split

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-stays/internal/booking"
	"github.com/noah-isme/backend-stays/internal/common"
	"github.com/noah-isme/backend-stays/internal/payment"
)

// Handlers exposes the split-payment API surface.
type Handlers struct {
	Service  *Service
	Validate *validator.Validate
	Logger   zerolog.Logger
}

type shareRequest struct {
	PayerEmail  string `json:"payer_email" validate:"required,email"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
}

type createGroupRequest struct {
	Shares []shareRequest `json:"shares" validate:"required,min=1,max=20,dive"`
}

type contributionResponse struct {
	ID            string    `json:"id"`
	PayerEmail    string    `json:"payer_email"`
	PaymentID     string    `json:"payment_id,omitempty"`
	AmountMinor   int64     `json:"amount_minor"`
	Status        string    `json:"status"`
	CheckoutURL   string    `json:"checkout_url,omitempty"`
	Reference     string    `json:"reference,omitempty"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Create handles POST /bookings/{bookingID}/split.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "request validation failed", err.Error())
		return
	}

	shares := make([]Share, len(req.Shares))
	for i, sh := range req.Shares {
		shares[i] = Share{PayerEmail: sh.PayerEmail, AmountMinor: sh.AmountMinor}
	}
	result, err := h.Service.CreateGroup(r.Context(), chi.URLParam(r, "bookingID"), shares)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]contributionResponse, 0, len(result.Shares))
	for _, sh := range result.Shares {
		c := contributionResponse{
			ID:            sh.Contribution.ID,
			PayerEmail:    sh.Contribution.PayerEmail,
			PaymentID:     sh.Payment.ID,
			AmountMinor:   sh.Contribution.AmountMinor,
			Status:        string(sh.Contribution.Status),
			CheckoutURL:   sh.Payment.CheckoutURL,
			Reference:     sh.Payment.Reference,
			PaymentStatus: string(sh.Payment.Status),
			CreatedAt:     sh.Contribution.CreatedAt,
		}
		if sh.Err != nil {
			c.Error = sh.Err.Error()
		}
		out = append(out, c)
	}
	common.JSON(w, http.StatusCreated, map[string]any{
		"group": map[string]any{
			"id":          result.Group.ID,
			"booking_id":  result.Group.BookingID,
			"status":      string(result.Group.Status),
			"total_minor": result.Group.TotalMinor,
			"currency":    result.Group.Currency,
		},
		"contributions": out,
	})
}

// Status handles GET /splits/{groupID}.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Service.Status(r.Context(), chi.URLParam(r, "groupID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	byPayment := make(map[string]payment.Payment, len(detail.Payments))
	for _, p := range detail.Payments {
		byPayment[p.ID] = p
	}
	out := make([]contributionResponse, 0, len(detail.Contributions))
	for _, c := range detail.Contributions {
		resp := contributionResponse{
			ID:          c.ID,
			PayerEmail:  c.PayerEmail,
			PaymentID:   c.PaymentID,
			AmountMinor: c.AmountMinor,
			Status:      string(c.Status),
			CreatedAt:   c.CreatedAt,
		}
		if p, ok := byPayment[c.PaymentID]; ok {
			resp.Reference = p.Reference
			resp.CheckoutURL = p.CheckoutURL
			resp.PaymentStatus = string(p.Status)
		}
		out = append(out, resp)
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"group": map[string]any{
			"id":          detail.Group.ID,
			"booking_id":  detail.Group.BookingID,
			"status":      string(detail.Group.Status),
			"total_minor": detail.Group.TotalMinor,
			"currency":    detail.Group.Currency,
		},
		"contributions": out,
	})
}

// Retry handles POST /splits/{groupID}/contributions/{contributionID}/retry.
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	sh, err := h.Service.RetryShare(r.Context(),
		chi.URLParam(r, "groupID"), chi.URLParam(r, "contributionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, contributionResponse{
		ID:            sh.Contribution.ID,
		PayerEmail:    sh.Contribution.PayerEmail,
		PaymentID:     sh.Payment.ID,
		AmountMinor:   sh.Contribution.AmountMinor,
		Status:        string(sh.Contribution.Status),
		CheckoutURL:   sh.Payment.CheckoutURL,
		Reference:     sh.Payment.Reference,
		PaymentStatus: string(sh.Payment.Status),
		CreatedAt:     sh.Contribution.CreatedAt,
	})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrShareNotRetryable):
		common.JSONError(w, http.StatusConflict, "SHARE_NOT_RETRYABLE", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "GROUP_NOT_FOUND", "split group not found", nil)
	case errors.Is(err, booking.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "BOOKING_NOT_FOUND", "booking not found", nil)
	case errors.Is(err, payment.ErrInvalidBookingState):
		common.JSONError(w, http.StatusConflict, "INVALID_BOOKING_STATE", "booking cannot accept a split payment", nil)
	case errors.Is(err, ErrSharesMismatch), errors.Is(err, ErrNoShares):
		common.JSONError(w, http.StatusUnprocessableEntity, "INVALID_SHARES", err.Error(), nil)
	default:
		h.Logger.Error().Err(err).Msg("split handler error")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
