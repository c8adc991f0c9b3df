package payment

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
	"github.com/noah-isme/backend-stays/internal/provider"
)

// Handlers exposes the payment API surface.
type Handlers struct {
	Service  *Service
	Registry *provider.Registry
	Validate *validator.Validate
	Logger   zerolog.Logger
}

type createPaymentRequest struct {
	BookingID     string            `json:"booking_id" validate:"required,uuid4"`
	Provider      string            `json:"provider" validate:"omitempty,oneof=paystack flutterwave mpesa"`
	Method        string            `json:"method" validate:"omitempty,max=32"`
	CustomerEmail string            `json:"customer_email" validate:"required,email"`
	Metadata      map[string]string `json:"metadata" validate:"omitempty,max=16"`
}

type paymentResponse struct {
	ID          string    `json:"id"`
	BookingID   string    `json:"booking_id"`
	GroupID     string    `json:"group_id,omitempty"`
	Provider    string    `json:"provider"`
	Reference   string    `json:"reference"`
	Method      string    `json:"method,omitempty"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	CheckoutURL string    `json:"checkout_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func toPaymentResponse(p Payment) paymentResponse {
	return paymentResponse{
		ID:          p.ID,
		BookingID:   p.BookingID,
		GroupID:     p.GroupID,
		Provider:    string(p.Provider),
		Reference:   p.Reference,
		Method:      p.Method,
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
		Status:      string(p.Status),
		CheckoutURL: p.CheckoutURL,
		ExpiresAt:   p.ExpiresAt,
		CreatedAt:   p.CreatedAt,
	}
}

// Create handles POST /payments.
func (h *Handlers) Create(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "request validation failed", err.Error())
		return
	}

	result, err := h.Service.Create(r.Context(), CreateRequest{
		BookingID:     req.BookingID,
		Provider:      provider.ID(req.Provider),
		Method:        req.Method,
		CustomerEmail: req.CustomerEmail,
		Metadata:      req.Metadata,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Reused {
		status = http.StatusOK
	}
	common.JSON(w, status, map[string]any{
		"payment": toPaymentResponse(result.Payment),
		"reused":  result.Reused,
	})
}

// Get handles GET /payments/{paymentID}.
func (h *Handlers) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.Service.Get(r.Context(), chi.URLParam(r, "paymentID"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	events := make([]map[string]any, 0, len(detail.Events))
	for _, ev := range detail.Events {
		events = append(events, map[string]any{
			"type":       string(ev.Type),
			"applied":    ev.Applied,
			"created_at": ev.CreatedAt,
		})
	}
	refunds := make([]map[string]any, 0, len(detail.Refunds))
	for _, rf := range detail.Refunds {
		refunds = append(refunds, map[string]any{
			"id":           rf.ID,
			"amount_minor": rf.AmountMinor,
			"status":       string(rf.Status),
			"created_at":   rf.CreatedAt,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"payment": toPaymentResponse(detail.Payment),
		"events":  events,
		"refunds": refunds,
	})
}

// BookingStatus handles GET /bookings/{bookingID}/payments.
func (h *Handlers) BookingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.StatusForBooking(r.Context(), chi.URLParam(r, "bookingID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	payments := make([]paymentResponse, 0, len(st.Payments))
	for _, p := range st.Payments {
		payments = append(payments, toPaymentResponse(p))
	}
	common.JSON(w, http.StatusOK, map[string]any{
		"booking_id":     st.Booking.ID,
		"booking_status": string(st.Booking.Status),
		"total_minor":    st.Booking.TotalMinor,
		"currency":       st.Booking.Currency,
		"payments":       payments,
	})
}

// Methods handles GET /payments/methods?country=XX.
func (h *Handlers) Methods(w http.ResponseWriter, r *http.Request) {
	country := r.URL.Query().Get("country")
	if country == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "country query parameter required", nil)
		return
	}
	methods := h.Registry.AvailableMethods(country)
	out := make(map[string][]string, len(methods))
	for id, m := range methods {
		out[string(id)] = m
	}
	common.JSON(w, http.StatusOK, map[string]any{"country": country, "methods": out})
}

type refundRequest struct {
	AmountMinor int64 `json:"amount_minor" validate:"gte=0"`
}

// Refund handles POST /payments/{paymentID}/refund.
func (h *Handlers) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "request validation failed", err.Error())
		return
	}

	rf, err := h.Service.Refund(r.Context(), chi.URLParam(r, "paymentID"), req.AmountMinor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusAccepted, map[string]any{
		"refund": map[string]any{
			"id":           rf.ID,
			"payment_id":   rf.PaymentID,
			"amount_minor": rf.AmountMinor,
			"status":       string(rf.Status),
			"created_at":   rf.CreatedAt,
		},
	})
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "PAYMENT_NOT_FOUND", "payment not found", nil)
	case errors.Is(err, booking.ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "BOOKING_NOT_FOUND", "booking not found", nil)
	case errors.Is(err, ErrInvalidBookingState):
		common.JSONError(w, http.StatusConflict, "INVALID_BOOKING_STATE", "booking cannot accept a payment", nil)
	case errors.Is(err, ErrNotRefundable):
		common.JSONError(w, http.StatusConflict, "NOT_REFUNDABLE", "payment is not refundable", nil)
	case errors.Is(err, ErrRefundExceedsAmount):
		common.JSONError(w, http.StatusUnprocessableEntity, "REFUND_EXCEEDS_AMOUNT", "refund exceeds captured amount", nil)
	case errors.Is(err, provider.ErrUnsupported):
		common.JSONError(w, http.StatusUnprocessableEntity, "PROVIDER_UNSUPPORTED", "no provider can serve this request", nil)
	case errors.Is(err, provider.ErrRejected):
		common.JSONError(w, http.StatusUnprocessableEntity, "PROVIDER_REJECTED", "provider rejected the request", nil)
	case errors.Is(err, provider.ErrUnavailable):
		common.JSONError(w, http.StatusBadGateway, "PROVIDER_UNAVAILABLE", "provider temporarily unavailable", nil)
	default:
		h.Logger.Error().Err(err).Msg("payment handler error")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
	}
}
