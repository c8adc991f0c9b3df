package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the error envelope every handler in this service returns.
// Code is a stable machine-readable identifier (INVALID_BOOKING_STATE,
// REFUND_EXCEEDS_AMOUNT), Message is for humans, Details carries optional
// structured context such as validation output.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// JSON encodes v to the response with the given status. Encode errors are
// ignored; by the time they surface the status line is already on the wire.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError writes the canonical error envelope.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, errorEnvelope{Error: ErrorBody{Code: code, Message: message, Details: details}})
}
