package api

import (
	"encoding/json"
	"net/http"

	"github.com/nerrad567/gray-logic-avr/internal/bridges/jblav"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeInternal           = "internal_error"
	ErrCodeServiceUnavailable = "service_unavailable"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeUnavailable writes a 503 for an optional subsystem that is not configured.
func writeUnavailable(w http.ResponseWriter, message string) {
	writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, message)
}

// ackStatus maps a failed acknowledgment to an HTTP status.
func ackStatus(ack jblav.AckMessage) int {
	if ack.Error == nil {
		return http.StatusAccepted
	}
	switch ack.Error.Code {
	case jblav.ErrCodeInvalidCommand, jblav.ErrCodeOutOfRange:
		return http.StatusBadRequest
	case jblav.ErrCodeForbidden:
		return http.StatusForbidden
	case jblav.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case jblav.ErrCodeNotConnected:
		return http.StatusServiceUnavailable
	case jblav.ErrCodeSendFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
