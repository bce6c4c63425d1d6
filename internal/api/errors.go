package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alicelabs/orchestrator/internal/core"
)

// statusFor maps the closed error taxonomy onto HTTP status codes.
func statusFor(class core.ErrorClass) int {
	switch class {
	case core.ErrClassAuth:
		return http.StatusUnauthorized
	case core.ErrClassValidation:
		return http.StatusBadRequest
	case core.ErrClassRateLimited:
		return http.StatusTooManyRequests
	case core.ErrClassGuardianReject, core.ErrClassBreakerOpen:
		return http.StatusServiceUnavailable
	case core.ErrClassTimeout:
		return http.StatusGatewayTimeout
	case core.ErrClassBackend5xx, core.ErrClassToolFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError emits the uniform error envelope. Any retry hint surfaces as a
// Retry-After header, including the negative-cache fast fail.
func writeError(w http.ResponseWriter, class core.ErrorClass, message, traceID string, retryAfter int) {
	status := statusFor(class)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(core.APIError{Error: core.APIErrorBody{
		Code:       class,
		Message:    message,
		TraceID:    traceID,
		RetryAfter: retryAfter,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
