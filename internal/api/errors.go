package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/carefunds/funds-service/internal/app"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	Message   string `json:"message"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}

func statusForKind(kind app.Kind) int {
	switch kind {
	case app.KindValidation:
		return http.StatusBadRequest
	case app.KindAuthorization:
		return http.StatusForbidden
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindRateLimited:
		return http.StatusTooManyRequests
	case app.KindGateway:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps a service failure to its status code. Unclassified errors
// never leak their text to the caller.
func writeServiceError(w http.ResponseWriter, err error) {
	kind := app.KindOf(err)
	body := errorResponse{Error: string(kind), Retryable: app.IsTransient(err)}

	var allocErr *app.AllocationFailedError
	var appErr *app.Error
	switch {
	case errors.As(err, &allocErr):
		if allocErr.Refunded() {
			body.Message = "Transfer could not be completed. Your card charge has been refunded."
		} else {
			body.Message = "Transfer could not be completed and the refund is pending. Support has been notified."
		}
		body.Retryable = allocErr.Refunded()
	case errors.As(err, &appErr):
		body.Message = appErr.Message
	default:
		body.Error = string(app.KindUnknown)
		body.Message = "Internal server error"
	}

	writeJSON(w, statusForKind(kind), body)
}

// writeMessage writes an error body for failures raised by the HTTP layer itself.
func writeMessage(w http.ResponseWriter, status int, message string) {
	kind := app.KindValidation
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = app.KindAuthorization
	case http.StatusNotFound:
		kind = app.KindNotFound
	}
	writeJSON(w, status, errorResponse{Message: message, Error: string(kind)})
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
