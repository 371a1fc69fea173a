// Package handler contains shared HTTP response helpers. Domain error codes
// map to HTTP status codes here, in one place.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labledger/labledger/internal/domain"
)

// codes maps domain error codes to HTTP status codes.
var codes = map[string]int{
	domain.ECONFLICT:     http.StatusConflict,
	domain.EINVALID:      http.StatusBadRequest,
	domain.ENOTFOUND:     http.StatusNotFound,
	domain.EUNAUTHORIZED: http.StatusUnauthorized,
	domain.EFORBIDDEN:    http.StatusForbidden,
	domain.ENOTIMPL:      http.StatusNotImplemented,
	domain.ERATELIMIT:    http.StatusTooManyRequests,
	domain.EPAYMENT:      http.StatusPaymentRequired,
	domain.EGONE:         http.StatusGone,
	domain.EINTERNAL:     http.StatusInternalServerError,
}

const internalErrorMessage = "An internal error occurred. Please try again later."

// ErrorCodeToHTTPStatus translates a domain error code to an HTTP status.
// Unknown codes are treated as internal errors.
func ErrorCodeToHTTPStatus(code string) int {
	if status, ok := codes[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// ErrorResponse writes err as an HTTP response. JSON clients get the
// {"error":{"code","message"}} envelope; others get plain text. Internal
// error details are logged, never sent to the client.
func ErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	message := domain.ErrorMessage(err)
	status := ErrorCodeToHTTPStatus(code)

	if code == domain.EINTERNAL {
		slog.Error("internal error",
			"op", domain.ErrorOp(err),
			"path", r.URL.Path,
			"error", err,
		)
		message = internalErrorMessage
	}

	writeError(w, r, status, errorBody{Code: code, Message: message})
}

// ValidationErrorResponse writes a validation error with its per-field
// messages. Non-validation errors fall back to ErrorResponse.
func ValidationErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if !domain.IsValidationError(err) {
		ErrorResponse(w, r, err)
		return
	}

	writeError(w, r, http.StatusBadRequest, errorBody{
		Code:    domain.EINVALID,
		Message: "Validation failed.",
		Fields:  domain.GetValidationFields(err),
	})
}

// NotFoundResponse writes a generic 404.
func NotFoundResponse(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, errorBody{
		Code:    domain.ENOTFOUND,
		Message: "The requested resource was not found.",
	})
}

// UnauthorizedResponse writes a generic 401.
func UnauthorizedResponse(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusUnauthorized, errorBody{
		Code:    domain.EUNAUTHORIZED,
		Message: "Authentication required.",
	})
}

// ForbiddenResponse writes a generic 403.
func ForbiddenResponse(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusForbidden, errorBody{
		Code:    domain.EFORBIDDEN,
		Message: "You do not have access to this resource.",
	})
}

// InternalErrorResponse logs err and writes a generic 500.
func InternalErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		slog.Error("internal error", "path", r.URL.Path, "error", err)
	}
	writeError(w, r, http.StatusInternalServerError, errorBody{
		Code:    domain.EINTERNAL,
		Message: internalErrorMessage,
	})
}

// AcceptsJSON reports whether the client wants a JSON response.
func AcceptsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasSuffix(r.URL.Path, ".json")
}

func writeError(w http.ResponseWriter, r *http.Request, status int, body errorBody) {
	if !AcceptsJSON(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body.Message))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorEnvelope{Error: body}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// RespondJSON writes v as a JSON response with the given status.
func RespondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
