package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Stable error codes surfaced to callers. Internal details (instance
// addresses, stack traces) never appear in response bodies.
const (
	CodeInvalidInstance    = "invalid_instance"
	CodeServiceUnavailable = "service_unavailable"
	CodeCircuitOpen        = "circuit_open"
	CodeRateLimited        = "rate_limited"
	CodeTimeout            = "timeout"
	CodeBadGateway         = "bad_gateway"
)

// Error is a gateway-generated failure with a stable code and an
// optional retry hint.
type Error struct {
	// Code is the stable machine-readable error code.
	Code string `json:"code"`

	// Status is the HTTP status to respond with.
	Status int `json:"-"`

	// Message is a human-readable description safe to expose.
	Message string `json:"message"`

	// RetryAfter is the suggested wait before retrying, zero when not
	// applicable.
	RetryAfter time.Duration `json:"-"`

	// Cause is the underlying error, never serialized.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a gateway error.
func NewError(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// WithRetryAfter sets the retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithCause sets the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

type errorBody struct {
	Error *Error `json:"error"`
}

// WriteError writes a gateway error as a JSON response, setting
// Retry-After when a hint is present.
func WriteError(w http.ResponseWriter, gwErr *Error) {
	w.Header().Set("Content-Type", "application/json")
	if gwErr.RetryAfter > 0 {
		secs := int(gwErr.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.WriteHeader(gwErr.Status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: gwErr})
}
