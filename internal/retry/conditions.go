package retry

import (
	"errors"
	"io"
	"net"
	"net/url"
	"syscall"
)

// Condition decides whether a request outcome should be retried. A zero
// statusCode means no response was received.
type Condition interface {
	ShouldRetry(err error, statusCode int) bool
}

// NetworkErrorCondition retries transport level failures where the
// request may never have reached the upstream.
type NetworkErrorCondition struct{}

// OnNetworkErrors creates a condition matching connection and timeout
// failures.
func OnNetworkErrors() *NetworkErrorCondition {
	return &NetworkErrorCondition{}
}

// ShouldRetry implements Condition.
func (c *NetworkErrorCondition) ShouldRetry(err error, statusCode int) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || c.ShouldRetry(urlErr.Err, statusCode)
	}

	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// StatusCodeCondition retries on an explicit set of HTTP status codes.
type StatusCodeCondition struct {
	codes map[int]bool
}

// OnStatusCodes creates a condition matching the given status codes.
func OnStatusCodes(statusCodes ...int) *StatusCodeCondition {
	codes := make(map[int]bool, len(statusCodes))
	for _, code := range statusCodes {
		codes[code] = true
	}
	return &StatusCodeCondition{codes: codes}
}

// ShouldRetry implements Condition.
func (c *StatusCodeCondition) ShouldRetry(err error, statusCode int) bool {
	return c.codes[statusCode]
}

// ServerErrorCondition retries on 5xx responses.
type ServerErrorCondition struct{}

// On5xx creates a condition matching 5xx responses.
func On5xx() *ServerErrorCondition {
	return &ServerErrorCondition{}
}

// ShouldRetry implements Condition.
func (c *ServerErrorCondition) ShouldRetry(err error, statusCode int) bool {
	return statusCode >= 500 && statusCode < 600
}

// AnyCondition matches when any inner condition matches.
type AnyCondition struct {
	conditions []Condition
}

// OnAny combines conditions with OR logic.
func OnAny(conditions ...Condition) *AnyCondition {
	return &AnyCondition{conditions: conditions}
}

// ShouldRetry implements Condition.
func (c *AnyCondition) ShouldRetry(err error, statusCode int) bool {
	for _, condition := range c.conditions {
		if condition.ShouldRetry(err, statusCode) {
			return true
		}
	}
	return false
}

// NeverCondition never retries.
type NeverCondition struct{}

// Never creates a condition that rejects every retry.
func Never() *NeverCondition {
	return &NeverCondition{}
}

// ShouldRetry implements Condition.
func (c *NeverCondition) ShouldRetry(err error, statusCode int) bool {
	return false
}

// IsIdempotentMethod reports whether an HTTP method is safe to repeat
// when the first attempt may have been processed.
func IsIdempotentMethod(method string) bool {
	switch method {
	case "GET", "HEAD", "OPTIONS", "PUT", "DELETE":
		return true
	default:
		return false
	}
}
