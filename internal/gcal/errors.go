// Package gcal provides an HTTP client for the Google Calendar API
// with error classification, retry with backoff, and typed operations
// for the subset of the API the sync engine depends on.
package gcal

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Kind classifies a provider call failure. Use Classify to obtain it
// and APIError.Retryable to decide whether to retry.
type Kind string

const (
	KindRateLimit    Kind = "RATE_LIMIT"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindServerError  Kind = "SERVER_ERROR"
	KindNetworkError Kind = "NETWORK_ERROR"
	KindUnknown      Kind = "UNKNOWN"
)

// Sentinel errors for classification. Use errors.Is(err, gcal.ErrNotFound)
// to check without unwrapping the full APIError.
var (
	ErrRateLimit    = errors.New("gcal: rate limited")
	ErrUnauthorized = errors.New("gcal: unauthorized")
	ErrForbidden    = errors.New("gcal: forbidden")
	ErrNotFound     = errors.New("gcal: not found")
	ErrServerError  = errors.New("gcal: server error")
	ErrNetworkError = errors.New("gcal: network error")
)

// Default retry delays when the provider supplies no Retry-After hint.
const (
	quotaRetryDelay   = 60 * time.Second
	rateRetryDelay    = 10 * time.Second
	serverRetryDelay  = 5 * time.Second
	networkRetryDelay = 3 * time.Second
)

// APIError is a classified provider call failure. Retryable failures
// carry a suggested delay, taken from the provider's Retry-After header
// when present.
type APIError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Retryable  bool
	RetryAfter time.Duration
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gcal: HTTP %d (%s): %s", e.StatusCode, e.Kind, e.Message)
	}

	return fmt.Sprintf("gcal: %s: %s", e.Kind, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Classify turns any error from a provider call into an APIError.
// Errors that are already classified pass through unchanged, so
// classification happens exactly once at the call boundary.
func Classify(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if isNetworkError(err) {
		return &APIError{
			Kind:       KindNetworkError,
			Message:    err.Error(),
			Retryable:  true,
			RetryAfter: networkRetryDelay,
			Err:        ErrNetworkError,
		}
	}

	return &APIError{
		Kind:    KindUnknown,
		Message: err.Error(),
	}
}

// classifyResponse maps an HTTP error status plus response details to an
// APIError. retryAfter is the parsed Retry-After header (zero if absent).
func classifyResponse(status int, body string, retryAfter time.Duration) *APIError {
	switch {
	case status == http.StatusUnauthorized:
		// Retryable because a token refresh may resolve it.
		return &APIError{
			Kind: KindUnauthorized, StatusCode: status, Message: body,
			Retryable: true, Err: ErrUnauthorized,
		}

	case status == http.StatusForbidden:
		// Google reports quota exhaustion as 403 with rate/quota wording.
		lower := strings.ToLower(body)
		if strings.Contains(lower, "quota") || strings.Contains(lower, "rate") {
			if retryAfter <= 0 {
				retryAfter = quotaRetryDelay
			}

			return &APIError{
				Kind: KindRateLimit, StatusCode: status, Message: body,
				Retryable: true, RetryAfter: retryAfter, Err: ErrRateLimit,
			}
		}

		return &APIError{
			Kind: KindForbidden, StatusCode: status, Message: body,
			Err: ErrForbidden,
		}

	case status == http.StatusNotFound:
		return &APIError{
			Kind: KindNotFound, StatusCode: status, Message: body,
			Err: ErrNotFound,
		}

	case status == http.StatusTooManyRequests:
		if retryAfter <= 0 {
			retryAfter = rateRetryDelay
		}

		return &APIError{
			Kind: KindRateLimit, StatusCode: status, Message: body,
			Retryable: true, RetryAfter: retryAfter, Err: ErrRateLimit,
		}

	case status >= http.StatusInternalServerError:
		return &APIError{
			Kind: KindServerError, StatusCode: status, Message: body,
			Retryable: true, RetryAfter: serverRetryDelay, Err: ErrServerError,
		}

	default:
		return &APIError{
			Kind: KindUnknown, StatusCode: status, Message: body,
			Retryable: status >= http.StatusInternalServerError,
		}
	}
}

// isNetworkError reports whether err is a connection-level failure
// (refused, timeout, unresolved host) rather than an HTTP-level one.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
