// Package retry provides the typed error taxonomy, retry-with-backoff
// primitive, and shared circuit breaker used by every broker-facing call.
package retry

import (
	"errors"
	"fmt"
)

// Kind classifies an error along the Retriable / NonRetriable / Fatal axis.
type Kind string

const (
	KindNetworkTimeout      Kind = "network_timeout"
	KindRateLimit           Kind = "rate_limit"
	KindServerError5xx      Kind = "server_error_5xx"
	KindTransientAuthExpired Kind = "transient_auth_expired"

	KindClientError4xx       Kind = "client_error_4xx"
	KindInvalidInput         Kind = "invalid_input"
	KindUnsupportedOrderType Kind = "unsupported_order_type"
	KindInsufficientFunds    Kind = "insufficient_funds"

	KindAuthPermanentlyFailed Kind = "auth_permanently_failed"
	KindConfigInvalid         Kind = "config_invalid"
)

// Class is the broad retry disposition of a Kind.
type Class int

const (
	Retriable Class = iota
	NonRetriable
	Fatal
)

func (k Kind) Class() Class {
	switch k {
	case KindNetworkTimeout, KindRateLimit, KindServerError5xx, KindTransientAuthExpired:
		return Retriable
	case KindAuthPermanentlyFailed, KindConfigInvalid:
		return Fatal
	default:
		return NonRetriable
	}
}

// TypedError wraps an underlying cause with a Kind, preserving the chain so
// errors.As/errors.Is resolve through it.
type TypedError struct {
	Kind       Kind
	RetryAfterS float64 // only meaningful for KindRateLimit
	Cause      error
}

func New(kind Kind, cause error) *TypedError {
	return &TypedError{Kind: kind, Cause: cause}
}

func NewRateLimit(retryAfterS float64, cause error) *TypedError {
	return &TypedError{Kind: KindRateLimit, RetryAfterS: retryAfterS, Cause: cause}
}

func (e *TypedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s", e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *TypedError) Unwrap() error {
	return e.Cause
}

// ClassOf walks the error chain looking for a *TypedError and returns its
// Class; a plain error with no TypedError in its chain is treated as
// NonRetriable, matching spec.md's fail-fast default.
func ClassOf(err error) Class {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Kind.Class()
	}
	return NonRetriable
}

// KindOf returns the Kind of the first TypedError in err's chain, and
// whether one was found.
func KindOf(err error) (Kind, bool) {
	var te *TypedError
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// RetryAfterOf returns the Retry-After seconds carried by a rate-limit
// error, if any.
func RetryAfterOf(err error) (float64, bool) {
	var te *TypedError
	if errors.As(err, &te) && te.Kind == KindRateLimit {
		return te.RetryAfterS, true
	}
	return 0, false
}

// ErrExhausted is wrapped around the final error when WithRetry gives up
// after MaxAttempts.
var ErrExhausted = errors.New("retry attempts exhausted")

// MapHTTPStatus maps a broker HTTP status code to a Kind, per spec.md §6:
// 401/403 -> NonRetriable, 429 -> RateLimit, 5xx -> Retriable, else
// NonRetriable.
func MapHTTPStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindClientError4xx
	case status == 429:
		return KindRateLimit
	case status >= 500 && status < 600:
		return KindServerError5xx
	case status >= 400 && status < 500:
		return KindClientError4xx
	default:
		return KindClientError4xx
	}
}
