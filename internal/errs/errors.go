package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RateLimitError indicates a provider signaled quota exhaustion. The provider
// is skipped for the current window, never retried in place.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Provider)
}

// AuthError indicates invalid credentials. The provider is unusable until its
// configuration changes.
type AuthError struct {
	Provider string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Reason)
}

// NotFoundError indicates the symbol is unknown to that provider. It
// propagates to the next provider, not to the caller.
type NotFoundError struct {
	Provider string
	Symbol   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: symbol %s not found", e.Provider, e.Symbol)
}

// TransientError wraps a network failure or timeout. It counts toward the
// source's circuit breaker and triggers failover to the next provider.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError indicates caller input that is rejected outright rather
// than silently defaulted.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

// ProviderAttempt records one failed provider call inside an exhausted chain.
type ProviderAttempt struct {
	Provider string
	Err      error
}

// AllProvidersExhaustedError aggregates every underlying failure after the
// full provider chain has been walked without success.
type AllProvidersExhaustedError struct {
	DataType string
	Symbol   string
	Attempts []ProviderAttempt
}

func (e *AllProvidersExhaustedError) Error() string {
	msgs := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		msgs = append(msgs, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("all providers failed for %s %s: no eligible provider", e.DataType, e.Symbol)
	}
	return fmt.Sprintf("all providers failed for %s %s: [%s]", e.DataType, e.Symbol, strings.Join(msgs, "; "))
}

func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsExhausted(err error) bool {
	var ex *AllProvidersExhaustedError
	return errors.As(err, &ex)
}
