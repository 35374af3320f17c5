package troupe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error per the runtime's taxonomy. REST shells map
// kinds to HTTP codes; in-process callers switch on them via KindOf.
type Kind string

const (
	// Validation: local, surfaced to caller, never retried.
	KindInvalidRequest  Kind = "invalid_request"
	KindToolValidation  Kind = "tool_validation"
	KindWorkflowInvalid Kind = "workflow_invalid"
	KindTenantMismatch  Kind = "tenant_mismatch"

	// Resource exhaustion: caller may retry with backoff.
	KindRateLimited    Kind = "rate_limited"
	KindInboxFull      Kind = "inbox_full"
	KindMemoryPressure Kind = "memory_pressure"

	// Availability: the gateway retries these within its deadline.
	KindCircuitOpen         Kind = "circuit_open"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindTimeout             Kind = "timeout"

	// Provider classification (gateway-internal refinement of availability).
	KindTransient         Kind = "transient"
	KindPermanentProvider Kind = "permanent_provider"
	KindRateLimitedRemote Kind = "rate_limited_remote"
	KindContentFilter     Kind = "content_filter"

	// Logic: misconfiguration, surfaced to caller.
	KindToolNotFound    Kind = "tool_not_found"
	KindToolInvocation  Kind = "tool_invocation"
	KindUnknownAgent    Kind = "unknown_agent"
	KindUnknownWorkflow Kind = "unknown_workflow"

	// Internal.
	KindInvariantBroken Kind = "invariant_broken"
	KindCancelled       Kind = "cancelled"
)

// Error is the typed error value used at every API boundary.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Tenant    string
	TaskID    string
	Retryable bool
	// Reason refines validation errors: "missing", "type_mismatch",
	// "out_of_range". Empty for other kinds.
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an Error with a formatted message.
func newError(kind Kind, component, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind of err, or "" when err carries no *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool { return KindOf(err) == kind }

// IsRetryable reports whether the caller may retry the failed operation.
// Resource and transient availability errors are retryable; everything
// else is not.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	if e.Retryable {
		return true
	}
	switch e.Kind {
	case KindRateLimited, KindInboxFull, KindMemoryPressure,
		KindTransient, KindRateLimitedRemote, KindProviderUnavailable, KindTimeout:
		return true
	}
	return false
}

// HTTPError is a typed HTTP failure from a model provider adapter.
// The gateway's classifier maps it onto the taxonomy above.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ClassifyProviderError maps a raw provider error to a taxonomy kind:
// context errors become Cancelled or Timeout, HTTP 429 becomes
// RateLimitedRemote, 5xx Transient, and remaining 4xx PermanentProvider.
// Errors that already carry a Kind pass through unchanged.
func ClassifyProviderError(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if k := KindOf(err); k != "" {
		return k
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.Status == 429:
			return KindRateLimitedRemote
		case he.Status >= 500:
			return KindTransient
		default:
			return KindPermanentProvider
		}
	}
	// Unrecognized errors are treated as transient network failures.
	return KindTransient
}

// countsAsBreakerFailure reports whether a classified provider error
// should trip the circuit breaker. Rate-limit and validation failures do
// not count; cancellations count as neither success nor failure.
func countsAsBreakerFailure(kind Kind) bool {
	switch kind {
	case KindTransient, KindProviderUnavailable, KindTimeout, KindPermanentProvider:
		return true
	}
	return false
}
