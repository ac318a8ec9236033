package model

import (
	"errors"
	"fmt"
)

// ErrorKind buckets provider failures into the categories retry logic and
// operators care about.
type ErrorKind string

const (
	// ErrorKindAuth covers authentication and authorization failures.
	ErrorKindAuth ErrorKind = "auth"
	// ErrorKindInvalidRequest covers requests that will not succeed on retry.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"
	// ErrorKindRateLimited covers provider throttling.
	ErrorKindRateLimited ErrorKind = "rate_limited"
	// ErrorKindUnavailable covers transient provider failures (5xx, network).
	ErrorKindUnavailable ErrorKind = "unavailable"
	// ErrorKindUnknown covers everything else.
	ErrorKindUnknown ErrorKind = "unknown"
)

// ProviderError carries structured information about a provider failure
// across package boundaries. Adapters construct it; callers branch on Kind
// and Retryable without importing provider SDKs.
type ProviderError struct {
	// Provider identifies the backend, e.g. "bedrock".
	Provider string
	// Operation is the provider operation that failed, e.g. "converse".
	Operation string
	// Status is the HTTP status when known, otherwise 0.
	Status int
	// Kind is the coarse failure classification.
	Kind ErrorKind
	// Code is the provider-specific error code when known.
	Code string
	// Message is the provider error message when known.
	Message string
	// Retryable reports whether an unmodified retry may succeed.
	Retryable bool

	cause error
}

// WrapProviderError builds a ProviderError around cause. Rate-limit kinds
// additionally chain ErrRateLimited so errors.Is(err, ErrRateLimited) holds.
func WrapProviderError(pe *ProviderError, cause error) *ProviderError {
	pe.cause = cause
	if pe.Kind == ErrorKindRateLimited && cause != nil && !errors.Is(cause, ErrRateLimited) {
		pe.cause = fmt.Errorf("%w: %w", ErrRateLimited, cause)
	}
	return pe
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s %s (%s, http %d): %s", e.Provider, e.Kind, op, e.Status, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Provider, e.Kind, op, msg)
}

// Unwrap preserves the original error chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
