// Package errors defines the error taxonomy shared by the pool, limiter
// and checkpoint services.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for callers deciding between retrying,
// failing and surfacing to an operator.
type Kind string

const (
	// KindPoolExhausted means no eligible account existed at acquire
	// time. A normal condition under load; callers retry with backoff.
	KindPoolExhausted Kind = "pool_exhausted"
	// KindInvalidLease means an operation presented a lease that does
	// not correspond to a live, owned claim. Programming error; never
	// retried.
	KindInvalidLease Kind = "invalid_lease"
	// KindRateLimiterUnavailable means the bucket store is unreachable.
	// Heavy operations must fail closed rather than proceed unthrottled.
	KindRateLimiterUnavailable Kind = "rate_limiter_unavailable"
	// KindStoreUnavailable means the durable row store is unreachable.
	// Never substituted with in-memory state: exclusivity and quarantine
	// only hold when every process sees the same rows.
	KindStoreUnavailable Kind = "store_unavailable"
	// KindNoHealthyProxy means the rotation has no healthy proxy to hand
	// out. Leases proceed without a proxy.
	KindNoHealthyProxy Kind = "no_healthy_proxy"
)

// Error is a classified error carrying the failing operation and cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s (caused by: %v)", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewPoolExhausted creates a pool exhaustion error.
func NewPoolExhausted(op string) *Error {
	return &Error{
		Kind:    KindPoolExhausted,
		Op:      op,
		Message: "no eligible account available",
	}
}

// NewInvalidLease creates an invalid lease error.
func NewInvalidLease(op, accountID string) *Error {
	message := "no lease presented"
	if accountID != "" {
		message = fmt.Sprintf("lease for account %s is not live or not owned by caller", accountID)
	}
	return &Error{
		Kind:    KindInvalidLease,
		Op:      op,
		Message: message,
	}
}

// NewRateLimiterUnavailable creates a bucket store failure error.
func NewRateLimiterUnavailable(op string, cause error) *Error {
	return &Error{
		Kind:    KindRateLimiterUnavailable,
		Op:      op,
		Message: "bucket store unreachable",
		Cause:   cause,
	}
}

// NewStoreUnavailable creates a durable store failure error.
func NewStoreUnavailable(op string, cause error) *Error {
	return &Error{
		Kind:    KindStoreUnavailable,
		Op:      op,
		Message: "durable store unreachable",
		Cause:   cause,
	}
}

// NewNoHealthyProxy creates a proxy rotation exhaustion error.
func NewNoHealthyProxy(op string) *Error {
	return &Error{
		Kind:    KindNoHealthyProxy,
		Op:      op,
		Message: "no healthy proxy in rotation",
	}
}

// KindOf returns the kind of err, or the empty kind for errors outside
// the taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsPoolExhausted reports whether err is a pool exhaustion error.
func IsPoolExhausted(err error) bool {
	return KindOf(err) == KindPoolExhausted
}

// IsInvalidLease reports whether err is an invalid lease error.
func IsInvalidLease(err error) bool {
	return KindOf(err) == KindInvalidLease
}

// IsRateLimiterUnavailable reports whether err is a bucket store failure.
func IsRateLimiterUnavailable(err error) bool {
	return KindOf(err) == KindRateLimiterUnavailable
}

// IsStoreUnavailable reports whether err is a durable store failure.
func IsStoreUnavailable(err error) bool {
	return KindOf(err) == KindStoreUnavailable
}

// IsNoHealthyProxy reports whether err is a proxy rotation exhaustion.
func IsNoHealthyProxy(err error) bool {
	return KindOf(err) == KindNoHealthyProxy
}

// IsRetryable determines if an error may be retried by the caller.
// Exhaustion is the only retryable condition in the taxonomy: invalid
// leases are bugs, and store failures must fail the operation rather
// than spin against a dead backend.
func IsRetryable(err error) bool {
	return IsPoolExhausted(err)
}
