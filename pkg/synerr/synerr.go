// Package synerr defines the error taxonomy shared by every control-plane
// component. Components surface typed errors upward; the query coordinator is
// the single place that maps a Kind to a user-visible outcome.
package synerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry policy.
type Kind string

const (
	// KindValidation — malformed or out-of-range request input. Never retried.
	KindValidation Kind = "validation"
	// KindNoCapacity — admission control rejected the request. The caller may retry.
	KindNoCapacity Kind = "no_capacity"
	// KindModelTransient — connection-level model failure. The router may
	// re-select a different instance once.
	KindModelTransient Kind = "model_transient"
	// KindModelFatal — the model rejected the request (bad params, oversized
	// context). Never retried; the model is marked DEGRADED.
	KindModelFatal Kind = "model_fatal"
	// KindRetrievalUnavailable — the vector index is absent or unreadable.
	// The query proceeds without context.
	KindRetrievalUnavailable Kind = "retrieval_unavailable"
	// KindEmbeddingUnavailable — the embedding model is unreachable.
	// Treated the same as KindRetrievalUnavailable.
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	// KindCache — cache read/write failure. Silently bypassed.
	KindCache Kind = "cache"
	// KindModerator — the moderator probe failed. The dialogue continues.
	KindModerator Kind = "moderator"
	// KindCancelled — the request was cancelled.
	KindCancelled Kind = "cancelled"
	// KindTimeout — a deadline elapsed. Treated as cancellation with its own kind.
	KindTimeout Kind = "timeout"
	// KindInternal — an invariant was violated. Operator alert.
	KindInternal Kind = "internal"
)

// Error is a typed control-plane error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// AttemptedTiers is populated for KindNoCapacity so callers can report
	// which tiers were tried before rejection.
	AttemptedTiers []string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a typed error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and message. Returns nil if err is nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err, or KindInternal if err carries none.
// Context cancellation and deadline errors map to their dedicated kinds so
// that timeouts are uniformly treated as cancellation with a specific kind.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Recoverable reports whether the query can proceed despite err
// (degraded context, bypassed cache, skipped interjection).
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindRetrievalUnavailable, KindEmbeddingUnavailable, KindCache, KindModerator:
		return true
	}
	return false
}
