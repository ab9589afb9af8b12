// Package errors defines the structured error taxonomy for Railscope.
// Every error crossing a component boundary carries a Kind so callers can
// decide between retry, degradation, and propagation without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error for propagation policy and exit-code mapping.
type Kind int

const (
	// KindInternal is an unexpected invariant violation. Surfaces as a
	// single opaque error to external callers.
	KindInternal Kind = iota

	// KindValidation is malformed input: unknown filter key, out-of-range
	// score, bad identifier charset. Fail fast, never retry.
	KindValidation

	// KindNotFound means an identifier is absent from the unit store.
	KindNotFound

	// KindDegraded means a backend circuit is open but retrieval can still
	// proceed with reduced strategies.
	KindDegraded

	// KindCircuitOpen means a specific component is temporarily unavailable.
	KindCircuitOpen

	// KindCancelled means a deadline was exceeded or the request was
	// cancelled.
	KindCancelled

	// KindLockContention means the pipeline lock is held by another process.
	KindLockContention

	// KindCooldown means a full pipeline run was requested too soon after
	// the previous one.
	KindCooldown

	// KindTransient is retriable I/O, handled by the retryable provider.
	KindTransient

	// KindCorruption means a checkpoint/manifest mismatch was detected.
	// Surfaced to the operator; requires repair.
	KindCorruption
)

// String returns the wire name of the kind, used as error_type in tool
// responses.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindDegraded:
		return "degraded"
	case KindCircuitOpen:
		return "circuit_open"
	case KindCancelled:
		return "cancelled"
	case KindLockContention:
		return "lock_contention"
	case KindCooldown:
		return "cooldown"
	case KindTransient:
		return "transient"
	case KindCorruption:
		return "corruption"
	default:
		return "internal"
	}
}

// Retryable reports whether an operation failing with this kind may be
// retried. Only transient I/O qualifies; circuit transitions and retries must
// never be driven by other kinds.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// ExitCode maps the kind to the documented CLI exit codes:
// 0 success, 1 validation, 2 not found, 3 pipeline locked, 4 cooldown,
// 5 degraded backend, 6 internal error.
func (k Kind) ExitCode() int {
	switch k {
	case KindValidation:
		return 1
	case KindNotFound:
		return 2
	case KindLockContention:
		return 3
	case KindCooldown:
		return 4
	case KindDegraded, KindCircuitOpen:
		return 5
	default:
		return 6
	}
}

// Error is the structured error type. It wraps an optional cause and carries
// free-form detail pairs for logging.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "index.embed_batch"
	Message string
	Details map[string]string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches by kind, enabling errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail attaches a key-value detail and returns the error for chaining.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates an Error with the given kind, operation, and message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps a cause with a kind and operation. Returns nil for a nil cause.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Message: cause.Error(), Cause: cause}
}

// KindOf extracts the kind from an error chain. Unknown errors are internal;
// context cancellation maps to KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	if stderrors.Is(err, contextCanceled) || stderrors.Is(err, contextDeadline) {
		return KindCancelled
	}
	return KindInternal
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the error's kind permits a retry.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
