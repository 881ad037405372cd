// Package catalogerr defines the tagged error kinds used across the catalog
// engine. Every error the engine returns to a caller or writes to the audit
// log carries a Kind so that callers can branch on category (retry, surface
// to the operator, drop silently) without string matching.
package catalogerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an engine error. Kinds are stable across releases; new
// kinds are added, existing ones are never renumbered.
type Kind string

const (
	// Validation marks malformed input: a definition that fails DAG
	// validation, a parameter that fails its JSON schema, a malformed
	// partition key.
	Validation Kind = "VALIDATION"

	// Conflict marks a state transition that lost a race: a unique
	// constraint violation on a run key, a claim already held by another
	// owner, a version already published.
	Conflict Kind = "CONFLICT"

	// NotFound marks a reference to an entity that does not exist.
	NotFound Kind = "NOT_FOUND"

	// Transient marks a failure the caller should retry: a dropped
	// connection, a deadlock loser, a timed-out dependency.
	Transient Kind = "TRANSIENT"

	// HeartbeatLost marks a step or run whose owning worker stopped
	// reporting liveness before completion.
	HeartbeatLost Kind = "HEARTBEAT_LOST"

	// Canceled marks a run or step that ended because an operator or a
	// cascading cancellation requested it, not because of a failure.
	Canceled Kind = "CANCELED"

	// Fatal marks an error the engine cannot recover from by retrying:
	// a corrupted bundle checksum, a schema that itself fails to parse.
	Fatal Kind = "FATAL"
)

// Error is the engine's uniform error envelope. Exported operations in
// internal/dag, internal/orchestrator, internal/executor, internal/assets,
// internal/store and internal/bundle return it for categorized failures so
// that HTTP/CLI callers and the audit log can render a single
// {kind, message, detail} shape regardless of which component failed. Other
// failures (for example a wrapped database error) are plain errors, which
// KindOf reports as Fatal.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is a *Error with the same Kind, so that callers
// can write errors.Is(err, catalogerr.New(catalogerr.Conflict, "")) or more
// commonly use the Is* helpers below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New builds an *Error with no detail and no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind that wraps cause, with Detail set
// to cause.Error(). A cause that is itself an *Error is wrapped the same
// way, so its kind and message appear in Detail.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return New(kind, message)
	}
	return &Error{Kind: kind, Message: message, Detail: cause.Error(), cause: cause}
}

// WithDetail returns a copy of e with Detail set, for adding context (e.g.
// the offending field name) after construction.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail
	return &cp
}

// Validationf builds a Validation-kind error.
func Validationf(format string, args ...any) *Error { return Newf(Validation, format, args...) }

// Conflictf builds a Conflict-kind error.
func Conflictf(format string, args ...any) *Error { return Newf(Conflict, format, args...) }

// NotFoundf builds a NotFound-kind error.
func NotFoundf(format string, args ...any) *Error { return Newf(NotFound, format, args...) }

// Transientf builds a Transient-kind error.
func Transientf(format string, args ...any) *Error { return Newf(Transient, format, args...) }

// Fatalf builds a Fatal-kind error.
func Fatalf(format string, args ...any) *Error { return Newf(Fatal, format, args...) }

// KindOf extracts the Kind of err if it is (or wraps) a *Error, otherwise
// returns Fatal as the conservative default — an untagged error is treated
// as non-retryable until proven otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// IsRetryable reports whether an operation that returned err should be
// retried by the orchestrator's backoff policy.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Transient, HeartbeatLost:
		return true
	default:
		return false
	}
}
