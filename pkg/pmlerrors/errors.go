// Package pmlerrors defines the structured error taxonomy surfaced across the
// procedural-memory core: static analysis, approval gates, RPC/tool
// invocation, argument resolution, capability store operations, and
// replanning. Each kind is a small exported type supporting errors.Is/As so
// callers can branch on failure class without string matching, and each
// carries an optional user-facing Hint for the short, actionable message
// spec'd for failed workflows.
package pmlerrors

import (
	"errors"
	"fmt"
)

// Kind identifies a taxonomy entry for telemetry and SSE error events.
type Kind string

const (
	KindParseError             Kind = "ParseError"
	KindUnknownReference       Kind = "UnknownReference"
	KindStaticValidationError  Kind = "StaticValidationError"
	KindSchemaInferenceWarning Kind = "SchemaInferenceWarning"
	KindHilTimeout             Kind = "HilTimeout"
	KindUserAborted            Kind = "UserAborted"
	KindHilMissingPermission   Kind = "HilMissingPermission"
	KindToolUnreachable        Kind = "ToolUnreachable"
	KindToolTimeout            Kind = "ToolTimeout"
	KindToolError              Kind = "ToolError"
	KindWorkerPanic            Kind = "WorkerPanic"
	KindSandboxDenied          Kind = "SandboxDenied"
	KindMissingParameter       Kind = "MissingParameter"
	KindArgumentUnresolvable   Kind = "ArgumentUnresolvable"
	KindNameCollision          Kind = "NameCollision"
	KindAliasConflict          Kind = "AliasConflict"
	KindReplanRejected         Kind = "ReplanRejected"
	KindCacheStale             Kind = "CacheStale"
	KindInternalError          Kind = "InternalError"
)

// Error is the structured error type shared by every taxonomy entry. It
// preserves a Cause chain so errors.Is/As keeps working across retries and
// component boundaries, mirroring the teacher's ToolError chaining idiom.
type Error struct {
	Kind    Kind
	Message string
	Hint    string
	// Offset and Length locate the failure in source text for ParseError and
	// UnknownReference; zero values mean "not applicable".
	Offset int
	Length int
	Cause  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// UserHint returns the short, actionable message spec'd for a failed
// workflow's error.hint field, falling back to the raw message.
func (e *Error) UserHint() string {
	if e == nil {
		return ""
	}
	if e.Hint != "" {
		return e.Hint
	}
	return e.Message
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf formats a message and constructs an Error of the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithHint attaches a user-facing hint and returns the receiver for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithCause wraps an underlying error and returns the receiver for chaining.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithOffset attaches a source offset/length pair and returns the receiver.
func (e *Error) WithOffset(offset, length int) *Error {
	e.Offset = offset
	e.Length = length
	return e
}

// Is reports whether target is a *Error with the same Kind, supporting
// errors.Is(err, pmlerrors.New(pmlerrors.KindToolTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the taxonomy entry is one the executor retries
// automatically before surfacing it (spec §7: ToolUnreachable/ToolTimeout).
func (e *Error) Retryable() bool {
	return e != nil && (e.Kind == KindToolUnreachable || e.Kind == KindToolTimeout)
}

// ResumableAfterFailure reports whether a failed workflow's checkpoint
// remains resumable, per spec §7 ("only HilTimeout, ToolUnreachable").
func (e *Error) ResumableAfterFailure() bool {
	return e != nil && (e.Kind == KindHilTimeout || e.Kind == KindToolUnreachable)
}
