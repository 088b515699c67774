// Package rerr defines the error-kind vocabulary shared across the
// replication core, modeled on the teacher's pkg/anchor/adapter error
// types (DatabaseError, ConnectionError, ConfigurationError) but collapsed
// into a single tagged type since this core classifies errors by kind, not
// by the originating adapter type.
package rerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds named in §7 of the specification. These
// are kinds, not Go types: callers classify with errors.As(&rerr.Error{})
// and inspect Kind, or use the IsXxx helpers below.
type Kind string

const (
	ConfigError      Kind = "config_error"
	ConnectError     Kind = "connect_error"
	NoSuchTable      Kind = "no_such_table"
	UnsupportedType  Kind = "unsupported_type"
	SourceTransient  Kind = "source_transient"
	SourceFatal      Kind = "source_fatal"
	TargetApplyError Kind = "target_apply_error"
	StopRequested    Kind = "stop_requested"
)

// Error is the concrete error type carrying a Kind, the operation that
// failed, an optional wrapped cause, and free-form context for logging.
type Error struct {
	Kind    Kind
	Op      string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, &Error{Kind: someKind}) by comparing Kind
// alone; the target's Op and Cause are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error with the given kind, operation label, and cause.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// Withf builds an *Error whose cause is a formatted message.
func Withf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Cause: fmt.Errorf(format, args...)}
}

// WithContext returns a copy of e with the given context key/value merged
// in, for structured logging at the point an error is handled.
func (e *Error) WithContext(key string, value any) *Error {
	c := &Error{Kind: e.Kind, Op: e.Op, Cause: e.Cause, Context: make(map[string]any, len(e.Context)+1)}
	for k, v := range e.Context {
		c.Context[k] = v
	}
	c.Context[key] = value
	return c
}

// KindOf extracts the Kind of err if it is, or wraps, an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsTransient reports whether err is a SourceTransient failure the tail
// loop should retry after the poll interval without advancing position.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == SourceTransient
}

// IsFatal reports whether err should drive the task to status=failed:
// everything except SourceTransient and StopRequested is fatal to the
// current execution.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	k, ok := KindOf(err)
	if !ok {
		// An unclassified error is conservatively treated as fatal.
		return true
	}
	return k != SourceTransient && k != StopRequested
}

// IsStopRequested reports whether err represents a cooperative stop, which
// is not an error condition for status purposes.
func IsStopRequested(err error) bool {
	k, ok := KindOf(err)
	return ok && k == StopRequested
}
