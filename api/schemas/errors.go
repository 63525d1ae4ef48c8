package schemas

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can react without string matching.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "NotFound"
	KindUnsupportedType ErrorKind = "UnsupportedType"
	KindExecutionFailed ErrorKind = "ExecutionFailed"

	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindEmptyLogs           ErrorKind = "EmptyLogs"

	KindIOError         ErrorKind = "IOError"
	KindInvalidArgument ErrorKind = "InvalidArgument"

	KindStageFailed  ErrorKind = "StageFailed"
	KindCommitFailed ErrorKind = "CommitFailed"
	KindPushFailed   ErrorKind = "PushFailed"

	KindForkFailed           ErrorKind = "ForkFailed"
	KindCloneFailed          ErrorKind = "CloneFailed"
	KindConfigureFailed      ErrorKind = "ConfigureFailed"
	KindInitialPublishFailed ErrorKind = "InitialPublishFailed"

	KindGeneratorFailed ErrorKind = "GeneratorFailed"

	// KindBusy means the working tree stayed locked until the caller gave up.
	KindBusy     ErrorKind = "Busy"
	KindDisabled ErrorKind = "Disabled"
	KindInternal ErrorKind = "Internal"
)

// Error is the typed error returned by every core operation.
type Error struct {
	Kind ErrorKind
	// Op is the operation that failed, e.g. "publish" or "replicate".
	Op string
	// Step is the sub-step of a multi-step operation, if any.
	Step string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Step != "" {
		msg += " at " + e.Step
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// NewError builds a typed error, wrapping err.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a typed error from a format string.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

type errString string

func (e errString) Error() string { return string(e) }
