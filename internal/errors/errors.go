// Package errors provides the error taxonomy shared by the geomopt bridge.
//
// Every failure that crosses a component boundary is an *Error carrying a
// Kind. Callers test for a kind with the standard library:
//
//	if errors.Is(err, geoerrors.ErrEval) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error by the point of failure.
type Kind string

const (
	// KindMarshal is a shape or type mismatch crossing the boundary.
	KindMarshal Kind = "marshal"
	// KindConfigSyntax is malformed configuration text.
	KindConfigSyntax Kind = "config_syntax"
	// KindConfigType is a configuration value with no foreign counterpart.
	KindConfigType Kind = "config_type"
	// KindAlreadyConfigured is a second evaluator attached to an engine.
	KindAlreadyConfigured Kind = "already_configured"
	// KindPrecondition is contract misuse by the caller.
	KindPrecondition Kind = "precondition"
	// KindEval is a failure reported by a native evaluator.
	KindEval Kind = "eval"
	// KindEngineAborted is an evaluation requested after a prior failure.
	KindEngineAborted Kind = "engine_aborted"
	// KindOptimizer is a failure raised by the external optimizer itself.
	KindOptimizer Kind = "optimizer"
	// KindJob is the terminal failure of an optimization run.
	KindJob Kind = "job"
)

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrMarshal           = &Error{Kind: KindMarshal}
	ErrConfigSyntax      = &Error{Kind: KindConfigSyntax}
	ErrConfigType        = &Error{Kind: KindConfigType}
	ErrAlreadyConfigured = &Error{Kind: KindAlreadyConfigured}
	ErrPrecondition      = &Error{Kind: KindPrecondition}
	ErrEval              = &Error{Kind: KindEval}
	ErrEngineAborted     = &Error{Kind: KindEngineAborted}
	ErrOptimizer         = &Error{Kind: KindOptimizer}
	ErrJob               = &Error{Kind: KindJob}
)

// Error represents an error with context and stack trace.
type Error struct {
	// Kind classifies the failure
	Kind Kind
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var builder strings.Builder

	if e.Component != "" {
		builder.WriteString(e.Component)
	}

	if e.Operation != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Operation)
	}

	if e.Message != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Message)
	}

	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	if builder.Len() == 0 {
		return string(e.Kind) + " error"
	}
	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is reports whether target is a sentinel of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t == e {
		return true
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

// WithMessage adds a message to the error.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates a new error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates a new error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Wrap wraps err as a new error of the given kind. The cause stays reachable
// through Unwrap. If err is nil, Wrap returns nil.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Err:     err,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Wrapf wraps err with a formatted message. If err is nil, Wrapf returns nil.
func Wrapf(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Err:     err,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether any *Error in err's chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return stderrors.Is(err, &Error{Kind: kind})
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}
