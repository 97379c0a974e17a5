// Package errors provides stack-capturing error wrapping for the TARN
// solve service's HTTP surface.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Error is an error with component/operation context and a stack trace
// captured at construction.
type Error struct {
	// Err is the underlying error, if any.
	Err error
	// Message describes the failure.
	Message string
	// Operation is what was being done when the error occurred.
	Operation string
	// Component is the package or subsystem reporting the error.
	Component string
	// Stack is the captured call stack.
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Operation != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString("operation=")
		b.WriteString(e.Operation)
	}
	if e.Component != "" {
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		b.WriteString("component=")
		b.WriteString(e.Component)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
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

// StackTrace returns the captured stack.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates an error with a message and a captured stack.
func New(msg string) *Error {
	return &Error{Message: msg, Stack: callStack()}
}

// Errorf creates an error with a formatted message.
func Errorf(format string, args ...interface{}) *Error {
	return &Error{Message: fmt.Sprintf(format, args...), Stack: callStack()}
}

// Wrap adds context to an existing error, reusing its stack when it is
// already one of ours. Returns nil for a nil err.
func Wrap(err error, msg string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return &Error{Err: err, Message: msg, Stack: e.Stack}
	}
	return &Error{Err: err, Message: msg, Stack: callStack()}
}

// Wrapf adds formatted context to an existing error.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

func callStack() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
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
