package machineerr

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Severity levels for errors.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// StackFrame represents a single frame in the call stack.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// TracedError is a structured error carrying enough context to debug a
// crypto state-machine failure without reproducing the whole session.
type TracedError struct {
	Code     string
	Category string
	TraceID  string
	Severity Severity

	Message  string
	Function string
	File     string
	Line     int

	Inputs map[string]interface{}
	State  map[string]interface{}
	Stack  []StackFrame

	Timestamp time.Time

	cause error
}

func (e *TracedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *TracedError) Unwrap() error {
	return e.cause
}

// Is supports errors.Is comparisons against the error code itself.
func (e *TracedError) Is(target error) bool {
	other, ok := target.(*TracedError)
	if !ok {
		return false
	}
	return other.Code == e.Code
}

// Summary returns a one-line human-readable description.
func (e *TracedError) Summary() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Severity, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

// ErrorBuilder constructs TracedError instances with a fluent API.
type ErrorBuilder struct {
	err *TracedError
}

var (
	traceIDCounter uint64
	traceIDMu      sync.Mutex
)

func generateTraceID(now time.Time) string {
	traceIDMu.Lock()
	defer traceIDMu.Unlock()
	traceIDCounter++
	return fmt.Sprintf("tr_%x_%d", now.UnixNano(), traceIDCounter)
}

func captureStack(skip int) []StackFrame {
	var frames []StackFrame

	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return frames
	}
	pcs = pcs[:n]
	callers := runtime.CallersFrames(pcs)

	for {
		frame, more := callers.Next()
		if strings.HasPrefix(frame.Function, "runtime.") {
			if !more {
				break
			}
			continue
		}
		frames = append(frames, StackFrame{Function: frame.Function, File: frame.File, Line: frame.Line})
		if !more {
			break
		}
	}
	return frames
}

// NewBuilder creates a new error builder for the given code.
func NewBuilder(code string) *ErrorBuilder {
	_, file, line, _ := runtime.Caller(1)
	def := Lookup(code)
	now := time.Now()

	return &ErrorBuilder{
		err: &TracedError{
			Code:      code,
			Category:  def.Category,
			Severity:  def.Severity,
			Message:   def.Message,
			TraceID:   generateTraceID(now),
			Timestamp: now,
			File:      file,
			Line:      line,
			Inputs:    make(map[string]interface{}),
			State:     make(map[string]interface{}),
			Stack:     captureStack(1),
		},
	}
}

// Wrap wraps an existing error as the cause.
func (b *ErrorBuilder) Wrap(cause error) *ErrorBuilder {
	b.err.cause = cause
	if b.err.Message == "" && cause != nil {
		b.err.Message = cause.Error()
	}
	return b
}

// WithMessage overrides the default message.
func (b *ErrorBuilder) WithMessage(msg string) *ErrorBuilder {
	b.err.Message = msg
	return b
}

// WithMessagef overrides the default message with a formatted one.
func (b *ErrorBuilder) WithMessagef(format string, args ...interface{}) *ErrorBuilder {
	b.err.Message = fmt.Sprintf(format, args...)
	return b
}

// WithFunction records the function name where the error occurred.
func (b *ErrorBuilder) WithFunction(fn string) *ErrorBuilder {
	b.err.Function = fn
	return b
}

// WithInput adds a single input parameter. Never pass raw key material —
// use a fingerprint or key ID.
func (b *ErrorBuilder) WithInput(key string, value interface{}) *ErrorBuilder {
	b.err.Inputs[key] = value
	return b
}

// WithStateValue adds a single piece of state context.
func (b *ErrorBuilder) WithStateValue(key string, value interface{}) *ErrorBuilder {
	b.err.State[key] = value
	return b
}

// Build finalizes the TracedError.
func (b *ErrorBuilder) Build() *TracedError {
	if len(b.err.Inputs) == 0 {
		b.err.Inputs = nil
	}
	if len(b.err.State) == 0 {
		b.err.State = nil
	}
	return b.err
}

// Error returns the built error as the error interface.
func (b *ErrorBuilder) Error() error {
	return b.Build()
}

// New creates a traced error with just a code and message.
func New(code, message string) *TracedError {
	return NewBuilder(code).WithMessage(message).Build()
}

// Newf creates a traced error with a formatted message.
func Newf(code, format string, args ...interface{}) *TracedError {
	return NewBuilder(code).WithMessagef(format, args...).Build()
}

// Wrap wraps an error under a code.
func Wrap(code string, cause error) *TracedError {
	return NewBuilder(code).Wrap(cause).Build()
}
