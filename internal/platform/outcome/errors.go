package outcome

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so transports can map it without inspecting text.
type Kind string

const (
	KindValidation Kind = "validation_failed"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindEmptyQueue Kind = "empty_queue"
	KindStorage    Kind = "storage_failure"
)

// Sentinels for errors.Is checks against a kind.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrEmptyQueue = &Error{Kind: KindEmptyQueue}
	ErrStorage    = &Error{Kind: KindStorage}
)

// Error is the failure type returned across the service boundary.
type Error struct {
	Kind    Kind
	Message string
	Errors  []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Errors) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Errors, "; "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can test against the
// package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Validation reports every collected field failure at once.
func Validation(message string, errs ...string) *Error {
	return &Error{Kind: KindValidation, Message: message, Errors: errs}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func EmptyQueue(message string) *Error {
	return &Error{Kind: KindEmptyQueue, Message: message}
}

// Storage wraps a driver or I/O failure. The cause is kept for logs but is
// never rendered to clients.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// KindOf returns the kind of err, treating unclassified errors as storage
// failures.
func KindOf(err error) Kind {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindStorage
}

// Collector accumulates validation messages.
type Collector struct {
	msgs []string
}

func (c *Collector) Add(msg string) { c.msgs = append(c.msgs, msg) }

// Check adds msg when cond is false.
func (c *Collector) Check(cond bool, msg string) {
	if !cond {
		c.Add(msg)
	}
}

// Err returns a validation error carrying every message, or nil.
func (c *Collector) Err(message string) error {
	if len(c.msgs) == 0 {
		return nil
	}
	return Validation(message, c.msgs...)
}
