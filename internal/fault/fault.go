// Package fault classifies failures crossing component boundaries.
//
// Three classes are distinguished:
//   - programming errors: sentinel errors returned synchronously by the
//     component that detected them (unknown operation, duplicate handler...)
//   - recoverable failures: safe to retry, the component retries on its own
//     policy (send failure, ack timeout, handler asking for a retry)
//   - fatal failures: unsafe to retry blindly, surfaced as permanent state
//     that needs an operator
package fault

import (
	"errors"
	"fmt"
)

// Class is the retry classification of a failure.
type Class int

const (
	ClassRecoverable Class = iota + 1
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRecoverable:
		return "recoverable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps a cause with its classification.
type Error struct {
	Class Class
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Class.String() + " failure"
	}
	return fmt.Sprintf("%s failure: %v", e.Class, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Recoverable marks err as safe to retry. A nil err stays nil.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassRecoverable, Cause: err}
}

// Fatal marks err as requiring operator attention. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: ClassFatal, Cause: err}
}

// ClassOf returns the outermost classification found in err's chain.
// Unclassified errors are fatal.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ClassFatal
}

// IsRecoverable reports whether err was marked recoverable.
func IsRecoverable(err error) bool {
	return err != nil && ClassOf(err) == ClassRecoverable
}

// IsFatal reports whether err is fatal. Unclassified errors count as fatal.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}
