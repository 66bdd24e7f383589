// Package errors provides the error-handling conventions shared by every
// gateway component: classification into transient, invalid and fatal
// errors, sentinel variables for protocol and storage conditions, and
// helpers for consistent wrapping.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Class represents the handling classification of an error.
type Class int

const (
	// ClassTransient marks temporary failures that may be retried.
	ClassTransient Class = iota
	// ClassInvalid marks failures caused by bad input or a violated
	// protocol contract; retrying without a change will fail again.
	ClassInvalid
	// ClassFatal marks unrecoverable failures that must stop the
	// current operation.
	ClassFatal
)

// String returns the string representation of Class.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassInvalid:
		return "invalid"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors for conditions callers branch on.
var (
	// Mailbox protocol errors.
	ErrBundleNotFound  = errors.New("bundle not found")
	ErrBundleNotPeeked = errors.New("bundle is not the current peek head")
	ErrBundleClosed    = errors.New("bundle already closed")
	ErrMailboxEmpty    = errors.New("mailbox has no closed bundles")

	// Fan-out job errors.
	ErrJobExists       = errors.New("enqueue job already exists")
	ErrJobNotFound     = errors.New("enqueue job not found")
	ErrRetriesExceeded = errors.New("retry budget exhausted")

	// Storage errors.
	ErrKeyNotFound        = errors.New("key not found")
	ErrKeyExists          = errors.New("key already exists")
	ErrRevisionMismatch   = errors.New("revision mismatch")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification and the
// component/operation that produced it.
type ClassifiedError struct {
	Class     Class
	Err       error
	Component string
	Operation string
}

// Error implements the error interface.
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error.
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the class of err. Unclassified errors default to
// transient so that unknown infrastructure failures remain retryable.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrBundleNotFound),
		errors.Is(err, ErrBundleNotPeeked),
		errors.Is(err, ErrBundleClosed),
		errors.Is(err, ErrJobExists),
		errors.Is(err, ErrKeyExists),
		errors.Is(err, ErrRevisionMismatch):
		return ClassInvalid
	case errors.Is(err, ErrInvalidConfig),
		errors.Is(err, ErrMissingConfig),
		errors.Is(err, ErrRetriesExceeded):
		return ClassFatal
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsInvalid reports whether err was caused by bad input or a violated
// contract.
func IsInvalid(err error) bool {
	return err != nil && Classify(err) == ClassInvalid
}

// IsFatal reports whether err is unrecoverable.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == ClassFatal
}

// Wrap creates a standardized error with context following the pattern
// "component.method: action failed: %w".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClassified(class Class, err error, component, method, action string) error {
	if err == nil {
		err = fmt.Errorf("%s.%s: %s", component, method, action)
	} else {
		err = Wrap(err, component, method, action)
	}
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps an error as transient with context.
func WrapTransient(err error, component, method, action string) error {
	return wrapClassified(ClassTransient, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context.
func WrapInvalid(err error, component, method, action string) error {
	return wrapClassified(ClassInvalid, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context.
func WrapFatal(err error, component, method, action string) error {
	return wrapClassified(ClassFatal, err, component, method, action)
}
