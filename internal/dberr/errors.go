// Package dberr defines the error taxonomy shared by the storage router, the
// retry executor and the HTTP layer, plus the rules that decide which backend
// failures are worth retrying.
package dberr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound         = errors.New("record not found")
	ErrNoBackend        = errors.New("no backend available")
	ErrUnsupportedQuery = errors.New("unsupported query")
)

// ValidationError marks malformed input. Never retried.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validation builds a ValidationError with a formatted message.
func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DatabaseError is a storage failure. Retryable reports whether the last
// failure was transient, i.e. the backend was unavailable rather than wrong.
type DatabaseError struct {
	Operation  string
	Collection string
	Backend    string
	Attempts   int
	Retryable  bool
	Err        error
}

func (e *DatabaseError) Error() string {
	var b strings.Builder
	b.WriteString("database: ")
	b.WriteString(e.Operation)
	if e.Collection != "" {
		b.WriteString(" on ")
		b.WriteString(e.Collection)
	}
	if e.Backend != "" {
		fmt.Fprintf(&b, " (%s)", e.Backend)
	}
	if e.Attempts > 0 {
		fmt.Fprintf(&b, " failed after %d attempt(s)", e.Attempts)
	} else {
		b.WriteString(" failed")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// TimeoutError reports an operation that exceeded its deadline.
type TimeoutError struct {
	Operation  string
	Collection string
	Backend    string
	Timeout    time.Duration
	Attempts   int
}

func (e *TimeoutError) Error() string {
	target := e.Operation
	if e.Collection != "" {
		target += " on " + e.Collection
	}
	if e.Backend != "" {
		target += " (" + e.Backend + ")"
	}
	return fmt.Sprintf("timeout: %s exceeded %s", target, e.Timeout)
}

// ExternalServiceError reports a dependency that rejected us outright
// (credentials, permissions, quota).
type ExternalServiceError struct {
	Service string
	Message string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %s", e.Service, e.Message)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ConflictError reports a duplicate key or a concurrent modification.
type ConflictError struct {
	Operation string
	Key       string
	Err       error
}

func (e *ConflictError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("conflict: %s: duplicate %s", e.Operation, e.Key)
	}
	return fmt.Sprintf("conflict: %s", e.Operation)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// IsUnavailable reports whether err means the backend could not be reached
// after the retry budget, which is the only case the router re-routes on.
func IsUnavailable(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var de *DatabaseError
	return errors.As(err, &de) && de.Retryable
}

// IsTyped reports whether err already belongs to the taxonomy.
func IsTyped(err error) bool {
	var (
		ve *ValidationError
		de *DatabaseError
		te *TimeoutError
		xe *ExternalServiceError
		ce *ConflictError
	)
	return errors.As(err, &ve) || errors.As(err, &de) || errors.As(err, &te) ||
		errors.As(err, &xe) || errors.As(err, &ce) ||
		errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoBackend) || errors.Is(err, ErrUnsupportedQuery)
}
