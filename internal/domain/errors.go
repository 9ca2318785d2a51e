package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// TransientFetchError marks a fetch failure that is worth retrying:
// network errors, timeouts, rate limits, upstream 5xx.
type TransientFetchError struct {
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient fetch error: %v", e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError marks a fetch failure that retrying cannot fix:
// malformed responses, unknown assets, upstream 4xx.
type PermanentFetchError struct {
	Err error
}

func (e *PermanentFetchError) Error() string {
	return fmt.Sprintf("permanent fetch error: %v", e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientFetchError{Err: err}
}

// Permanent wraps err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentFetchError{Err: err}
}

// IsTransient reports whether err is a retryable fetch error.
func IsTransient(err error) bool {
	var t *TransientFetchError
	return errors.As(err, &t)
}

// IsPermanent reports whether err is a non-retryable fetch error.
func IsPermanent(err error) bool {
	var p *PermanentFetchError
	return errors.As(err, &p)
}

// ValidationError rejects bad query parameters before storage or cache is
// touched. The transport layer maps it to a 4xx response.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
