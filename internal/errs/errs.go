// Package errs classifies failures so the transport layer can turn them into
// structured results without string matching.
package errs

import (
	"errors"
	"fmt"
)

type Category string

const (
	CategoryInvalidInput    Category = "invalid_input"
	CategoryDecodeFailure   Category = "decode_failure"
	CategoryNotFound        Category = "not_found"
	CategoryAccessDenied    Category = "access_denied"
	CategoryIOFailure       Category = "io_failure"
	CategoryStateContention Category = "state_contention"
	CategoryInternalFailure Category = "internal_failure"
)

type classifiedError struct {
	category Category
	code     string
	cause    error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func Wrap(cause error, category Category, code string) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category: category,
		code:     code,
		cause:    cause,
	}
}

// New builds a classified error from a format string.
func New(category Category, code, format string, args ...any) error {
	return Wrap(fmt.Errorf(format, args...), category, code)
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func Is(err error, category Category) bool {
	return CategoryOf(err) == category
}
