package app

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAccessDenied = errors.New("access denied")
	ErrValidation   = errors.New("validation failed")

	// ErrConflict marks a lost creation race. Get-or-create operations recover
	// from it by returning the winner, so it should not normally reach callers.
	ErrConflict = errors.New("conflict")

	ErrAuthentication = errors.New("authentication required")

	// ErrInternal hides storage and collaborator failures from callers.
	// The underlying error is logged where it is converted.
	ErrInternal = errors.New("internal error")
)

func notFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func denied(reason string) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, reason)
}
