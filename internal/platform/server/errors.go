package server

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTrackIDAssigned     = errors.New("gateway track id already assigned")

	// ErrConsistency marks an atomic unit that could not commit without
	// breaking a ledger invariant. It always requires operator attention.
	ErrConsistency = errors.New("ledger consistency violation")
)

// ValidationError is returned before any mutation is attempted. Its message
// is safe to show to the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError anywhere in its chain.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
