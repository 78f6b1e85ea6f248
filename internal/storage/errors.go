package storage

import (
	"errors"
	"fmt"

	"github.com/arenalab/chess-telemetry/internal/ports"
)

// ErrValidation marks inputs that failed invariant checks before touching
// the backend. Callers test with errors.Is.
var ErrValidation = errors.New("validation failed")

// validationErr wraps a reason under ErrValidation.
func validationErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// storageErr wraps a backend failure while keeping the ports sentinels
// (ErrNotFound, ErrDuplicate, ErrNotConnected) visible through errors.Is.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ports.ErrNotFound) || errors.Is(err, ports.ErrDuplicate) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool { return errors.Is(err, ports.ErrNotFound) }

// IsDuplicate reports whether err is a unique-key violation.
func IsDuplicate(err error) bool { return errors.Is(err, ports.ErrDuplicate) }

// IsValidation reports whether err is an input-validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }
