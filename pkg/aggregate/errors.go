package aggregate

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned when caller data violates a precondition:
	// empty device id, zero timestamp, non-finite value or inverted range
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable is returned when the backing store fails or returns
	// a malformed result. The store error stays reachable through errors.Is.
	ErrStoreUnavailable = errors.New("store unavailable")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func storeUnavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}

var errNoResult = errors.New("store returned no aggregate")
