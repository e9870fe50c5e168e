package framework

import (
	"errors"
	"fmt"
)

var (
	// ErrInterrupted is returned by blocking calls whose context was cancelled. It is the
	// normal shutdown path, not a failure.
	ErrInterrupted = errors.New("interrupted while waiting")

	// ErrConfiguration marks invalid properties rejected at construction time.
	ErrConfiguration = errors.New("invalid configuration")

	errUnknownFailure = errors.New("processing failed")
)

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func interrupted(cause error) error {
	return fmt.Errorf("%w: %v", ErrInterrupted, cause)
}
