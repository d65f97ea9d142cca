package instance

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition    = errors.New("invalid instance transition")
	ErrUnknownInstance      = errors.New("unknown instance")
	ErrConcurrencyViolation = errors.New("concurrency violation")
	ErrInterrupted          = errors.New("attempt interrupted by restart")
)

// ConcurrencyViolationError reports an attempt to start an instance that is
// not Scheduled, which would mean running the same logical interval twice.
// It is never expected in correct operation.
type ConcurrencyViolationError struct {
	Key   Key
	State State
	Op    string
}

func (e *ConcurrencyViolationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("concurrency violation: %s %s in state %s", e.Op, e.Key, e.State)
}

func (e *ConcurrencyViolationError) Is(target error) bool {
	return target == ErrConcurrencyViolation
}

func transitionErr(from State, op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, from)
}
