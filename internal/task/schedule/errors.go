package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRecurrence = errors.New("invalid recurrence")
	ErrInvalidTimezone   = errors.New("invalid timezone")
	ErrInvalidStart      = errors.New("invalid start")
)

// ScheduleComputationError is returned when a recurrence, timezone or start
// cannot be turned into a calculator.
type ScheduleComputationError struct {
	Kind  error
	Input string
	Msg   string
	Err   error
}

func (e *ScheduleComputationError) Error() string {
	if e == nil {
		return ""
	}
	s := e.Kind.Error()
	if e.Input != "" {
		s = fmt.Sprintf("%s %q", s, e.Input)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ScheduleComputationError) Is(target error) bool { return e != nil && e.Kind == target }

func (e *ScheduleComputationError) Unwrap() error { return e.Err }

func recurrenceErr(input, format string, args ...any) error {
	return &ScheduleComputationError{Kind: ErrInvalidRecurrence, Input: input, Msg: fmt.Sprintf(format, args...)}
}
