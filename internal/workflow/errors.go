package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateWorkflow = errors.New("duplicate workflow")
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrUnknownWorkflow   = errors.New("unknown workflow")
)

// DefinitionError reports a rejected registration. Only the offending
// registration fails; the registry is left unchanged.
type DefinitionError struct {
	WorkflowID string
	Kind       error
	Msg        string
	Err        error
}

func (e *DefinitionError) Error() string {
	if e == nil {
		return ""
	}
	s := e.Kind.Error()
	if e.WorkflowID != "" {
		s = fmt.Sprintf("%s %q", s, e.WorkflowID)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Is matches the Kind sentinel, so errors.Is(err, ErrDuplicateWorkflow) works.
func (e *DefinitionError) Is(target error) bool { return e != nil && e.Kind == target }

func (e *DefinitionError) Unwrap() error { return e.Err }

func invalidf(id string, format string, args ...any) error {
	return &DefinitionError{WorkflowID: id, Kind: ErrInvalidDefinition, Msg: fmt.Sprintf(format, args...)}
}
