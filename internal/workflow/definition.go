// Package workflow holds workflow definitions and the registry that owns them.
//
// A Definition declares one periodic workflow with exactly one task. It is
// built once (see Builder), validated on registration and never mutated
// afterwards.
package workflow

import (
	"context"
	"slices"
	"strings"
	"time"

	"pewflow/internal/task/schedule"
	"pewflow/internal/tasklog"
)

// Action is the unit of work of a task. A returned error fails the attempt.
type Action func(ctx context.Context, rc *RunContext) error

// RunContext is the execution context passed to an Action.
type RunContext struct {
	WorkflowID  string
	TaskID      string
	RunID       string
	LogicalDate time.Time
	Attempt     int
	MaxAttempts int

	// Log emits task log lines. Lines are captured on the task instance
	// and forwarded to the configured sinks.
	Log tasklog.Logger
}

// TaskSpec declares the single task of a workflow.
type TaskSpec struct {
	ID     string
	Action Action
}

// Definition declares a periodic workflow.
type Definition struct {
	ID          string
	Schedule    string
	Start       time.Time
	CatchUp     bool
	Owner       string
	Description string
	Tags        []string

	// Execution defaults. Zero means "use the engine default".
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration

	Task TaskSpec
}

// Validate checks the definition without registering it.
func (d Definition) Validate() error {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return invalidf("", "id required")
	}
	if id != d.ID {
		return invalidf(d.ID, "id has surrounding whitespace")
	}
	if d.Start.IsZero() {
		return invalidf(id, "start required")
	}
	if _, err := schedule.ParseRecurrence(d.Schedule); err != nil {
		return &DefinitionError{WorkflowID: id, Kind: ErrInvalidDefinition, Msg: "schedule", Err: err}
	}
	if strings.TrimSpace(d.Task.ID) == "" {
		return invalidf(id, "task id required")
	}
	if d.Task.Action == nil {
		return invalidf(id, "task %q has no action", d.Task.ID)
	}
	if d.MaxAttempts < 0 {
		return invalidf(id, "max attempts must be >= 0")
	}
	if d.RetryDelay < 0 || d.Timeout < 0 {
		return invalidf(id, "durations must be >= 0")
	}
	return nil
}

// Recurrence parses the schedule. Definitions returned by the registry are
// already validated, so the error only matters for unregistered values.
func (d Definition) Recurrence() (schedule.Recurrence, error) {
	return schedule.ParseRecurrence(d.Schedule)
}

func (d Definition) clone() Definition {
	d.Tags = slices.Clone(d.Tags)
	return d
}
