// Package helloworld declares the hello_world example workflow: one task
// that logs a greeting once a day.
package helloworld

import (
	"context"
	"time"

	"pewflow/internal/workflow"
)

const (
	ID     = "hello_world"
	TaskID = "say_hello"
)

// Definition returns a fresh hello_world definition.
func Definition() workflow.Definition {
	return workflow.New(ID).
		Schedule("@daily").
		StartAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)).
		CatchUp(false).
		Owner("airflow").
		Description("Logs a greeting once a day.").
		Tags("example", "hello").
		Task(TaskID, SayHello).
		MustBuild()
}

func SayHello(_ context.Context, rc *workflow.RunContext) error {
	rc.Log.Info("Hello, World!")
	return nil
}
