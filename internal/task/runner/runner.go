// Package runner executes the task of a due instance and records the
// outcome on the instance.
package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"pewflow/internal/task/instance"
	"pewflow/internal/tasklog"
	"pewflow/internal/workflow"
	logx "pewflow/pkg/logx"
)

const dateStamp = "20060102T150405"

// Outcome describes one finished attempt.
type Outcome struct {
	Instance instance.Instance // snapshot after the attempt was recorded
	Err      error             // action failure; nil on success
	Retry    bool              // instance went back to Scheduled
	Duration time.Duration
}

func (o Outcome) Succeeded() bool { return o.Err == nil }

type Runner struct {
	store *instance.Store
	sink  tasklog.Sink
	log   logx.Logger
	now   func() time.Time

	defaultTimeout atomic.Int64
}

type Option func(*Runner)

// WithSink sets where task log records go.
func WithSink(s tasklog.Sink) Option { return func(r *Runner) { r.sink = s } }

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithDefaultTimeout applies to definitions without their own timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Runner) { r.defaultTimeout.Store(int64(d)) }
}

func New(store *instance.Store, opts ...Option) *Runner {
	r := &Runner{store: store, sink: tasklog.Nop(), log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.sink == nil {
		r.sink = tasklog.Nop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Runner) SetDefaultTimeout(d time.Duration) { r.defaultTimeout.Store(int64(d)) }

func (r *Runner) DefaultTimeout() time.Duration { return time.Duration(r.defaultTimeout.Load()) }

// Execute runs one attempt of the instance at key.
//
// The returned error is non-nil only when the attempt could not start:
// the instance is unknown or not Scheduled (*instance.ConcurrencyViolationError).
// Action failures, panics and timeouts are reported in Outcome.
func (r *Runner) Execute(ctx context.Context, def workflow.Definition, key instance.Key) (Outcome, error) {
	started := r.now()
	inst, err := r.store.Claim(key, started)
	if err != nil {
		return Outcome{}, err
	}

	capture := tasklog.NewCapture(tasklog.Record{
		WorkflowID:  inst.Key.WorkflowID,
		LogicalDate: inst.Key.LogicalDate,
		TaskID:      inst.Key.TaskID,
		RunID:       inst.RunID,
		Attempt:     inst.Attempts,
	}, r.sink, r.now)
	capture.Info(fmt.Sprintf("Executing <Task(%s)> on %s (attempt %d of %d)",
		inst.Key.TaskID, inst.Key.LogicalDate.Format(time.RFC3339), inst.Attempts, inst.MaxAttempts))

	rc := &workflow.RunContext{
		WorkflowID:  inst.Key.WorkflowID,
		TaskID:      inst.Key.TaskID,
		RunID:       inst.RunID,
		LogicalDate: inst.Key.LogicalDate,
		Attempt:     inst.Attempts,
		MaxAttempts: inst.MaxAttempts,
		Log:         capture,
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout()
	}
	r.log.Debug("task.started",
		logx.String("workflow", inst.Key.WorkflowID),
		logx.String("run_id", inst.RunID),
		logx.Int("attempt", inst.Attempts),
	)

	actErr := r.invoke(ctx, def.Task.Action, rc, timeout)
	ended := r.now()
	summary := fmt.Sprintf("dag_id=%s, task_id=%s, execution_date=%s, start_date=%s, end_date=%s",
		inst.Key.WorkflowID, inst.Key.TaskID,
		inst.Key.LogicalDate.Format(dateStamp), started.UTC().Format(dateStamp), ended.UTC().Format(dateStamp))

	if actErr == nil {
		capture.Info("Marking task as SUCCESS. " + summary)
		lines := capture.Seal()
		done, err := r.store.Complete(inst.Key, func(i *instance.Instance) error { return i.Succeed(ended, lines) })
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Instance: done, Duration: ended.Sub(started)}, nil
	}

	willRetry := retryable(actErr) && inst.AttemptsLeft()
	capture.Error("Task failed with exception: " + actErr.Error())
	if willRetry {
		capture.Info("Marking task as UP_FOR_RETRY. " + summary)
	} else {
		capture.Error("Marking task as FAILED. " + summary)
	}
	lines := capture.Seal()
	done, err := r.store.Complete(inst.Key, func(i *instance.Instance) error {
		return i.Fail(ended, actErr, retryable(actErr), lines)
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Instance: done, Err: actErr, Retry: done.State == instance.Scheduled, Duration: ended.Sub(started)}, nil
}

// invoke calls action and waits for it to return or for the timeout to
// expire. Cancellation of ctx does not reach the action: an engine stop
// waits for in-flight attempts instead of failing them. An action still
// running past its timeout is abandoned; its context is cancelled and later
// log lines are dropped.
func (r *Runner) invoke(ctx context.Context, action workflow.Action, rc *workflow.RunContext, timeout time.Duration) error {
	base := context.WithoutCancel(ctx)
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(base, timeout)
	} else {
		runCtx, cancel = context.WithCancel(base)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				stack := debug.Stack()
				r.log.Error("task.panic",
					logx.String("workflow", rc.WorkflowID),
					logx.String("run_id", rc.RunID),
					logx.Any("panic", p),
					logx.String("stack", string(stack)),
				)
				done <- &PanicError{Value: p, Stack: stack}
			}
		}()
		done <- action(runCtx, rc)
	}()

	var deadline <-chan struct{}
	if timeout > 0 {
		deadline = runCtx.Done()
	}
	select {
	case err := <-done:
		return err
	case <-deadline:
		return &TimeoutError{Timeout: timeout}
	}
}
