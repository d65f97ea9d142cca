// Package instance models the execution record of one logical run of a
// workflow task and the store that owns those records.
//
// State machine:
//
//	scheduled -> running -> succeeded
//	                     -> failed
//	                     -> scheduled (retry, while attempts remain)
//	                     -> scheduled (interrupted, attempt not counted)
package instance

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"pewflow/internal/tasklog"
)

type State string

const (
	Scheduled State = "scheduled"
	Running   State = "running"
	Succeeded State = "succeeded"
	Failed    State = "failed"
)

func (s State) IsTerminal() bool { return s == Succeeded || s == Failed }

// runIDLayout renders logical dates with a numeric offset, e.g.
// scheduled__2024-01-05T00:00:00+00:00.
const runIDLayout = "2006-01-02T15:04:05-07:00"

// Key identifies an instance. LogicalDate is kept in UTC so equal instants
// in different zones map to the same key.
type Key struct {
	WorkflowID  string
	LogicalDate time.Time
	TaskID      string
}

func NewKey(workflowID string, logicalDate time.Time, taskID string) Key {
	return Key{WorkflowID: workflowID, LogicalDate: logicalDate.UTC(), TaskID: taskID}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.WorkflowID, k.LogicalDate.UTC().Format(time.RFC3339Nano), k.TaskID)
}

// RunID returns the run identifier of a scheduled run at logicalDate.
func RunID(logicalDate time.Time) string {
	return "scheduled__" + logicalDate.UTC().Format(runIDLayout)
}

// Attempt is one execution of an instance.
type Attempt struct {
	Number    int
	StartedAt time.Time
	EndedAt   time.Time
	Lines     []tasklog.Line
	Error     string
}

// Instance is the execution record of one (workflow, logical date, task).
type Instance struct {
	ID          string
	Key         Key
	RunID       string
	State       State
	Attempts    int
	MaxAttempts int

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time
	LastError string

	History []Attempt
}

// New returns a Scheduled instance. maxAttempts < 1 is treated as 1.
func New(key Key, maxAttempts int, now time.Time) Instance {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	key = NewKey(key.WorkflowID, key.LogicalDate, key.TaskID)
	return Instance{
		ID:          newID(),
		Key:         key,
		RunID:       RunID(key.LogicalDate),
		State:       Scheduled,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Logs returns the lines of every attempt in order.
func (i Instance) Logs() []tasklog.Line {
	var out []tasklog.Line
	for _, a := range i.History {
		out = append(out, a.Lines...)
	}
	return out
}

// AttemptsLeft reports whether a failed attempt may be retried.
func (i Instance) AttemptsLeft() bool { return i.Attempts < i.MaxAttempts }

// Start moves a Scheduled instance to Running and opens a new attempt.
func (i *Instance) Start(now time.Time) error {
	if i.State != Scheduled {
		return transitionErr(i.State, "start")
	}
	if !i.AttemptsLeft() {
		return fmt.Errorf("%w: start with %d/%d attempts used", ErrInvalidTransition, i.Attempts, i.MaxAttempts)
	}
	i.State = Running
	i.Attempts++
	i.StartedAt = now
	i.EndedAt = time.Time{}
	i.History = append(i.History, Attempt{Number: i.Attempts, StartedAt: now})
	return nil
}

// Succeed closes the running attempt as successful.
func (i *Instance) Succeed(now time.Time, lines []tasklog.Line) error {
	if i.State != Running {
		return transitionErr(i.State, "succeed")
	}
	i.closeAttempt(now, lines, "")
	i.State = Succeeded
	i.LastError = ""
	return nil
}

// Fail closes the running attempt as failed. The instance goes back to
// Scheduled when retryable is set and attempts remain, otherwise it ends
// Failed.
func (i *Instance) Fail(now time.Time, cause error, retryable bool, lines []tasklog.Line) error {
	if i.State != Running {
		return transitionErr(i.State, "fail")
	}
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	i.closeAttempt(now, lines, msg)
	i.LastError = msg
	if retryable && i.AttemptsLeft() {
		i.State = Scheduled
		return nil
	}
	i.State = Failed
	return nil
}

// Interrupt closes a running attempt that never reported an outcome, for
// example because the process running it exited. The instance goes back
// to Scheduled and the attempt is not counted against MaxAttempts.
func (i *Instance) Interrupt(now time.Time) error {
	if i.State != Running {
		return transitionErr(i.State, "interrupt")
	}
	i.closeAttempt(now, nil, ErrInterrupted.Error())
	i.LastError = ErrInterrupted.Error()
	i.Attempts--
	i.State = Scheduled
	return nil
}

func (i *Instance) closeAttempt(now time.Time, lines []tasklog.Line, errMsg string) {
	i.EndedAt = now
	if n := len(i.History); n > 0 {
		a := &i.History[n-1]
		a.EndedAt = now
		a.Lines = append(a.Lines, lines...)
		a.Error = errMsg
	}
}

// Clone returns a deep copy.
func (i Instance) Clone() Instance {
	if i.History == nil {
		return i
	}
	h := make([]Attempt, len(i.History))
	for n, a := range i.History {
		a.Lines = slices.Clone(a.Lines)
		h[n] = a
	}
	i.History = h
	return i
}
