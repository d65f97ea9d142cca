package engine

import (
	"time"

	"pewflow/internal/runtime/supervisor"
	"pewflow/internal/task/instance"
)

// Config controls scheduling and execution.
type Config struct {
	Workers   int
	QueueSize int

	// MaxAttempts applies to definitions without their own value.
	MaxAttempts int

	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// MaxCatchUpPerTick caps how many missed intervals one tick materializes
	// for a catch-up workflow. The rest follow on later ticks. 0 = no cap.
	MaxCatchUpPerTick int

	// DefaultTimeout applies to definitions without their own timeout.
	// 0 disables the timeout.
	DefaultTimeout time.Duration

	// Location re-zones workflow starts before boundaries are computed.
	// nil keeps each start's own zone.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.MaxCatchUpPerTick < 0 {
		c.MaxCatchUpPerTick = 0
	}
	return c
}

// retryPolicy is the effective backoff of one workflow.
type retryPolicy struct {
	Base     time.Duration
	MaxDelay time.Duration
	Jitter   float64
}

// TickReport summarizes one tick of one workflow.
type TickReport struct {
	WorkflowID string
	Now        time.Time
	Paused     bool

	// Due holds the logical dates returned by the calculator, ascending.
	Due []time.Time
	// Created counts instances materialized by this tick.
	Created int
	// Dispatched counts instances handed to workers, including stranded
	// Scheduled instances from earlier ticks.
	Dispatched int
	Watermark  time.Time
}

// TransitionEvent is published on the event bus for every instance
// state change.
type TransitionEvent struct {
	WorkflowID  string         `json:"workflow_id"`
	TaskID      string         `json:"task_id"`
	LogicalDate time.Time      `json:"logical_date"`
	RunID       string         `json:"run_id"`
	State       instance.State `json:"state"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	Error       string         `json:"error,omitempty"`
}

func transitionEvent(inst instance.Instance) TransitionEvent {
	return TransitionEvent{
		WorkflowID:  inst.Key.WorkflowID,
		TaskID:      inst.Key.TaskID,
		LogicalDate: inst.Key.LogicalDate,
		RunID:       inst.RunID,
		State:       inst.State,
		Attempts:    inst.Attempts,
		MaxAttempts: inst.MaxAttempts,
		Error:       inst.LastError,
	}
}

// WorkflowStatus is the per-workflow part of a Snapshot.
type WorkflowStatus struct {
	ID        string
	Schedule  string
	CatchUp   bool
	Paused    bool
	Watermark time.Time
	Next      time.Time
	Instances map[instance.State]int
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	Workers   int
	QueueLen  int
	QueueCap  int
	InFlight  int
	Busy      int
	Workflows []WorkflowStatus

	ConcurrencyViolations uint64
	TerminalFailures      uint64

	Supervisor supervisor.Counters
}
