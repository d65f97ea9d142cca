package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Trigger  TriggerConfig  `json:"trigger"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	TaskLogs TaskLogsConfig `json:"task_logs"`

	// Workflows holds per-workflow overrides keyed by workflow id.
	Workflows map[string]WorkflowConfig `json:"workflows,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls instance materialization and execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - max_attempts: 1
//   - retry_base: "500ms", retry_max_delay: "15s", retry_jitter: 0.2
//   - max_catchup_per_tick: 64 (0 disables the cap)
//   - default_timeout: "0s" (disabled)
//   - timezone: "" (each workflow start keeps its own zone)
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	MaxAttempts   int     `json:"max_attempts,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`

	// MaxCatchUpPerTick is a pointer so an explicit 0 (no cap) differs
	// from "omitted".
	MaxCatchUpPerTick *int `json:"max_catchup_per_tick,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// TriggerConfig controls the wall-clock poller.
//
// Enabled is a pointer so an omitted section means "on".
type TriggerConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	MaxPoll string `json:"max_poll,omitempty"` // default "1m"
	Spread  bool   `json:"spread,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pewflow.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://user@host/pewflow" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (do not log)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// TaskLogsConfig routes task log records.
type TaskLogsConfig struct {
	// Console replays task lines on the component logger.
	Console bool `json:"console"`
	// Dir enables per-attempt log files under Dir.
	Dir string `json:"dir,omitempty"`
	// QueueSize > 0 decouples slow sinks from task actions.
	QueueSize int `json:"queue_size,omitempty"`
	// RatePerSec > 0 caps records per second across sinks.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type WorkflowConfig struct {
	Paused bool `json:"paused"`
}

// UnmarshalJSON disallows unknown fields so typos in per-workflow
// overrides are caught during reload.
func (w *WorkflowConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Paused bool `json:"paused"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*w = WorkflowConfig{Paused: t.Paused}
	return nil
}

// TriggerEnabled reports the effective trigger flag.
func (c *Config) TriggerEnabled() bool {
	return c == nil || c.Trigger.Enabled == nil || *c.Trigger.Enabled
}

// Paused reports whether workflow id is paused by config.
func (c *Config) Paused(id string) bool {
	if c == nil {
		return false
	}
	return c.Workflows[id].Paused
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging:  LoggingConfig{Level: "info", Console: true},
		TaskLogs: TaskLogsConfig{Console: true},
	}
}
