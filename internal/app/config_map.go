package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pewflow/internal/config"
	"pewflow/internal/storage"
	"pewflow/internal/task/engine"
	"pewflow/internal/task/schedule"
	"pewflow/internal/task/trigger"
	logx "pewflow/pkg/logx"
)

const defaultMaxCatchUpPerTick = 64

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// EngineConfig maps the engine section of cfg, as New would.
func EngineConfig(cfg *config.Config) (engine.Config, error) { return mapEngineConfig(cfg) }

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	if ec.Workers < 0 {
		return engine.Config{}, fmt.Errorf("engine.workers must be >= 0")
	}
	if ec.QueueSize < 0 {
		return engine.Config{}, fmt.Errorf("engine.queue_size must be >= 0")
	}
	if ec.MaxAttempts < 0 {
		return engine.Config{}, fmt.Errorf("engine.max_attempts must be >= 0")
	}
	if ec.RetryJitter < 0 || ec.RetryJitter > 1 {
		return engine.Config{}, fmt.Errorf("engine.retry_jitter must be within [0, 1]")
	}

	maxCatchUp := defaultMaxCatchUpPerTick
	if ec.MaxCatchUpPerTick != nil {
		maxCatchUp = *ec.MaxCatchUpPerTick
		if maxCatchUp < 0 {
			return engine.Config{}, fmt.Errorf("engine.max_catchup_per_tick must be >= 0")
		}
	}

	durs := config.NewDurations("engine")
	retryBase := durs.Get("retry_base", ec.RetryBase)
	retryMax := durs.Get("retry_max_delay", ec.RetryMaxDelay)
	timeout := durs.Get("default_timeout", ec.DefaultTimeout)
	if err := durs.Err(); err != nil {
		return engine.Config{}, err
	}

	var loc *time.Location
	if tz := strings.TrimSpace(ec.Timezone); tz != "" {
		var err error
		loc, err = schedule.LoadLocation(tz)
		if err != nil {
			return engine.Config{}, fmt.Errorf("engine.timezone: %w", err)
		}
	}

	return engine.Config{
		Workers:           ec.Workers,
		QueueSize:         ec.QueueSize,
		MaxAttempts:       ec.MaxAttempts,
		RetryBase:         retryBase,
		RetryMaxDelay:     retryMax,
		RetryJitter:       ec.RetryJitter,
		MaxCatchUpPerTick: maxCatchUp,
		DefaultTimeout:    timeout,
		Location:          loc,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	durs := config.NewDurations("trigger")
	maxPoll := durs.Or("max_poll", cfg.Trigger.MaxPoll, trigger.DefaultMaxPoll)
	if err := durs.Err(); err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{
		Enabled: cfg.TriggerEnabled(),
		MaxPoll: maxPoll,
		Spread:  cfg.Trigger.Spread,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		durs := config.NewDurations("storage")
		busy := durs.Or("busy_timeout", sc.BusyTimeout, time.Second)
		if err := durs.Err(); err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: driver, DSN: strings.TrimSpace(sc.DSN)}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// validateConfig rejects a config before it is committed on reload.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTriggerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if cfg.TaskLogs.QueueSize < 0 || cfg.TaskLogs.RatePerSec < 0 {
		return fmt.Errorf("task_logs.queue_size and task_logs.rate_per_sec must be >= 0")
	}
	return nil
}
