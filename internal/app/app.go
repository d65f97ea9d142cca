// Package app wires pewflow's components into a long-running process:
// logging, storage, task log sinks, the engine, the wall-clock trigger and
// config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pewflow/internal/config"
	"pewflow/internal/eventbus"
	"pewflow/internal/runtime/supervisor"
	"pewflow/internal/storage"
	"pewflow/internal/task/engine"
	"pewflow/internal/task/trigger"
	"pewflow/internal/workflow"
	logx "pewflow/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager // nil when running on defaults
	cfg  *config.Config
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store
	tlogs *taskLogPipeline

	engine  *engine.Service
	trigger *trigger.Service
}

// New loads cfgPath (defaults when empty), opens storage and registers
// defs. Registration restores persisted watermarks and instances, so it
// needs ctx.
func New(ctx context.Context, cfgPath string, defs ...workflow.Definition) (*App, error) {
	var cfgm *config.ConfigManager
	if strings.TrimSpace(cfgPath) != "" {
		cfgm = config.NewConfigManager(cfgPath)
	}
	cfg, err := loadConfig(ctx, cfgm)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.Component("app"))

	a := &App{cfgm: cfgm, cfg: cfg, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.init(ctx, defs); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}
	return a, nil
}

// LoadConfig loads and validates cfgPath without starting anything. An
// empty path yields the defaults.
func LoadConfig(ctx context.Context, cfgPath string) (*config.Config, error) {
	if strings.TrimSpace(cfgPath) == "" {
		return loadConfig(ctx, nil)
	}
	return loadConfig(ctx, config.NewConfigManager(cfgPath))
}

func loadConfig(ctx context.Context, cfgm *config.ConfigManager) (*config.Config, error) {
	cfg := config.Default()
	if cfgm != nil {
		loaded, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := validateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *App) init(ctx context.Context, defs []workflow.Definition) error {
	cfg := a.cfg
	root := a.logs.Logger()

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(ctx, sc, root.With(logx.Component("storage")))
		if err != nil {
			return err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	tlogs, err := buildTaskLogs(cfg.TaskLogs, root)
	if err != nil {
		return fmt.Errorf("task_logs: %w", err)
	}
	a.tlogs = tlogs

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	opts := []engine.Option{engine.WithSink(tlogs.sink)}
	if a.store != nil {
		opts = append(opts, engine.WithStore(a.store))
	}
	a.engine = engine.New(engCfg, root.With(logx.Component("engine")), a.bus, opts...)

	trigCfg, err := mapTriggerConfig(cfg)
	if err != nil {
		return err
	}
	a.trigger = trigger.New(trigCfg, a.engine, root.With(logx.Component("trigger")))

	for _, def := range defs {
		if err := a.Register(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a workflow to the engine and the poller, applying the
// config's paused override.
func (a *App) Register(ctx context.Context, def workflow.Definition) error {
	if err := a.engine.Register(ctx, def); err != nil {
		return err
	}
	if a.cfg.Paused(def.ID) {
		_ = a.engine.Pause(def.ID)
	}
	rec, err := def.Recurrence()
	if err != nil {
		return err
	}
	return a.trigger.Watch(def.ID, rec.Nominal())
}

func (a *App) Engine() *engine.Service   { return a.engine }
func (a *App) Trigger() *trigger.Service { return a.trigger }
func (a *App) Logger() logx.Logger       { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.engine.Start(runCtx)
	if a.trigger.Enabled() {
		// Materialize what is already due before the first poll fires.
		a.trigger.Sweep(runCtx)
		a.trigger.Start(runCtx)
	} else {
		a.log.Warn("trigger disabled; workflows only run on explicit ticks")
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level; ticks are frequent.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.Component("config")))
		// transactional config reload: validate before commit/publish
		a.cfgm.SetValidator(validateConfig)

		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					// Coalesce bursts: keep only the latest config in the channel.
					for drained := false; !drained; {
						select {
						case newer := <-sub:
							if newer != nil {
								newCfg = newer
							}
						default:
							drained = true
						}
					}
					a.applyConfig(c, newCfg)
				}
			}
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("workflows", a.engine.Registry().Len()),
		logx.Bool("trigger", a.trigger.Enabled()),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// applyConfig hot-applies a committed config. Storage and task log sinks
// are fixed for the process lifetime.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	sections, attrs, wfChanged := config.SummarizeConfigChange(a.cfg, newCfg)
	a.cfg = newCfg
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "storage", "task_logs":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if trigCfg, err := mapTriggerConfig(newCfg); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else {
		prev := a.trigger.Enabled()
		a.trigger.Apply(trigCfg)
		switch {
		case prev && !trigCfg.Enabled:
			a.log.Info("trigger disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.trigger.Stop(stopCtx)
			cancel()
		case !prev && trigCfg.Enabled:
			a.log.Info("trigger enabled via config")
			a.trigger.Start(ctx)
		}
	}

	for _, id := range wfChanged {
		var err error
		if newCfg.Paused(id) {
			err = a.engine.Pause(id)
		} else {
			err = a.engine.Unpause(id)
		}
		if errors.Is(err, workflow.ErrUnknownWorkflow) {
			a.log.Warn("config names an unknown workflow", logx.String("workflow", id))
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources(ctx)
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := a.stepper(ctx)
	step("trigger", 2*time.Second, func(c context.Context) error { a.trigger.Stop(c); return nil })
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// Wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.closeResources(ctx)
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	step := a.stepper(ctx)
	step("task_logs", 2*time.Second, func(c context.Context) error {
		if n := a.tlogs.Dropped(); n > 0 {
			a.log.Warn("task log records dropped", logx.Uint64("dropped", n))
		}
		return a.tlogs.Close(c)
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// stepper returns a helper that runs one shutdown step with an upper bound
// so one component can't stall the whole stop.
func (a *App) stepper(ctx context.Context) func(name string, max time.Duration, fn func(context.Context) error) {
	return func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max > 0 {
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}
}
