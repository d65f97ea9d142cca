package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pewflow/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like DSNs),
// and (3) the workflow ids whose overrides changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Engine, newCfg.Engine) {
		changed = append(changed, "engine")
		ne := newCfg.Engine
		catchUp := -1 // default
		if ne.MaxCatchUpPerTick != nil {
			catchUp = *ne.MaxCatchUpPerTick
		}
		attrs = append(attrs,
			logx.Int("engine.workers", ne.Workers),
			logx.Int("engine.queue_size", ne.QueueSize),
			logx.Int("engine.max_attempts", ne.MaxAttempts),
			logx.Int("engine.max_catchup_per_tick", catchUp),
			logx.String("engine.default_timeout", strings.TrimSpace(ne.DefaultTimeout)),
			logx.String("engine.timezone", strings.TrimSpace(ne.Timezone)),
		)
	}

	if oldCfg.TriggerEnabled() != newCfg.TriggerEnabled() ||
		strings.TrimSpace(oldCfg.Trigger.MaxPoll) != strings.TrimSpace(newCfg.Trigger.MaxPoll) ||
		oldCfg.Trigger.Spread != newCfg.Trigger.Spread {
		changed = append(changed, "trigger")
		attrs = append(attrs,
			logx.Bool("trigger.enabled", newCfg.TriggerEnabled()),
			logx.String("trigger.max_poll", strings.TrimSpace(newCfg.Trigger.MaxPoll)),
		)
	}

	// Storage (never log the DSN).
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.TaskLogs, newCfg.TaskLogs) {
		changed = append(changed, "task_logs")
		attrs = append(attrs,
			logx.Bool("task_logs.console", newCfg.TaskLogs.Console),
			logx.Bool("task_logs.dir_set", strings.TrimSpace(newCfg.TaskLogs.Dir) != ""),
		)
	}

	wfChanged := diffWorkflows(oldCfg.Workflows, newCfg.Workflows)
	if len(wfChanged) > 0 {
		changed = append(changed, "workflows")
		attrs = append(attrs, logx.Int("workflows.changed_count", len(wfChanged)))
	}

	sort.Strings(changed)
	return changed, attrs, wfChanged
}

func diffWorkflows(oldM, newM map[string]WorkflowConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		if oldM[id] != newM[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
