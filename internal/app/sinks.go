package app

import (
	"context"
	"strings"

	"pewflow/internal/config"
	"pewflow/internal/tasklog"
	logx "pewflow/pkg/logx"
)

// taskLogPipeline is the sink chain built from task_logs:
// throttle -> async -> fanout(console, files).
type taskLogPipeline struct {
	sink     tasklog.Sink
	async    *tasklog.Async
	throttle *tasklog.Throttle
	files    *tasklog.FileSink
}

func buildTaskLogs(cfg config.TaskLogsConfig, log logx.Logger) (*taskLogPipeline, error) {
	p := &taskLogPipeline{}
	var sinks []tasklog.Sink
	if cfg.Console {
		sinks = append(sinks, tasklog.NewLogxSink(log.With(logx.Component("task"))))
	}
	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		fs, err := tasklog.NewFileSink(dir, log.With(logx.Component("tasklog.file")))
		if err != nil {
			return nil, err
		}
		p.files = fs
		sinks = append(sinks, fs)
	}
	p.sink = tasklog.Fanout(sinks...)

	if cfg.QueueSize > 0 {
		p.async = tasklog.NewAsync(p.sink, cfg.QueueSize)
		p.sink = p.async
	}
	if cfg.RatePerSec > 0 {
		p.throttle = tasklog.NewThrottle(p.sink, cfg.RatePerSec)
		p.sink = p.throttle
	}
	return p, nil
}

// Dropped sums records lost to throttling or a full queue.
func (p *taskLogPipeline) Dropped() uint64 {
	var n uint64
	if p == nil {
		return 0
	}
	if p.async != nil {
		n += p.async.Dropped()
	}
	if p.throttle != nil {
		n += p.throttle.Dropped()
	}
	return n
}

func (p *taskLogPipeline) Close(ctx context.Context) error {
	if p == nil || p.async == nil {
		return nil
	}
	return p.async.Close(ctx)
}
