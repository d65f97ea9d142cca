// Package trigger polls the engine with the wall clock.
//
// The engine is clock-agnostic: it only materializes runs when
// TickWorkflow is called. This package owns a robfig/cron instance with one
// "@every" entry per watched workflow and calls TickWorkflow with
// time.Now() whenever an entry fires. The poll interval is a tenth of the
// workflow period, clamped to [1s, MaxPoll].
package trigger
