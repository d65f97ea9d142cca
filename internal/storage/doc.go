// Package storage persists scheduling metadata so a restarted engine does
// not re-run materialized intervals.
//
// It keeps:
//   - the per-workflow watermark (latest materialized logical date)
//   - task instance records, including attempt history and captured lines
//
// Drivers: "file" (jsonl journal + snapshot), "sqlite" and "postgres".
package storage
