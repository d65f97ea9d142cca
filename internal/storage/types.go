package storage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"pewflow/internal/task/instance"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL via pgx; DSN is required
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the engine.
type Store interface {
	PutWatermark(ctx context.Context, workflowID string, at time.Time) error
	Watermark(ctx context.Context, workflowID string) (at time.Time, ok bool, err error)

	// PutInstance upserts by instance key.
	PutInstance(ctx context.Context, inst instance.Instance) error
	// Instances returns the stored instances of a workflow by ascending
	// logical date.
	Instances(ctx context.Context, workflowID string) ([]instance.Instance, error)

	Close() error
}

func sortInstances(list []instance.Instance) {
	slices.SortFunc(list, func(a, b instance.Instance) int {
		if c := a.Key.LogicalDate.Compare(b.Key.LogicalDate); c != 0 {
			return c
		}
		return strings.Compare(a.Key.TaskID, b.Key.TaskID)
	})
}

// unixNano maps the zero time to 0 so nullable columns stay comparable.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
