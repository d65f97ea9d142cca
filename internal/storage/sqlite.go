package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pewflow/internal/task/instance"
	logx "pewflow/pkg/logx"
)

//go:embed migrations.sql
var sqliteMigrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutWatermark(ctx context.Context, workflowID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watermarks(workflow_id, last_materialized, updated_at) VALUES(?,?,?)
		 ON CONFLICT(workflow_id) DO UPDATE SET last_materialized=excluded.last_materialized, updated_at=excluded.updated_at`,
		workflowID, unixNano(at), time.Now().UnixNano(),
	)
	return err
}

func (s *sqliteStore) Watermark(ctx context.Context, workflowID string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT last_materialized FROM watermarks WHERE workflow_id = ?`, workflowID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if n == 0 {
		return time.Time{}, false, nil
	}
	return fromUnixNano(n), true, nil
}

func (s *sqliteStore) PutInstance(ctx context.Context, inst instance.Instance) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	history, err := json.Marshal(inst.History)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_instances(workflow_id, logical_date, task_id, id, run_id, state, attempts, max_attempts, created_at, started_at, ended_at, last_error, history)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(workflow_id, logical_date, task_id) DO UPDATE SET
		   state=excluded.state, attempts=excluded.attempts, max_attempts=excluded.max_attempts,
		   started_at=excluded.started_at, ended_at=excluded.ended_at,
		   last_error=excluded.last_error, history=excluded.history`,
		inst.Key.WorkflowID, unixNano(inst.Key.LogicalDate), inst.Key.TaskID,
		inst.ID, inst.RunID, string(inst.State), inst.Attempts, inst.MaxAttempts,
		unixNano(inst.CreatedAt), unixNano(inst.StartedAt), unixNano(inst.EndedAt),
		nullStr(inst.LastError), string(history),
	)
	return err
}

func (s *sqliteStore) Instances(ctx context.Context, workflowID string) ([]instance.Instance, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT logical_date, task_id, id, run_id, state, attempts, max_attempts, created_at, started_at, ended_at, last_error, history
		 FROM task_instances WHERE workflow_id = ? ORDER BY logical_date, task_id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []instance.Instance
	for rows.Next() {
		var (
			logical, created, started, ended int64
			taskID, state                    string
			lastErr, history                 sql.NullString
			inst                             instance.Instance
		)
		if err := rows.Scan(&logical, &taskID, &inst.ID, &inst.RunID, &state, &inst.Attempts, &inst.MaxAttempts,
			&created, &started, &ended, &lastErr, &history); err != nil {
			return nil, err
		}
		inst.Key = instance.NewKey(workflowID, fromUnixNano(logical), taskID)
		inst.State = instance.State(state)
		inst.CreatedAt = fromUnixNano(created)
		inst.StartedAt = fromUnixNano(started)
		inst.EndedAt = fromUnixNano(ended)
		inst.LastError = lastErr.String
		if history.Valid && history.String != "" {
			if err := json.Unmarshal([]byte(history.String), &inst.History); err != nil {
				return nil, fmt.Errorf("decode history of %s: %w", inst.Key, err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
