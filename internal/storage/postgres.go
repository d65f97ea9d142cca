package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pewflow/internal/task/instance"
	logx "pewflow/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type postgresStore struct {
	db  *pgxpool.Pool
	log logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	return &postgresStore{db: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.db.Close()
	return nil
}

func (s *postgresStore) PutWatermark(ctx context.Context, workflowID string, at time.Time) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO watermarks(workflow_id, last_materialized, updated_at) VALUES($1, $2, now())
		 ON CONFLICT (workflow_id) DO UPDATE SET last_materialized = EXCLUDED.last_materialized, updated_at = EXCLUDED.updated_at`,
		workflowID, at.UTC(),
	)
	return err
}

func (s *postgresStore) Watermark(ctx context.Context, workflowID string) (time.Time, bool, error) {
	var at time.Time
	err := s.db.QueryRow(ctx, `SELECT last_materialized FROM watermarks WHERE workflow_id = $1`, workflowID).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return at.UTC(), true, nil
}

func (s *postgresStore) PutInstance(ctx context.Context, inst instance.Instance) error {
	history, err := json.Marshal(inst.History)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO task_instances(workflow_id, logical_date, task_id, id, run_id, state, attempts, max_attempts, created_at, started_at, ended_at, last_error, history)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (workflow_id, logical_date, task_id) DO UPDATE SET
		   state = EXCLUDED.state, attempts = EXCLUDED.attempts, max_attempts = EXCLUDED.max_attempts,
		   started_at = EXCLUDED.started_at, ended_at = EXCLUDED.ended_at,
		   last_error = EXCLUDED.last_error, history = EXCLUDED.history`,
		inst.Key.WorkflowID, inst.Key.LogicalDate.UTC(), inst.Key.TaskID,
		inst.ID, inst.RunID, string(inst.State), inst.Attempts, inst.MaxAttempts,
		inst.CreatedAt.UTC(), nullTime(inst.StartedAt), nullTime(inst.EndedAt),
		nullStr(inst.LastError), json.RawMessage(history),
	)
	return err
}

func (s *postgresStore) Instances(ctx context.Context, workflowID string) ([]instance.Instance, error) {
	rows, err := s.db.Query(ctx,
		`SELECT logical_date, task_id, id, run_id, state, attempts, max_attempts, created_at, started_at, ended_at, last_error, history
		 FROM task_instances WHERE workflow_id = $1 ORDER BY logical_date, task_id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []instance.Instance
	for rows.Next() {
		var (
			logical, created time.Time
			started, ended   *time.Time
			taskID, state    string
			lastErr          *string
			history          []byte
			inst             instance.Instance
		)
		if err := rows.Scan(&logical, &taskID, &inst.ID, &inst.RunID, &state, &inst.Attempts, &inst.MaxAttempts,
			&created, &started, &ended, &lastErr, &history); err != nil {
			return nil, err
		}
		inst.Key = instance.NewKey(workflowID, logical, taskID)
		inst.State = instance.State(state)
		inst.CreatedAt = created.UTC()
		if started != nil {
			inst.StartedAt = started.UTC()
		}
		if ended != nil {
			inst.EndedAt = ended.UTC()
		}
		if lastErr != nil {
			inst.LastError = *lastErr
		}
		if len(history) > 0 {
			if err := json.Unmarshal(history, &inst.History); err != nil {
				return nil, fmt.Errorf("decode history of %s: %w", inst.Key, err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
