// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package store is the Postgres-backed task record store. It also houses
// the connector store, the per-attempt step ledger, and the task log sink.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"forgeworker/src/model"

	"github.com/lib/pq"
)

const taskColumns = `
	id, owner_id, prompt, repo_url, branch_name, agent_id, model_id,
	install_deps, max_duration_minutes, runtime_type, status, progress,
	status_message, sandbox_id, sandbox_url, worker_id, locked_at,
	started, finished, created_at, updated_at, deleted_at`

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	t := &model.Task{}
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Prompt, &t.RepoURL, &t.BranchName, &t.AgentID,
		&t.ModelID, &t.InstallDeps, &t.MaxDurationMinutes, &t.RuntimeType,
		&t.Status, &t.Progress, &t.StatusMessage, &t.SandboxID, &t.SandboxURL,
		&t.WorkerID, &t.LockedAt, &t.Started, &t.Finished, &t.CreatedAt,
		&t.UpdatedAt, &t.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Get returns a task by id, excluding soft-deleted rows.
func (s *Store) Get(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 AND deleted_at IS NULL`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// Insert creates a new task row and notifies listening workers.
func (s *Store) Insert(ctx context.Context, t *model.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, owner_id, prompt, repo_url, branch_name, agent_id, model_id,
			install_deps, max_duration_minutes, runtime_type, status, progress,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())`,
		t.ID, t.OwnerID, t.Prompt, t.RepoURL, t.BranchName, t.AgentID, t.ModelID,
		t.InstallDeps, t.MaxDurationMinutes, t.RuntimeType, model.TaskPending, 0,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	// Wake workers immediately instead of waiting for the fallback poll.
	if _, err := s.db.ExecContext(ctx, `NOTIFY tasks_updated`); err != nil {
		return fmt.Errorf("failed to notify workers: %w", err)
	}
	return nil
}

// SetStatus advances a task's lifecycle. Progress never moves backwards
// and a terminal status records the finish timestamp.
func (s *Store) SetStatus(ctx context.Context, id string, status model.TaskStatus, progress int, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = $2,
			progress = GREATEST(progress, $3),
			status_message = $4,
			finished = CASE WHEN $2 IN ('completed','error','stopped') THEN NOW() ELSE finished END,
			started = CASE WHEN $2 = 'processing' AND started IS NULL THEN NOW() ELSE started END,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		id, string(status), progress, message,
	)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

// SetSandbox persists the environment reference so a crash mid-task
// leaves enough state to reattach or recover.
func (s *Store) SetSandbox(ctx context.Context, id, sandboxID, url, branch string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			sandbox_id = $2,
			sandbox_url = NULLIF($3, ''),
			branch_name = COALESCE(branch_name, $4),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`,
		id, sandboxID, url, branch,
	)
	if err != nil {
		return fmt.Errorf("failed to persist sandbox reference: %w", err)
	}
	return nil
}

// StopRequested is the cancellation oracle: true once an external actor
// has marked the task stopped.
func (s *Store) StopRequested(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to read task status: %w", err)
	}
	return model.TaskStatus(status) == model.TaskStopped, nil
}

// RequestStop flips a non-terminal task to stopped. The running attempt
// observes it at its next cancellation checkpoint.
func (s *Store) RequestStop(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'stopped', status_message = 'stop requested', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending','processing') AND deleted_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("failed to request stop: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SoftDelete hides a task from queries while preserving the audit trail.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete task: %w", err)
	}
	return nil
}

// Claim locks the oldest pending task for this worker using a
// FOR UPDATE SKIP LOCKED transaction so concurrent workers never collide.
// Returns nil when no task is available.
func (s *Store) Claim(ctx context.Context, workerID string) (*model.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE status = 'pending'
		AND locked_at IS NULL
		AND deleted_at IS NULL
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to query pending task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET locked_at = NOW(), worker_id = $1, updated_at = NOW()
		WHERE id = $2`, workerID, task.ID); err != nil {
		return nil, fmt.Errorf("failed to lock task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	task.WorkerID = &workerID
	return task, nil
}

// Recover fails tasks stuck in processing past the stale deadline. This
// handles workers that crashed mid-attempt.
func (s *Store) Recover(ctx context.Context, stale time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE tasks
		SET status = 'error',
		    finished = NOW(),
		    status_message = 'worker crash or timeout recovery',
		    updated_at = NOW()
		WHERE status = 'processing'
		AND locked_at < NOW() - INTERVAL '%d seconds'`, int(stale.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// Connected returns the owner's connectors whose status is "connected".
// Env values are stored encrypted at rest; decryption happens upstream of
// this store, which hands the worker a ready-to-use snapshot.
func (s *Store) Connected(ctx context.Context, ownerID string) ([]model.Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, type, command, args, url, env, status
		FROM connectors
		WHERE owner_id = $1 AND status = 'connected' AND deleted_at IS NULL`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connectors: %w", err)
	}
	defer rows.Close()

	var out []model.Connector
	for rows.Next() {
		var c model.Connector
		var envRaw []byte
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.Type, &c.Command,
			pq.Array(&c.Args), &c.URL, &envRaw, &c.Status); err != nil {
			return nil, fmt.Errorf("failed to scan connector: %w", err)
		}
		if len(envRaw) > 0 {
			if err := json.Unmarshal(envRaw, &c.Env); err != nil {
				return nil, fmt.Errorf("failed to decode connector env: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Lookup implements steps.Ledger.
func (s *Store) Lookup(ctx context.Context, attemptID, name string) ([]byte, bool, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM task_steps
		WHERE attempt_id = $1 AND step_name = $2`, attemptID, name).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to look up step: %w", err)
	}
	return result, true, nil
}

// Record implements steps.Ledger. Recording is idempotent: a replay that
// races a prior record keeps the first result.
func (s *Store) Record(ctx context.Context, attemptID, name string, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_steps (attempt_id, step_name, result, completed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (attempt_id, step_name) DO NOTHING`, attemptID, name, result)
	if err != nil {
		return fmt.Errorf("failed to record step: %w", err)
	}
	return nil
}

// Append implements logging.Sink.
func (s *Store) Append(ctx context.Context, taskID string, entry model.LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, ts, severity, message)
		VALUES ($1, $2, $3, $4)`, taskID, entry.Timestamp, string(entry.Severity), entry.Message)
	if err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// Logs returns a task's persisted log entries in emission order.
func (s *Store) Logs(ctx context.Context, taskID string) ([]model.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, severity, message FROM task_logs
		WHERE task_id = $1 ORDER BY ts ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task logs: %w", err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Severity, &e.Message); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GlobalStats represents system-wide metrics
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	ProcessingTasks int     `json:"processing_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	ErrorTasks      int     `json:"error_tasks"`
	StoppedTasks    int     `json:"stopped_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

// Stats runs one combined query for the global status endpoint.
func (s *Store) Stats(ctx context.Context) (*GlobalStats, error) {
	var gs GlobalStats
	query := `
		WITH counts AS (
			SELECT
				COUNT(*) as total,
				COUNT(*) FILTER (WHERE status = 'pending') as pending,
				COUNT(*) FILTER (WHERE status = 'processing') as processing,
				COUNT(*) FILTER (WHERE status = 'completed') as completed,
				COUNT(*) FILTER (WHERE status = 'error') as errored,
				COUNT(*) FILTER (WHERE status = 'stopped') as stopped
			FROM tasks
			WHERE deleted_at IS NULL
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (finished - started))), 0) as avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE finished > NOW() - INTERVAL '1 hour'), 0) as throughput
			FROM tasks
			WHERE status = 'completed' AND finished IS NOT NULL AND started IS NOT NULL
		)
		SELECT * FROM counts, performance;
	`
	err := s.db.QueryRowContext(ctx, query).Scan(
		&gs.TotalTasks, &gs.PendingTasks, &gs.ProcessingTasks,
		&gs.CompletedTasks, &gs.ErrorTasks, &gs.StoppedTasks,
		&gs.AvgExecutionSec, &gs.ThroughputTasks,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query system stats: %w", err)
	}
	return &gs, nil
}
