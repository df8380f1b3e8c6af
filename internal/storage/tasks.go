package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"contestbot/internal/domain"
	"contestbot/pkg/logx"
)

// CreateTask inserts a new pending task. It does NOT enforce the
// at-most-one-pending-per-key invariant; callers that replace a task must
// cancel the old one first, or use RescheduleTask which does both atomically.
func (s *Store) CreateTask(ctx context.Context, typ domain.TaskType, referenceID int64, runAt time.Time, payload map[string]string) (domain.ScheduledTask, error) {
	now := time.Now()
	pl, err := encodePayload(payload)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks(type, reference_id, run_at, status, payload, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		string(typ), referenceID, fmtTime(runAt), string(domain.TaskPending), pl, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	s.log.Debug("task created",
		logx.Int64("id", id), logx.String("type", string(typ)),
		logx.Int64("ref", referenceID), logx.Time("run_at", runAt))
	return domain.ScheduledTask{
		ID:          id,
		Type:        typ,
		ReferenceID: referenceID,
		RunAt:       runAt,
		Status:      domain.TaskPending,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// TaskByID fetches a task regardless of status.
func (s *Store) TaskByID(ctx context.Context, id int64) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, reference_id, run_at, status, payload, created_at, updated_at
		 FROM scheduled_tasks WHERE id = ?`, id)
	return scanTask(row)
}

// PendingTaskByRef returns the pending task for a (type, reference) key, or ErrNotFound.
func (s *Store) PendingTaskByRef(ctx context.Context, typ domain.TaskType, referenceID int64) (domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, reference_id, run_at, status, payload, created_at, updated_at
		 FROM scheduled_tasks WHERE type = ? AND reference_id = ? AND status = ?`,
		string(typ), referenceID, string(domain.TaskPending))
	return scanTask(row)
}

// PendingTasks returns every pending task, oldest run time first.
func (s *Store) PendingTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, reference_id, run_at, status, payload, created_at, updated_at
		 FROM scheduled_tasks WHERE status = ? ORDER BY run_at`,
		string(domain.TaskPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ClaimTask atomically moves a task from pending to processing.
// It returns false when the task is absent or already claimed/terminal,
// which is how a timer fire and a concurrent ExecuteNow settle who runs.
func (s *Store) ClaimTask(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(domain.TaskProcessing), fmtTime(time.Now()), id, string(domain.TaskPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkTaskCompleted finishes a task. The row is retained as an audit record.
func (s *Store) MarkTaskCompleted(ctx context.Context, id int64) error {
	return s.setTaskStatus(ctx, id, domain.TaskCompleted)
}

// MarkTaskFailed parks a task for manual remediation. Failed tasks are never
// retried automatically.
func (s *Store) MarkTaskFailed(ctx context.Context, id int64) error {
	return s.setTaskStatus(ctx, id, domain.TaskFailed)
}

func (s *Store) setTaskStatus(ctx context.Context, id int64, status domain.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task row. Deleting an absent row is not an error.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	return err
}

// RescheduleTask atomically replaces any pending task for (type, reference)
// with a fresh one at newRunAt. Within one transaction the old pending rows
// are deleted and the replacement inserted, so callers cannot end up with two
// pending tasks for the same key.
func (s *Store) RescheduleTask(ctx context.Context, typ domain.TaskType, referenceID int64, newRunAt time.Time, payload map[string]string) (domain.ScheduledTask, error) {
	pl, err := encodePayload(payload)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE type = ? AND reference_id = ? AND status = ?`,
		string(typ), referenceID, string(domain.TaskPending)); err != nil {
		return domain.ScheduledTask{}, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO scheduled_tasks(type, reference_id, run_at, status, payload, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)`,
		string(typ), referenceID, fmtTime(newRunAt), string(domain.TaskPending), pl, fmtTime(now), fmtTime(now))
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ScheduledTask{}, err
	}
	s.log.Debug("task rescheduled",
		logx.Int64("id", id), logx.String("type", string(typ)),
		logx.Int64("ref", referenceID), logx.Time("run_at", newRunAt))
	return domain.ScheduledTask{
		ID:          id,
		Type:        typ,
		ReferenceID: referenceID,
		RunAt:       newRunAt,
		Status:      domain.TaskPending,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (domain.ScheduledTask, error) {
	var (
		t                  domain.ScheduledTask
		typ, status        string
		runAt, crAt, updAt string
		payload            sql.NullString
	)
	err := r.Scan(&t.ID, &typ, &t.ReferenceID, &runAt, &status, &payload, &crAt, &updAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, ErrNotFound
	}
	if err != nil {
		return domain.ScheduledTask{}, err
	}
	t.Type = domain.TaskType(typ)
	t.Status = domain.TaskStatus(status)
	if t.RunAt, err = parseTime(runAt); err != nil {
		return domain.ScheduledTask{}, err
	}
	if t.CreatedAt, err = parseTime(crAt); err != nil {
		return domain.ScheduledTask{}, err
	}
	if t.UpdatedAt, err = parseTime(updAt); err != nil {
		return domain.ScheduledTask{}, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &t.Payload); err != nil {
			return domain.ScheduledTask{}, err
		}
	}
	return t, nil
}

func encodePayload(payload map[string]string) (any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
