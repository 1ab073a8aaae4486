package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task statuses. Terminal outcomes live on the execution row; a task is
// only the delivery vehicle.
const (
	TaskQueued  = "queued"
	TaskClaimed = "claimed"
	TaskDead    = "dead"
)

// Task is one queued dispatch delivery.
type Task struct {
	ID          string
	ExecutionID string
	RunAt       time.Time
	Status      string
	LockedBy    string
	LockedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const taskColumns = `id, execution_id, run_at, status, locked_by, locked_at, created_at, updated_at`

// EnqueueTask inserts a queued task due at runAt. Most tasks are created
// through CreateExecutionWithTask; this standalone variant serves requeue
// repairs.
func (s *Store) EnqueueTask(ctx context.Context, executionID string, runAt time.Time) (Task, error) {
	row := s.pool.QueryRow(ctx, `
INSERT INTO dispatch_tasks (id, execution_id, run_at, status)
VALUES ($1, $2, $3, $4)
RETURNING `+taskColumns,
		uuid.NewString(), executionID, runAt.UTC(), TaskQueued)
	task, err := scanTask(row)
	if err != nil {
		return Task{}, fmt.Errorf("enqueue task: %w", err)
	}
	return task, nil
}

// ClaimDueTasks atomically claims up to limit due tasks for one worker.
// SKIP LOCKED keeps concurrent claimers from blocking on each other, and
// the subselect guarantees a task is claimed by exactly one of them.
func (s *Store) ClaimDueTasks(ctx context.Context, workerID string, limit int) ([]Task, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE dispatch_tasks SET
    status = $1, locked_by = $2, locked_at = now(), updated_at = now()
WHERE id IN (
    SELECT id FROM dispatch_tasks
    WHERE status = $3 AND run_at <= now()
    ORDER BY run_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT $4
)
RETURNING `+taskColumns,
		TaskClaimed, workerID, TaskQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return out, fmt.Errorf("scan claimed task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// RescheduleTask releases a task back to the queue, due at runAt. Used for
// retry backoff and for graceful release on shutdown.
func (s *Store) RescheduleTask(ctx context.Context, taskID string, runAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE dispatch_tasks
SET status = $2, run_at = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE id = $1`, taskID, TaskQueued, runAt.UTC())
	if err != nil {
		return fmt.Errorf("reschedule task %s: %w", taskID, err)
	}
	return nil
}

// CompleteTask removes a delivered task. The execution row keeps the
// outcome.
func (s *Store) CompleteTask(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dispatch_tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", taskID, err)
	}
	return nil
}

// MarkTaskDead parks a task whose execution exhausted its retry budget.
// Dead rows stay for operator inspection.
func (s *Store) MarkTaskDead(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE dispatch_tasks
SET status = $2, locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE id = $1`, taskID, TaskDead)
	if err != nil {
		return fmt.Errorf("mark task dead %s: %w", taskID, err)
	}
	return nil
}

// RequeueStaleClaimed releases tasks whose claimer stopped heartbeating
// before the cutoff. Re-delivery is safe: workers treat the execution row
// as the source of truth.
func (s *Store) RequeueStaleClaimed(ctx context.Context, lockedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE dispatch_tasks
SET status = $1, locked_by = NULL, locked_at = NULL, updated_at = now()
WHERE status = $2 AND locked_at < $3`,
		TaskQueued, TaskClaimed, lockedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("requeue stale claimed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountQueuedTasks returns the queue depth for the gauge.
func (s *Store) CountQueuedTasks(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM dispatch_tasks WHERE status = $1`, TaskQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued tasks: %w", err)
	}
	return n, nil
}

// CountDeadTasks returns the dead-letter depth for the gauge.
func (s *Store) CountDeadTasks(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM dispatch_tasks WHERE status = $1`, TaskDead).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead tasks: %w", err)
	}
	return n, nil
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var lockedBy *string
	err := row.Scan(
		&task.ID, &task.ExecutionID, &task.RunAt, &task.Status,
		&lockedBy, &task.LockedAt, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return Task{}, err
	}
	if lockedBy != nil {
		task.LockedBy = *lockedBy
	}
	return task, nil
}
