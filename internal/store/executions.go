package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fuse/internal/domain"
)

const executionColumns = `id, automation_id, external_event_id, status, attempt_count,
    trigger_data, result_data, error_message, created_at, started_at, completed_at`

// CreateExecution inserts an execution row with no dispatch task. The
// admitter uses this for terminal skipped rows. Returns created=false when
// the (automation_id, external_event_id) pair already exists; the existing
// row is left untouched.
func (s *Store) CreateExecution(ctx context.Context, exec *domain.Execution) (bool, error) {
	prepareExecution(exec)
	triggerJSON, err := marshalJSONB(exec.TriggerData)
	if err != nil {
		return false, fmt.Errorf("marshal trigger data: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO executions (id, automation_id, external_event_id, status, attempt_count, trigger_data, error_message, created_at, completed_at)
VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)`,
		exec.ID, exec.AutomationID, exec.ExternalEventID, string(exec.Status),
		triggerJSON, exec.ErrorMessage, exec.CreatedAt, exec.CompletedAt,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create execution: %w", err)
	}
	return true, nil
}

// CreateExecutionWithTask inserts the execution row and its dispatch task in
// one transaction, so an admitted event can never lose its task. A
// uniqueness conflict rolls the whole transaction back and reports
// created=false.
func (s *Store) CreateExecutionWithTask(ctx context.Context, exec *domain.Execution, runAt time.Time) (bool, error) {
	prepareExecution(exec)
	triggerJSON, err := marshalJSONB(exec.TriggerData)
	if err != nil {
		return false, fmt.Errorf("marshal trigger data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin admit tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	_, err = tx.Exec(ctx, `
INSERT INTO executions (id, automation_id, external_event_id, status, attempt_count, trigger_data, created_at)
VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		exec.ID, exec.AutomationID, exec.ExternalEventID, string(exec.Status),
		triggerJSON, exec.CreatedAt,
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert execution: %w", err)
	}

	_, err = tx.Exec(ctx, `
INSERT INTO dispatch_tasks (id, execution_id, run_at, status)
VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), exec.ID, runAt.UTC(), TaskQueued,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue dispatch task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit admit tx: %w", err)
	}
	return true, nil
}

func prepareExecution(exec *domain.Execution) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.Status == "" {
		exec.Status = domain.ExecutionStatusPending
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
}

// ClaimExecutionRunning performs the guarded pending→running transition,
// stamping the attempt and start time. claimed=false means the row was
// absent or not pending; the caller decides what that implies.
func (s *Store) ClaimExecutionRunning(ctx context.Context, id string, at time.Time) (domain.Execution, bool, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE executions
SET status = $2, attempt_count = attempt_count + 1, started_at = $3
WHERE id = $1 AND status = $4
RETURNING `+executionColumns,
		id, string(domain.ExecutionStatusRunning), at.UTC(), string(domain.ExecutionStatusPending))
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, false, nil
	}
	if err != nil {
		return domain.Execution{}, false, fmt.Errorf("claim execution %s: %w", id, err)
	}
	return exec, true, nil
}

// CompleteExecutionSuccess performs the guarded running→success transition.
func (s *Store) CompleteExecutionSuccess(ctx context.Context, id string, resultData map[string]any, at time.Time) (domain.Execution, error) {
	resultJSON, err := marshalJSONB(resultData)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("marshal result data: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
UPDATE executions
SET status = $2, result_data = $3, error_message = '', completed_at = $4
WHERE id = $1 AND status = $5
RETURNING `+executionColumns,
		id, string(domain.ExecutionStatusSuccess), resultJSON, at.UTC(), string(domain.ExecutionStatusRunning))
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, domain.ErrInvalidTransition
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("complete execution %s: %w", id, err)
	}
	return exec, nil
}

// CompleteExecutionFailed performs the guarded running→failed transition.
func (s *Store) CompleteExecutionFailed(ctx context.Context, id, errorMessage string, at time.Time) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE executions
SET status = $2, error_message = $3, completed_at = $4
WHERE id = $1 AND status = $5
RETURNING `+executionColumns,
		id, string(domain.ExecutionStatusFailed), errorMessage, at.UTC(), string(domain.ExecutionStatusRunning))
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, domain.ErrInvalidTransition
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("fail execution %s: %w", id, err)
	}
	return exec, nil
}

// RequeueExecution performs the guarded running→pending transition used
// when a recoverable failure schedules another attempt.
func (s *Store) RequeueExecution(ctx context.Context, id, errorMessage string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE executions
SET status = $2, error_message = $3
WHERE id = $1 AND status = $4
RETURNING `+executionColumns,
		id, string(domain.ExecutionStatusPending), errorMessage, string(domain.ExecutionStatusRunning))
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, domain.ErrInvalidTransition
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("requeue execution %s: %w", id, err)
	}
	return exec, nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("get execution %s: %w", id, err)
	}
	return exec, nil
}

// GetExecutionByEvent loads the execution admitted for one logical event.
func (s *Store) GetExecutionByEvent(ctx context.Context, automationID, externalEventID string) (domain.Execution, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+executionColumns+` FROM executions
WHERE automation_id = $1 AND external_event_id = $2`, automationID, externalEventID)
	exec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Execution{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Execution{}, fmt.Errorf("get execution by event: %w", err)
	}
	return exec, nil
}

// CountExecutionsByStatus aggregates executions created since a point in
// time, grouped by status.
func (s *Store) CountExecutionsByStatus(ctx context.Context, since time.Time) (map[domain.ExecutionStatus]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT status, COUNT(*) FROM executions
WHERE created_at >= $1 GROUP BY status`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.ExecutionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan execution count: %w", err)
		}
		out[domain.ExecutionStatus(status)] = n
	}
	return out, rows.Err()
}

// DeleteExecutionsBefore removes terminal executions created before the
// cutoff. Only success, failed and skipped rows may be deleted; pending and
// running rows are never retention targets. Skipped rows age out on the
// success window.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, status domain.ExecutionStatus, cutoff time.Time) (int64, error) {
	switch status {
	case domain.ExecutionStatusSuccess, domain.ExecutionStatusFailed, domain.ExecutionStatusSkipped:
	default:
		return 0, fmt.Errorf("retention cannot delete %s executions", status)
	}
	tag, err := s.pool.Exec(ctx, `
DELETE FROM executions
WHERE status = $1 AND created_at < $2`,
		string(status), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete %s executions: %w", status, err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimStaleRunning flips running executions whose worker has gone silent
// back to pending so a redelivered task can claim them again.
func (s *Store) ReclaimStaleRunning(ctx context.Context, startedBefore time.Time) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE executions
SET status = $1
WHERE status = $2 AND started_at < $3
RETURNING `+executionColumns,
		string(domain.ExecutionStatusPending), string(domain.ExecutionStatusRunning), startedBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("reclaim stale running: %w", err)
	}
	defer rows.Close()

	var out []domain.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return out, fmt.Errorf("scan reclaimed execution: %w", err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var exec domain.Execution
	var status string
	var triggerJSON, resultJSON []byte
	err := row.Scan(
		&exec.ID, &exec.AutomationID, &exec.ExternalEventID, &status, &exec.AttemptCount,
		&triggerJSON, &resultJSON, &exec.ErrorMessage,
		&exec.CreatedAt, &exec.StartedAt, &exec.CompletedAt,
	)
	if err != nil {
		return domain.Execution{}, err
	}
	exec.Status = domain.ExecutionStatus(status)
	exec.TriggerData = unmarshalJSONB(triggerJSON)
	exec.ResultData = unmarshalJSONB(resultJSON)
	return exec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
