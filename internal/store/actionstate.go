package store

import (
	"context"
	"fmt"
	"time"

	"fuse/internal/domain"
)

// GetOrCreateActionState returns the poll cursor row for an automation,
// creating an empty one on first use.
func (s *Store) GetOrCreateActionState(ctx context.Context, automationID string) (domain.ActionState, error) {
	_, err := s.pool.Exec(ctx, `
INSERT INTO action_states (automation_id) VALUES ($1)
ON CONFLICT (automation_id) DO NOTHING`, automationID)
	if err != nil {
		return domain.ActionState{}, fmt.Errorf("init action state: %w", err)
	}

	var state domain.ActionState
	var polledAt *time.Time
	err = s.pool.QueryRow(ctx, `
SELECT automation_id, cursor_value, last_polled_at, updated_at
FROM action_states WHERE automation_id = $1`, automationID).Scan(
		&state.AutomationID, &state.Cursor, &polledAt, &state.UpdatedAt,
	)
	if err != nil {
		return domain.ActionState{}, fmt.Errorf("get action state: %w", err)
	}
	if polledAt != nil {
		state.LastPolledAt = *polledAt
	}
	return state, nil
}

// UpdateActionCursor advances the poll cursor after a cycle. Passing the
// unchanged cursor still records the poll time.
func (s *Store) UpdateActionCursor(ctx context.Context, automationID, cursor string, polledAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE action_states
SET cursor_value = $2, last_polled_at = $3, updated_at = now()
WHERE automation_id = $1`, automationID, cursor, polledAt.UTC())
	if err != nil {
		return fmt.Errorf("update action cursor: %w", err)
	}
	return nil
}
