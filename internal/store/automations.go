package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"fuse/internal/domain"
)

const automationColumns = `id, owner_id, name, status, action_service, action_name, action_kind,
    action_config, reaction_service, reaction_name, reaction_config, retry_max, created_at, updated_at`

// CreateAutomation inserts an automation and fires the change hooks.
func (s *Store) CreateAutomation(ctx context.Context, a *domain.Automation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.AutomationStatusActive
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	actionJSON, err := marshalJSONB(a.ActionConfig)
	if err != nil {
		return fmt.Errorf("marshal action config: %w", err)
	}
	reactionJSON, err := marshalJSONB(a.ReactionConfig)
	if err != nil {
		return fmt.Errorf("marshal reaction config: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO automations (id, owner_id, name, status, action_service, action_name, action_kind,
    action_config, reaction_service, reaction_name, reaction_config, retry_max, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`,
		a.ID, a.OwnerID, a.Name, string(a.Status),
		a.ActionService, a.ActionName, string(a.ActionKind), actionJSON,
		a.ReactionService, a.ReactionName, reactionJSON, a.RetryMax, now,
	)
	if err != nil {
		return fmt.Errorf("create automation: %w", err)
	}

	s.fireAutomationChange(*a, AutomationCreated)
	return nil
}

// GetAutomation loads one automation by id.
func (s *Store) GetAutomation(ctx context.Context, id string) (domain.Automation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = $1`, id)
	a, err := scanAutomation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Automation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Automation{}, fmt.Errorf("get automation %s: %w", id, err)
	}
	return a, nil
}

// UpdateAutomationStatus moves an automation between active/paused/disabled
// and fires the change hooks.
func (s *Store) UpdateAutomationStatus(ctx context.Context, id string, status domain.AutomationStatus) (domain.Automation, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE automations SET status = $2, updated_at = now()
WHERE id = $1
RETURNING `+automationColumns, id, string(status))
	a, err := scanAutomation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Automation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Automation{}, fmt.Errorf("update automation status: %w", err)
	}
	s.fireAutomationChange(a, AutomationUpdated)
	return a, nil
}

// DeleteAutomation removes an automation and fires the change hooks with the
// deleted row so subscription cleanup can run.
func (s *Store) DeleteAutomation(ctx context.Context, id string) (domain.Automation, error) {
	row := s.pool.QueryRow(ctx, `
DELETE FROM automations WHERE id = $1
RETURNING `+automationColumns, id)
	a, err := scanAutomation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Automation{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Automation{}, fmt.Errorf("delete automation %s: %w", id, err)
	}
	s.fireAutomationChange(a, AutomationDeleted)
	return a, nil
}

// ListActiveByKind returns active automations whose action is delivered the
// given way. The timer scheduler loads kind=timer once per tick.
func (s *Store) ListActiveByKind(ctx context.Context, kind domain.ActionKind) ([]domain.Automation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+automationColumns+` FROM automations
WHERE action_kind = $1 AND status = $2
ORDER BY created_at`, string(kind), string(domain.AutomationStatusActive))
	if err != nil {
		return nil, fmt.Errorf("list automations by kind: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

// ListActiveByAction returns active automations bound to one action.
func (s *Store) ListActiveByAction(ctx context.Context, service, actionName string) ([]domain.Automation, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+automationColumns+` FROM automations
WHERE action_service = $1 AND action_name = $2 AND status = $3
ORDER BY created_at`, service, actionName, string(domain.AutomationStatusActive))
	if err != nil {
		return nil, fmt.Errorf("list automations by action: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

// CountActiveByOwnerAction counts an owner's remaining active automations on
// one action. The subscription manager revokes upstream webhooks only when
// this reaches zero.
func (s *Store) CountActiveByOwnerAction(ctx context.Context, ownerID, service, actionName string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM automations
WHERE owner_id = $1 AND action_service = $2 AND action_name = $3 AND status = $4`,
		ownerID, service, actionName, string(domain.AutomationStatusActive)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count automations: %w", err)
	}
	return n, nil
}

// rowScanner lets one scan helper serve QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAutomation(row rowScanner) (domain.Automation, error) {
	var a domain.Automation
	var status, kind string
	var actionJSON, reactionJSON []byte
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.Name, &status,
		&a.ActionService, &a.ActionName, &kind, &actionJSON,
		&a.ReactionService, &a.ReactionName, &reactionJSON, &a.RetryMax,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Automation{}, err
	}
	a.Status = domain.AutomationStatus(status)
	a.ActionKind = domain.ActionKind(kind)
	a.ActionConfig = unmarshalJSONB(actionJSON)
	a.ReactionConfig = unmarshalJSONB(reactionJSON)
	return a, nil
}

func scanAutomations(rows pgx.Rows) ([]domain.Automation, error) {
	var out []domain.Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return out, fmt.Errorf("scan automation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
