package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"fuse/internal/domain"
)

// UpsertService writes a catalog service row, updating it in place when it
// already exists.
func (s *Store) UpsertService(ctx context.Context, svc domain.Service) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO services (name, display_name, auth_mode, token_url, supports_refresh, webhook_signature, request_timeout_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (name) DO UPDATE SET
    display_name = EXCLUDED.display_name,
    auth_mode = EXCLUDED.auth_mode,
    token_url = EXCLUDED.token_url,
    supports_refresh = EXCLUDED.supports_refresh,
    webhook_signature = EXCLUDED.webhook_signature,
    request_timeout_seconds = EXCLUDED.request_timeout_seconds,
    updated_at = now()`,
		svc.Name, svc.DisplayName, string(svc.AuthMode), svc.TokenURL,
		svc.SupportsRefresh, svc.WebhookSignature, svc.RequestTimeoutSeconds,
	)
	if err != nil {
		return fmt.Errorf("upsert service %s: %w", svc.Name, err)
	}
	return nil
}

// UpsertAction writes an action descriptor row.
func (s *Store) UpsertAction(ctx context.Context, action domain.Action) error {
	schemaJSON, err := marshalJSONB(action.ConfigSchema)
	if err != nil {
		return fmt.Errorf("marshal action schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO actions (service, name, kind, description, webhook_event, config_schema)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (service, name) DO UPDATE SET
    kind = EXCLUDED.kind,
    description = EXCLUDED.description,
    webhook_event = EXCLUDED.webhook_event,
    config_schema = EXCLUDED.config_schema,
    updated_at = now()`,
		action.Service, action.Name, string(action.Kind), action.Description,
		action.WebhookEvent, schemaJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert action %s/%s: %w", action.Service, action.Name, err)
	}
	return nil
}

// UpsertReaction writes a reaction descriptor row.
func (s *Store) UpsertReaction(ctx context.Context, reaction domain.Reaction) error {
	schemaJSON, err := marshalJSONB(reaction.ConfigSchema)
	if err != nil {
		return fmt.Errorf("marshal reaction schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO reactions (service, name, description, config_schema)
VALUES ($1, $2, $3, $4)
ON CONFLICT (service, name) DO UPDATE SET
    description = EXCLUDED.description,
    config_schema = EXCLUDED.config_schema,
    updated_at = now()`,
		reaction.Service, reaction.Name, reaction.Description, schemaJSON,
	)
	if err != nil {
		return fmt.Errorf("upsert reaction %s/%s: %w", reaction.Service, reaction.Name, err)
	}
	return nil
}

// GetService loads one catalog service row.
func (s *Store) GetService(ctx context.Context, name string) (domain.Service, error) {
	var svc domain.Service
	var mode string
	err := s.pool.QueryRow(ctx, `
SELECT name, display_name, auth_mode, token_url, supports_refresh, webhook_signature, request_timeout_seconds, created_at, updated_at
FROM services WHERE name = $1`, name).Scan(
		&svc.Name, &svc.DisplayName, &mode, &svc.TokenURL,
		&svc.SupportsRefresh, &svc.WebhookSignature, &svc.RequestTimeoutSeconds,
		&svc.CreatedAt, &svc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Service{}, domain.ErrServiceNotFound
	}
	if err != nil {
		return domain.Service{}, fmt.Errorf("get service %s: %w", name, err)
	}
	svc.AuthMode = domain.AuthMode(mode)
	return svc, nil
}

// ListServices returns every catalog service in name order.
func (s *Store) ListServices(ctx context.Context) ([]domain.Service, error) {
	rows, err := s.pool.Query(ctx, `
SELECT name, display_name, auth_mode, token_url, supports_refresh, webhook_signature, request_timeout_seconds, created_at, updated_at
FROM services ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	var out []domain.Service
	for rows.Next() {
		var svc domain.Service
		var mode string
		if err := rows.Scan(
			&svc.Name, &svc.DisplayName, &mode, &svc.TokenURL,
			&svc.SupportsRefresh, &svc.WebhookSignature, &svc.RequestTimeoutSeconds,
			&svc.CreatedAt, &svc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		svc.AuthMode = domain.AuthMode(mode)
		out = append(out, svc)
	}
	return out, rows.Err()
}
