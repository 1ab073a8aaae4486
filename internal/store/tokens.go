package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"fuse/internal/domain"
)

// GetToken loads an owner's credential for one service. Absence is
// domain.ErrNoToken.
func (s *Store) GetToken(ctx context.Context, ownerID, service string) (*domain.ServiceToken, error) {
	var token domain.ServiceToken
	err := s.pool.QueryRow(ctx, `
SELECT owner_id, service, access_token, refresh_token, expires_at, scopes, last_used_at, created_at, updated_at
FROM service_tokens WHERE owner_id = $1 AND service = $2`, ownerID, service).Scan(
		&token.OwnerID, &token.Service, &token.AccessToken, &token.RefreshToken,
		&token.ExpiresAt, &token.Scopes, &token.LastUsedAt,
		&token.CreatedAt, &token.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("get token %s/%s: %w", ownerID, service, err)
	}
	return &token, nil
}

// UpsertToken stores a credential as delivered by the provider connect flow.
func (s *Store) UpsertToken(ctx context.Context, token *domain.ServiceToken) error {
	var expiresAt *time.Time
	if token.ExpiresAt != nil {
		utc := token.ExpiresAt.UTC()
		expiresAt = &utc
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO service_tokens (owner_id, service, access_token, refresh_token, expires_at, scopes)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (owner_id, service) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    expires_at = EXCLUDED.expires_at,
    scopes = EXCLUDED.scopes,
    updated_at = now()`,
		token.OwnerID, token.Service, token.AccessToken, token.RefreshToken,
		expiresAt, token.Scopes,
	)
	if err != nil {
		return fmt.Errorf("upsert token %s/%s: %w", token.OwnerID, token.Service, err)
	}
	return nil
}

// UpdateTokenCAS persists a refreshed credential only if expires_at still
// matches what the refresher read. A losing writer gets swapped=false and
// must re-read; this is the cross-process half of the refresh guard.
func (s *Store) UpdateTokenCAS(ctx context.Context, ownerID, service, accessToken, refreshToken string, newExpiresAt, expectedExpiresAt *time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE service_tokens
SET access_token = $3, refresh_token = $4, expires_at = $5, updated_at = now()
WHERE owner_id = $1 AND service = $2 AND expires_at IS NOT DISTINCT FROM $6`,
		ownerID, service, accessToken, refreshToken, newExpiresAt, expectedExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("cas token %s/%s: %w", ownerID, service, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTokenUsed stamps last_used_at without touching updated_at, so CAS
// comparisons stay meaningful.
func (s *Store) MarkTokenUsed(ctx context.Context, ownerID, service string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE service_tokens SET last_used_at = $3
WHERE owner_id = $1 AND service = $2`, ownerID, service, at.UTC())
	if err != nil {
		return fmt.Errorf("mark token used: %w", err)
	}
	return nil
}

// DeleteToken removes a credential, e.g. when an owner disconnects a
// service.
func (s *Store) DeleteToken(ctx context.Context, ownerID, service string) error {
	_, err := s.pool.Exec(ctx, `
DELETE FROM service_tokens WHERE owner_id = $1 AND service = $2`, ownerID, service)
	if err != nil {
		return fmt.Errorf("delete token %s/%s: %w", ownerID, service, err)
	}
	return nil
}
