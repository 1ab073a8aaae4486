package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fuse/internal/domain"
)

// ReportNotification records that an owner's connection needs attention.
// The partial unique index keeps one unresolved row per (owner, service,
// type); a repeat refreshes the message and timestamp in place. created is
// true when a new row was inserted rather than an existing one updated.
func (s *Store) ReportNotification(ctx context.Context, n *domain.OAuthNotification) (bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	now := time.Now().UTC()

	err := s.pool.QueryRow(ctx, `
INSERT INTO oauth_notifications (id, owner_id, service, notification_type, message, resolved, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, FALSE, $6, $6)
ON CONFLICT (owner_id, service, notification_type) WHERE NOT resolved
DO UPDATE SET message = EXCLUDED.message, updated_at = EXCLUDED.updated_at
RETURNING id, created_at, updated_at`,
		n.ID, n.OwnerID, n.Service, string(n.Type), n.Message, now,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("report notification: %w", err)
	}
	n.Resolved = false
	return n.CreatedAt.Equal(n.UpdatedAt), nil
}

// ListUnresolvedNotifications returns an owner's open notifications, newest
// first.
func (s *Store) ListUnresolvedNotifications(ctx context.Context, ownerID string) ([]domain.OAuthNotification, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, owner_id, service, notification_type, message, resolved, created_at, updated_at
FROM oauth_notifications
WHERE owner_id = $1 AND NOT resolved
ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []domain.OAuthNotification
	for rows.Next() {
		var n domain.OAuthNotification
		var kind string
		if err := rows.Scan(&n.ID, &n.OwnerID, &n.Service, &kind, &n.Message, &n.Resolved, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return out, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = domain.NotificationType(kind)
		out = append(out, n)
	}
	return out, rows.Err()
}

// ResolveNotifications closes every open notification for an owner/service
// pair, typically after a successful reconnect.
func (s *Store) ResolveNotifications(ctx context.Context, ownerID, service string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE oauth_notifications SET resolved = TRUE, updated_at = now()
WHERE owner_id = $1 AND service = $2 AND NOT resolved`, ownerID, service)
	if err != nil {
		return 0, fmt.Errorf("resolve notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
