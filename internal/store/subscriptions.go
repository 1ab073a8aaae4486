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

const subscriptionColumns = `id, owner_id, service, action_name, external_id, callback_url,
    status, event_count, last_event_at, created_at, updated_at`

// CreateSubscription records an upstream webhook registration.
func (s *Store) CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.Status == "" {
		sub.Status = domain.SubscriptionStatusActive
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
INSERT INTO webhook_subscriptions (id, owner_id, service, action_name, external_id, callback_url, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		sub.ID, sub.OwnerID, sub.Service, sub.ActionName, sub.ExternalID,
		sub.CallbackURL, string(sub.Status), now,
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// GetSubscription loads one subscription by id.
func (s *Store) GetSubscription(ctx context.Context, id string) (domain.WebhookSubscription, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.WebhookSubscription{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.WebhookSubscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return sub, nil
}

// HasActiveSubscription reports whether an owner already receives push
// deliveries covering one action. The poller's smart skip depends on it.
func (s *Store) HasActiveSubscription(ctx context.Context, ownerID, service, actionName string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (
    SELECT 1 FROM webhook_subscriptions
    WHERE owner_id = $1 AND service = $2 AND action_name = $3 AND status = $4
)`, ownerID, service, actionName, string(domain.SubscriptionStatusActive)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return exists, nil
}

// ListActiveSubscriptions returns an owner's live registrations for one
// service.
func (s *Store) ListActiveSubscriptions(ctx context.Context, ownerID, service string) ([]domain.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+subscriptionColumns+` FROM webhook_subscriptions
WHERE owner_id = $1 AND service = $2 AND status = $3
ORDER BY created_at`, ownerID, service, string(domain.SubscriptionStatusActive))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return out, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpdateSubscriptionStatus moves a subscription between active/revoked/failed.
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE webhook_subscriptions SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordSubscriptionDelivery bumps the delivery counters on the owner's
// active subscriptions for an action after an accepted webhook.
func (s *Store) RecordSubscriptionDelivery(ctx context.Context, ownerID, service, actionName string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE webhook_subscriptions
SET event_count = event_count + 1, last_event_at = $4, updated_at = now()
WHERE owner_id = $1 AND service = $2 AND action_name = $3 AND status = $5`,
		ownerID, service, actionName, at.UTC(), string(domain.SubscriptionStatusActive))
	if err != nil {
		return fmt.Errorf("record subscription delivery: %w", err)
	}
	return nil
}

func scanSubscription(row rowScanner) (domain.WebhookSubscription, error) {
	var sub domain.WebhookSubscription
	var status string
	err := row.Scan(
		&sub.ID, &sub.OwnerID, &sub.Service, &sub.ActionName, &sub.ExternalID,
		&sub.CallbackURL, &status, &sub.EventCount, &sub.LastEventAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return domain.WebhookSubscription{}, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	return sub, nil
}
