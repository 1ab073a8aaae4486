package domain

import "time"

// SubscriptionStatus represents the provider-side state of a webhook registration.
type SubscriptionStatus string

const (
	// SubscriptionStatusActive indicates the provider delivers events.
	SubscriptionStatusActive SubscriptionStatus = "active"
	// SubscriptionStatusRevoked indicates the registration was torn down.
	SubscriptionStatusRevoked SubscriptionStatus = "revoked"
	// SubscriptionStatusFailed indicates the last registration attempt failed.
	SubscriptionStatusFailed SubscriptionStatus = "failed"
)

// WebhookSubscription tracks one provider-side webhook registration.
// Pollers consult these rows to skip owners who already receive pushes.
type WebhookSubscription struct {
	ID          string
	OwnerID     string
	Service     string
	ActionName  string
	ExternalID  string // provider's identifier for the registration
	CallbackURL string
	Status      SubscriptionStatus
	EventCount  int64
	LastEventAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Covers reports whether this subscription delivers events for the action.
func (s WebhookSubscription) Covers(actionName string) bool {
	return s.Status == SubscriptionStatusActive && s.ActionName == actionName
}
