package domain

import "time"

// NotificationType classifies OAuth health notifications.
type NotificationType string

const (
	// NotificationTokenExpired - a token expired with no way to refresh it.
	NotificationTokenExpired NotificationType = "token_expired"
	// NotificationRefreshFailed - the provider rejected a refresh attempt.
	NotificationRefreshFailed NotificationType = "refresh_failed"
	// NotificationAuthError - a reaction call was rejected even after refresh.
	NotificationAuthError NotificationType = "auth_error"
)

// OAuthNotification tells an owner one of their connections needs attention.
// At most one unresolved notification exists per (owner, service, type);
// repeats update the existing row in place.
type OAuthNotification struct {
	ID        string
	OwnerID   string
	Service   string
	Type      NotificationType
	Message   string
	Resolved  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
