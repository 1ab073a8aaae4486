package domain

import "time"

// ServiceToken holds one owner's OAuth credential for one service.
// ExpiresAt is nil for tokens that never expire (e.g. GitHub PAT-style
// grants); such tokens are returned as-is and never refreshed.
type ServiceToken struct {
	OwnerID      string
	Service      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
	LastUsedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the token is unusable at now.
func (t ServiceToken) Expired(now time.Time) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return !now.Before(*t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires inside the given window.
// Non-expiring tokens never do.
func (t ServiceToken) ExpiresWithin(now time.Time, window time.Duration) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return now.Add(window).After(*t.ExpiresAt)
}
