package domain

import "time"

// AuthMode describes how a service authenticates outbound calls.
type AuthMode string

const (
	// AuthModeNone marks services reachable without credentials (timers, feeds).
	AuthModeNone AuthMode = "none"
	// AuthModeOAuth2 marks services whose tokens live in the token broker.
	AuthModeOAuth2 AuthMode = "oauth2"
	// AuthModeStatic marks services keyed by a static secret (incoming webhooks).
	AuthModeStatic AuthMode = "static"
)

// ActionKind describes how events for an action reach the engine.
type ActionKind string

const (
	// ActionKindTimer events are produced by the internal scheduler.
	ActionKindTimer ActionKind = "timer"
	// ActionKindPoll events are discovered by periodic upstream polling.
	ActionKindPoll ActionKind = "poll"
	// ActionKindWebhook events arrive as push deliveries from the provider.
	ActionKindWebhook ActionKind = "webhook"
)

// AutomationStatus represents the lifecycle state of an automation.
type AutomationStatus string

const (
	// AutomationStatusActive indicates the automation triggers normally.
	AutomationStatusActive AutomationStatus = "active"
	// AutomationStatusPaused indicates the owner suspended the automation.
	AutomationStatusPaused AutomationStatus = "paused"
	// AutomationStatusDisabled indicates the platform turned the automation off.
	AutomationStatusDisabled AutomationStatus = "disabled"
)

// Service is a connectable provider (github, notion, twitch, ...).
type Service struct {
	Name                  string
	DisplayName           string
	AuthMode              AuthMode
	TokenURL              string
	SupportsRefresh       bool
	WebhookSignature      string // validator kind: github, twitch, generic, ""
	RequestTimeoutSeconds int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Action is a trigger descriptor offered by a service.
type Action struct {
	Name         string
	Service      string
	Kind         ActionKind
	Description  string
	WebhookEvent string         // event_type this action matches for push delivery
	ConfigSchema map[string]any // JSON schema for the per-automation config
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Reaction is an effect descriptor offered by a service.
type Reaction struct {
	Name         string
	Service      string
	Description  string
	ConfigSchema map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Automation binds one action to one reaction for one owner.
type Automation struct {
	ID              string
	OwnerID         string
	Name            string
	Status          AutomationStatus
	ActionName      string
	ActionService   string
	ActionKind      ActionKind
	ActionConfig    map[string]any
	ReactionName    string
	ReactionService string
	ReactionConfig  map[string]any
	RetryMax        int // 0 means the engine default applies
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsActive reports whether the automation may admit new executions.
func (a Automation) IsActive() bool {
	return a.Status == AutomationStatusActive
}

// ActionState carries the poll cursor for one automation.
type ActionState struct {
	AutomationID string
	Cursor       string
	LastPolledAt time.Time
	UpdatedAt    time.Time
}
