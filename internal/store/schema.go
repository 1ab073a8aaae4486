package store

import (
	"context"
	"fmt"
)

// EnsureSchema creates every table and index the engine needs. Statements
// are idempotent so repeated boots are safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS services (
    name                    TEXT PRIMARY KEY,
    display_name            TEXT NOT NULL DEFAULT '',
    auth_mode               TEXT NOT NULL DEFAULT 'none',
    token_url               TEXT NOT NULL DEFAULT '',
    supports_refresh        BOOLEAN NOT NULL DEFAULT FALSE,
    webhook_signature       TEXT NOT NULL DEFAULT '',
    request_timeout_seconds INTEGER NOT NULL DEFAULT 15,
    created_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS actions (
    service       TEXT NOT NULL REFERENCES services(name),
    name          TEXT NOT NULL,
    kind          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    webhook_event TEXT NOT NULL DEFAULT '',
    config_schema JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (service, name)
)`,
		`CREATE TABLE IF NOT EXISTS reactions (
    service       TEXT NOT NULL REFERENCES services(name),
    name          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    config_schema JSONB,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (service, name)
)`,
		`CREATE TABLE IF NOT EXISTS automations (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    name             TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'active',
    action_service   TEXT NOT NULL,
    action_name      TEXT NOT NULL,
    action_kind      TEXT NOT NULL,
    action_config    JSONB,
    reaction_service TEXT NOT NULL,
    reaction_name    TEXT NOT NULL,
    reaction_config  JSONB,
    retry_max        INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_automations_action
    ON automations (action_service, action_name, status)`,
		`CREATE INDEX IF NOT EXISTS idx_automations_kind
    ON automations (action_kind, status)`,
		`CREATE INDEX IF NOT EXISTS idx_automations_owner
    ON automations (owner_id)`,
		`CREATE TABLE IF NOT EXISTS action_states (
    automation_id  TEXT PRIMARY KEY REFERENCES automations(id) ON DELETE CASCADE,
    cursor_value   TEXT NOT NULL DEFAULT '',
    last_polled_at TIMESTAMPTZ,
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS executions (
    id                TEXT PRIMARY KEY,
    automation_id     TEXT NOT NULL,
    external_event_id TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    attempt_count     INTEGER NOT NULL DEFAULT 0,
    trigger_data      JSONB,
    result_data       JSONB,
    error_message     TEXT NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at        TIMESTAMPTZ,
    completed_at      TIMESTAMPTZ
)`,
		// The at-most-once anchor. Producers may race; exactly one insert wins.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_executions_automation_event
    ON executions (automation_id, external_event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_created
    ON executions (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_started
    ON executions (status, started_at) WHERE status = 'running'`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_completed
    ON executions (status, completed_at) WHERE completed_at IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS service_tokens (
    owner_id      TEXT NOT NULL,
    service       TEXT NOT NULL,
    access_token  TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    expires_at    TIMESTAMPTZ,
    scopes        TEXT[] NOT NULL DEFAULT '{}',
    last_used_at  TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (owner_id, service)
)`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL,
    service       TEXT NOT NULL,
    action_name   TEXT NOT NULL,
    external_id   TEXT NOT NULL DEFAULT '',
    callback_url  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'active',
    event_count   BIGINT NOT NULL DEFAULT 0,
    last_event_at TIMESTAMPTZ,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_owner
    ON webhook_subscriptions (owner_id, service, action_name, status)`,
		`CREATE TABLE IF NOT EXISTS oauth_notifications (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    service           TEXT NOT NULL,
    notification_type TEXT NOT NULL,
    message           TEXT NOT NULL DEFAULT '',
    resolved          BOOLEAN NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		// One live notification per problem; repeats update in place.
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_oauth_notifications_unresolved
    ON oauth_notifications (owner_id, service, notification_type) WHERE NOT resolved`,
		`CREATE TABLE IF NOT EXISTS dispatch_tasks (
    id           TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL,
    run_at       TIMESTAMPTZ NOT NULL,
    status       TEXT NOT NULL DEFAULT 'queued',
    locked_by    TEXT,
    locked_at    TIMESTAMPTZ,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_tasks_due
    ON dispatch_tasks (status, run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_tasks_locked
    ON dispatch_tasks (locked_at) WHERE status = 'claimed'`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
