// Package store is the Postgres persistence layer. Every table the engine
// relies on is created by EnsureSchema; correctness-critical guarantees
// (at-most-one execution per event, claim exclusivity, token CAS) are
// enforced by constraints and guarded updates in this package.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"fuse/internal/domain"
	"fuse/internal/logging"
)

// Store wraps a pgx pool and exposes per-entity repositories as methods.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger

	hookMu          sync.RWMutex
	automationHooks []AutomationHook
}

// AutomationChange describes what happened to an automation row.
type AutomationChange string

const (
	AutomationCreated AutomationChange = "created"
	AutomationUpdated AutomationChange = "updated"
	AutomationDeleted AutomationChange = "deleted"
)

// AutomationHook observes committed automation mutations. Hooks run on the
// caller's goroutine after the write succeeds and must not block.
type AutomationHook func(automation domain.Automation, change AutomationChange)

// Open connects a pool, verifies connectivity and returns a Store.
func Open(ctx context.Context, url string, maxConns int32, logger logging.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return New(pool, logger), nil
}

// New wraps an existing pool. Tests use this with their own pool.
func New(pool *pgxpool.Pool, logger logging.Logger) *Store {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Store")
	}
	return &Store{pool: pool, logger: logger}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// OnAutomationChange registers a hook for automation mutations. Used for
// webhook match-cache invalidation and subscription reconciliation.
func (s *Store) OnAutomationChange(hook AutomationHook) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.automationHooks = append(s.automationHooks, hook)
}

func (s *Store) fireAutomationChange(automation domain.Automation, change AutomationChange) {
	s.hookMu.RLock()
	hooks := make([]AutomationHook, len(s.automationHooks))
	copy(hooks, s.automationHooks)
	s.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(automation, change)
	}
}
