// Package notify surfaces OAuth connection problems to automation owners.
// Reports are deduplicated per unresolved (owner, service, type) triple and
// resolved in bulk when a connection starts working again.
package notify

import (
	"context"

	"fuse/internal/domain"
	"fuse/internal/logging"
	"fuse/internal/observability"
)

// Store is the persistence surface the reporter needs.
type Store interface {
	ReportNotification(ctx context.Context, n *domain.OAuthNotification) (bool, error)
	ResolveNotifications(ctx context.Context, ownerID, service string) (int64, error)
	ListUnresolvedNotifications(ctx context.Context, ownerID string) ([]domain.OAuthNotification, error)
}

// Reporter records and resolves OAuth notifications. All methods are
// best-effort: a notification failure must never fail the execution or
// refresh that triggered it, so errors are logged and swallowed.
type Reporter struct {
	store   Store
	metrics *observability.MetricsCollector
	logger  logging.Logger
}

// NewReporter builds a Reporter.
func NewReporter(store Store, metrics *observability.MetricsCollector, logger logging.Logger) *Reporter {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Notify")
	}
	return &Reporter{store: store, metrics: metrics, logger: logger}
}

// Report files a notification for the owner. A second report for the same
// unresolved (owner, service, type) updates the message in place instead of
// creating a duplicate.
func (r *Reporter) Report(ctx context.Context, ownerID, service string, typ domain.NotificationType, message string) {
	created, err := r.store.ReportNotification(ctx, &domain.OAuthNotification{
		OwnerID: ownerID,
		Service: service,
		Type:    typ,
		Message: message,
	})
	if err != nil {
		r.logger.Error("Failed to record %s notification for %s/%s: %v", typ, ownerID, service, err)
		return
	}
	if created {
		r.metrics.RecordNotification(ctx, string(typ))
		r.logger.Warn("OAuth problem for %s/%s: %s", ownerID, service, message)
	}
}

// ResolveAll marks every unresolved notification for (owner, service) as
// resolved. Called when a refresh succeeds or the owner reconnects.
func (r *Reporter) ResolveAll(ctx context.Context, ownerID, service string) {
	resolved, err := r.store.ResolveNotifications(ctx, ownerID, service)
	if err != nil {
		r.logger.Error("Failed to resolve notifications for %s/%s: %v", ownerID, service, err)
		return
	}
	if resolved > 0 {
		r.logger.Info("Resolved %d notifications for %s/%s", resolved, ownerID, service)
	}
}

// Unresolved lists the owner's open notifications, newest first.
func (r *Reporter) Unresolved(ctx context.Context, ownerID string) ([]domain.OAuthNotification, error) {
	return r.store.ListUnresolvedNotifications(ctx, ownerID)
}
