// Package token hands out currently valid OAuth access tokens for
// (owner, service) pairs, refreshing proactively when a token approaches
// expiry. Refreshes for one pair are serialized in-process by a keyed mutex
// and across processes by a compare-and-set on expires_at, so concurrent
// callers observe a single refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"fuse/internal/domain"
	"fuse/internal/logging"
	"fuse/internal/observability"
)

// DefaultRefreshWindow is the proactive window before expiry inside which a
// token use triggers a refresh.
const DefaultRefreshWindow = 5 * time.Minute

// TokenStore is the persistence surface the broker needs.
type TokenStore interface {
	GetToken(ctx context.Context, ownerID, service string) (*domain.ServiceToken, error)
	UpdateTokenCAS(ctx context.Context, ownerID, service, accessToken, refreshToken string, newExpiresAt, expectedExpiresAt *time.Time) (bool, error)
	MarkTokenUsed(ctx context.Context, ownerID, service string, at time.Time) error
}

// Notifier files OAuth health notifications.
type Notifier interface {
	Report(ctx context.Context, ownerID, service string, typ domain.NotificationType, message string)
	ResolveAll(ctx context.Context, ownerID, service string)
}

// BrokerConfig wires a Broker.
type BrokerConfig struct {
	Store         TokenStore
	Notifier      Notifier
	Providers     map[string]Provider
	RefreshWindow time.Duration
	Metrics       *observability.MetricsCollector
	Logger        logging.Logger
}

// Broker resolves valid tokens and owns the refresh lifecycle.
type Broker struct {
	store     TokenStore
	notifier  Notifier
	providers map[string]Provider
	window    time.Duration
	metrics   *observability.MetricsCollector
	logger    logging.Logger
	now       func() time.Time

	locks sync.Map // "owner/service" -> *sync.Mutex
}

// NewBroker builds a Broker from its config.
func NewBroker(cfg BrokerConfig) *Broker {
	window := cfg.RefreshWindow
	if window <= 0 {
		window = DefaultRefreshWindow
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("TokenBroker")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	providers := cfg.Providers
	if providers == nil {
		providers = map[string]Provider{}
	}
	return &Broker{
		store:     cfg.Store,
		notifier:  cfg.Notifier,
		providers: providers,
		window:    window,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// GetValidToken returns a usable access token for (owner, service), or nil
// when none exists and none can be minted. A nil token with a nil error is a
// normal outcome; callers translate it into an auth failure. Errors are
// reserved for infrastructure trouble.
func (b *Broker) GetValidToken(ctx context.Context, ownerID, service string) (*domain.ServiceToken, error) {
	service = normalizeService(service)

	token, err := b.store.GetToken(ctx, ownerID, service)
	if err != nil {
		if errors.Is(err, domain.ErrNoToken) {
			return nil, nil
		}
		return nil, err
	}

	now := b.now()
	if !b.needsRefresh(token, now) {
		return token, nil
	}

	provider, ok := b.providers[service]
	if !ok || !provider.SupportsRefresh() || token.RefreshToken == "" {
		if token.Expired(now) {
			b.notifier.Report(ctx, ownerID, service, domain.NotificationTokenExpired,
				fmt.Sprintf("The %s connection has expired and cannot be refreshed automatically. Please reconnect the service.", service))
			return nil, nil
		}
		// Close to expiry but still valid, and no refresh path exists.
		return token, nil
	}

	return b.refresh(ctx, ownerID, service, provider, false)
}

// ForceRefresh refreshes regardless of the proactive window. The dispatcher
// calls it after a handler reports an auth failure with a token the broker
// considered valid.
func (b *Broker) ForceRefresh(ctx context.Context, ownerID, service string) (*domain.ServiceToken, error) {
	service = normalizeService(service)

	provider, ok := b.providers[service]
	if !ok || !provider.SupportsRefresh() {
		return nil, nil
	}
	return b.refresh(ctx, ownerID, service, provider, true)
}

// MarkUsed stamps last_used_at. Best-effort: failures are logged only.
func (b *Broker) MarkUsed(ctx context.Context, ownerID, service string) {
	service = normalizeService(service)
	if err := b.store.MarkTokenUsed(ctx, ownerID, service, b.now()); err != nil {
		b.logger.Debug("Failed to stamp last_used_at for %s/%s: %v", ownerID, service, err)
	}
}

// refresh performs one serialized refresh round. With force unset it
// re-reads under the lock and returns early when a concurrent caller
// already refreshed the pair.
func (b *Broker) refresh(ctx context.Context, ownerID, service string, provider Provider, force bool) (*domain.ServiceToken, error) {
	mu := b.lockFor(ownerID, service)
	mu.Lock()
	defer mu.Unlock()

	current, err := b.store.GetToken(ctx, ownerID, service)
	if err != nil {
		if errors.Is(err, domain.ErrNoToken) {
			return nil, nil
		}
		return nil, err
	}

	now := b.now()
	if !force && !b.needsRefresh(current, now) {
		// Another caller refreshed while we waited for the lock.
		return current, nil
	}
	if current.RefreshToken == "" {
		return nil, nil
	}

	result, err := provider.Refresh(ctx, current.RefreshToken)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.metrics.RecordTokenRefresh(ctx, service, "failure")
		b.logger.Warn("Token refresh for %s/%s failed: %v", ownerID, service, err)
		b.notifier.Report(ctx, ownerID, service, domain.NotificationRefreshFailed,
			fmt.Sprintf("Automatic token refresh for %s failed. Please reconnect the service.", service))
		return nil, nil
	}
	b.metrics.RecordTokenRefresh(ctx, service, "success")

	refreshToken := result.RefreshToken
	if refreshToken == "" {
		refreshToken = current.RefreshToken
	}

	swapped, err := b.store.UpdateTokenCAS(ctx, ownerID, service,
		result.AccessToken, refreshToken, result.ExpiresAt, current.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// A concurrent process persisted its refresh first; use theirs.
		latest, err := b.store.GetToken(ctx, ownerID, service)
		if err != nil {
			if errors.Is(err, domain.ErrNoToken) {
				return nil, nil
			}
			return nil, err
		}
		return latest, nil
	}

	b.notifier.ResolveAll(ctx, ownerID, service)

	updated := *current
	updated.AccessToken = result.AccessToken
	updated.RefreshToken = refreshToken
	updated.ExpiresAt = result.ExpiresAt
	updated.UpdatedAt = now
	return &updated, nil
}

func (b *Broker) needsRefresh(t *domain.ServiceToken, now time.Time) bool {
	if t.ExpiresAt == nil {
		return false
	}
	return t.Expired(now) || t.ExpiresWithin(now, b.window)
}

func (b *Broker) lockFor(ownerID, service string) *sync.Mutex {
	key := ownerID + "/" + service
	mu, _ := b.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func normalizeService(service string) string {
	return strings.ToLower(strings.TrimSpace(service))
}
