package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"fuse/internal/catalog"
	"fuse/internal/domain"
	apperrors "fuse/internal/errors"
	"fuse/internal/httpclient"
	"fuse/internal/logging"
)

// TokenSource supplies a usable OAuth token for provider API calls.
type TokenSource interface {
	GetValidToken(ctx context.Context, ownerID, service string) (*domain.ServiceToken, error)
}

// Registrar provisions and tears down webhook registrations with one
// provider. event is the provider-side event name the hook must deliver.
type Registrar interface {
	Service() string
	Register(ctx context.Context, automation domain.Automation, event string) (externalID, callbackURL string, err error)
	Revoke(ctx context.Context, sub domain.WebhookSubscription) error
}

// SubscriptionStore is the store surface the manager reconciles against.
type SubscriptionStore interface {
	CountActiveByOwnerAction(ctx context.Context, ownerID, service, actionName string) (int, error)
	CreateSubscription(ctx context.Context, sub *domain.WebhookSubscription) error
	ListActiveSubscriptions(ctx context.Context, ownerID, service string) ([]domain.WebhookSubscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status domain.SubscriptionStatus) error
}

// SubscriptionManager keeps provider-side webhook registrations in step with
// automation lifecycle signals: create and resume register a push channel,
// delete and pause release it. A channel is revoked only when no other
// active automation of the owner still needs it.
type SubscriptionManager struct {
	store      SubscriptionStore
	catalog    *catalog.Catalog
	registrars map[string]Registrar
	logger     logging.Logger
}

// NewSubscriptionManager indexes the registrars by service name.
func NewSubscriptionManager(store SubscriptionStore, cat *catalog.Catalog, registrars []Registrar, logger logging.Logger) *SubscriptionManager {
	byService := make(map[string]Registrar, len(registrars))
	for _, reg := range registrars {
		byService[strings.ToLower(reg.Service())] = reg
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Subscriptions")
	}
	return &SubscriptionManager{store: store, catalog: cat, registrars: byService, logger: logger}
}

// EnsureSubscription registers a push channel for the automation's action
// unless one already covers it. Actions without a webhook event and services
// without a registrar stay on the polling path.
func (m *SubscriptionManager) EnsureSubscription(ctx context.Context, automation domain.Automation) error {
	action, ok := m.catalog.Action(automation.ActionService, automation.ActionName)
	if !ok || action.WebhookEvent == "" {
		return nil
	}
	registrar, ok := m.registrars[automation.ActionService]
	if !ok {
		return nil
	}

	existing, err := m.store.ListActiveSubscriptions(ctx, automation.OwnerID, automation.ActionService)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range existing {
		if sub.Covers(automation.ActionName) {
			return nil
		}
	}

	externalID, callbackURL, err := registrar.Register(ctx, automation, action.WebhookEvent)
	if err != nil {
		m.logger.Warn("Webhook registration for %s/%s failed: %v",
			automation.ActionService, automation.ActionName, err)
		failed := &domain.WebhookSubscription{
			OwnerID:    automation.OwnerID,
			Service:    automation.ActionService,
			ActionName: automation.ActionName,
			Status:     domain.SubscriptionStatusFailed,
		}
		if recErr := m.store.CreateSubscription(ctx, failed); recErr != nil {
			m.logger.Error("Record failed registration: %v", recErr)
		}
		return fmt.Errorf("register webhook: %w", err)
	}

	sub := &domain.WebhookSubscription{
		OwnerID:     automation.OwnerID,
		Service:     automation.ActionService,
		ActionName:  automation.ActionName,
		ExternalID:  externalID,
		CallbackURL: callbackURL,
		Status:      domain.SubscriptionStatusActive,
	}
	if err := m.store.CreateSubscription(ctx, sub); err != nil {
		m.logger.Error("Subscription row insert failed; provider hook %s is orphaned: %v", externalID, err)
		return fmt.Errorf("record subscription: %w", err)
	}
	m.logger.Info("Registered %s webhook covering %s for owner %s",
		automation.ActionService, automation.ActionName, automation.OwnerID)
	return nil
}

// ReleaseSubscription revokes the owner's push channel for the automation's
// action when no other active automation still needs it.
func (m *SubscriptionManager) ReleaseSubscription(ctx context.Context, automation domain.Automation) error {
	count, err := m.store.CountActiveByOwnerAction(ctx, automation.OwnerID, automation.ActionService, automation.ActionName)
	if err != nil {
		return fmt.Errorf("count dependent automations: %w", err)
	}
	if count > 0 {
		return nil
	}

	subs, err := m.store.ListActiveSubscriptions(ctx, automation.OwnerID, automation.ActionService)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	registrar := m.registrars[automation.ActionService]
	for _, sub := range subs {
		if !sub.Covers(automation.ActionName) {
			continue
		}
		if registrar != nil {
			if err := registrar.Revoke(ctx, sub); err != nil {
				// A failed upstream revoke leaves the row active; the next
				// release signal retries the teardown.
				m.logger.Warn("Upstream revoke of %s failed: %v", sub.ExternalID, err)
				continue
			}
		}
		if err := m.store.UpdateSubscriptionStatus(ctx, sub.ID, domain.SubscriptionStatusRevoked); err != nil {
			m.logger.Error("Mark subscription %s revoked: %v", sub.ID, err)
			continue
		}
		m.logger.Info("Revoked %s webhook covering %s for owner %s",
			automation.ActionService, automation.ActionName, automation.OwnerID)
	}
	return nil
}

const (
	registrarAPIBase = "https://api.github.com"

	maxRegistrarBody = int64(1 << 20)
)

// GitHubRegistrar provisions repository hooks through the GitHub REST API.
// External ids are stored as "{repository}:{hook_id}" so revocation can
// rebuild the API path.
type GitHubRegistrar struct {
	tokens    TokenSource
	client    *http.Client
	apiBase   string
	publicURL string
	secret    string
}

// NewGitHubRegistrar builds a registrar. publicURL is the engine's
// externally reachable base URL; secret must match the receiver's configured
// github secret. A nil client falls back to the shared default.
func NewGitHubRegistrar(tokens TokenSource, client *http.Client, publicURL, secret string) *GitHubRegistrar {
	if client == nil {
		client = httpclient.New(0)
	}
	return &GitHubRegistrar{
		tokens:    tokens,
		client:    client,
		apiBase:   registrarAPIBase,
		publicURL: strings.TrimRight(publicURL, "/"),
		secret:    secret,
	}
}

// Service reports the provider this registrar serves.
func (g *GitHubRegistrar) Service() string { return "github" }

// Register creates a repository hook that delivers the event to the engine's
// github receiver endpoint.
func (g *GitHubRegistrar) Register(ctx context.Context, automation domain.Automation, event string) (string, string, error) {
	repo, _ := automation.ActionConfig["repository"].(string)
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return "", "", apperrors.NewInvalidConfigError(fmt.Errorf("missing required field"), "repository")
	}
	token, err := g.tokens.GetValidToken(ctx, automation.OwnerID, "github")
	if err != nil {
		return "", "", fmt.Errorf("github token: %w", err)
	}
	if token == nil {
		return "", "", apperrors.NewAuthError(fmt.Errorf("no usable token"), "create github hook")
	}

	callbackURL := g.publicURL + "/webhooks/github"
	payload := map[string]any{
		"name":   "web",
		"active": true,
		"events": []string{event},
		"config": map[string]any{
			"url":          callbackURL,
			"content_type": "json",
			"secret":       g.secret,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", "", apperrors.NewPermanentError(err, "encode github hook")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/repos/%s/hooks", g.apiBase, repo), bytes.NewReader(raw))
	if err != nil {
		return "", "", apperrors.NewPermanentError(err, "build github request")
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", "", apperrors.NewTransientError(err, "create github hook")
	}
	body, err := httpclient.ReadBody(resp, maxRegistrarBody)
	if err != nil {
		return "", "", apperrors.NewTransientError(err, "read github response")
	}
	if resp.StatusCode != http.StatusCreated {
		if httpErr := apperrors.FromHTTPStatus(resp.StatusCode, "create github hook", string(body)); httpErr != nil {
			return "", "", httpErr
		}
		return "", "", apperrors.NewPermanentError(fmt.Errorf("unexpected status %d", resp.StatusCode), "create github hook")
	}

	var hook struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &hook); err != nil {
		return "", "", apperrors.NewTransientError(err, "decode github response")
	}
	if hook.ID == 0 {
		return "", "", apperrors.NewPermanentError(fmt.Errorf("hook id missing in response"), "create github hook")
	}
	return fmt.Sprintf("%s:%d", repo, hook.ID), callbackURL, nil
}

// Revoke deletes the repository hook. A hook already gone upstream counts as
// revoked.
func (g *GitHubRegistrar) Revoke(ctx context.Context, sub domain.WebhookSubscription) error {
	repo, hookID, ok := strings.Cut(sub.ExternalID, ":")
	if !ok || repo == "" || hookID == "" {
		return fmt.Errorf("malformed external id %q", sub.ExternalID)
	}
	token, err := g.tokens.GetValidToken(ctx, sub.OwnerID, "github")
	if err != nil {
		return fmt.Errorf("github token: %w", err)
	}
	if token == nil {
		return apperrors.NewAuthError(fmt.Errorf("no usable token"), "delete github hook")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/repos/%s/hooks/%s", g.apiBase, repo, hookID), nil)
	if err != nil {
		return apperrors.NewPermanentError(err, "build github request")
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.client.Do(req)
	if err != nil {
		return apperrors.NewTransientError(err, "delete github hook")
	}
	body, err := httpclient.ReadBody(resp, maxRegistrarBody)
	if err != nil {
		return apperrors.NewTransientError(err, "read github response")
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return apperrors.FromHTTPStatus(resp.StatusCode, "delete github hook", string(body))
}
