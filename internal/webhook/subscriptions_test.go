package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fuse/internal/domain"
	apperrors "fuse/internal/errors"
	"fuse/internal/logging"
)

type fakeSubStore struct {
	mu       sync.Mutex
	counts   map[string]int
	subs     []domain.WebhookSubscription
	created  []domain.WebhookSubscription
	statuses map[string]domain.SubscriptionStatus
	countErr error
}

func (s *fakeSubStore) CountActiveByOwnerAction(_ context.Context, ownerID, service, actionName string) (int, error) {
	if s.countErr != nil {
		return 0, s.countErr
	}
	return s.counts[ownerID+"|"+service+"|"+actionName], nil
}

func (s *fakeSubStore) CreateSubscription(_ context.Context, sub *domain.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == "" {
		sub.ID = fmt.Sprintf("sub-%d", len(s.created)+1)
	}
	if sub.Status == "" {
		sub.Status = domain.SubscriptionStatusActive
	}
	s.created = append(s.created, *sub)
	return nil
}

func (s *fakeSubStore) ListActiveSubscriptions(_ context.Context, ownerID, service string) ([]domain.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WebhookSubscription
	for _, sub := range s.subs {
		if sub.OwnerID == ownerID && sub.Service == service && sub.Status == domain.SubscriptionStatusActive {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *fakeSubStore) UpdateSubscriptionStatus(_ context.Context, id string, status domain.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses == nil {
		s.statuses = make(map[string]domain.SubscriptionStatus)
	}
	s.statuses[id] = status
	return nil
}

type fakeRegistrar struct {
	mu          sync.Mutex
	service     string
	externalID  string
	callback    string
	registerErr error
	revokeErr   error
	registered  []string
	revoked     []string
}

func (f *fakeRegistrar) Service() string { return f.service }

func (f *fakeRegistrar) Register(_ context.Context, automation domain.Automation, event string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return "", "", f.registerErr
	}
	f.registered = append(f.registered, automation.ID+"|"+event)
	return f.externalID, f.callback, nil
}

func (f *fakeRegistrar) Revoke(_ context.Context, sub domain.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, sub.ExternalID)
	return nil
}

type fakeTokens struct {
	token *domain.ServiceToken
	err   error
}

func (f *fakeTokens) GetValidToken(_ context.Context, _, _ string) (*domain.ServiceToken, error) {
	return f.token, f.err
}

func newTestManager(t *testing.T, store *fakeSubStore, registrars ...Registrar) *SubscriptionManager {
	t.Helper()
	return NewSubscriptionManager(store, testCatalog(t), registrars, logging.Nop())
}

func TestEnsureRegistersAndRecords(t *testing.T) {
	store := &fakeSubStore{}
	reg := &fakeRegistrar{
		service:    "github",
		externalID: "acme/fuse:77",
		callback:   "https://fuse.example.com/webhooks/github",
	}
	m := newTestManager(t, store, reg)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	if err := m.EnsureSubscription(context.Background(), auto); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}

	if len(reg.registered) != 1 || reg.registered[0] != "auto-1|push" {
		t.Fatalf("registered = %v, want the provider push event", reg.registered)
	}
	if len(store.created) != 1 {
		t.Fatalf("created %d rows, want 1", len(store.created))
	}
	row := store.created[0]
	if row.OwnerID != "owner-1" || row.Service != "github" || row.ActionName != "github_push" {
		t.Fatalf("row = %+v", row)
	}
	if row.ExternalID != "acme/fuse:77" || row.CallbackURL != reg.callback {
		t.Fatalf("row = %+v, want provider ids recorded", row)
	}
	if row.Status != domain.SubscriptionStatusActive {
		t.Fatalf("status = %q, want active", row.Status)
	}
}

func TestEnsureSkipsWhenAlreadyCovered(t *testing.T) {
	store := &fakeSubStore{subs: []domain.WebhookSubscription{{
		ID:         "sub-0",
		OwnerID:    "owner-1",
		Service:    "github",
		ActionName: "github_push",
		Status:     domain.SubscriptionStatusActive,
	}}}
	reg := &fakeRegistrar{service: "github"}
	m := newTestManager(t, store, reg)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	if err := m.EnsureSubscription(context.Background(), auto); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}
	if len(reg.registered) != 0 || len(store.created) != 0 {
		t.Fatal("covered action re-registered")
	}
}

func TestEnsureUpgradesPollActionsToPush(t *testing.T) {
	store := &fakeSubStore{}
	reg := &fakeRegistrar{service: "github", externalID: "acme/fuse:78"}
	m := newTestManager(t, store, reg)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_new_issue", map[string]any{"repository": "acme/fuse"})
	auto.ActionKind = domain.ActionKindPoll
	if err := m.EnsureSubscription(context.Background(), auto); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}
	if len(reg.registered) != 1 || reg.registered[0] != "auto-1|issues" {
		t.Fatalf("registered = %v, want the poll action's push upgrade", reg.registered)
	}
}

func TestEnsureSkipsActionsWithoutPushChannel(t *testing.T) {
	store := &fakeSubStore{}
	reg := &fakeRegistrar{service: "rss"}
	m := newTestManager(t, store, reg)

	auto := webhookAutomation("auto-1", "owner-1", "rss", "rss_new_item", map[string]any{"feed_url": "https://blog.example.com/feed.xml"})
	auto.ActionKind = domain.ActionKindPoll
	if err := m.EnsureSubscription(context.Background(), auto); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}
	if len(reg.registered) != 0 || len(store.created) != 0 {
		t.Fatal("action without a push channel was registered")
	}
}

func TestEnsureSkipsServicesWithoutRegistrar(t *testing.T) {
	store := &fakeSubStore{}
	m := newTestManager(t, store)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	if err := m.EnsureSubscription(context.Background(), auto); err != nil {
		t.Fatalf("EnsureSubscription: %v", err)
	}
	if len(store.created) != 0 {
		t.Fatal("subscription recorded without a registrar")
	}
}

func TestEnsureRecordsFailedRegistration(t *testing.T) {
	store := &fakeSubStore{}
	reg := &fakeRegistrar{service: "github", registerErr: errors.New("upstream said no")}
	m := newTestManager(t, store, reg)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	err := m.EnsureSubscription(context.Background(), auto)
	if err == nil {
		t.Fatal("registration failure did not surface")
	}
	if len(store.created) != 1 {
		t.Fatalf("created %d rows, want the failure recorded", len(store.created))
	}
	row := store.created[0]
	if row.Status != domain.SubscriptionStatusFailed || row.ExternalID != "" {
		t.Fatalf("row = %+v, want a failed row without provider ids", row)
	}
}

func TestReleaseRevokesWhenLastDependentRemoved(t *testing.T) {
	store := &fakeSubStore{subs: []domain.WebhookSubscription{{
		ID:         "sub-1",
		OwnerID:    "owner-1",
		Service:    "github",
		ActionName: "github_push",
		ExternalID: "acme/fuse:77",
		Status:     domain.SubscriptionStatusActive,
	}}}
	reg := &fakeRegistrar{service: "github"}
	m := newTestManager(t, store, reg)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	if err := m.ReleaseSubscription(context.Background(), auto); err != nil {
		t.Fatalf("ReleaseSubscription: %v", err)
	}
	if len(reg.revoked) != 1 || reg.revoked[0] != "acme/fuse:77" {
		t.Fatalf("revoked = %v", reg.revoked)
	}
	if store.statuses["sub-1"] != domain.SubscriptionStatusRevoked {
		t.Fatalf("statuses = %v, want sub-1 revoked", store.statuses)
	}
}

func TestReleaseKeepsSharedSubscription(t *testing.T) {
	store := &fakeSubStore{
		counts: map[string]int{"owner-1|github|github_push": 1},
		subs: []domain.WebhookSubscription{{
			ID:         "sub-1",
			OwnerID:    "owner-1",
			Service:    "github",
			ActionName: "github_push",
			ExternalID: "acme/fuse:77",
			Status:     domain.SubscriptionStatusActive,
		}},
	}
	reg := &fakeRegistrar{service: "github"}
	m := newTestManager(t, store, reg)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	if err := m.ReleaseSubscription(context.Background(), auto); err != nil {
		t.Fatalf("ReleaseSubscription: %v", err)
	}
	if len(reg.revoked) != 0 || len(store.statuses) != 0 {
		t.Fatal("subscription still in use was torn down")
	}
}

func TestReleaseLeavesRowActiveWhenUpstreamRevokeFails(t *testing.T) {
	store := &fakeSubStore{subs: []domain.WebhookSubscription{{
		ID:         "sub-1",
		OwnerID:    "owner-1",
		Service:    "github",
		ActionName: "github_push",
		ExternalID: "acme/fuse:77",
		Status:     domain.SubscriptionStatusActive,
	}}}
	reg := &fakeRegistrar{service: "github", revokeErr: errors.New("502 from provider")}
	m := newTestManager(t, store, reg)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	if err := m.ReleaseSubscription(context.Background(), auto); err != nil {
		t.Fatalf("ReleaseSubscription: %v", err)
	}
	if len(store.statuses) != 0 {
		t.Fatalf("statuses = %v, want the row left active for retry", store.statuses)
	}
}

func TestReleaseWithoutRegistrarStillMarksRevoked(t *testing.T) {
	store := &fakeSubStore{subs: []domain.WebhookSubscription{{
		ID:         "sub-1",
		OwnerID:    "owner-1",
		Service:    "github",
		ActionName: "github_push",
		ExternalID: "acme/fuse:77",
		Status:     domain.SubscriptionStatusActive,
	}}}
	m := newTestManager(t, store)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	if err := m.ReleaseSubscription(context.Background(), auto); err != nil {
		t.Fatalf("ReleaseSubscription: %v", err)
	}
	if store.statuses["sub-1"] != domain.SubscriptionStatusRevoked {
		t.Fatalf("statuses = %v, want sub-1 revoked", store.statuses)
	}
}

func TestReleaseCountErrorSurfaces(t *testing.T) {
	store := &fakeSubStore{countErr: errors.New("db down")}
	m := newTestManager(t, store)

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	if err := m.ReleaseSubscription(context.Background(), auto); err == nil {
		t.Fatal("count failure did not surface")
	}
}

func TestGitHubRegistrarRegister(t *testing.T) {
	var captured struct {
		method string
		path   string
		auth   string
		accept string
		body   []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		captured.auth = r.Header.Get("Authorization")
		captured.accept = r.Header.Get("Accept")
		captured.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":77}`)
	}))
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: &domain.ServiceToken{AccessToken: "tok-1"}}
	reg := NewGitHubRegistrar(tokens, srv.Client(), "https://fuse.example.com/", "hook-secret")
	reg.apiBase = srv.URL

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	externalID, callbackURL, err := reg.Register(context.Background(), auto, "push")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if externalID != "acme/fuse:77" {
		t.Fatalf("externalID = %q", externalID)
	}
	if callbackURL != "https://fuse.example.com/webhooks/github" {
		t.Fatalf("callbackURL = %q", callbackURL)
	}

	if captured.method != http.MethodPost || captured.path != "/repos/acme/fuse/hooks" {
		t.Fatalf("request = %s %s", captured.method, captured.path)
	}
	if captured.auth != "Bearer tok-1" {
		t.Fatalf("auth = %q", captured.auth)
	}
	if captured.accept != "application/vnd.github+json" {
		t.Fatalf("accept = %q", captured.accept)
	}

	var hook struct {
		Name   string   `json:"name"`
		Active bool     `json:"active"`
		Events []string `json:"events"`
		Config struct {
			URL         string `json:"url"`
			ContentType string `json:"content_type"`
			Secret      string `json:"secret"`
		} `json:"config"`
	}
	if err := json.Unmarshal(captured.body, &hook); err != nil {
		t.Fatalf("decode hook payload: %v", err)
	}
	if hook.Name != "web" || !hook.Active {
		t.Fatalf("hook = %+v", hook)
	}
	if len(hook.Events) != 1 || hook.Events[0] != "push" {
		t.Fatalf("events = %v", hook.Events)
	}
	if hook.Config.URL != callbackURL || hook.Config.Secret != "hook-secret" || hook.Config.ContentType != "json" {
		t.Fatalf("config = %+v", hook.Config)
	}
}

func TestGitHubRegistrarRegisterAuthErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
	}))
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: &domain.ServiceToken{AccessToken: "stale"}}
	reg := NewGitHubRegistrar(tokens, srv.Client(), "https://fuse.example.com", "hook-secret")
	reg.apiBase = srv.URL

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	_, _, err := reg.Register(context.Background(), auto, "push")
	if !apperrors.IsAuth(err) {
		t.Fatalf("err = %v, want auth classification", err)
	}
}

func TestGitHubRegistrarRegisterRequiresRepository(t *testing.T) {
	reg := NewGitHubRegistrar(&fakeTokens{}, nil, "https://fuse.example.com", "hook-secret")

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", nil)
	_, _, err := reg.Register(context.Background(), auto, "push")
	if !apperrors.IsInvalidConfig(err) {
		t.Fatalf("err = %v, want invalid config", err)
	}
}

func TestGitHubRegistrarRegisterWithoutTokenIsAuthError(t *testing.T) {
	reg := NewGitHubRegistrar(&fakeTokens{}, nil, "https://fuse.example.com", "hook-secret")

	auto := webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"})
	_, _, err := reg.Register(context.Background(), auto, "push")
	if !apperrors.IsAuth(err) {
		t.Fatalf("err = %v, want auth classification", err)
	}
}

func TestGitHubRegistrarRevoke(t *testing.T) {
	var captured struct {
		method string
		path   string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.method = r.Method
		captured.path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: &domain.ServiceToken{AccessToken: "tok-1"}}
	reg := NewGitHubRegistrar(tokens, srv.Client(), "https://fuse.example.com", "hook-secret")
	reg.apiBase = srv.URL

	sub := domain.WebhookSubscription{
		OwnerID:    "owner-1",
		Service:    "github",
		ActionName: "github_push",
		ExternalID: "acme/fuse:77",
		Status:     domain.SubscriptionStatusActive,
	}
	if err := reg.Revoke(context.Background(), sub); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if captured.method != http.MethodDelete || captured.path != "/repos/acme/fuse/hooks/77" {
		t.Fatalf("request = %s %s", captured.method, captured.path)
	}
}

func TestGitHubRegistrarRevokeToleratesMissingHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	tokens := &fakeTokens{token: &domain.ServiceToken{AccessToken: "tok-1"}}
	reg := NewGitHubRegistrar(tokens, srv.Client(), "https://fuse.example.com", "hook-secret")
	reg.apiBase = srv.URL

	sub := domain.WebhookSubscription{
		OwnerID:    "owner-1",
		ExternalID: "acme/fuse:77",
		Status:     domain.SubscriptionStatusActive,
	}
	if err := reg.Revoke(context.Background(), sub); err != nil {
		t.Fatalf("Revoke of a hook the provider already dropped: %v", err)
	}
}
