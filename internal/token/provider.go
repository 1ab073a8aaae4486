package token

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fuse/internal/catalog"
	"fuse/internal/config"
	"fuse/internal/domain"
	"fuse/internal/httpclient"
)

const maxErrorBody = int64(64 << 10)

// RefreshResult carries the fields of a successful token refresh. A zero
// ExpiresAt means the provider minted a non-expiring token.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Provider refreshes access tokens for one upstream service.
type Provider interface {
	SupportsRefresh() bool
	Refresh(ctx context.Context, refreshToken string) (RefreshResult, error)
}

// OAuthProviderConfig describes one service's refresh endpoint and app
// credentials.
type OAuthProviderConfig struct {
	Service         string
	TokenURL        string
	ClientID        string
	ClientSecret    string
	SupportsRefresh bool
	HTTPClient      *http.Client
}

// OAuthProvider performs the standard refresh_token grant against a
// provider token endpoint.
type OAuthProvider struct {
	cfg    OAuthProviderConfig
	client *http.Client
}

// NewOAuthProvider builds a provider from its config. A nil HTTPClient gets
// a default outbound client.
func NewOAuthProvider(cfg OAuthProviderConfig) *OAuthProvider {
	client := cfg.HTTPClient
	if client == nil {
		client = httpclient.New(0)
	}
	cfg.Service = strings.ToLower(strings.TrimSpace(cfg.Service))
	cfg.TokenURL = strings.TrimSpace(cfg.TokenURL)
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	return &OAuthProvider{cfg: cfg, client: client}
}

// SupportsRefresh reports whether this provider can mint new access tokens.
func (p *OAuthProvider) SupportsRefresh() bool {
	return p.cfg.SupportsRefresh && p.cfg.TokenURL != ""
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
}

// Refresh exchanges the refresh token for a new access token.
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	if !p.SupportsRefresh() {
		return RefreshResult{}, fmt.Errorf("%s: provider does not support refresh", p.cfg.Service)
	}
	if p.cfg.ClientID == "" || p.cfg.ClientSecret == "" {
		return RefreshResult{}, fmt.Errorf("%s: oauth client credentials are not configured", p.cfg.Service)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return RefreshResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// GitHub's token endpoint replies form-encoded unless JSON is demanded.
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("%s: refresh request failed: %w", p.cfg.Service, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := httpclient.ReadAllWithLimit(resp.Body, maxErrorBody)
		return RefreshResult{}, fmt.Errorf("%s: refresh failed: status=%d body=%s",
			p.cfg.Service, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return RefreshResult{}, fmt.Errorf("%s: decode refresh response: %w", p.cfg.Service, err)
	}
	// Some providers, GitHub among them, report refresh errors inside a 200.
	if parsed.Error != "" {
		return RefreshResult{}, fmt.Errorf("%s: refresh rejected: %s", p.cfg.Service, parsed.Error)
	}
	if parsed.AccessToken == "" {
		return RefreshResult{}, fmt.Errorf("%s: refresh response missing access_token", p.cfg.Service)
	}

	result := RefreshResult{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
	}
	if parsed.ExpiresIn > 0 {
		expiry := time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
		result.ExpiresAt = &expiry
	}
	return result, nil
}

// BuildProviders assembles the provider registry for every catalog service
// that authenticates with OAuth. The registry is built once at boot and
// never mutated afterwards.
func BuildProviders(cat *catalog.Catalog, cfg *config.Config, clients *httpclient.Factory) map[string]Provider {
	providers := make(map[string]Provider)
	for _, svc := range cat.Services() {
		if svc.AuthMode != domain.AuthModeOAuth2 {
			continue
		}
		creds := cfg.CredentialsFor(svc.Name)
		providers[svc.Name] = NewOAuthProvider(OAuthProviderConfig{
			Service:         svc.Name,
			TokenURL:        svc.TokenURL,
			ClientID:        creds.ClientID,
			ClientSecret:    creds.ClientSecret,
			SupportsRefresh: svc.SupportsRefresh,
			HTTPClient:      clients.ForService(svc.Name, svc.RequestTimeoutSeconds),
		})
	}
	return providers
}
