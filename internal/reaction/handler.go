// Package reaction hosts the built-in reaction handlers and the registry
// the dispatcher resolves them from. Handlers receive the automation's
// reaction config plus the trigger data of the event and return a result
// map stored on the execution. Failures use the typed errors from
// internal/errors so the dispatcher can pick retry, auth retry, or fail.
package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"fuse/internal/catalog"
	"fuse/internal/config"
	"fuse/internal/domain"
	apperrors "fuse/internal/errors"
	"fuse/internal/httpclient"
	"fuse/internal/logging"
)

const maxResponseBody = int64(1 << 20)

// Input carries everything a reaction needs to act on one trigger event.
type Input struct {
	OwnerID     string
	Config      map[string]any
	TriggerData map[string]any
}

// Handler executes one reaction kind.
type Handler interface {
	Name() string
	Handle(ctx context.Context, in Input) (map[string]any, error)
}

// TokenSource resolves and stamps OAuth tokens for outbound calls.
type TokenSource interface {
	GetValidToken(ctx context.Context, ownerID, service string) (*domain.ServiceToken, error)
	MarkUsed(ctx context.Context, ownerID, service string)
}

// Registry maps reaction names to handlers. It is populated once at boot
// and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   logging.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Reactions")
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register installs a handler. Duplicate names are a boot-time bug.
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := h.Name()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("reaction already registered: %s", name)
	}
	r.handlers[name] = h
	return nil
}

// Get resolves a handler by reaction name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered reaction names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NotImplementedResult is the success payload recorded for reactions that
// have no registered handler. Partial deployments stay lenient: the
// execution succeeds with a note instead of blocking the owner.
func NotImplementedResult(name string) map[string]any {
	return map[string]any{
		"status":   "not_implemented",
		"reaction": name,
	}
}

// Deps carries the shared collaborators built-in handlers need.
type Deps struct {
	Tokens  TokenSource
	Clients *httpclient.Factory
	Catalog *catalog.Catalog
	Mail    config.MailConfig
	URLOpts httpclient.URLValidationOptions
	Logger  logging.Logger
}

// RegisterBuiltins installs every built-in reaction handler. A handler whose
// reaction declares a config schema in the catalog is wrapped so the config is
// validated before the handler runs.
func RegisterBuiltins(r *Registry, deps Deps) error {
	builtins := []struct {
		service string
		handler Handler
	}{
		{"mail", NewSendEmail(deps)},
		{"github", NewGitHubCreateIssue(deps)},
		{"github", NewGitHubAddComment(deps)},
		{"slack", NewSlackPostMessage(deps)},
		{"discord", NewDiscordPostMessage(deps)},
		{"notion", NewNotionCreatePage(deps)},
		{"webhook", NewHTTPPost(deps)},
	}
	for _, b := range builtins {
		if err := r.Register(withSchema(deps.Catalog, b.service, b.handler)); err != nil {
			return err
		}
	}
	return nil
}

// withSchema wraps a handler with the compiled config schema of its catalog
// reaction. Violations come back as InvalidConfigError before the handler
// runs, so a bad config never reaches the provider.
func withSchema(cat *catalog.Catalog, service string, h Handler) Handler {
	if cat == nil {
		return h
	}
	decl, ok := cat.Reaction(service, h.Name())
	if !ok || decl.Schema == nil {
		return h
	}
	return &schemaCheckedHandler{Handler: h, schema: decl.Schema}
}

type schemaCheckedHandler struct {
	Handler
	schema *catalog.Schema
}

func (h *schemaCheckedHandler) Handle(ctx context.Context, in Input) (map[string]any, error) {
	if err := h.schema.Validate(in.Config); err != nil {
		return nil, err
	}
	return h.Handler.Handle(ctx, in)
}

// clientFor returns the shared per-service client, using the catalog's
// request timeout when the service is declared there.
func clientFor(deps Deps, service string) *http.Client {
	timeout := 0
	if deps.Catalog != nil {
		if svc, ok := deps.Catalog.Service(service); ok {
			timeout = svc.RequestTimeoutSeconds
		}
	}
	if deps.Clients == nil {
		return httpclient.New(0)
	}
	return deps.Clients.ForService(service, timeout)
}

// bearerToken resolves a usable token or reports an auth failure the
// dispatcher can act on.
func bearerToken(ctx context.Context, tokens TokenSource, ownerID, service string) (string, error) {
	if tokens == nil {
		return "", apperrors.NewAuthError(nil, fmt.Sprintf("no token source wired for %s", service))
	}
	tok, err := tokens.GetValidToken(ctx, ownerID, service)
	if err != nil {
		return "", err
	}
	if tok == nil {
		return "", apperrors.NewAuthError(nil, fmt.Sprintf("no valid %s token; reconnect the service", service))
	}
	return tok.AccessToken, nil
}

// requireString pulls a mandatory string field out of a config map.
func requireString(m map[string]any, key string) (string, error) {
	value := stringField(m, key)
	if value == "" {
		return "", apperrors.NewInvalidConfigError(fmt.Errorf("missing required field"), key)
	}
	return value, nil
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

// intField reads a numeric field that may arrive as int, float64 (JSON),
// json.Number, or a numeric string.
func intField(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// postJSON sends a JSON body and returns the response with its body read
// under the shared limit. The caller owns status classification.
func postJSON(ctx context.Context, client *http.Client, url string, payload any, header http.Header) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, apperrors.NewPermanentError(err, "encode request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(raw)))
	if err != nil {
		return 0, nil, apperrors.NewPermanentError(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	body, err := httpclient.ReadBody(resp, maxResponseBody)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
