// Package catalog loads the service catalog: the connectable services, the
// actions and reactions they offer, their config schemas and the
// compatibility rules between action/reaction pairs.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"fuse/internal/domain"
)

// DefaultRequestTimeoutSeconds applies to services that do not set their own
// outbound timeout.
const DefaultRequestTimeoutSeconds = 15

// Service groups a provider with its actions and reactions.
type Service struct {
	domain.Service

	actions   map[string]*Action
	reactions map[string]*Reaction
}

// Action pairs an action descriptor with its compiled config schema.
// Schema is nil when the catalog declares none; a nil schema accepts any
// config.
type Action struct {
	domain.Action
	Schema *Schema
}

// Reaction pairs a reaction descriptor with its compiled config schema.
type Reaction struct {
	domain.Reaction
	Schema *Schema
}

// Catalog is an immutable view of the parsed catalog file.
type Catalog struct {
	services map[string]*Service
	deny     []denyRule
}

type denyRule struct {
	actionService   string
	actionName      string
	reactionService string
	reactionName    string
}

func (r denyRule) matches(actionService, actionName, reactionService, reactionName string) bool {
	return wildcardEq(r.actionService, actionService) &&
		wildcardEq(r.actionName, actionName) &&
		wildcardEq(r.reactionService, reactionService) &&
		wildcardEq(r.reactionName, reactionName)
}

func wildcardEq(pattern, value string) bool {
	return pattern == "*" || pattern == value
}

// Load reads and parses the catalog file at path.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse builds a catalog from YAML bytes, compiling every config schema and
// rejecting malformed descriptors.
func Parse(raw []byte) (*Catalog, error) {
	var file fileCatalog
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(file.Services) == 0 {
		return nil, fmt.Errorf("catalog declares no services")
	}

	cat := &Catalog{services: make(map[string]*Service, len(file.Services))}

	for _, fs := range file.Services {
		svc, err := buildService(fs)
		if err != nil {
			return nil, err
		}
		if _, dup := cat.services[svc.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate service %q", svc.Name)
		}
		cat.services[svc.Name] = svc
	}

	for _, fd := range file.Compatibility.Deny {
		rule, err := parseDenyRule(fd)
		if err != nil {
			return nil, err
		}
		cat.deny = append(cat.deny, rule)
	}

	return cat, nil
}

func buildService(fs fileService) (*Service, error) {
	name := strings.ToLower(strings.TrimSpace(fs.Name))
	if name == "" {
		return nil, fmt.Errorf("catalog: service with empty name")
	}

	mode := domain.AuthMode(fs.AuthMode)
	if fs.AuthMode == "" {
		mode = domain.AuthModeNone
	}
	switch mode {
	case domain.AuthModeNone, domain.AuthModeOAuth2, domain.AuthModeStatic:
	default:
		return nil, fmt.Errorf("catalog: service %s: unknown auth_mode %q", name, fs.AuthMode)
	}
	if mode == domain.AuthModeOAuth2 && fs.SupportsRefresh && fs.TokenURL == "" {
		return nil, fmt.Errorf("catalog: service %s: supports_refresh requires token_url", name)
	}

	timeout := fs.RequestTimeoutSeconds
	if timeout == 0 {
		timeout = DefaultRequestTimeoutSeconds
	}
	if timeout < 1 || timeout > 120 {
		return nil, fmt.Errorf("catalog: service %s: request_timeout_seconds %d out of range", name, timeout)
	}

	svc := &Service{
		Service: domain.Service{
			Name:                  name,
			DisplayName:           fs.DisplayName,
			AuthMode:              mode,
			TokenURL:              fs.TokenURL,
			SupportsRefresh:       fs.SupportsRefresh,
			WebhookSignature:      fs.WebhookSignature,
			RequestTimeoutSeconds: timeout,
		},
		actions:   make(map[string]*Action, len(fs.Actions)),
		reactions: make(map[string]*Reaction, len(fs.Reactions)),
	}

	for _, fa := range fs.Actions {
		action, err := buildAction(name, fa)
		if err != nil {
			return nil, err
		}
		if _, dup := svc.actions[action.Name]; dup {
			return nil, fmt.Errorf("catalog: service %s: duplicate action %q", name, action.Name)
		}
		svc.actions[action.Name] = action
	}

	for _, fr := range fs.Reactions {
		reaction, err := buildReaction(name, fr)
		if err != nil {
			return nil, err
		}
		if _, dup := svc.reactions[reaction.Name]; dup {
			return nil, fmt.Errorf("catalog: service %s: duplicate reaction %q", name, reaction.Name)
		}
		svc.reactions[reaction.Name] = reaction
	}

	return svc, nil
}

func buildAction(service string, fa fileAction) (*Action, error) {
	if fa.Name == "" {
		return nil, fmt.Errorf("catalog: service %s: action with empty name", service)
	}
	kind := domain.ActionKind(fa.Kind)
	switch kind {
	case domain.ActionKindTimer, domain.ActionKindPoll, domain.ActionKindWebhook:
	default:
		return nil, fmt.Errorf("catalog: action %s/%s: unknown kind %q", service, fa.Name, fa.Kind)
	}
	if kind == domain.ActionKindWebhook && fa.WebhookEvent == "" {
		return nil, fmt.Errorf("catalog: action %s/%s: webhook kind requires webhook_event", service, fa.Name)
	}

	schema, err := CompileSchema(service+"/"+fa.Name, fa.ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("catalog: action %s/%s: %w", service, fa.Name, err)
	}

	return &Action{
		Action: domain.Action{
			Name:         fa.Name,
			Service:      service,
			Kind:         kind,
			Description:  fa.Description,
			WebhookEvent: fa.WebhookEvent,
			ConfigSchema: fa.ConfigSchema,
		},
		Schema: schema,
	}, nil
}

func buildReaction(service string, fr fileReaction) (*Reaction, error) {
	if fr.Name == "" {
		return nil, fmt.Errorf("catalog: service %s: reaction with empty name", service)
	}
	schema, err := CompileSchema(service+"/"+fr.Name, fr.ConfigSchema)
	if err != nil {
		return nil, fmt.Errorf("catalog: reaction %s/%s: %w", service, fr.Name, err)
	}
	return &Reaction{
		Reaction: domain.Reaction{
			Name:         fr.Name,
			Service:      service,
			Description:  fr.Description,
			ConfigSchema: fr.ConfigSchema,
		},
		Schema: schema,
	}, nil
}

func parseDenyRule(fd fileDeny) (denyRule, error) {
	actionService, actionName, err := splitRef(fd.Action)
	if err != nil {
		return denyRule{}, fmt.Errorf("catalog: deny action ref %q: %w", fd.Action, err)
	}
	reactionService, reactionName, err := splitRef(fd.Reaction)
	if err != nil {
		return denyRule{}, fmt.Errorf("catalog: deny reaction ref %q: %w", fd.Reaction, err)
	}
	return denyRule{
		actionService:   actionService,
		actionName:      actionName,
		reactionService: reactionService,
		reactionName:    reactionName,
	}, nil
}

// splitRef parses "service.name", "service.*" or "*" references.
func splitRef(ref string) (service, name string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("empty reference")
	}
	if ref == "*" {
		return "*", "*", nil
	}
	service, name, found := strings.Cut(ref, ".")
	if !found || service == "" || name == "" {
		return "", "", fmt.Errorf("want service.name")
	}
	return strings.ToLower(service), name, nil
}

// Service returns the service descriptor by name.
func (c *Catalog) Service(name string) (*Service, bool) {
	svc, ok := c.services[strings.ToLower(name)]
	return svc, ok
}

// Services returns all services in name order.
func (c *Catalog) Services() []*Service {
	out := make([]*Service, 0, len(c.services))
	for _, svc := range c.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Action resolves an action by service and name.
func (c *Catalog) Action(service, name string) (*Action, bool) {
	svc, ok := c.Service(service)
	if !ok {
		return nil, false
	}
	return svc.Action(name)
}

// Reaction resolves a reaction by service and name.
func (c *Catalog) Reaction(service, name string) (*Reaction, bool) {
	svc, ok := c.Service(service)
	if !ok {
		return nil, false
	}
	return svc.Reaction(name)
}

// WebhookActions returns the actions of service that match an inbound event
// type, whatever their delivery kind. Poll actions appear here so webhook
// subscriptions can cover them.
func (c *Catalog) WebhookActions(service, eventType string) []*Action {
	svc, ok := c.Service(service)
	if !ok {
		return nil
	}
	var out []*Action
	for _, action := range svc.Actions() {
		if action.WebhookEvent != "" && action.WebhookEvent == eventType {
			out = append(out, action)
		}
	}
	return out
}

// PollServices returns the names of services with at least one poll action,
// in name order.
func (c *Catalog) PollServices() []string {
	var out []string
	for _, svc := range c.Services() {
		for _, action := range svc.actions {
			if action.Kind == domain.ActionKindPoll {
				out = append(out, svc.Name)
				break
			}
		}
	}
	return out
}

// Compatible reports whether an action/reaction pair may be bound into an
// automation. Unknown names and denied pairs are both incompatible.
func (c *Catalog) Compatible(actionService, actionName, reactionService, reactionName string) bool {
	if _, ok := c.Action(actionService, actionName); !ok {
		return false
	}
	if _, ok := c.Reaction(reactionService, reactionName); !ok {
		return false
	}
	for _, rule := range c.deny {
		if rule.matches(strings.ToLower(actionService), actionName, strings.ToLower(reactionService), reactionName) {
			return false
		}
	}
	return true
}

// Action returns the named action of this service.
func (s *Service) Action(name string) (*Action, bool) {
	action, ok := s.actions[name]
	return action, ok
}

// Actions returns the service's actions in name order.
func (s *Service) Actions() []*Action {
	out := make([]*Action, 0, len(s.actions))
	for _, action := range s.actions {
		out = append(out, action)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reaction returns the named reaction of this service.
func (s *Service) Reaction(name string) (*Reaction, bool) {
	reaction, ok := s.reactions[name]
	return reaction, ok
}

// Reactions returns the service's reactions in name order.
func (s *Service) Reactions() []*Reaction {
	out := make([]*Reaction, 0, len(s.reactions))
	for _, reaction := range s.reactions {
		out = append(out, reaction)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PollActions returns the service's poll actions in name order.
func (s *Service) PollActions() []*Action {
	var out []*Action
	for _, action := range s.Actions() {
		if action.Kind == domain.ActionKindPoll {
			out = append(out, action)
		}
	}
	return out
}

// file-format types, yaml.v3 tags.

type fileCatalog struct {
	Services      []fileService     `yaml:"services"`
	Compatibility fileCompatibility `yaml:"compatibility"`
}

type fileService struct {
	Name                  string         `yaml:"name"`
	DisplayName           string         `yaml:"display_name"`
	AuthMode              string         `yaml:"auth_mode"`
	TokenURL              string         `yaml:"token_url"`
	SupportsRefresh       bool           `yaml:"supports_refresh"`
	WebhookSignature      string         `yaml:"webhook_signature"`
	RequestTimeoutSeconds int            `yaml:"request_timeout_seconds"`
	Actions               []fileAction   `yaml:"actions"`
	Reactions             []fileReaction `yaml:"reactions"`
}

type fileAction struct {
	Name         string         `yaml:"name"`
	Kind         string         `yaml:"kind"`
	Description  string         `yaml:"description"`
	WebhookEvent string         `yaml:"webhook_event"`
	ConfigSchema map[string]any `yaml:"config_schema"`
}

type fileReaction struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	ConfigSchema map[string]any `yaml:"config_schema"`
}

type fileCompatibility struct {
	Deny []fileDeny `yaml:"deny"`
}

type fileDeny struct {
	Action   string `yaml:"action"`
	Reaction string `yaml:"reaction"`
}
