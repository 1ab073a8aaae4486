// Package webhook turns authenticated provider deliveries into trigger
// events and keeps provider-side webhook registrations in step with the
// automations that need them.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fuse/internal/catalog"
	"fuse/internal/domain"
	"fuse/internal/logging"
	"fuse/internal/observability"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
)

// Rejection reasons surfaced to the HTTP layer for status mapping. The
// receiver never creates an execution for a rejected delivery.
var (
	// ErrUnknownService rejects deliveries for services the catalog does not know.
	ErrUnknownService = errors.New("unknown service")
	// ErrMalformedPayload rejects bodies that parse as neither JSON nor XML.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Admitter hands one trigger occurrence to the execution layer.
type Admitter interface {
	Admit(ctx context.Context, automation domain.Automation, event domain.TriggerEvent) (*domain.Execution, bool, error)
}

// ReceiverStore is the store surface the receiver matches deliveries against.
type ReceiverStore interface {
	ListActiveByAction(ctx context.Context, service, actionName string) ([]domain.Automation, error)
	RecordSubscriptionDelivery(ctx context.Context, ownerID, service, actionName string, at time.Time) error
}

// Secrets resolves the shared webhook secret for a service.
type Secrets interface {
	SecretFor(service string) string
}

// Delivery is one inbound webhook request.
type Delivery struct {
	Service    string
	Header     http.Header
	Body       []byte
	ReceivedAt time.Time
}

// Summary is the JSON response body for one delivery.
type Summary struct {
	Status             string `json:"status"`
	EventID            string `json:"event_id"`
	MatchedAutomations int    `json:"matched_automations"`
	ExecutionsCreated  int    `json:"executions_created"`
	ExecutionsSkipped  int    `json:"executions_skipped"`
}

const defaultMatchCacheSize = 256

// ReceiverConfig wires the receiver's collaborators.
type ReceiverConfig struct {
	Catalog   *catalog.Catalog
	Store     ReceiverStore
	Admitter  Admitter
	Secrets   Secrets
	CacheSize int
	Metrics   *observability.MetricsCollector
	Tracer    *observability.TracerProvider
	Logger    logging.Logger
}

// Receiver authenticates inbound deliveries, matches them to active
// automations and admits one trigger event per match. Replayed deliveries
// collapse on the per-automation event key and count as skipped.
type Receiver struct {
	catalog  *catalog.Catalog
	store    ReceiverStore
	admitter Admitter
	secrets  Secrets
	matches  *lru.Cache[string, []deliveryMatch]
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger
	now      func() time.Time
}

// deliveryMatch pairs an automation with the action descriptor that matched.
type deliveryMatch struct {
	automation domain.Automation
	action     *catalog.Action
}

// NewReceiver builds a receiver. Zero config fields fall back to silent
// defaults so tests can wire only what they exercise.
func NewReceiver(cfg ReceiverConfig) *Receiver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultMatchCacheSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.MetricsCollector{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	if logging.IsNil(cfg.Logger) {
		cfg.Logger = logging.NewComponentLogger("WebhookReceiver")
	}
	// lru.New only errors on a non-positive size, which is clamped above.
	cache, _ := lru.New[string, []deliveryMatch](cfg.CacheSize)
	return &Receiver{
		catalog:  cfg.Catalog,
		store:    cfg.Store,
		admitter: cfg.Admitter,
		secrets:  cfg.Secrets,
		matches:  cache,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// Receive authenticates, parses and routes one delivery. The returned error
// classifies rejections for HTTP status mapping; the summary is usable in
// every outcome.
func (r *Receiver) Receive(ctx context.Context, d Delivery) (Summary, error) {
	ctx, span := r.tracer.StartSpan(ctx, observability.SpanWebhookDelivery,
		attribute.String(observability.AttrService, d.Service))
	defer span.End()

	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = r.now().UTC()
	}

	svc, ok := r.catalog.Service(d.Service)
	if !ok {
		r.metrics.RecordWebhookDelivery(ctx, d.Service, "unknown_service")
		return Summary{Status: "rejected"}, ErrUnknownService
	}
	service := svc.Name

	if err := Validate(svc.WebhookSignature, d.Body, d.Header, r.secrets.SecretFor(service)); err != nil {
		outcome := "invalid_signature"
		if errors.Is(err, ErrNoSecret) || errors.Is(err, ErrNoScheme) {
			outcome = "not_configured"
		}
		r.metrics.RecordWebhookDelivery(ctx, service, outcome)
		r.logger.Warn("Rejected %s delivery: %v", service, err)
		return Summary{Status: "rejected"}, err
	}

	if !parseable(d.Body) {
		r.metrics.RecordWebhookDelivery(ctx, service, "malformed")
		return Summary{Status: "rejected"}, ErrMalformedPayload
	}

	eventType := EventType(service, d.Header, d.Body)
	eventID := ExtractEventID(service, d.Header, d.Body, d.ReceivedAt)

	matches, err := r.matchesFor(ctx, service, eventType)
	if err != nil {
		r.metrics.RecordWebhookDelivery(ctx, service, "error")
		return Summary{Status: "error", EventID: eventID},
			fmt.Errorf("match %s/%s automations: %w", service, eventType, err)
	}

	summary := Summary{Status: "accepted", EventID: eventID}
	data := triggerData(eventType, d.Body)
	counted := make(map[string]struct{})
	for _, m := range matches {
		if !MatchesPayload(m.automation.ActionConfig, d.Body) {
			continue
		}
		summary.MatchedAutomations++

		event := domain.TriggerEvent{
			ExternalEventID: domain.WebhookEventKey(eventID, m.automation.ID),
			Data:            data,
		}
		execution, created, err := r.admitter.Admit(ctx, m.automation, event)
		if err != nil {
			r.logger.Error("Admit webhook event for automation %s: %v", m.automation.ID, err)
			continue
		}
		if created {
			summary.ExecutionsCreated++
			r.metrics.RecordTriggerEvent(ctx, "webhook", "created")
			r.logger.Debug("Delivery %s created execution %s", eventID, execution.ID)
		} else {
			summary.ExecutionsSkipped++
			r.metrics.RecordTriggerEvent(ctx, "webhook", "duplicate")
		}

		key := m.automation.OwnerID + "|" + m.action.Name
		if _, done := counted[key]; done {
			continue
		}
		counted[key] = struct{}{}
		if err := r.store.RecordSubscriptionDelivery(ctx, m.automation.OwnerID, service, m.action.Name, d.ReceivedAt); err != nil {
			r.logger.Warn("Record delivery for owner %s action %s: %v", m.automation.OwnerID, m.action.Name, err)
		}
	}

	r.metrics.RecordWebhookDelivery(ctx, service, "accepted")
	return summary, nil
}

// InvalidateCache empties the match cache. Wire it to the store's automation
// change hook so pauses, edits and deletions take effect on the next
// delivery.
func (r *Receiver) InvalidateCache() {
	r.matches.Purge()
}

// matchesFor resolves the active automations for one (service, event type)
// pair, consulting the LRU cache first.
func (r *Receiver) matchesFor(ctx context.Context, service, eventType string) ([]deliveryMatch, error) {
	key := service + "|" + eventType
	if cached, ok := r.matches.Get(key); ok {
		return cached, nil
	}
	var out []deliveryMatch
	for _, action := range r.catalog.WebhookActions(service, eventType) {
		automations, err := r.store.ListActiveByAction(ctx, service, action.Name)
		if err != nil {
			return nil, err
		}
		for _, automation := range automations {
			out = append(out, deliveryMatch{automation: automation, action: action})
		}
	}
	r.matches.Add(key, out)
	return out, nil
}

// parseable accepts JSON bodies and XML feed pings. XML is recognized by a
// leading angle bracket only; nothing is extracted from it downstream.
func parseable(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}
	if gjson.ValidBytes(trimmed) {
		return true
	}
	return trimmed[0] == '<'
}

// triggerData distills the delivery into the execution's trigger data. JSON
// payloads ride along parsed; anything else rides along verbatim.
func triggerData(eventType string, body []byte) map[string]any {
	data := map[string]any{"event_type": eventType}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		data["payload"] = payload
	} else {
		data["payload_raw"] = string(body)
	}
	return data
}
