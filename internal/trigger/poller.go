package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fuse/internal/config"
	"fuse/internal/domain"
	apperrors "fuse/internal/errors"
	"fuse/internal/logging"
	"fuse/internal/observability"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
)

// Item is one upstream occurrence discovered by a poll.
type Item struct {
	ID   string         // provider's stable identifier
	Data map[string]any // becomes the execution's trigger data
}

// Page is the outcome of one upstream list call, oldest item first.
// NextCursor is stored verbatim in ActionState; an empty NextCursor leaves
// the stored cursor unchanged.
type Page struct {
	Items      []Item
	NextCursor string
}

// Query carries everything a source needs for one upstream call.
type Query struct {
	Automation domain.Automation
	Token      *domain.ServiceToken // nil when RequiresToken is false
	Cursor     string
}

// Source lists new upstream items for one automation since a cursor.
type Source interface {
	// Service names the provider this source polls.
	Service() string
	// RequiresToken reports whether polls need an OAuth token.
	RequiresToken() bool
	// Poll returns items newer than the cursor that match the automation's
	// action config, oldest first.
	Poll(ctx context.Context, q Query) (Page, error)
}

// PollStore is the store slice the poll loop depends on.
type PollStore interface {
	ListActiveByKind(ctx context.Context, kind domain.ActionKind) ([]domain.Automation, error)
	HasActiveSubscription(ctx context.Context, ownerID, service, actionName string) (bool, error)
	GetOrCreateActionState(ctx context.Context, automationID string) (domain.ActionState, error)
	UpdateActionCursor(ctx context.Context, automationID, cursor string, polledAt time.Time) error
}

// TokenSource mints usable access tokens through the token broker.
type TokenSource interface {
	GetValidToken(ctx context.Context, ownerID, service string) (*domain.ServiceToken, error)
}

// Notifier surfaces user-visible authorization problems.
type Notifier interface {
	Report(ctx context.Context, ownerID, service string, notificationType domain.NotificationType, message string)
}

// Cycle status values reported in CycleResult.Status.
const (
	CycleOK      = "ok"
	CycleSkipped = "skipped"
	CycleError   = "error"
)

// CycleResult summarizes one poll cycle for one service.
type CycleResult struct {
	Service string
	Status  string
	Reason  string
	Polled  int // automations that reached the upstream API
	Created int // executions admitted
	Skipped int // automations covered by a webhook subscription
	Blocked int // automations blocked on authorization this cycle
}

// PollerConfig wires the poller set's collaborators.
type PollerConfig struct {
	Store    PollStore
	Admitter Admitter
	Tokens   TokenSource
	Notifier Notifier
	Sources  []Source
	Engine   config.EngineConfig
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider
	Logger   logging.Logger
}

// PollerSet runs one poll loop per registered source on the service's
// cadence. Pollers hold no state between cycles; the cursor lives in
// ActionState, so any instance can run any cycle.
type PollerSet struct {
	cron     *cron.Cron
	store    PollStore
	admitter Admitter
	tokens   TokenSource
	notifier Notifier
	sources  map[string]Source
	engine   config.EngineConfig
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger
	retry    apperrors.RetryConfig
	stopped  chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewPollerSet creates a stopped poller set. Call Start to begin polling.
func NewPollerSet(cfg PollerConfig) *PollerSet {
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.MetricsCollector{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	if logging.IsNil(cfg.Logger) {
		cfg.Logger = logging.NewComponentLogger("Poller")
	}
	sources := make(map[string]Source, len(cfg.Sources))
	for _, source := range cfg.Sources {
		sources[source.Service()] = source
	}
	return &PollerSet{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		store:    cfg.Store,
		admitter: cfg.Admitter,
		tokens:   cfg.Tokens,
		notifier: cfg.Notifier,
		sources:  sources,
		engine:   cfg.Engine,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		retry: apperrors.RetryConfig{
			MaxAttempts:  3,
			BaseDelay:    2 * time.Second,
			MaxDelay:     15 * time.Second,
			JitterFactor: 0.25,
		},
		stopped: make(chan struct{}),
		now:     time.Now,
	}
}

// Start schedules one recurring cycle per source and starts the cron runner.
// Overlapping cycles of the same service are skipped, not queued.
func (p *PollerSet) Start(ctx context.Context) error {
	for service := range p.sources {
		svc := service
		interval := p.engine.PollInterval(svc)
		if interval <= 0 {
			interval = time.Minute
		}
		p.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
			p.RunCycle(ctx, svc)
		}))
		p.logger.Info("Poller: %s every %s", svc, interval)
	}

	p.cron.Start()
	p.logger.Info("Poller set started with %d source(s)", len(p.sources))

	go func() {
		<-ctx.Done()
		p.Stop()
	}()

	return nil
}

// Stop gracefully stops the poller set. Safe to call multiple times.
func (p *PollerSet) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Poller set stopping...")
		stopCtx := p.cron.Stop()
		<-stopCtx.Done()
		close(p.stopped)
		p.logger.Info("Poller set stopped")
	})
}

// Done returns a channel that is closed when the poller set has fully stopped.
func (p *PollerSet) Done() <-chan struct{} {
	return p.stopped
}

// RunCycle polls every candidate automation of one service once. It is
// exported so an operator endpoint can force a cycle outside the cadence.
func (p *PollerSet) RunCycle(ctx context.Context, service string) CycleResult {
	ctx, span := p.tracer.StartSpan(ctx, observability.SpanPollCycle,
		attribute.String(observability.AttrService, service))
	defer span.End()

	source, ok := p.sources[service]
	if !ok {
		return CycleResult{Service: service, Status: CycleError, Reason: "no source registered"}
	}

	automations, err := p.store.ListActiveByKind(ctx, domain.ActionKindPoll)
	if err != nil {
		p.logger.Error("Poll %s: list automations: %v", service, err)
		p.metrics.RecordPollCycle(ctx, service, CycleError)
		return CycleResult{Service: service, Status: CycleError, Reason: "list automations failed"}
	}

	result := CycleResult{Service: service, Status: CycleOK}
	candidates := 0
	for _, automation := range automations {
		if automation.ActionService != service {
			continue
		}
		candidates++
		p.pollAutomation(ctx, source, automation, &result)
	}

	switch {
	case candidates == 0:
		result.Reason = "no_automations"
	case result.Skipped == candidates:
		result.Status = CycleSkipped
		result.Reason = "all_users_have_webhooks"
	}

	p.metrics.RecordPollCycle(ctx, service, result.Status)
	if result.Created > 0 || result.Blocked > 0 {
		p.logger.Info("Poll %s: polled=%d created=%d skipped=%d blocked=%d",
			service, result.Polled, result.Created, result.Skipped, result.Blocked)
	}
	return result
}

func (p *PollerSet) pollAutomation(ctx context.Context, source Source, automation domain.Automation, result *CycleResult) {
	service := source.Service()

	covered, err := p.store.HasActiveSubscription(ctx, automation.OwnerID, automation.ActionService, automation.ActionName)
	if err != nil {
		// Polling a covered action is harmless: the admitter collapses the
		// duplicate events. Proceed.
		p.logger.Warn("Poll %s: subscription lookup for automation %s: %v", service, automation.ID, err)
	} else if covered {
		result.Skipped++
		return
	}

	var token *domain.ServiceToken
	if source.RequiresToken() {
		token, err = p.tokens.GetValidToken(ctx, automation.OwnerID, service)
		if err != nil || token == nil {
			// The broker reports refresh failures itself; this owner is
			// simply not pollable until the token is usable again.
			p.logger.Warn("Poll %s: no usable token for owner %s: %v", service, automation.OwnerID, err)
			result.Blocked++
			return
		}
	}

	state, err := p.store.GetOrCreateActionState(ctx, automation.ID)
	if err != nil {
		p.logger.Error("Poll %s: load action state for automation %s: %v", service, automation.ID, err)
		return
	}

	page, err := apperrors.RetryWithResultAndLog(ctx, p.retry, func(ctx context.Context) (Page, error) {
		return source.Poll(ctx, Query{Automation: automation, Token: token, Cursor: state.Cursor})
	}, p.logger)
	if err != nil {
		if apperrors.IsAuth(err) {
			if p.notifier != nil {
				p.notifier.Report(ctx, automation.OwnerID, service, domain.NotificationAuthError,
					fmt.Sprintf("Polling %s failed authorization. Reconnect the service to resume your automations.", service))
			}
			p.logger.Warn("Poll %s: automation %s blocked on authorization: %v", service, automation.ID, err)
			result.Blocked++
			return
		}
		p.logger.Warn("Poll %s: automation %s skipped this cycle: %v", service, automation.ID, err)
		return
	}

	result.Polled++
	for _, item := range page.Items {
		event := domain.TriggerEvent{
			ExternalEventID: domain.PollEventID(service, item.ID),
			Data:            item.Data,
		}
		_, created, err := p.admitter.Admit(ctx, automation, event)
		if err != nil {
			// The cursor stays put so the next cycle re-reads this window;
			// already-admitted items collapse as duplicates.
			p.logger.Error("Poll %s: admit item %s for automation %s: %v", service, item.ID, automation.ID, err)
			return
		}
		if created {
			result.Created++
			p.metrics.RecordTriggerEvent(ctx, "poll", "created")
		} else {
			p.metrics.RecordTriggerEvent(ctx, "poll", "duplicate")
		}
	}

	cursor := page.NextCursor
	if cursor == "" {
		cursor = state.Cursor
	}
	if err := p.store.UpdateActionCursor(ctx, automation.ID, cursor, p.now().UTC()); err != nil {
		p.logger.Error("Poll %s: update cursor for automation %s: %v", service, automation.ID, err)
	}
}
