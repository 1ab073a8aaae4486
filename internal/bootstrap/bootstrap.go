// Package bootstrap assembles one engine process in dependency order:
// config, observability, store, catalog, token broker, reaction registry,
// trigger sources, dispatcher, maintenance, HTTP surface. Run starts the
// lot and stops it cleanly when the context is canceled.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"fuse/internal/async"
	"fuse/internal/catalog"
	"fuse/internal/config"
	"fuse/internal/dispatch"
	"fuse/internal/domain"
	"fuse/internal/execution"
	"fuse/internal/httpclient"
	"fuse/internal/journal"
	"fuse/internal/logging"
	"fuse/internal/maintenance"
	"fuse/internal/notify"
	"fuse/internal/observability"
	"fuse/internal/reaction"
	"fuse/internal/server"
	"fuse/internal/store"
	"fuse/internal/token"
	"fuse/internal/trigger"
	"fuse/internal/webhook"
)

const (
	shutdownTimeout = 10 * time.Second
	// reconcileTimeout bounds one subscription round trip to a provider.
	reconcileTimeout = 30 * time.Second
)

// Options select what New boots.
type Options struct {
	// ConfigPath overrides the default config search path when non-empty.
	ConfigPath string
	// Version is stamped into traces.
	Version string
}

// App owns every subsystem of one engine process.
type App struct {
	Config  *config.Config
	Suite   *observability.Suite
	Store   *store.Store
	Catalog *catalog.Catalog
	Journal *journal.Journal

	broker      *token.Broker
	admitter    *execution.Admitter
	registry    *reaction.Registry
	receiver    *webhook.Receiver
	subscribers *webhook.SubscriptionManager
	dispatcher  *dispatch.Dispatcher
	scheduler   *trigger.Scheduler
	pollers     *trigger.PollerSet
	runner      *maintenance.Runner
	httpServer  *server.Server

	logger logging.Logger
}

// New builds the engine. Nothing is started; call Run.
func New(ctx context.Context, opts Options) (*App, error) {
	// A .env in the working directory fills FUSE_* variables during
	// development; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	// A failed exporter does not stop boot. The engine runs with metrics
	// and tracing disabled and reports itself degraded on /healthz.
	var degraded []string
	obsCfg := cfg.Observability.ToSuiteConfig(opts.Version)
	suite, err := observability.NewSuite(obsCfg)
	if err != nil {
		degraded = append(degraded, fmt.Sprintf("observability: %v", err))
		obsCfg.Metrics.Enabled = false
		obsCfg.Tracing.Enabled = false
		if suite, err = observability.NewSuite(obsCfg); err != nil {
			return nil, fmt.Errorf("observability: %w", err)
		}
	}

	logger := logging.NewComponentLogger("Bootstrap")
	for _, reason := range degraded {
		logger.Warn("Running degraded: %s", reason)
	}

	st, err := store.Open(ctx, cfg.Database.URL, int32(cfg.Database.MaxConns), logging.NewComponentLogger("Store"))
	if err != nil {
		return nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, err
	}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		st.Close()
		return nil, err
	}

	jrnl := journal.New(0)
	clients := httpclient.NewFactory(logging.NewComponentLogger("HTTPClient"))
	notifier := notify.NewReporter(st, suite.Metrics, logging.NewComponentLogger("Notify"))

	broker := token.NewBroker(token.BrokerConfig{
		Store:         st,
		Notifier:      notifier,
		Providers:     oauthProviders(cfg, cat, clients),
		RefreshWindow: cfg.Engine.TokenRefreshWindow(),
		Metrics:       suite.Metrics,
		Logger:        logging.NewComponentLogger("TokenBroker"),
	})

	admitter := execution.NewAdmitter(st, jrnl, suite.Metrics, logging.NewComponentLogger("Admitter"))

	registry := reaction.NewRegistry(logging.NewComponentLogger("Reactions"))
	if err := reaction.RegisterBuiltins(registry, reaction.Deps{
		Tokens:  broker,
		Clients: clients,
		Catalog: cat,
		Mail:    cfg.Mail,
		URLOpts: httpclient.DefaultURLValidationOptions(),
		Logger:  logging.NewComponentLogger("Reactions"),
	}); err != nil {
		st.Close()
		return nil, err
	}

	receiver := webhook.NewReceiver(webhook.ReceiverConfig{
		Catalog:  cat,
		Store:    st,
		Admitter: admitter,
		Secrets:  cfg,
		Metrics:  suite.Metrics,
		Tracer:   suite.Tracer,
		Logger:   logging.NewComponentLogger("Webhook"),
	})

	subscribers := webhook.NewSubscriptionManager(st, cat,
		pushRegistrars(cfg, broker, clients), logging.NewComponentLogger("Subscriptions"))

	st.OnAutomationChange(automationHook(receiver, subscribers, logger))

	dispatcher := dispatch.New(dispatch.Config{
		Store:          st,
		Registry:       registry,
		Broker:         broker,
		Notifier:       notifier,
		Journal:        jrnl,
		Metrics:        suite.Metrics,
		Tracer:         suite.Tracer,
		Logger:         logging.NewComponentLogger("Dispatcher"),
		Workers:        cfg.Engine.WorkerCount,
		PollInterval:   cfg.Engine.QueuePollInterval(),
		HandlerTimeout: cfg.Engine.HandlerTimeout(),
		RetryMax:       cfg.Engine.DefaultRetryMax,
		RetryBase:      cfg.Engine.RetryBase(),
		RetryCap:       cfg.Engine.RetryCap(),
		ReclaimAfter:   cfg.Engine.ReclaimRunningAfter(),
	})

	scheduler := trigger.NewScheduler(trigger.SchedulerConfig{
		Store:    st,
		Admitter: admitter,
		Metrics:  suite.Metrics,
		Tracer:   suite.Tracer,
		Logger:   logging.NewComponentLogger("Scheduler"),
	})

	pollers := trigger.NewPollerSet(trigger.PollerConfig{
		Store:    st,
		Admitter: admitter,
		Tokens:   broker,
		Notifier: notifier,
		Sources:  pollSources(cat, clients),
		Engine:   cfg.Engine,
		Metrics:  suite.Metrics,
		Tracer:   suite.Tracer,
		Logger:   logging.NewComponentLogger("Pollers"),
	})

	runner := maintenance.NewRunner(maintenance.Config{
		Store:                st,
		RetentionSuccessDays: cfg.Engine.RetentionSuccessDays,
		RetentionFailedDays:  cfg.Engine.RetentionFailedDays,
		Metrics:              suite.Metrics,
		Tracer:               suite.Tracer,
		Logger:               logging.NewComponentLogger("Maintenance"),
	})

	httpServer := server.New(server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		EnableCORS:     cfg.Server.EnableCORS,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, server.Deps{
		Receiver: receiver,
		Catalog:  cat,
		Journal:  jrnl,
		Logger:   logging.NewComponentLogger("HTTP"),
		Degraded: degraded,
	})

	return &App{
		Config:      cfg,
		Suite:       suite,
		Store:       st,
		Catalog:     cat,
		Journal:     jrnl,
		broker:      broker,
		admitter:    admitter,
		registry:    registry,
		receiver:    receiver,
		subscribers: subscribers,
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		pollers:     pollers,
		runner:      runner,
		httpServer:  httpServer,
		logger:      logger,
	}, nil
}

// Run starts every subsystem and blocks until ctx is canceled or one of
// them fails. On shutdown the HTTP listener drains first, the dispatcher
// finishes claimed work bounded by the handler timeout, and the cron
// subsystems stop on their deferred hooks.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer a.scheduler.Stop()

	if err := a.pollers.Start(ctx); err != nil {
		return fmt.Errorf("start pollers: %w", err)
	}
	defer a.pollers.Stop()

	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	defer a.runner.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return a.httpServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		return a.httpServer.Stop(stopCtx)
	})

	a.logger.Info("Engine running, HTTP on %s", a.httpServer.Addr())

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("Engine stopped")
	return nil
}

// Close releases what Run does not own: the database pool and the
// observability exporters.
func (a *App) Close(ctx context.Context) error {
	a.Store.Close()
	return a.Suite.Shutdown(ctx)
}

// oauthProviders builds a refresh provider per oauth2 catalog service that
// declares a token endpoint and has app credentials configured.
func oauthProviders(cfg *config.Config, cat *catalog.Catalog, clients *httpclient.Factory) map[string]token.Provider {
	providers := make(map[string]token.Provider)
	for _, svc := range cat.Services() {
		if svc.AuthMode != domain.AuthModeOAuth2 || svc.TokenURL == "" {
			continue
		}
		creds := cfg.CredentialsFor(svc.Name)
		if creds.ClientID == "" {
			continue
		}
		providers[svc.Name] = token.NewOAuthProvider(token.OAuthProviderConfig{
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

// pushRegistrars wires webhook registration for providers that support it.
// GitHub registration signs callbacks with the service's inbound secret, so
// without that secret the service stays on polling.
func pushRegistrars(cfg *config.Config, broker *token.Broker, clients *httpclient.Factory) []webhook.Registrar {
	var regs []webhook.Registrar
	if secret := cfg.SecretFor("github"); secret != "" {
		regs = append(regs, webhook.NewGitHubRegistrar(
			broker, clients.ForService("github", 0), cfg.Server.PublicURL, secret))
	}
	return regs
}

// pollSources instantiates a source per catalog service that declares poll
// actions and has an implementation here.
func pollSources(cat *catalog.Catalog, clients *httpclient.Factory) []trigger.Source {
	var sources []trigger.Source
	for _, name := range cat.PollServices() {
		svc, ok := cat.Service(name)
		if !ok {
			continue
		}
		client := clients.ForService(name, svc.RequestTimeoutSeconds)
		switch name {
		case "github":
			sources = append(sources, trigger.NewGitHubIssues(client))
		case "notion":
			sources = append(sources, trigger.NewNotionPages(client))
		case "rss":
			sources = append(sources, trigger.NewFeedItems(client, httpclient.DefaultURLValidationOptions()))
		}
	}
	return sources
}

type matchInvalidator interface {
	InvalidateCache()
}

type subscriptionReconciler interface {
	EnsureSubscription(ctx context.Context, automation domain.Automation) error
	ReleaseSubscription(ctx context.Context, automation domain.Automation) error
}

// automationHook reacts to committed automation mutations: every change
// purges the webhook match cache, and push subscriptions are reconciled on
// a background goroutine so store callers never wait on provider round
// trips.
func automationHook(inv matchInvalidator, subs subscriptionReconciler, logger logging.Logger) store.AutomationHook {
	return func(automation domain.Automation, change store.AutomationChange) {
		inv.InvalidateCache()
		async.Go(logger, "subscription-reconcile", func() {
			ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
			defer cancel()
			if err := reconcileSubscription(ctx, subs, automation, change); err != nil {
				logger.Warn("Subscription reconcile for automation %s (%s): %v", automation.ID, change, err)
			}
		})
	}
}

// reconcileSubscription maps an automation change onto the subscription
// lifecycle: deletions and inactive states release, active rows ensure.
func reconcileSubscription(ctx context.Context, subs subscriptionReconciler, automation domain.Automation, change store.AutomationChange) error {
	switch change {
	case store.AutomationDeleted:
		return subs.ReleaseSubscription(ctx, automation)
	case store.AutomationCreated, store.AutomationUpdated:
		if automation.Status == domain.AutomationStatusActive {
			return subs.EnsureSubscription(ctx, automation)
		}
		return subs.ReleaseSubscription(ctx, automation)
	default:
		return nil
	}
}
