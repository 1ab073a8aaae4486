// Package server exposes the engine's public HTTP surface: webhook
// ingestion, the service discovery document, health and a live view of the
// execution journal.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fuse/internal/catalog"
	"fuse/internal/journal"
	"fuse/internal/logging"
	"fuse/internal/webhook"
)

const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultRateRPS      = 10.0
	defaultRateBurst    = 20
)

// WebhookReceiver authenticates and routes one inbound delivery.
type WebhookReceiver interface {
	Receive(ctx context.Context, d webhook.Delivery) (webhook.Summary, error)
}

// JournalReader serves recent engine activity and live subscriptions.
type JournalReader interface {
	Recent(limit int) []journal.Entry
	Subscribe() (<-chan journal.Entry, func())
}

// Config sizes the listener and its protections.
type Config struct {
	Host           string
	Port           int
	EnableCORS     bool
	RateLimitRPS   float64
	RateLimitBurst int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Debug          bool
}

// Deps are the engine components the HTTP surface fronts.
type Deps struct {
	Receiver WebhookReceiver
	Catalog  *catalog.Catalog
	Journal  JournalReader
	Logger   logging.Logger
	// Degraded lists subsystems that failed at boot and were disabled.
	// A non-empty list turns the health status to "degraded".
	Degraded []string
}

// Server owns the gin engine and the underlying http.Server.
type Server struct {
	cfg      Config
	receiver WebhookReceiver
	catalog  *catalog.Catalog
	journal  JournalReader
	logger   logging.Logger
	degraded []string

	engine     *gin.Engine
	httpServer *http.Server
	limiters   *serviceLimiters
	upgrader   websocket.Upgrader

	started time.Time
	now     func() time.Time
}

// New assembles the router. The returned server is not listening yet; call
// Start.
func New(cfg Config, deps Deps) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = defaultRateRPS
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateBurst
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("HTTP")
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:      cfg,
		receiver: deps.Receiver,
		catalog:  deps.Catalog,
		journal:  deps.Journal,
		logger:   logger,
		degraded: deps.Degraded,
		limiters: newServiceLimiters(cfg.RateLimitRPS, cfg.RateLimitBurst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	if cfg.EnableCORS {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
		corsCfg.AllowWebSockets = true
		engine.Use(cors.New(corsCfg))
	}

	s.engine = engine
	s.routes()
	s.started = s.now()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/about.json", s.handleAbout)
	s.engine.POST("/webhooks/:service", s.handleWebhook)

	api := s.engine.Group("/api")
	api.GET("/journal/recent", s.handleJournalRecent)
	api.GET("/journal/stream", s.handleJournalStream)
}

// Start blocks serving HTTP until Stop is called or the listener fails.
func (s *Server) Start() error {
	s.started = s.now()
	s.logger.Info("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// requestLogger emits one debug line per request. The websocket stream is
// skipped so long-lived connections do not log on close.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/api/journal/stream" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

// serviceLimiters holds one token bucket per webhook service so a noisy
// provider cannot starve the others.
type serviceLimiters struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	perSv map[string]*rate.Limiter
}

func newServiceLimiters(rps float64, burst int) *serviceLimiters {
	return &serviceLimiters{
		rps:   rate.Limit(rps),
		burst: burst,
		perSv: make(map[string]*rate.Limiter),
	}
}

func (l *serviceLimiters) allow(service string) bool {
	l.mu.Lock()
	lim, ok := l.perSv[service]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.perSv[service] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
