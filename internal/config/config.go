package config

import (
	"fmt"
	"strings"
	"time"

	"fuse/internal/observability"
)

// Config is the full engine configuration. Values load from defaults, then
// an optional YAML file, then FUSE_-prefixed environment variables.
type Config struct {
	Server         ServerConfig                   `mapstructure:"server"`
	Database       DatabaseConfig                 `mapstructure:"database"`
	Engine         EngineConfig                   `mapstructure:"engine"`
	Catalog        CatalogConfig                  `mapstructure:"catalog"`
	Mail           MailConfig                     `mapstructure:"mail"`
	WebhookSecrets map[string]string              `mapstructure:"webhook_secrets"`
	Providers      map[string]ProviderCredentials `mapstructure:"providers"`
	Observability  ObservabilityConfig            `mapstructure:"observability"`
}

// ServerConfig configures the public HTTP surface.
type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port" validate:"gte=1,lte=65535"`
	PublicURL      string  `mapstructure:"public_url"`
	EnableCORS     bool    `mapstructure:"enable_cors"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst" validate:"gte=1"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" validate:"required"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=1"`
}

// EngineConfig carries the dispatch, retry, token and retention knobs.
type EngineConfig struct {
	WorkerCount                int            `mapstructure:"worker_count" validate:"gte=1,lte=256"`
	DefaultRetryMax            int            `mapstructure:"default_retry_max" validate:"gte=0"`
	RetryBaseSeconds           int            `mapstructure:"retry_base_seconds" validate:"gte=1"`
	RetryCapSeconds            int            `mapstructure:"retry_cap_seconds" validate:"gte=1"`
	TokenRefreshWindowSeconds  int            `mapstructure:"token_refresh_window_seconds" validate:"gte=0"`
	ReclaimRunningAfterSeconds int            `mapstructure:"reclaim_running_after_seconds" validate:"gte=30"`
	RetentionSuccessDays       int            `mapstructure:"retention_success_days" validate:"gte=0"`
	RetentionFailedDays        int            `mapstructure:"retention_failed_days" validate:"gte=0"`
	PollIntervalSeconds        int            `mapstructure:"poll_interval_seconds" validate:"gte=5"`
	PollIntervals              map[string]int `mapstructure:"poll_intervals"`
	HandlerTimeoutSeconds      int            `mapstructure:"handler_timeout_seconds" validate:"gte=1"`
	QueuePollIntervalSeconds   int            `mapstructure:"queue_poll_interval_seconds" validate:"gte=1"`
}

// RetryBase returns the first retry delay.
func (e EngineConfig) RetryBase() time.Duration {
	return time.Duration(e.RetryBaseSeconds) * time.Second
}

// RetryCap returns the backoff ceiling.
func (e EngineConfig) RetryCap() time.Duration {
	return time.Duration(e.RetryCapSeconds) * time.Second
}

// TokenRefreshWindow returns the proactive refresh window.
func (e EngineConfig) TokenRefreshWindow() time.Duration {
	return time.Duration(e.TokenRefreshWindowSeconds) * time.Second
}

// ReclaimRunningAfter returns the stale-running threshold.
func (e EngineConfig) ReclaimRunningAfter() time.Duration {
	return time.Duration(e.ReclaimRunningAfterSeconds) * time.Second
}

// HandlerTimeout returns the hard per-reaction deadline.
func (e EngineConfig) HandlerTimeout() time.Duration {
	return time.Duration(e.HandlerTimeoutSeconds) * time.Second
}

// QueuePollInterval returns the dispatch claim loop tick.
func (e EngineConfig) QueuePollInterval() time.Duration {
	return time.Duration(e.QueuePollIntervalSeconds) * time.Second
}

// PollInterval returns the poll cadence for a service, falling back to the
// engine-wide default.
func (e EngineConfig) PollInterval(service string) time.Duration {
	if secs, ok := e.PollIntervals[strings.ToLower(service)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

// CatalogConfig points at the service catalog file.
type CatalogConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// MailConfig points send_email reactions at an HTTP mail relay. With an
// empty GatewayURL those reactions fail permanently with a message naming
// the missing setting.
type MailConfig struct {
	GatewayURL string `mapstructure:"gateway_url" validate:"omitempty,url"`
	From       string `mapstructure:"from"`
	APIKey     string `mapstructure:"api_key"`
}

// ProviderCredentials holds an OAuth app registration for one service.
type ProviderCredentials struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// ObservabilityConfig mirrors the observability stack settings.
type ObservabilityConfig struct {
	LogLevel       string  `mapstructure:"log_level"`
	LogFormat      string  `mapstructure:"log_format"`
	MetricsEnabled bool    `mapstructure:"metrics_enabled"`
	PrometheusPort int     `mapstructure:"prometheus_port" validate:"gte=0,lte=65535"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	TraceExporter  string  `mapstructure:"trace_exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate"`
}

// ToSuiteConfig converts the flat settings into the observability config.
func (o ObservabilityConfig) ToSuiteConfig(serviceVersion string) observability.Config {
	return observability.Config{
		Logging: observability.LoggingConfig{
			Level:  o.LogLevel,
			Format: o.LogFormat,
		},
		Metrics: observability.MetricsConfig{
			Enabled:        o.MetricsEnabled,
			PrometheusPort: o.PrometheusPort,
		},
		Tracing: observability.TracingConfig{
			Enabled:        o.TracingEnabled,
			Exporter:       o.TraceExporter,
			OTLPEndpoint:   o.OTLPEndpoint,
			ZipkinEndpoint: o.ZipkinEndpoint,
			SampleRate:     o.SampleRate,
			ServiceName:    "fuse",
			ServiceVersion: serviceVersion,
		},
	}
}

// SecretFor returns the webhook secret for a service, or "" when unset.
// Secrets are never defaulted: a missing secret keeps the receiver closed.
func (c *Config) SecretFor(service string) string {
	return c.WebhookSecrets[strings.ToLower(service)]
}

// CredentialsFor returns the OAuth app credentials for a service.
func (c *Config) CredentialsFor(service string) ProviderCredentials {
	return c.Providers[strings.ToLower(service)]
}
