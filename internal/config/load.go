package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from the given file (optional), environment
// variables and defaults, then validates it. Pass "" to rely on the default
// search path (./fuse.yaml, ./configs/fuse.yaml, /etc/fuse/fuse.yaml).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("fuse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/fuse")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	normalize(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks structural constraints plus the cross-field rules the
// tag language cannot express.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			ve := verrs[0]
			return fmt.Errorf("config: field %s fails rule %q", ve.Namespace(), ve.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}

	if cfg.Engine.RetryCapSeconds < cfg.Engine.RetryBaseSeconds {
		return fmt.Errorf("config: retry_cap_seconds (%d) must be >= retry_base_seconds (%d)",
			cfg.Engine.RetryCapSeconds, cfg.Engine.RetryBaseSeconds)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "http://localhost:8080")
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 8)

	v.SetDefault("engine.worker_count", 4)
	v.SetDefault("engine.default_retry_max", 3)
	v.SetDefault("engine.retry_base_seconds", 60)
	v.SetDefault("engine.retry_cap_seconds", 900)
	v.SetDefault("engine.token_refresh_window_seconds", 300)
	v.SetDefault("engine.reclaim_running_after_seconds", 300)
	v.SetDefault("engine.retention_success_days", 30)
	v.SetDefault("engine.retention_failed_days", 90)
	v.SetDefault("engine.poll_interval_seconds", 60)
	v.SetDefault("engine.handler_timeout_seconds", 30)
	v.SetDefault("engine.queue_poll_interval_seconds", 1)

	v.SetDefault("catalog.path", "configs/catalog.yaml")

	v.SetDefault("mail.gateway_url", "")
	v.SetDefault("mail.from", "fuse@localhost")
	v.SetDefault("mail.api_key", "")

	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.log_format", "json")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.prometheus_port", 9091)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_exporter", "otlp")
	v.SetDefault("observability.sample_rate", 1.0)
}

// normalize lowercases service-keyed maps so lookups are case-insensitive.
func normalize(cfg *Config) {
	if len(cfg.WebhookSecrets) > 0 {
		secrets := make(map[string]string, len(cfg.WebhookSecrets))
		for k, v := range cfg.WebhookSecrets {
			secrets[strings.ToLower(k)] = v
		}
		cfg.WebhookSecrets = secrets
	}
	if len(cfg.Providers) > 0 {
		providers := make(map[string]ProviderCredentials, len(cfg.Providers))
		for k, v := range cfg.Providers {
			providers[strings.ToLower(k)] = v
		}
		cfg.Providers = providers
	}
	if len(cfg.Engine.PollIntervals) > 0 {
		intervals := make(map[string]int, len(cfg.Engine.PollIntervals))
		for k, v := range cfg.Engine.PollIntervals {
			intervals[strings.ToLower(k)] = v
		}
		cfg.Engine.PollIntervals = intervals
	}
}
