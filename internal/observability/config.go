package observability

import (
	"context"
	"os"
)

// Config represents the complete observability configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default observability configuration.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			PrometheusPort: 9091,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "fuse",
			ServiceVersion: "1.0.0",
		},
	}
}

// Suite bundles the logger, metrics collector and tracer for one process.
type Suite struct {
	Logger  *Logger
	Metrics *MetricsCollector
	Tracer  *TracerProvider
}

// NewSuite builds the observability stack from config and installs the
// logger as the process default.
func NewSuite(cfg Config) (*Suite, error) {
	logger := NewLogger(LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	SetDefault(logger)

	metrics, err := NewMetricsCollector(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, err
	}

	return &Suite{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	}, nil
}

// Shutdown flushes exporters and stops the scrape server.
func (s *Suite) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.Metrics != nil {
		if err := s.Metrics.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if s.Tracer != nil {
		if err := s.Tracer.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
