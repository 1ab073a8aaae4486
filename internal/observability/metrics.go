package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector manages all engine metrics.
type MetricsCollector struct {
	meter metric.Meter

	// Execution metrics
	executionsStarted   metric.Int64Counter
	executionsCompleted metric.Int64Counter
	executionDuration   metric.Float64Histogram

	// Dispatch metrics
	dispatchRetries metric.Int64Counter
	deadLetters     metric.Int64Counter
	queueDepth      metric.Int64UpDownCounter

	// Trigger metrics
	triggerEvents     metric.Int64Counter
	webhookDeliveries metric.Int64Counter
	pollCycles        metric.Int64Counter

	// Token metrics
	tokenRefreshes metric.Int64Counter
	notifications  metric.Int64Counter

	// Maintenance metrics
	retentionDeleted metric.Int64Counter
	executionStats   metric.Int64Gauge
	successRate      metric.Float64Gauge

	// Server for Prometheus scraping
	prometheusServer *http.Server
}

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("fuse")

	executionsStarted, err := meter.Int64Counter(
		"fuse.executions.started.total",
		metric.WithDescription("Total number of execution attempts started"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions_started counter: %w", err)
	}

	executionsCompleted, err := meter.Int64Counter(
		"fuse.executions.total",
		metric.WithDescription("Total number of executions reaching a terminal status"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions counter: %w", err)
	}

	executionDuration, err := meter.Float64Histogram(
		"fuse.execution.duration",
		metric.WithDescription("Reaction handler duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution_duration histogram: %w", err)
	}

	dispatchRetries, err := meter.Int64Counter(
		"fuse.dispatch.retries.total",
		metric.WithDescription("Total number of execution retries scheduled"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch_retries counter: %w", err)
	}

	deadLetters, err := meter.Int64Counter(
		"fuse.dispatch.dead_letters.total",
		metric.WithDescription("Total number of executions moved to the dead letter queue"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead_letters counter: %w", err)
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"fuse.queue.depth",
		metric.WithDescription("Number of dispatch tasks waiting or claimed"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queue_depth gauge: %w", err)
	}

	triggerEvents, err := meter.Int64Counter(
		"fuse.trigger.events.total",
		metric.WithDescription("Total number of trigger events presented to the admitter"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trigger_events counter: %w", err)
	}

	webhookDeliveries, err := meter.Int64Counter(
		"fuse.webhook.deliveries.total",
		metric.WithDescription("Total number of webhook deliveries received"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook_deliveries counter: %w", err)
	}

	pollCycles, err := meter.Int64Counter(
		"fuse.poll.cycles.total",
		metric.WithDescription("Total number of poll cycles run"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create poll_cycles counter: %w", err)
	}

	tokenRefreshes, err := meter.Int64Counter(
		"fuse.token.refreshes.total",
		metric.WithDescription("Total number of OAuth token refresh attempts"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_refreshes counter: %w", err)
	}

	notifications, err := meter.Int64Counter(
		"fuse.notifications.total",
		metric.WithDescription("Total number of OAuth notifications raised"),
		metric.WithUnit("{notification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create notifications counter: %w", err)
	}

	retentionDeleted, err := meter.Int64Counter(
		"fuse.retention.deleted.total",
		metric.WithDescription("Total number of executions removed by the retention sweep"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retention_deleted counter: %w", err)
	}

	executionStats, err := meter.Int64Gauge(
		"fuse.stats.executions",
		metric.WithDescription("Executions per status over the aggregation window"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution_stats gauge: %w", err)
	}

	successRate, err := meter.Float64Gauge(
		"fuse.stats.success_rate",
		metric.WithDescription("Share of terminal executions that succeeded over the aggregation window"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create success_rate gauge: %w", err)
	}

	collector := &MetricsCollector{
		meter:               meter,
		executionsStarted:   executionsStarted,
		executionsCompleted: executionsCompleted,
		executionDuration:   executionDuration,
		dispatchRetries:     dispatchRetries,
		deadLetters:         deadLetters,
		queueDepth:          queueDepth,
		triggerEvents:       triggerEvents,
		webhookDeliveries:   webhookDeliveries,
		pollCycles:          pollCycles,
		tokenRefreshes:      tokenRefreshes,
		notifications:       notifications,
		retentionDeleted:    retentionDeleted,
		executionStats:      executionStats,
		successRate:         successRate,
	}

	if config.PrometheusPort > 0 {
		if err := collector.StartPrometheusServer(config.PrometheusPort); err != nil {
			return nil, fmt.Errorf("failed to start prometheus server: %w", err)
		}
	}

	return collector, nil
}

// StartPrometheusServer starts the Prometheus metrics server.
func (m *MetricsCollector) StartPrometheusServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())

	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Printf("Prometheus metrics server listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Prometheus server error: %v", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the metrics collector.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordExecutionStart records the start of an execution attempt.
func (m *MetricsCollector) RecordExecutionStart(ctx context.Context, service, reaction string) {
	if m.executionsStarted == nil {
		return
	}
	m.executionsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("reaction", reaction),
	))
}

// RecordExecutionFinish records a terminal execution outcome.
func (m *MetricsCollector) RecordExecutionFinish(ctx context.Context, service, status string, duration time.Duration) {
	if m.executionsCompleted == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("service", service),
		attribute.String("status", status),
	}
	m.executionsCompleted.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRetry records a scheduled retry.
func (m *MetricsCollector) RecordRetry(ctx context.Context, service string) {
	if m.dispatchRetries == nil {
		return
	}
	m.dispatchRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

// RecordDeadLetter records an execution exhausting its retry budget.
func (m *MetricsCollector) RecordDeadLetter(ctx context.Context, service string) {
	if m.deadLetters == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
}

// QueueDepthAdd moves the queue depth gauge by delta.
func (m *MetricsCollector) QueueDepthAdd(ctx context.Context, delta int64) {
	if m.queueDepth == nil {
		return
	}
	m.queueDepth.Add(ctx, delta)
}

// RecordTriggerEvent records a trigger event by source and outcome.
func (m *MetricsCollector) RecordTriggerEvent(ctx context.Context, source, outcome string) {
	if m.triggerEvents == nil {
		return
	}
	m.triggerEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// RecordWebhookDelivery records one webhook delivery and its outcome.
func (m *MetricsCollector) RecordWebhookDelivery(ctx context.Context, service, outcome string) {
	if m.webhookDeliveries == nil {
		return
	}
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	))
}

// RecordPollCycle records one poll cycle and its status.
func (m *MetricsCollector) RecordPollCycle(ctx context.Context, service, status string) {
	if m.pollCycles == nil {
		return
	}
	m.pollCycles.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("status", status),
	))
}

// RecordTokenRefresh records one refresh attempt and its outcome.
func (m *MetricsCollector) RecordTokenRefresh(ctx context.Context, service, outcome string) {
	if m.tokenRefreshes == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	))
}

// RecordNotification records an OAuth notification by type.
func (m *MetricsCollector) RecordNotification(ctx context.Context, notificationType string) {
	if m.notifications == nil {
		return
	}
	m.notifications.Add(ctx, 1, metric.WithAttributes(attribute.String("type", notificationType)))
}

// RecordRetentionDeleted records rows removed by one retention sweep.
func (m *MetricsCollector) RecordRetentionDeleted(ctx context.Context, status string, n int64) {
	if m.retentionDeleted == nil {
		return
	}
	m.retentionDeleted.Add(ctx, n, metric.WithAttributes(attribute.String("status", status)))
}

// RecordExecutionStats publishes one status count for an aggregation window.
func (m *MetricsCollector) RecordExecutionStats(ctx context.Context, window, status string, n int64) {
	if m.executionStats == nil {
		return
	}
	m.executionStats.Record(ctx, n, metric.WithAttributes(
		attribute.String("window", window),
		attribute.String("status", status),
	))
}

// RecordSuccessRate publishes the success rate for an aggregation window.
func (m *MetricsCollector) RecordSuccessRate(ctx context.Context, window string, rate float64) {
	if m.successRate == nil {
		return
	}
	m.successRate.Record(ctx, rate, metric.WithAttributes(attribute.String("window", window)))
}
