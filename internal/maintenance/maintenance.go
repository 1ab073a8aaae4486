// Package maintenance runs the engine's housekeeping jobs: a daily retention
// sweep over terminal execution rows and an hourly aggregation of execution
// counts published to a pluggable sink.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"fuse/internal/domain"
	"fuse/internal/logging"
	"fuse/internal/observability"

	"github.com/robfig/cron/v3"
)

const (
	retentionSchedule = "17 3 * * *"
	statsSchedule     = "0 * * * *"

	defaultRetentionSuccessDays = 30
	defaultRetentionFailedDays  = 90
)

// ExecutionStore is the store surface maintenance sweeps and aggregates.
type ExecutionStore interface {
	DeleteExecutionsBefore(ctx context.Context, status domain.ExecutionStatus, cutoff time.Time) (int64, error)
	CountExecutionsByStatus(ctx context.Context, since time.Time) (map[domain.ExecutionStatus]int, error)
}

// Stats is one aggregation window's execution counts.
type Stats struct {
	Window      string // "1h" or "24h"
	Since       time.Time
	Counts      map[domain.ExecutionStatus]int
	SuccessRate float64 // success / (success + failed); 0 when no terminal rows
}

// Sink receives periodic execution statistics.
type Sink interface {
	Publish(ctx context.Context, stats Stats)
}

// Config wires the maintenance runner's collaborators. Non-positive retention
// windows fall back to the 30/90 day defaults.
type Config struct {
	Store                ExecutionStore
	Sink                 Sink
	RetentionSuccessDays int
	RetentionFailedDays  int
	Metrics              *observability.MetricsCollector
	Tracer               *observability.TracerProvider
	Logger               logging.Logger
}

// Runner owns the housekeeping cron: a daily retention sweep and an hourly
// stats aggregation, both evaluated in UTC. Success and skipped rows age out
// on the success window, failed rows on the failed window; pending and
// running rows are never touched.
type Runner struct {
	cron        *cron.Cron
	store       ExecutionStore
	sink        Sink
	successDays int
	failedDays  int
	metrics     *observability.MetricsCollector
	tracer      *observability.TracerProvider
	logger      logging.Logger
	stopped     chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewRunner creates a stopped runner. Call Start to begin the schedules.
func NewRunner(cfg Config) *Runner {
	if cfg.RetentionSuccessDays <= 0 {
		cfg.RetentionSuccessDays = defaultRetentionSuccessDays
	}
	if cfg.RetentionFailedDays <= 0 {
		cfg.RetentionFailedDays = defaultRetentionFailedDays
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.MetricsCollector{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	if logging.IsNil(cfg.Logger) {
		cfg.Logger = logging.NewComponentLogger("Maintenance")
	}
	if cfg.Sink == nil {
		cfg.Sink = NewMetricsSink(cfg.Metrics, cfg.Logger)
	}
	return &Runner{
		cron:        newMaintenanceCron(),
		store:       cfg.Store,
		sink:        cfg.Sink,
		successDays: cfg.RetentionSuccessDays,
		failedDays:  cfg.RetentionFailedDays,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
		stopped:     make(chan struct{}),
		now:         time.Now,
	}
}

func newMaintenanceCron() *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
}

// Start registers both jobs and starts the cron scheduler.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc(retentionSchedule, func() {
		r.runRetention(ctx)
	}); err != nil {
		return fmt.Errorf("register retention sweep: %w", err)
	}
	if _, err := r.cron.AddFunc(statsSchedule, func() {
		r.runStats(ctx)
	}); err != nil {
		return fmt.Errorf("register stats aggregation: %w", err)
	}

	r.cron.Start()
	r.logger.Info("Maintenance started (retention %dd/%dd daily, stats hourly)",
		r.successDays, r.failedDays)

	go func() {
		<-ctx.Done()
		r.Stop()
	}()

	return nil
}

// Stop gracefully stops the runner. Safe to call multiple times.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Info("Maintenance stopping...")
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
		close(r.stopped)
		r.logger.Info("Maintenance stopped")
	})
}

// Done returns a channel that is closed when the runner has fully stopped.
func (r *Runner) Done() <-chan struct{} {
	return r.stopped
}

// runRetention deletes terminal rows older than their status window.
func (r *Runner) runRetention(ctx context.Context) {
	ctx, span := r.tracer.StartSpan(ctx, observability.SpanRetention)
	defer span.End()

	now := r.now().UTC()
	windows := []struct {
		status domain.ExecutionStatus
		cutoff time.Time
	}{
		{domain.ExecutionStatusSuccess, now.AddDate(0, 0, -r.successDays)},
		{domain.ExecutionStatusSkipped, now.AddDate(0, 0, -r.successDays)},
		{domain.ExecutionStatusFailed, now.AddDate(0, 0, -r.failedDays)},
	}

	var total int64
	for _, w := range windows {
		n, err := r.store.DeleteExecutionsBefore(ctx, w.status, w.cutoff)
		if err != nil {
			r.logger.Error("Retention sweep for %s executions: %v", w.status, err)
			continue
		}
		r.metrics.RecordRetentionDeleted(ctx, string(w.status), n)
		total += n
	}
	if total > 0 {
		r.logger.Info("Retention sweep removed %d execution(s)", total)
	}
}

// runStats aggregates execution counts for the 1h and 24h windows and hands
// each window to the sink.
func (r *Runner) runStats(ctx context.Context) {
	now := r.now().UTC()
	for _, w := range []struct {
		window string
		length time.Duration
	}{
		{"1h", time.Hour},
		{"24h", 24 * time.Hour},
	} {
		since := now.Add(-w.length)
		counts, err := r.store.CountExecutionsByStatus(ctx, since)
		if err != nil {
			r.logger.Error("Aggregate executions since %s: %v", since.Format(time.RFC3339), err)
			continue
		}
		r.sink.Publish(ctx, Stats{
			Window:      w.window,
			Since:       since,
			Counts:      counts,
			SuccessRate: successRate(counts),
		})
	}
}

// successRate is the share of terminal attempts that succeeded. Skipped rows
// never entered dispatch and do not count against the rate.
func successRate(counts map[domain.ExecutionStatus]int) float64 {
	ok := counts[domain.ExecutionStatusSuccess]
	terminal := ok + counts[domain.ExecutionStatusFailed]
	if terminal == 0 {
		return 0
	}
	return float64(ok) / float64(terminal)
}

type metricsSink struct {
	metrics *observability.MetricsCollector
	logger  logging.Logger
}

// NewMetricsSink returns the default sink: one log line per window plus the
// otel stats gauges.
func NewMetricsSink(metrics *observability.MetricsCollector, logger logging.Logger) Sink {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Maintenance")
	}
	return &metricsSink{metrics: metrics, logger: logger}
}

func (s *metricsSink) Publish(ctx context.Context, stats Stats) {
	for status, n := range stats.Counts {
		s.metrics.RecordExecutionStats(ctx, stats.Window, string(status), int64(n))
	}
	s.metrics.RecordSuccessRate(ctx, stats.Window, stats.SuccessRate)
	s.logger.Info("Executions last %s: %s (success rate %.1f%%)",
		stats.Window, formatCounts(stats.Counts), stats.SuccessRate*100)
}

func formatCounts(counts map[domain.ExecutionStatus]int) string {
	order := []domain.ExecutionStatus{
		domain.ExecutionStatusSuccess,
		domain.ExecutionStatusFailed,
		domain.ExecutionStatusSkipped,
		domain.ExecutionStatusPending,
		domain.ExecutionStatusRunning,
	}
	parts := make([]string, 0, len(order))
	for _, status := range order {
		if n := counts[status]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, status))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}
