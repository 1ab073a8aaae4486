// Package trigger produces trigger events: a minute-granularity timer
// scheduler and per-service upstream pollers. Both paths derive
// deterministic external event ids and hand occurrences to the execution
// admitter, which collapses replays onto one execution row.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fuse/internal/domain"
	"fuse/internal/logging"
	"fuse/internal/observability"

	"github.com/robfig/cron/v3"
)

// Admitter hands one trigger occurrence to the execution layer.
type Admitter interface {
	Admit(ctx context.Context, automation domain.Automation, event domain.TriggerEvent) (*domain.Execution, bool, error)
}

// TimerStore lists the automations the scheduler evaluates each tick.
type TimerStore interface {
	ListActiveByKind(ctx context.Context, kind domain.ActionKind) ([]domain.Automation, error)
}

// SchedulerConfig wires the timer scheduler's collaborators.
type SchedulerConfig struct {
	Store    TimerStore
	Admitter Admitter
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider
	Logger   logging.Logger
}

// Scheduler fires timer automations on minute boundaries using robfig/cron.
// Ticks are evaluated in UTC. A tick that overruns into the next minute is
// skipped rather than queued; the skipped minute does not fire later.
type Scheduler struct {
	cron     *cron.Cron
	store    TimerStore
	admitter Admitter
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger
	stopped  chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewScheduler creates a stopped scheduler. Call Start to begin ticking.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.MetricsCollector{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	if logging.IsNil(cfg.Logger) {
		cfg.Logger = logging.NewComponentLogger("Scheduler")
	}
	return &Scheduler{
		cron:     newMinuteCron(),
		store:    cfg.Store,
		admitter: cfg.Admitter,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		logger:   cfg.Logger,
		stopped:  make(chan struct{}),
		now:      time.Now,
	}
}

func newMinuteCron() *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
}

// Start registers the tick job and starts the cron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("* * * * *", func() {
		s.runTick(ctx, s.now().UTC().Truncate(time.Minute))
	}); err != nil {
		return fmt.Errorf("register timer tick: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Scheduler started (minute ticks, UTC)")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop gracefully stops the scheduler. Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Scheduler stopping...")
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
		close(s.stopped)
		s.logger.Info("Scheduler stopped")
	})
}

// Done returns a channel that is closed when the scheduler has fully stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// runTick evaluates every active timer automation against one minute boundary.
func (s *Scheduler) runTick(ctx context.Context, tick time.Time) {
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanTimerTick)
	defer span.End()

	automations, err := s.store.ListActiveByKind(ctx, domain.ActionKindTimer)
	if err != nil {
		s.logger.Error("Timer tick %s: list automations: %v", tick.Format("15:04"), err)
		s.metrics.RecordTriggerEvent(ctx, "timer", "error")
		return
	}

	fired := 0
	for _, automation := range automations {
		match, err := timerMatches(automation, tick)
		if err != nil {
			s.logger.Warn("Automation %s has an unusable timer config, skipping: %v", automation.ID, err)
			continue
		}
		if !match {
			continue
		}

		event := domain.TriggerEvent{
			ExternalEventID: domain.TimerEventID(automation.ID, tick),
			Data: map[string]any{
				"fired_at":        tick.Format(time.RFC3339),
				"automation_name": automation.Name,
			},
		}
		if _, created, err := s.admitter.Admit(ctx, automation, event); err != nil {
			s.logger.Error("Admit timer event for automation %s: %v", automation.ID, err)
		} else if created {
			fired++
			s.metrics.RecordTriggerEvent(ctx, "timer", "created")
		} else {
			s.metrics.RecordTriggerEvent(ctx, "timer", "duplicate")
		}
	}

	if fired > 0 {
		s.logger.Info("Timer tick %s fired %d automation(s)", tick.Format("2006-01-02 15:04"), fired)
	}
}

// timerMatches reports whether the automation's timer config selects the
// given minute. Config values arrive as float64 after a JSONB round-trip,
// so numeric extraction is tolerant of the usual decodings.
func timerMatches(automation domain.Automation, tick time.Time) (bool, error) {
	hour, ok := configInt(automation.ActionConfig, "hour")
	if !ok {
		return false, fmt.Errorf("missing or non-numeric hour")
	}
	if hour < 0 || hour > 23 {
		return false, fmt.Errorf("hour %d out of range [0,23]", hour)
	}
	minute, ok := configInt(automation.ActionConfig, "minute")
	if !ok {
		return false, fmt.Errorf("missing or non-numeric minute")
	}
	if minute < 0 || minute > 59 {
		return false, fmt.Errorf("minute %d out of range [0,59]", minute)
	}

	switch automation.ActionName {
	case "timer_daily":
		return hour == tick.Hour() && minute == tick.Minute(), nil
	case "timer_weekly":
		dow, ok := configInt(automation.ActionConfig, "day_of_week")
		if !ok {
			return false, fmt.Errorf("missing or non-numeric day_of_week")
		}
		if dow < 0 || dow > 6 {
			return false, fmt.Errorf("day_of_week %d out of range [0,6]", dow)
		}
		// Timer configs count days from Monday=0; time.Weekday counts from
		// Sunday=0.
		weekday := (int(tick.Weekday()) + 6) % 7
		return dow == weekday && hour == tick.Hour() && minute == tick.Minute(), nil
	default:
		return false, fmt.Errorf("unknown timer action %q", automation.ActionName)
	}
}

func configInt(config map[string]any, key string) (int, bool) {
	raw, ok := config[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}
