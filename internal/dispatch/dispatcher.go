// Package dispatch runs the worker pool that delivers admitted executions
// to their reaction handlers. Tasks are claimed from the database queue in
// batches and fanned out over a channel; the execution row is the source
// of truth, so a redelivered task for a finished execution is acknowledged
// without side effects. Failure handling follows the error taxonomy:
// transient errors retry with capped exponential backoff until the attempt
// budget is spent, permanent errors fail immediately, auth errors get one
// forced token refresh and a single retry before dead-lettering.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"fuse/internal/domain"
	apperrors "fuse/internal/errors"
	"fuse/internal/journal"
	"fuse/internal/logging"
	"fuse/internal/observability"
	"fuse/internal/reaction"
	"fuse/internal/store"
)

// redeliveryDelay spaces out task redeliveries that cannot make progress
// yet (execution running elsewhere, transient load failures).
const redeliveryDelay = 30 * time.Second

// releaseTimeout bounds the shutdown writes that hand unstarted tasks back
// to the queue.
const releaseTimeout = 5 * time.Second

// Store is the slice of the persistence layer the dispatcher drives.
type Store interface {
	ClaimDueTasks(ctx context.Context, workerID string, limit int) ([]store.Task, error)
	RescheduleTask(ctx context.Context, taskID string, runAt time.Time) error
	CompleteTask(ctx context.Context, taskID string) error
	MarkTaskDead(ctx context.Context, taskID string) error
	RequeueStaleClaimed(ctx context.Context, lockedBefore time.Time) (int64, error)

	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ClaimExecutionRunning(ctx context.Context, id string, at time.Time) (domain.Execution, bool, error)
	CompleteExecutionSuccess(ctx context.Context, id string, resultData map[string]any, at time.Time) (domain.Execution, error)
	CompleteExecutionFailed(ctx context.Context, id, errorMessage string, at time.Time) (domain.Execution, error)
	RequeueExecution(ctx context.Context, id, errorMessage string) (domain.Execution, error)
	ReclaimStaleRunning(ctx context.Context, startedBefore time.Time) ([]domain.Execution, error)

	GetAutomation(ctx context.Context, id string) (domain.Automation, error)
}

// TokenBroker is the refresh entry point used for the single auth retry.
type TokenBroker interface {
	ForceRefresh(ctx context.Context, ownerID, service string) (*domain.ServiceToken, error)
}

// Notifier files owner-visible OAuth notifications.
type Notifier interface {
	Report(ctx context.Context, ownerID, service string, typ domain.NotificationType, message string)
}

// AlertFunc is invoked when an execution moves to the dead letter queue.
// Alert integrations (paging, chat) plug in here; the default logs.
type AlertFunc func(ctx context.Context, exec domain.Execution, automation domain.Automation)

// Config wires a Dispatcher.
type Config struct {
	Store    Store
	Registry *reaction.Registry
	Broker   TokenBroker
	Notifier Notifier
	Journal  *journal.Journal
	Metrics  *observability.MetricsCollector
	Tracer   *observability.TracerProvider
	Logger   logging.Logger

	// WorkerID identifies this process in task claims. Defaults to
	// hostname-pid.
	WorkerID string
	// Workers is the pool size (worker_count).
	Workers int
	// ClaimBatch is the maximum tasks claimed per queue poll.
	ClaimBatch int
	// PollInterval is the queue poll cadence.
	PollInterval time.Duration
	// HandlerTimeout bounds one reaction invocation.
	HandlerTimeout time.Duration
	// RetryMax is the retry budget for transient failures
	// (default_retry_max); an execution runs at most RetryMax+1 times.
	RetryMax int
	// RetryBase and RetryCap bound the backoff curve.
	RetryBase time.Duration
	RetryCap  time.Duration
	// ReclaimAfter is how long a claimed task or running execution may go
	// silent before the reclaim sweep returns it to the queue.
	ReclaimAfter time.Duration
	// AlertHook receives dead-letter events.
	AlertHook AlertFunc
}

// Dispatcher consumes the task queue and executes reactions.
type Dispatcher struct {
	store    Store
	registry *reaction.Registry
	broker   TokenBroker
	notifier Notifier
	journal  *journal.Journal
	metrics  *observability.MetricsCollector
	tracer   *observability.TracerProvider
	logger   logging.Logger

	workerID       string
	workers        int
	claimBatch     int
	pollInterval   time.Duration
	handlerTimeout time.Duration
	retryMax       int
	retryCfg       apperrors.RetryConfig
	reclaimAfter   time.Duration
	alertHook      AlertFunc

	now func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 2 * cfg.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 60 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 15 * time.Minute
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = 5 * time.Minute
	}
	if cfg.WorkerID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "fuse"
		}
		cfg.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &observability.MetricsCollector{}
	}
	if cfg.Tracer == nil {
		cfg.Tracer, _ = observability.NewTracerProvider(observability.TracingConfig{})
	}
	if logging.IsNil(cfg.Logger) {
		cfg.Logger = logging.NewComponentLogger("Dispatcher")
	}

	d := &Dispatcher{
		store:          cfg.Store,
		registry:       cfg.Registry,
		broker:         cfg.Broker,
		notifier:       cfg.Notifier,
		journal:        cfg.Journal,
		metrics:        cfg.Metrics,
		tracer:         cfg.Tracer,
		logger:         cfg.Logger,
		workerID:       cfg.WorkerID,
		workers:        cfg.Workers,
		claimBatch:     cfg.ClaimBatch,
		pollInterval:   cfg.PollInterval,
		handlerTimeout: cfg.HandlerTimeout,
		retryMax:       cfg.RetryMax,
		retryCfg: apperrors.RetryConfig{
			MaxAttempts:  cfg.RetryMax,
			BaseDelay:    cfg.RetryBase,
			MaxDelay:     cfg.RetryCap,
			JitterFactor: 0.25,
		},
		reclaimAfter: cfg.ReclaimAfter,
		alertHook:    cfg.AlertHook,
		now:          time.Now,
	}
	if d.alertHook == nil {
		d.alertHook = d.logAlert
	}
	return d
}

// Run blocks until ctx is canceled. On shutdown the claim loop stops,
// unstarted claims return to the queue, and in-flight executions finish
// bounded by the handler timeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher starting: %d workers, claim batch %d, poll %s, worker id %s",
		d.workers, d.claimBatch, d.pollInterval, d.workerID)

	tasks := make(chan store.Task)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		return d.produce(gctx, tasks)
	})
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for task := range tasks {
				d.process(task)
			}
			return nil
		})
	}
	g.Go(func() error {
		return d.reclaimLoop(gctx)
	})

	err := g.Wait()
	d.logger.Info("Dispatcher stopped")
	return err
}

// produce claims due tasks and hands them to the workers. A full batch
// claims again immediately; otherwise the loop waits one poll interval.
func (d *Dispatcher) produce(ctx context.Context, tasks chan<- store.Task) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		claimed, err := d.store.ClaimDueTasks(ctx, d.workerID, d.claimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error("Claim due tasks: %v", err)
		}
		for i, task := range claimed {
			select {
			case tasks <- task:
			case <-ctx.Done():
				d.releaseTasks(claimed[i:])
				return nil
			}
		}
		if len(claimed) == d.claimBatch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// releaseTasks returns claimed-but-unstarted tasks to the queue with their
// original due time.
func (d *Dispatcher) releaseTasks(tasks []store.Task) {
	if len(tasks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	for _, task := range tasks {
		if err := d.store.RescheduleTask(ctx, task.ID, task.RunAt); err != nil {
			d.logger.Error("Release task %s on shutdown: %v", task.ID, err)
		}
	}
	d.logger.Info("Released %d unstarted tasks back to the queue", len(tasks))
}

// process executes one claimed task end to end. It runs on a background
// context: shutdown stops the intake, not work already in a worker's hands.
func (d *Dispatcher) process(task store.Task) {
	ctx := context.Background()

	exec, err := d.store.GetExecution(ctx, task.ExecutionID)
	if errors.Is(err, domain.ErrNotFound) {
		// Row purged by retention; nothing left to run.
		d.ackTask(ctx, task)
		return
	}
	if err != nil {
		d.logger.Error("Load execution %s: %v", task.ExecutionID, err)
		d.rescheduleTask(ctx, task, d.now().Add(redeliveryDelay))
		return
	}

	if exec.Status.IsTerminal() {
		// Stale redelivery of a finished execution.
		d.ackTask(ctx, task)
		return
	}
	if exec.Status == domain.ExecutionStatusRunning {
		// Another worker holds it, or a crashed run awaits the reclaim
		// sweep. Check again later.
		d.rescheduleTask(ctx, task, d.now().Add(redeliveryDelay))
		return
	}

	started := d.now()
	claimed, ok, err := d.store.ClaimExecutionRunning(ctx, exec.ID, started)
	if err != nil {
		d.logger.Error("Claim execution %s: %v", exec.ID, err)
		d.rescheduleTask(ctx, task, d.now().Add(redeliveryDelay))
		return
	}
	if !ok {
		// Lost the claim race; the next delivery sees the row's new state.
		d.rescheduleTask(ctx, task, d.now().Add(redeliveryDelay))
		return
	}
	exec = claimed

	ctx = observability.ContextWithExecutionID(ctx, exec.ID)
	ctx = observability.ContextWithAutomationID(ctx, exec.AutomationID)
	ctx = observability.ContextWithEventID(ctx, exec.ExternalEventID)
	ctx, span := d.tracer.StartSpan(ctx, observability.SpanDispatchTask,
		attribute.Int(observability.AttrAttempt, exec.AttemptCount))
	defer span.End()

	automation, err := d.store.GetAutomation(ctx, exec.AutomationID)
	if errors.Is(err, domain.ErrNotFound) {
		d.failExecution(ctx, task, exec, domain.Automation{}, "automation no longer exists", started)
		return
	}
	if err != nil {
		d.fail(ctx, task, exec, domain.Automation{}, apperrors.NewTransientError(err, "load automation"), started)
		return
	}

	d.metrics.RecordExecutionStart(ctx, automation.ReactionService, automation.ReactionName)
	d.journal.Publish(journal.Entry{
		Kind:         journal.KindStarted,
		AutomationID: automation.ID,
		ExecutionID:  exec.ID,
		Service:      automation.ReactionService,
		Reaction:     automation.ReactionName,
		Attempt:      exec.AttemptCount,
	})

	handler, found := d.registry.Get(automation.ReactionName)
	if !found {
		d.logger.Warn("No handler registered for reaction %s; completing as no-op", automation.ReactionName)
		d.succeed(ctx, task, exec, automation, reaction.NotImplementedResult(automation.ReactionName), started)
		return
	}

	in := reaction.Input{
		OwnerID:     automation.OwnerID,
		Config:      automation.ReactionConfig,
		TriggerData: exec.TriggerData,
	}
	result, err := d.runHandler(ctx, handler, in)
	if err != nil && apperrors.IsAuth(err) {
		result, err = d.retryAfterRefresh(ctx, handler, in, automation, err)
	}
	if err != nil {
		d.fail(ctx, task, exec, automation, err, started)
		return
	}
	d.succeed(ctx, task, exec, automation, result, started)
}

// runHandler invokes one reaction bounded by the handler timeout. Panics
// and deadline overruns surface as transient errors.
func (d *Dispatcher) runHandler(ctx context.Context, h reaction.Handler, in reaction.Input) (result map[string]any, err error) {
	hctx, cancel := context.WithTimeout(ctx, d.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Reaction %s panicked: %v", h.Name(), r)
			result = nil
			err = apperrors.NewTransientError(fmt.Errorf("%v", r), fmt.Sprintf("reaction %s panicked", h.Name()))
		}
	}()

	result, err = h.Handle(hctx, in)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = apperrors.NewTransientError(err, fmt.Sprintf("reaction %s timed out after %s", h.Name(), d.handlerTimeout))
	}
	return result, err
}

// retryAfterRefresh performs the single auth retry: force a token refresh
// and run the handler once more. The handler re-reads the token through
// the broker, so a successful refresh is picked up automatically.
func (d *Dispatcher) retryAfterRefresh(ctx context.Context, h reaction.Handler, in reaction.Input, automation domain.Automation, authErr error) (map[string]any, error) {
	if d.broker == nil {
		return nil, authErr
	}
	token, err := d.broker.ForceRefresh(ctx, automation.OwnerID, automation.ReactionService)
	if err != nil || token == nil {
		return nil, authErr
	}
	d.logger.Info("Refreshed %s token for owner %s; retrying reaction once", automation.ReactionService, automation.OwnerID)
	return d.runHandler(ctx, h, in)
}

// fail routes a handler error to retry, permanent failure, or the DLQ.
func (d *Dispatcher) fail(ctx context.Context, task store.Task, exec domain.Execution, automation domain.Automation, cause error, started time.Time) {
	switch {
	case apperrors.IsAuth(cause):
		// The single refresh retry already happened (or was unavailable).
		if d.notifier != nil && automation.OwnerID != "" {
			d.notifier.Report(ctx, automation.OwnerID, automation.ReactionService, domain.NotificationAuthError,
				fmt.Sprintf("Reaction %s failed authentication: %v", automation.ReactionName, cause))
		}
		d.deadLetter(ctx, task, exec, automation, cause, started)
	case apperrors.IsPermanent(cause):
		d.failExecution(ctx, task, exec, automation, cause.Error(), started)
	default:
		if exec.AttemptCount <= d.retryBudget(automation) {
			d.retryLater(ctx, task, exec, automation, cause)
		} else {
			d.deadLetter(ctx, task, exec, automation, cause, started)
		}
	}
}

// retryBudget returns the transient retry ceiling for one automation.
func (d *Dispatcher) retryBudget(automation domain.Automation) int {
	if automation.RetryMax > 0 {
		return automation.RetryMax
	}
	return d.retryMax
}

func (d *Dispatcher) succeed(ctx context.Context, task store.Task, exec domain.Execution, automation domain.Automation, result map[string]any, started time.Time) {
	if _, err := d.store.CompleteExecutionSuccess(ctx, exec.ID, result, d.now()); err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			d.logger.Error("Complete execution %s: %v", exec.ID, err)
			d.rescheduleTask(ctx, task, d.now().Add(redeliveryDelay))
			return
		}
		// The row moved under us (reclaim raced); the outcome on record wins.
	}
	d.ackTask(ctx, task)
	d.metrics.RecordExecutionFinish(ctx, automation.ReactionService, "success", d.now().Sub(started))
	d.journal.Publish(journal.Entry{
		Kind:         journal.KindSucceeded,
		AutomationID: automation.ID,
		ExecutionID:  exec.ID,
		Service:      automation.ReactionService,
		Reaction:     automation.ReactionName,
		Attempt:      exec.AttemptCount,
	})
	d.logger.Info("Execution %s succeeded on attempt %d", exec.ID, exec.AttemptCount)
}

// failExecution finishes an execution permanently without dead-lettering.
func (d *Dispatcher) failExecution(ctx context.Context, task store.Task, exec domain.Execution, automation domain.Automation, message string, started time.Time) {
	if _, err := d.store.CompleteExecutionFailed(ctx, exec.ID, message, d.now()); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		d.logger.Error("Fail execution %s: %v", exec.ID, err)
	}
	d.ackTask(ctx, task)
	d.metrics.RecordExecutionFinish(ctx, automation.ReactionService, "failed", d.now().Sub(started))
	d.journal.Publish(journal.Entry{
		Kind:         journal.KindFailed,
		AutomationID: exec.AutomationID,
		ExecutionID:  exec.ID,
		Service:      automation.ReactionService,
		Reaction:     automation.ReactionName,
		Attempt:      exec.AttemptCount,
		Message:      message,
	})
	d.logger.Warn("Execution %s failed permanently: %s", exec.ID, message)
}

// retryLater requeues the execution and reschedules its task with backoff.
func (d *Dispatcher) retryLater(ctx context.Context, task store.Task, exec domain.Execution, automation domain.Automation, cause error) {
	if _, err := d.store.RequeueExecution(ctx, exec.ID, cause.Error()); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			d.ackTask(ctx, task)
			return
		}
		d.logger.Error("Requeue execution %s: %v", exec.ID, err)
	}
	delay := apperrors.Backoff(exec.AttemptCount-1, d.retryCfg)
	d.rescheduleTask(ctx, task, d.now().Add(delay))
	d.metrics.RecordRetry(ctx, automation.ReactionService)
	d.journal.Publish(journal.Entry{
		Kind:         journal.KindRetry,
		AutomationID: exec.AutomationID,
		ExecutionID:  exec.ID,
		Service:      automation.ReactionService,
		Reaction:     automation.ReactionName,
		Attempt:      exec.AttemptCount,
		Message:      fmt.Sprintf("retry in %s: %v", delay.Round(time.Second), cause),
	})
	d.logger.Warn("Execution %s attempt %d failed, retrying in %s: %v",
		exec.ID, exec.AttemptCount, delay.Round(time.Second), cause)
}

// deadLetter parks the task and fails the execution with the DLQ
// annotation.
func (d *Dispatcher) deadLetter(ctx context.Context, task store.Task, exec domain.Execution, automation domain.Automation, cause error, started time.Time) {
	message := fmt.Sprintf("Moved to dead letter queue after %d failed attempts", exec.AttemptCount)
	if cause != nil {
		message = fmt.Sprintf("%s: %v", message, cause)
	}
	if _, err := d.store.CompleteExecutionFailed(ctx, exec.ID, message, d.now()); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		d.logger.Error("Fail execution %s: %v", exec.ID, err)
	}
	if err := d.store.MarkTaskDead(ctx, task.ID); err != nil {
		d.logger.Error("Mark task %s dead: %v", task.ID, err)
	}
	d.metrics.QueueDepthAdd(ctx, -1)
	d.metrics.RecordDeadLetter(ctx, automation.ReactionService)
	d.metrics.RecordExecutionFinish(ctx, automation.ReactionService, "failed", d.now().Sub(started))
	d.journal.Publish(journal.Entry{
		Kind:         journal.KindDeadLettered,
		AutomationID: exec.AutomationID,
		ExecutionID:  exec.ID,
		Service:      automation.ReactionService,
		Reaction:     automation.ReactionName,
		Attempt:      exec.AttemptCount,
		Message:      message,
	})
	d.logger.Error("Execution %s dead-lettered after %d attempts", exec.ID, exec.AttemptCount)
	d.alertHook(ctx, exec, automation)
}

func (d *Dispatcher) ackTask(ctx context.Context, task store.Task) {
	if err := d.store.CompleteTask(ctx, task.ID); err != nil {
		d.logger.Error("Complete task %s: %v", task.ID, err)
		return
	}
	d.metrics.QueueDepthAdd(ctx, -1)
}

func (d *Dispatcher) rescheduleTask(ctx context.Context, task store.Task, runAt time.Time) {
	if err := d.store.RescheduleTask(ctx, task.ID, runAt); err != nil {
		d.logger.Error("Reschedule task %s: %v", task.ID, err)
	}
}

func (d *Dispatcher) logAlert(_ context.Context, exec domain.Execution, automation domain.Automation) {
	d.logger.Error("DEAD LETTER: execution %s (automation %s, reaction %s) exhausted its attempts",
		exec.ID, exec.AutomationID, automation.ReactionName)
}

// reclaimLoop periodically returns abandoned work to the queue: claimed
// tasks whose worker stopped heartbeating and running executions whose
// worker died mid-flight.
func (d *Dispatcher) reclaimLoop(ctx context.Context) error {
	interval := d.reclaimAfter / 2
	if interval < 15*time.Second {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.reclaim(ctx)
		}
	}
}

func (d *Dispatcher) reclaim(ctx context.Context) {
	cutoff := d.now().Add(-d.reclaimAfter)

	n, err := d.store.RequeueStaleClaimed(ctx, cutoff)
	if err != nil && ctx.Err() == nil {
		d.logger.Error("Requeue stale claimed tasks: %v", err)
	}
	if n > 0 {
		d.logger.Warn("Requeued %d stale claimed tasks", n)
	}

	execs, err := d.store.ReclaimStaleRunning(ctx, cutoff)
	if err != nil && ctx.Err() == nil {
		d.logger.Error("Reclaim stale running executions: %v", err)
	}
	for _, exec := range execs {
		d.logger.Warn("Reclaimed running execution %s back to pending (attempt %d)", exec.ID, exec.AttemptCount)
	}
}
