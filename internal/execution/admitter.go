// Package execution admits trigger events into the execution journal.
// The admitter is the single entry point shared by the scheduler, the
// pollers, and the webhook receiver; the database uniqueness constraint
// on (automation_id, external_event_id) is what makes admission at most
// once, so every trigger path funnels through here with a deterministic
// event id.
package execution

import (
	"context"
	"fmt"
	"time"

	"fuse/internal/domain"
	"fuse/internal/journal"
	"fuse/internal/logging"
	"fuse/internal/observability"
)

// AdmitStore is the slice of the store the admitter writes through.
type AdmitStore interface {
	CreateExecution(ctx context.Context, exec *domain.Execution) (bool, error)
	CreateExecutionWithTask(ctx context.Context, exec *domain.Execution, runAt time.Time) (bool, error)
}

// Admitter turns observed trigger events into pending executions.
type Admitter struct {
	store   AdmitStore
	journal *journal.Journal
	metrics *observability.MetricsCollector
	logger  logging.Logger
	now     func() time.Time
}

func NewAdmitter(store AdmitStore, jrnl *journal.Journal, metrics *observability.MetricsCollector, logger logging.Logger) *Admitter {
	if metrics == nil {
		metrics = &observability.MetricsCollector{}
	}
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Admitter")
	}
	return &Admitter{
		store:   store,
		journal: jrnl,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Admit records one trigger event against one automation. created reports
// whether a new execution row was inserted; a duplicate event returns
// (nil, false, nil) and leaves the earlier execution untouched. Inactive
// automations get a terminal skipped row so replays of the same event stay
// deduplicated even across a pause.
func (a *Admitter) Admit(ctx context.Context, automation domain.Automation, event domain.TriggerEvent) (*domain.Execution, bool, error) {
	if event.ExternalEventID == "" {
		return nil, false, fmt.Errorf("admit: event id is required")
	}
	source := string(automation.ActionKind)

	if !automation.IsActive() {
		return a.admitSkipped(ctx, automation, event, source)
	}

	now := a.now().UTC()
	exec := &domain.Execution{
		AutomationID:    automation.ID,
		ExternalEventID: event.ExternalEventID,
		Status:          domain.ExecutionStatusPending,
		TriggerData:     event.Data,
		CreatedAt:       now,
	}
	created, err := a.store.CreateExecutionWithTask(ctx, exec, now)
	if err != nil {
		a.metrics.RecordTriggerEvent(ctx, source, "error")
		return nil, false, fmt.Errorf("admit event %s: %w", event.ExternalEventID, err)
	}
	if !created {
		a.recordDuplicate(ctx, automation, event, source)
		return nil, false, nil
	}

	a.metrics.RecordTriggerEvent(ctx, source, "admitted")
	a.metrics.QueueDepthAdd(ctx, 1)
	a.journal.Publish(journal.Entry{
		Kind:         journal.KindAdmitted,
		Source:       source,
		AutomationID: automation.ID,
		ExecutionID:  exec.ID,
		Service:      automation.ReactionService,
		Reaction:     automation.ReactionName,
	})
	a.logger.Info("Admitted event %s for automation %s (execution %s)",
		event.ExternalEventID, automation.ID, exec.ID)
	return exec, true, nil
}

// admitSkipped writes the terminal skipped row for a non-active automation.
// No dispatch task is enqueued.
func (a *Admitter) admitSkipped(ctx context.Context, automation domain.Automation, event domain.TriggerEvent, source string) (*domain.Execution, bool, error) {
	now := a.now().UTC()
	reason := fmt.Sprintf("automation is %s", automation.Status)
	exec := &domain.Execution{
		AutomationID:    automation.ID,
		ExternalEventID: event.ExternalEventID,
		Status:          domain.ExecutionStatusSkipped,
		TriggerData:     event.Data,
		ErrorMessage:    reason,
		CreatedAt:       now,
		CompletedAt:     &now,
	}
	created, err := a.store.CreateExecution(ctx, exec)
	if err != nil {
		a.metrics.RecordTriggerEvent(ctx, source, "error")
		return nil, false, fmt.Errorf("admit skipped event %s: %w", event.ExternalEventID, err)
	}
	if !created {
		a.recordDuplicate(ctx, automation, event, source)
		return nil, false, nil
	}

	a.metrics.RecordTriggerEvent(ctx, source, "skipped")
	a.journal.Publish(journal.Entry{
		Kind:         journal.KindSkipped,
		Source:       source,
		AutomationID: automation.ID,
		ExecutionID:  exec.ID,
		Message:      reason,
	})
	a.logger.Debug("Skipped event %s: %s", event.ExternalEventID, reason)
	return exec, true, nil
}

func (a *Admitter) recordDuplicate(ctx context.Context, automation domain.Automation, event domain.TriggerEvent, source string) {
	a.metrics.RecordTriggerEvent(ctx, source, "duplicate")
	a.journal.Publish(journal.Entry{
		Kind:         journal.KindDuplicate,
		Source:       source,
		AutomationID: automation.ID,
		Message:      fmt.Sprintf("event %s already admitted", event.ExternalEventID),
	})
	a.logger.Debug("Duplicate event %s for automation %s", event.ExternalEventID, automation.ID)
}
