package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fuse/internal/domain"
	"fuse/internal/logging"
)

type fakeTimerStore struct {
	automations []domain.Automation
	err         error
}

func (f *fakeTimerStore) ListActiveByKind(_ context.Context, kind domain.ActionKind) ([]domain.Automation, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Automation
	for _, a := range f.automations {
		if a.ActionKind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}

type admittedEvent struct {
	automationID string
	eventID      string
	data         map[string]any
}

type fakeAdmitter struct {
	mu        sync.Mutex
	admits    []admittedEvent
	duplicate bool
	err       error
}

func (f *fakeAdmitter) Admit(_ context.Context, automation domain.Automation, event domain.TriggerEvent) (*domain.Execution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	f.admits = append(f.admits, admittedEvent{
		automationID: automation.ID,
		eventID:      event.ExternalEventID,
		data:         event.Data,
	})
	if f.duplicate {
		return nil, false, nil
	}
	return &domain.Execution{ID: "exec-" + event.ExternalEventID, AutomationID: automation.ID}, true, nil
}

func (f *fakeAdmitter) all() []admittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]admittedEvent(nil), f.admits...)
}

func timerAutomation(id, action string, config map[string]any) domain.Automation {
	return domain.Automation{
		ID:           id,
		OwnerID:      "owner-1",
		Name:         "automation " + id,
		Status:       domain.AutomationStatusActive,
		ActionName:   action,
		ActionKind:   domain.ActionKindTimer,
		ActionConfig: config,
	}
}

func newTestScheduler(store TimerStore, admitter Admitter) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Store:    store,
		Admitter: admitter,
		Logger:   logging.Nop(),
	})
}

func TestTickFiresMatchingDailyTimer(t *testing.T) {
	store := &fakeTimerStore{automations: []domain.Automation{
		// JSONB round-trips hand numbers back as float64.
		timerAutomation("auto-1", "timer_daily", map[string]any{"hour": float64(9), "minute": float64(30)}),
		timerAutomation("auto-2", "timer_daily", map[string]any{"hour": float64(9), "minute": float64(31)}),
	}}
	admitter := &fakeAdmitter{}
	s := newTestScheduler(store, admitter)

	tick := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	s.runTick(context.Background(), tick)

	admits := admitter.all()
	if len(admits) != 1 {
		t.Fatalf("admits = %d, want 1", len(admits))
	}
	if admits[0].automationID != "auto-1" {
		t.Fatalf("fired automation = %s", admits[0].automationID)
	}
	if admits[0].eventID != "timer_auto-1_202608250930" {
		t.Fatalf("event id = %q", admits[0].eventID)
	}
	if admits[0].data["fired_at"] != "2026-08-25T09:30:00Z" {
		t.Fatalf("fired_at = %v", admits[0].data["fired_at"])
	}
}

func TestTickWeeklyCountsDaysFromMonday(t *testing.T) {
	// 2024-01-01 was a Monday, 2024-01-07 a Sunday.
	monday := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	sunday := time.Date(2024, 1, 7, 7, 0, 0, 0, time.UTC)

	store := &fakeTimerStore{automations: []domain.Automation{
		timerAutomation("on-monday", "timer_weekly", map[string]any{"day_of_week": float64(0), "hour": float64(7), "minute": float64(0)}),
		timerAutomation("on-sunday", "timer_weekly", map[string]any{"day_of_week": float64(6), "hour": float64(7), "minute": float64(0)}),
	}}
	admitter := &fakeAdmitter{}
	s := newTestScheduler(store, admitter)

	s.runTick(context.Background(), monday)
	s.runTick(context.Background(), sunday)

	admits := admitter.all()
	if len(admits) != 2 {
		t.Fatalf("admits = %d, want 2", len(admits))
	}
	if admits[0].automationID != "on-monday" || admits[1].automationID != "on-sunday" {
		t.Fatalf("fired order = %s, %s", admits[0].automationID, admits[1].automationID)
	}
}

func TestTickSkipsUnusableTimerConfigs(t *testing.T) {
	store := &fakeTimerStore{automations: []domain.Automation{
		timerAutomation("bad-hour", "timer_daily", map[string]any{"hour": float64(24), "minute": float64(0)}),
		timerAutomation("no-minute", "timer_daily", map[string]any{"hour": float64(9)}),
		timerAutomation("bad-dow", "timer_weekly", map[string]any{"day_of_week": float64(7), "hour": float64(9), "minute": float64(0)}),
		timerAutomation("odd-action", "timer_monthly", map[string]any{"hour": float64(9), "minute": float64(0)}),
		timerAutomation("fractional", "timer_daily", map[string]any{"hour": 9.5, "minute": float64(0)}),
		timerAutomation("good", "timer_daily", map[string]any{"hour": float64(9), "minute": float64(0)}),
	}}
	admitter := &fakeAdmitter{}
	s := newTestScheduler(store, admitter)

	s.runTick(context.Background(), time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))

	admits := admitter.all()
	if len(admits) != 1 {
		t.Fatalf("admits = %d, want only the well-formed automation", len(admits))
	}
	if admits[0].automationID != "good" {
		t.Fatalf("fired automation = %s", admits[0].automationID)
	}
}

func TestTickEventIDIsStableAcrossRuns(t *testing.T) {
	store := &fakeTimerStore{automations: []domain.Automation{
		timerAutomation("auto-1", "timer_daily", map[string]any{"hour": float64(12), "minute": float64(5)}),
	}}
	admitter := &fakeAdmitter{duplicate: true}
	s := newTestScheduler(store, admitter)

	tick := time.Date(2026, 2, 3, 12, 5, 0, 0, time.UTC)
	s.runTick(context.Background(), tick)
	s.runTick(context.Background(), tick)

	admits := admitter.all()
	if len(admits) != 2 {
		t.Fatalf("admits = %d, want 2", len(admits))
	}
	if admits[0].eventID != admits[1].eventID {
		t.Fatalf("event ids differ: %q vs %q", admits[0].eventID, admits[1].eventID)
	}
}

func TestTickSurvivesStoreFailure(t *testing.T) {
	store := &fakeTimerStore{err: errors.New("db down")}
	s := newTestScheduler(store, &fakeAdmitter{})

	s.runTick(context.Background(), time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC))
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	s := newTestScheduler(&fakeTimerStore{}, &fakeAdmitter{})

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancel")
	}
	s.Stop() // safe to call again
}
