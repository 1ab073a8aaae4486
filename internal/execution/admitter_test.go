package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"fuse/internal/domain"
	"fuse/internal/journal"
)

type fakeAdmitStore struct {
	seen      map[string]bool // automationID + "/" + eventID
	plain     []*domain.Execution
	withTask  []*domain.Execution
	taskRunAt []time.Time
	err       error
}

func newFakeAdmitStore() *fakeAdmitStore {
	return &fakeAdmitStore{seen: make(map[string]bool)}
}

func (f *fakeAdmitStore) key(exec *domain.Execution) string {
	return exec.AutomationID + "/" + exec.ExternalEventID
}

func (f *fakeAdmitStore) CreateExecution(ctx context.Context, exec *domain.Execution) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[f.key(exec)] {
		return false, nil
	}
	f.seen[f.key(exec)] = true
	exec.ID = "exec-" + exec.ExternalEventID
	f.plain = append(f.plain, exec)
	return true, nil
}

func (f *fakeAdmitStore) CreateExecutionWithTask(ctx context.Context, exec *domain.Execution, runAt time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.seen[f.key(exec)] {
		return false, nil
	}
	f.seen[f.key(exec)] = true
	exec.ID = "exec-" + exec.ExternalEventID
	f.withTask = append(f.withTask, exec)
	f.taskRunAt = append(f.taskRunAt, runAt)
	return true, nil
}

func activeAutomation() domain.Automation {
	return domain.Automation{
		ID:              "auto-1",
		OwnerID:         "owner-1",
		Status:          domain.AutomationStatusActive,
		ActionKind:      domain.ActionKindTimer,
		ReactionService: "slack",
		ReactionName:    "slack_post_message",
	}
}

func TestAdmitCreatesPendingExecutionWithTask(t *testing.T) {
	store := newFakeAdmitStore()
	jrnl := journal.New(8)
	admitter := NewAdmitter(store, jrnl, nil, nil)

	event := domain.TriggerEvent{
		ExternalEventID: "timer_auto-1_202501020304",
		Data:            map[string]any{"fired_at": "2025-01-02T03:04:00Z"},
	}
	exec, created, err := admitter.Admit(context.Background(), activeAutomation(), event)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !created || exec == nil {
		t.Fatalf("Admit = (%v, %v), want created execution", exec, created)
	}
	if exec.Status != domain.ExecutionStatusPending {
		t.Fatalf("status = %s", exec.Status)
	}
	if len(store.withTask) != 1 || len(store.plain) != 0 {
		t.Fatalf("store calls: withTask=%d plain=%d", len(store.withTask), len(store.plain))
	}

	entries := jrnl.Recent(0)
	if len(entries) != 1 || entries[0].Kind != journal.KindAdmitted {
		t.Fatalf("journal = %v", entries)
	}
	if entries[0].Reaction != "slack_post_message" {
		t.Fatalf("journal reaction = %q", entries[0].Reaction)
	}
}

func TestAdmitDuplicateReturnsNotCreated(t *testing.T) {
	store := newFakeAdmitStore()
	jrnl := journal.New(8)
	admitter := NewAdmitter(store, jrnl, nil, nil)
	event := domain.TriggerEvent{ExternalEventID: "github_issue_42"}

	if _, created, err := admitter.Admit(context.Background(), activeAutomation(), event); err != nil || !created {
		t.Fatalf("first Admit = (created=%v, err=%v)", created, err)
	}
	exec, created, err := admitter.Admit(context.Background(), activeAutomation(), event)
	if err != nil {
		t.Fatalf("second Admit: %v", err)
	}
	if created || exec != nil {
		t.Fatalf("duplicate Admit = (%v, %v), want (nil, false)", exec, created)
	}
	if len(store.withTask) != 1 {
		t.Fatalf("duplicate inserted a second row: %d", len(store.withTask))
	}

	entries := jrnl.Recent(0)
	if len(entries) != 2 || entries[1].Kind != journal.KindDuplicate {
		t.Fatalf("journal = %v", entries)
	}
}

func TestAdmitPausedAutomationWritesSkippedRow(t *testing.T) {
	store := newFakeAdmitStore()
	admitter := NewAdmitter(store, nil, nil, nil)

	automation := activeAutomation()
	automation.Status = domain.AutomationStatusPaused

	exec, created, err := admitter.Admit(context.Background(), automation, domain.TriggerEvent{ExternalEventID: "rss_item_9"})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !created || exec == nil {
		t.Fatal("skipped row must still be created")
	}
	if exec.Status != domain.ExecutionStatusSkipped {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.ErrorMessage != "automation is paused" {
		t.Fatalf("error message = %q", exec.ErrorMessage)
	}
	if exec.CompletedAt == nil {
		t.Fatal("skipped row must be terminal")
	}
	if len(store.withTask) != 0 {
		t.Fatal("skipped rows must not enqueue a dispatch task")
	}
}

func TestAdmitSkippedRowDeduplicatesReplays(t *testing.T) {
	store := newFakeAdmitStore()
	admitter := NewAdmitter(store, nil, nil, nil)

	automation := activeAutomation()
	automation.Status = domain.AutomationStatusDisabled
	event := domain.TriggerEvent{ExternalEventID: "github_issue_7"}

	if _, created, _ := admitter.Admit(context.Background(), automation, event); !created {
		t.Fatal("first skipped admit must create the row")
	}
	_, created, err := admitter.Admit(context.Background(), automation, event)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if created {
		t.Fatal("replay of a skipped event created a second row")
	}
}

func TestAdmitRejectsEmptyEventID(t *testing.T) {
	admitter := NewAdmitter(newFakeAdmitStore(), nil, nil, nil)
	_, _, err := admitter.Admit(context.Background(), activeAutomation(), domain.TriggerEvent{})
	if err == nil {
		t.Fatal("expected an error for an empty event id")
	}
}

func TestAdmitPropagatesStoreErrors(t *testing.T) {
	store := newFakeAdmitStore()
	store.err = errors.New("connection refused")
	admitter := NewAdmitter(store, nil, nil, nil)

	_, created, err := admitter.Admit(context.Background(), activeAutomation(), domain.TriggerEvent{ExternalEventID: "x"})
	if err == nil || created {
		t.Fatalf("Admit = (created=%v, err=%v), want store error", created, err)
	}
}
