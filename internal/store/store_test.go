package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"fuse/internal/domain"
	"fuse/internal/logging"
	"fuse/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, cleanup := testutil.NewPostgresTestPool(t)
	t.Cleanup(cleanup)

	s := New(pool, logging.Nop())
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return s
}

func seedAutomation(t *testing.T, s *Store, owner string) domain.Automation {
	t.Helper()
	ctx := context.Background()
	if err := s.UpsertService(ctx, domain.Service{Name: "github", AuthMode: domain.AuthModeOAuth2}); err != nil {
		t.Fatalf("UpsertService: %v", err)
	}
	a := domain.Automation{
		OwnerID:         owner,
		Name:            "issues to mail",
		ActionService:   "github",
		ActionName:      "github_new_issue",
		ActionKind:      domain.ActionKindPoll,
		ActionConfig:    map[string]any{"repository": "o/r"},
		ReactionService: "mail",
		ReactionName:    "send_email",
		ReactionConfig:  map[string]any{"recipient": "u@example.com"},
	}
	if err := s.CreateAutomation(ctx, &a); err != nil {
		t.Fatalf("CreateAutomation: %v", err)
	}
	return a
}

func TestExecutionIdempotentInsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, s, "owner-1")

	exec := domain.Execution{
		AutomationID:    a.ID,
		ExternalEventID: "github_1001",
		TriggerData:     map[string]any{"issue": float64(1001)},
	}
	created, err := s.CreateExecutionWithTask(ctx, &exec, time.Now())
	if err != nil {
		t.Fatalf("CreateExecutionWithTask: %v", err)
	}
	if !created {
		t.Fatal("first insert not created")
	}

	dup := domain.Execution{AutomationID: a.ID, ExternalEventID: "github_1001"}
	created, err = s.CreateExecutionWithTask(ctx, &dup, time.Now())
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if created {
		t.Fatal("duplicate insert reported created")
	}

	// The losing insert must leave no task behind.
	depth, err := s.CountQueuedTasks(ctx)
	if err != nil {
		t.Fatalf("CountQueuedTasks: %v", err)
	}
	if depth != 1 {
		t.Errorf("queue depth = %d, want 1", depth)
	}

	got, err := s.GetExecutionByEvent(ctx, a.ID, "github_1001")
	if err != nil {
		t.Fatalf("GetExecutionByEvent: %v", err)
	}
	if got.ID != exec.ID {
		t.Errorf("surviving row id = %s, want %s", got.ID, exec.ID)
	}
	if got.TriggerData["issue"] != float64(1001) {
		t.Errorf("trigger data = %v", got.TriggerData)
	}
}

func TestExecutionStatusGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, s, "owner-2")

	exec := domain.Execution{AutomationID: a.ID, ExternalEventID: "github_2001"}
	if _, err := s.CreateExecutionWithTask(ctx, &exec, time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, ok, err := s.ClaimExecutionRunning(ctx, exec.ID, time.Now())
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.Status != domain.ExecutionStatusRunning || claimed.AttemptCount != 1 {
		t.Errorf("claimed = %s attempts=%d", claimed.Status, claimed.AttemptCount)
	}

	// A second claim must lose: the row is no longer pending.
	if _, ok, err := s.ClaimExecutionRunning(ctx, exec.ID, time.Now()); err != nil || ok {
		t.Fatalf("double claim: ok=%v err=%v", ok, err)
	}

	done, err := s.CompleteExecutionSuccess(ctx, exec.ID, map[string]any{"sent": true}, time.Now())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.ExecutionStatusSuccess || done.CompletedAt == nil {
		t.Errorf("done = %+v", done)
	}

	// Terminal rows never transition again.
	if _, err := s.CompleteExecutionFailed(ctx, exec.ID, "late failure", time.Now()); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("failed-after-success err = %v", err)
	}
	if _, err := s.RequeueExecution(ctx, exec.ID, "x"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("requeue-after-success err = %v", err)
	}
}

func TestExecutionRetryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, s, "owner-3")

	exec := domain.Execution{AutomationID: a.ID, ExternalEventID: "github_3001"}
	if _, err := s.CreateExecutionWithTask(ctx, &exec, time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		got, ok, err := s.ClaimExecutionRunning(ctx, exec.ID, time.Now())
		if err != nil || !ok {
			t.Fatalf("claim attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		if got.AttemptCount != attempt {
			t.Errorf("attempt_count = %d, want %d", got.AttemptCount, attempt)
		}
		if attempt < 3 {
			if _, err := s.RequeueExecution(ctx, exec.ID, "upstream 503"); err != nil {
				t.Fatalf("requeue: %v", err)
			}
		}
	}

	if _, err := s.CompleteExecutionFailed(ctx, exec.ID, "Moved to dead letter queue after 3 failed attempts", time.Now()); err != nil {
		t.Fatalf("final fail: %v", err)
	}
}

func TestQueueClaimAndRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, s, "owner-4")

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		exec := domain.Execution{AutomationID: a.ID, ExternalEventID: domain.PollEventID("github", string(rune('a'+i)))}
		if _, err := s.CreateExecutionWithTask(ctx, &exec, time.Now().Add(-time.Second)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		ids[exec.ID] = true
	}
	// A task scheduled in the future must not be claimable yet.
	future := domain.Execution{AutomationID: a.ID, ExternalEventID: "github_future"}
	if _, err := s.CreateExecutionWithTask(ctx, &future, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("create future: %v", err)
	}

	first, err := s.ClaimDueTasks(ctx, "worker-1", 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("claimed %d, want 2", len(first))
	}
	second, err := s.ClaimDueTasks(ctx, "worker-2", 10)
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("claimed %d, want the 1 remaining due task", len(second))
	}
	for _, task := range append(first, second...) {
		if task.Status != TaskClaimed || task.LockedAt == nil {
			t.Errorf("task %s not claimed properly: %+v", task.ID, task)
		}
		if !ids[task.ExecutionID] {
			t.Errorf("claimed unexpected execution %s", task.ExecutionID)
		}
	}

	// Stale claims release after the cutoff.
	n, err := s.RequeueStaleClaimed(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if n != 3 {
		t.Errorf("requeued %d, want 3", n)
	}

	// Rescheduling pushes a task beyond the due horizon.
	if err := s.RescheduleTask(ctx, first[0].ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	due, err := s.ClaimDueTasks(ctx, "worker-3", 10)
	if err != nil {
		t.Fatalf("claim 3: %v", err)
	}
	if len(due) != 2 {
		t.Errorf("claimed %d after reschedule, want 2", len(due))
	}
}

func TestTokenCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	token := &domain.ServiceToken{
		OwnerID:      "owner-5",
		Service:      "github",
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    &expires,
		Scopes:       []string{"repo"},
	}
	if err := s.UpsertToken(ctx, token); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	newExpires := expires.Add(time.Hour)
	swapped, err := s.UpdateTokenCAS(ctx, "owner-5", "github", "new-access", "new-refresh", &newExpires, &expires)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if !swapped {
		t.Fatal("first cas lost")
	}

	// A second writer holding the stale expiry must lose.
	swapped, err = s.UpdateTokenCAS(ctx, "owner-5", "github", "rogue", "rogue", &newExpires, &expires)
	if err != nil {
		t.Fatalf("cas 2: %v", err)
	}
	if swapped {
		t.Fatal("stale cas won")
	}

	got, err := s.GetToken(ctx, "owner-5", "github")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != "new-access" {
		t.Errorf("access token = %s", got.AccessToken)
	}

	if _, err := s.GetToken(ctx, "owner-5", "notion"); !errors.Is(err, domain.ErrNoToken) {
		t.Errorf("missing token err = %v", err)
	}
}

func TestNotificationDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n1 := &domain.OAuthNotification{
		OwnerID: "owner-6", Service: "notion",
		Type: domain.NotificationRefreshFailed, Message: "first failure",
	}
	created, err := s.ReportNotification(ctx, n1)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !created {
		t.Fatal("first report not created")
	}

	n2 := &domain.OAuthNotification{
		OwnerID: "owner-6", Service: "notion",
		Type: domain.NotificationRefreshFailed, Message: "second failure",
	}
	created, err = s.ReportNotification(ctx, n2)
	if err != nil {
		t.Fatalf("report 2: %v", err)
	}
	if created {
		t.Fatal("repeat report created a second row")
	}
	if n2.ID != n1.ID {
		t.Errorf("repeat landed on row %s, want %s", n2.ID, n1.ID)
	}

	open, err := s.ListUnresolvedNotifications(ctx, "owner-6")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 || open[0].Message != "second failure" {
		t.Errorf("open = %+v", open)
	}

	resolved, err := s.ResolveNotifications(ctx, "owner-6", "notion")
	if err != nil || resolved != 1 {
		t.Fatalf("resolve: n=%d err=%v", resolved, err)
	}

	// After resolution the same problem may notify again.
	n3 := &domain.OAuthNotification{
		OwnerID: "owner-6", Service: "notion",
		Type: domain.NotificationRefreshFailed, Message: "back again",
	}
	created, err = s.ReportNotification(ctx, n3)
	if err != nil {
		t.Fatalf("report 3: %v", err)
	}
	if !created {
		t.Error("post-resolution report did not create a new row")
	}
}

func TestRetentionDeletesOnlyTerminalRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, s, "owner-7")

	mk := func(eventID string, claim, complete bool, fail bool) domain.Execution {
		exec := domain.Execution{AutomationID: a.ID, ExternalEventID: eventID}
		if _, err := s.CreateExecutionWithTask(ctx, &exec, time.Now()); err != nil {
			t.Fatalf("create %s: %v", eventID, err)
		}
		if claim {
			if _, _, err := s.ClaimExecutionRunning(ctx, exec.ID, time.Now()); err != nil {
				t.Fatalf("claim %s: %v", eventID, err)
			}
		}
		if complete {
			var err error
			if fail {
				_, err = s.CompleteExecutionFailed(ctx, exec.ID, "boom", time.Now())
			} else {
				_, err = s.CompleteExecutionSuccess(ctx, exec.ID, nil, time.Now())
			}
			if err != nil {
				t.Fatalf("complete %s: %v", eventID, err)
			}
		}
		return exec
	}

	oldSuccess := mk("github_old_ok", true, true, false)
	mk("github_new_ok", true, true, false)
	oldFailed := mk("github_old_bad", true, true, true)
	stillRunning := mk("github_running", true, false, false)

	// Age the old rows directly.
	aged := time.Now().Add(-40 * 24 * time.Hour).UTC()
	for _, id := range []string{oldSuccess.ID, oldFailed.ID} {
		if _, err := s.pool.Exec(ctx, `UPDATE executions SET created_at = $2 WHERE id = $1`, id, aged); err != nil {
			t.Fatalf("age row: %v", err)
		}
	}

	n, err := s.DeleteExecutionsBefore(ctx, domain.ExecutionStatusSuccess, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("delete success: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d success rows, want 1", n)
	}

	// The 90-day failed window keeps a 40-day-old failure.
	n, err = s.DeleteExecutionsBefore(ctx, domain.ExecutionStatusFailed, time.Now().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if n != 0 {
		t.Errorf("deleted %d failed rows, want 0", n)
	}

	if _, err := s.DeleteExecutionsBefore(ctx, domain.ExecutionStatusRunning, time.Now()); err == nil {
		t.Error("retention accepted running status")
	}
	if _, err := s.GetExecution(ctx, stillRunning.ID); err != nil {
		t.Errorf("running row disappeared: %v", err)
	}
}

func TestReclaimStaleRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, s, "owner-8")

	exec := domain.Execution{AutomationID: a.ID, ExternalEventID: "github_stale"}
	if _, err := s.CreateExecutionWithTask(ctx, &exec, time.Now()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := s.ClaimExecutionRunning(ctx, exec.ID, time.Now().Add(-10*time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	reclaimed, err := s.ReclaimStaleRunning(ctx, time.Now().Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != exec.ID {
		t.Fatalf("reclaimed = %+v", reclaimed)
	}
	got, err := s.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.ExecutionStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	// Attempt accounting survives the reclaim.
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
}

func TestAutomationChangeHooks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var events []string
	s.OnAutomationChange(func(a domain.Automation, change AutomationChange) {
		events = append(events, string(change)+":"+a.ID)
	})

	a := seedAutomation(t, s, "owner-9")
	if _, err := s.UpdateAutomationStatus(ctx, a.ID, domain.AutomationStatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := s.DeleteAutomation(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	want := []string{"created:" + a.ID, "updated:" + a.ID, "deleted:" + a.ID}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

func TestActionStateCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedAutomation(t, s, "owner-10")

	state, err := s.GetOrCreateActionState(ctx, a.ID)
	if err != nil {
		t.Fatalf("get-or-create: %v", err)
	}
	if state.Cursor != "" {
		t.Errorf("fresh cursor = %q", state.Cursor)
	}

	polled := time.Now().UTC().Truncate(time.Microsecond)
	if err := s.UpdateActionCursor(ctx, a.ID, "2026-08-25T00:00:00Z", polled); err != nil {
		t.Fatalf("update: %v", err)
	}
	state, err = s.GetOrCreateActionState(ctx, a.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if state.Cursor != "2026-08-25T00:00:00Z" {
		t.Errorf("cursor = %q", state.Cursor)
	}
	if !state.LastPolledAt.Equal(polled) {
		t.Errorf("last polled = %v, want %v", state.LastPolledAt, polled)
	}
}

func TestSubscriptionSmartSkipLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sub := &domain.WebhookSubscription{
		OwnerID: "owner-11", Service: "github", ActionName: "github_new_issue",
		ExternalID: "hook-1", CallbackURL: "https://fuse.example.com/webhooks/github",
	}
	if err := s.CreateSubscription(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	has, err := s.HasActiveSubscription(ctx, "owner-11", "github", "github_new_issue")
	if err != nil || !has {
		t.Fatalf("has = %v err = %v", has, err)
	}
	has, err = s.HasActiveSubscription(ctx, "owner-11", "github", "github_push")
	if err != nil || has {
		t.Fatalf("uncovered action has = %v err = %v", has, err)
	}

	if err := s.RecordSubscriptionDelivery(ctx, "owner-11", "github", "github_new_issue", time.Now()); err != nil {
		t.Fatalf("record delivery: %v", err)
	}
	got, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.EventCount != 1 || got.LastEventAt == nil {
		t.Errorf("counters = %+v", got)
	}

	if err := s.UpdateSubscriptionStatus(ctx, sub.ID, domain.SubscriptionStatusRevoked); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	has, err = s.HasActiveSubscription(ctx, "owner-11", "github", "github_new_issue")
	if err != nil || has {
		t.Fatalf("revoked sub still covers: has=%v err=%v", has, err)
	}
}
