package webhook

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"fuse/internal/catalog"
	"fuse/internal/domain"
	"fuse/internal/logging"
)

var hookTestNow = time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

const receiverCatalogYAML = `
services:
  - name: github
    display_name: GitHub
    auth_mode: oauth2
    webhook_signature: github
    actions:
      - name: github_push
        kind: webhook
        webhook_event: push
        config_schema:
          type: object
          required: [repository]
          properties:
            repository:
              type: string
      - name: github_new_issue
        kind: poll
        webhook_event: issues
        config_schema:
          type: object
          required: [repository]
          properties:
            repository:
              type: string
  - name: twitch
    display_name: Twitch
    auth_mode: oauth2
    webhook_signature: twitch
    actions:
      - name: twitch_stream_online
        kind: webhook
        webhook_event: stream.online
        config_schema:
          type: object
          required: [broadcaster_user_id]
          properties:
            broadcaster_user_id:
              type: string
  - name: webhook
    display_name: Generic Webhook
    auth_mode: static
    webhook_signature: generic
    actions:
      - name: webhook_received
        kind: webhook
        webhook_event: event
  - name: rss
    display_name: RSS
    actions:
      - name: rss_new_item
        kind: poll
        config_schema:
          type: object
          required: [feed_url]
          properties:
            feed_url:
              type: string
`

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Parse([]byte(receiverCatalogYAML))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	return cat
}

type recordedDelivery struct {
	ownerID    string
	actionName string
}

type fakeReceiverStore struct {
	mu          sync.Mutex
	automations map[string][]domain.Automation
	listErr     error
	listCalls   int
	deliveries  []recordedDelivery
}

func (s *fakeReceiverStore) ListActiveByAction(_ context.Context, service, actionName string) ([]domain.Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.automations[service+"|"+actionName], nil
}

func (s *fakeReceiverStore) RecordSubscriptionDelivery(_ context.Context, ownerID, _, actionName string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, recordedDelivery{ownerID: ownerID, actionName: actionName})
	return nil
}

func (s *fakeReceiverStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *fakeReceiverStore) recorded() []recordedDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedDelivery(nil), s.deliveries...)
}

type admittedEvent struct {
	automationID string
	eventID      string
	data         map[string]any
}

type fakeAdmitter struct {
	mu        sync.Mutex
	admitted  []admittedEvent
	duplicate bool
	err       error
}

func (f *fakeAdmitter) Admit(_ context.Context, automation domain.Automation, event domain.TriggerEvent) (*domain.Execution, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, false, f.err
	}
	f.admitted = append(f.admitted, admittedEvent{
		automationID: automation.ID,
		eventID:      event.ExternalEventID,
		data:         event.Data,
	})
	if f.duplicate {
		return nil, false, nil
	}
	return &domain.Execution{ID: "exec-" + automation.ID}, true, nil
}

func (f *fakeAdmitter) all() []admittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]admittedEvent(nil), f.admitted...)
}

type fakeSecrets map[string]string

func (f fakeSecrets) SecretFor(service string) string { return f[service] }

func webhookAutomation(id, owner, service, action string, config map[string]any) domain.Automation {
	return domain.Automation{
		ID:            id,
		OwnerID:       owner,
		Name:          "wired " + action,
		Status:        domain.AutomationStatusActive,
		ActionService: service,
		ActionName:    action,
		ActionKind:    domain.ActionKindWebhook,
		ActionConfig:  config,
	}
}

func newTestReceiver(t *testing.T, store *fakeReceiverStore, admitter *fakeAdmitter, secrets fakeSecrets) *Receiver {
	t.Helper()
	r := NewReceiver(ReceiverConfig{
		Catalog:  testCatalog(t),
		Store:    store,
		Admitter: admitter,
		Secrets:  secrets,
		Logger:   logging.Nop(),
	})
	r.now = func() time.Time { return hookTestNow }
	return r
}

func githubDelivery(secret, event string, body []byte) Delivery {
	header := http.Header{}
	header.Set("X-GitHub-Event", event)
	header.Set("X-Hub-Signature-256", "sha256="+hmacHex(secret, string(body)))
	return Delivery{Service: "github", Header: header, Body: body, ReceivedAt: hookTestNow}
}

func TestReceiveCreatesExecutionsPerMatchedAutomation(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"github|github_push": {
			webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
			webhookAutomation("auto-2", "owner-2", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
		},
	}}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"github": "gh-secret"})

	body := []byte(`{"delivery":"abc","repository":{"full_name":"acme/fuse"},"commits":[{"id":"sha1"}]}`)
	summary, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", body))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if summary.Status != "accepted" || summary.EventID != "abc" {
		t.Fatalf("summary = %+v, want accepted with event id abc", summary)
	}
	if summary.MatchedAutomations != 2 || summary.ExecutionsCreated != 2 || summary.ExecutionsSkipped != 0 {
		t.Fatalf("summary counts = %+v, want 2 matched, 2 created", summary)
	}

	admitted := admitter.all()
	if len(admitted) != 2 {
		t.Fatalf("admitted %d events, want 2", len(admitted))
	}
	if admitted[0].eventID != "abc_automation_auto-1" || admitted[1].eventID != "abc_automation_auto-2" {
		t.Fatalf("event keys = %q, %q", admitted[0].eventID, admitted[1].eventID)
	}
	if admitted[0].data["event_type"] != "push" {
		t.Fatalf("event_type = %v, want push", admitted[0].data["event_type"])
	}
	payload, ok := admitted[0].data["payload"].(map[string]any)
	if !ok {
		t.Fatalf("payload missing from trigger data: %v", admitted[0].data)
	}
	if payload["delivery"] != "abc" {
		t.Fatalf("payload delivery = %v, want abc", payload["delivery"])
	}
	if got := store.recorded(); len(got) != 2 {
		t.Fatalf("recorded %d deliveries, want one per owner", len(got))
	}
}

func TestReceiveDuplicateDeliveryCountsSkipped(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"github|github_push": {
			webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
		},
	}}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"github": "gh-secret"})

	body := []byte(`{"delivery":"abc","repository":{"full_name":"acme/fuse"},"commits":[{"id":"sha1"}]}`)
	first, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", body))
	if err != nil {
		t.Fatalf("first Receive: %v", err)
	}
	if first.ExecutionsCreated != 1 || first.ExecutionsSkipped != 0 {
		t.Fatalf("first summary = %+v, want 1 created", first)
	}

	admitter.duplicate = true
	second, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", body))
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if second.ExecutionsCreated != 0 || second.ExecutionsSkipped != 1 {
		t.Fatalf("second summary = %+v, want 1 skipped", second)
	}

	admitted := admitter.all()
	if len(admitted) != 2 || admitted[0].eventID != admitted[1].eventID {
		t.Fatalf("replay produced a different event key: %+v", admitted)
	}
}

func TestReceiveRejectsBadSignature(t *testing.T) {
	store := &fakeReceiverStore{}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"github": "gh-secret"})

	summary, err := r.Receive(context.Background(), githubDelivery("wrong", "push", []byte(`{}`)))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
	if summary.Status != "rejected" {
		t.Fatalf("status = %q, want rejected", summary.Status)
	}
	if len(admitter.all()) != 0 {
		t.Fatal("unauthenticated delivery reached the admitter")
	}
}

func TestReceiveMissingSecretFailsClosed(t *testing.T) {
	r := newTestReceiver(t, &fakeReceiverStore{}, &fakeAdmitter{}, fakeSecrets{})

	_, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", []byte(`{}`)))
	if !errors.Is(err, ErrNoSecret) {
		t.Fatalf("err = %v, want ErrNoSecret", err)
	}
}

func TestReceiveUnknownServiceRejected(t *testing.T) {
	r := newTestReceiver(t, &fakeReceiverStore{}, &fakeAdmitter{}, fakeSecrets{})

	_, err := r.Receive(context.Background(), Delivery{
		Service:    "stripe",
		Header:     http.Header{},
		Body:       []byte(`{}`),
		ReceivedAt: hookTestNow,
	})
	if !errors.Is(err, ErrUnknownService) {
		t.Fatalf("err = %v, want ErrUnknownService", err)
	}
}

func TestReceiveMalformedPayloadRejected(t *testing.T) {
	r := newTestReceiver(t, &fakeReceiverStore{}, &fakeAdmitter{}, fakeSecrets{"github": "gh-secret"})

	_, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", []byte(`{"broken":`)))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestReceiveFiltersByRepositoryDimension(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"github|github_push": {
			webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
			webhookAutomation("auto-2", "owner-1", "github", "github_push", map[string]any{"repository": "acme/other"}),
		},
	}}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"github": "gh-secret"})

	body := []byte(`{"delivery":"abc","repository":{"full_name":"acme/fuse"}}`)
	summary, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", body))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if summary.MatchedAutomations != 1 || summary.ExecutionsCreated != 1 {
		t.Fatalf("summary = %+v, want exactly the acme/fuse automation", summary)
	}
	if admitted := admitter.all(); len(admitted) != 1 || admitted[0].automationID != "auto-1" {
		t.Fatalf("admitted = %+v, want auto-1 only", admitted)
	}
}

func TestReceiveUnmatchedEventTypeAccepted(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"github|github_push": {
			webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
		},
	}}
	r := newTestReceiver(t, store, &fakeAdmitter{}, fakeSecrets{"github": "gh-secret"})

	summary, err := r.Receive(context.Background(), githubDelivery("gh-secret", "deployment", []byte(`{"delivery":"abc"}`)))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if summary.Status != "accepted" || summary.MatchedAutomations != 0 || summary.ExecutionsCreated != 0 {
		t.Fatalf("summary = %+v, want accepted with no matches", summary)
	}
}

func TestReceiveCachesMatchesUntilInvalidated(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"github|github_push": {
			webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
		},
	}}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"github": "gh-secret"})

	body := []byte(`{"delivery":"abc","repository":{"full_name":"acme/fuse"}}`)
	for i := 0; i < 2; i++ {
		if _, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", body)); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
	}
	if got := store.calls(); got != 1 {
		t.Fatalf("store queried %d times, want 1 while cached", got)
	}

	r.InvalidateCache()
	if _, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", body)); err != nil {
		t.Fatalf("Receive after invalidation: %v", err)
	}
	if got := store.calls(); got != 2 {
		t.Fatalf("store queried %d times, want 2 after invalidation", got)
	}
}

func TestReceiveTwitchDelivery(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"twitch|twitch_stream_online": {
			webhookAutomation("auto-tw", "owner-1", "twitch", "twitch_stream_online", map[string]any{"broadcaster_user_id": "4641"}),
		},
	}}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"twitch": "tw-secret"})

	body := []byte(`{"subscription":{"type":"stream.online"},"event":{"broadcaster_user_id":"4641"}}`)
	header := http.Header{}
	header.Set("Twitch-Eventsub-Message-Id", "msg-7")
	header.Set("Twitch-Eventsub-Message-Timestamp", "2026-08-25T12:00:00Z")
	header.Set("Twitch-Eventsub-Message-Signature",
		"sha256="+hmacHex("tw-secret", "msg-7", "2026-08-25T12:00:00Z", string(body)))

	summary, err := r.Receive(context.Background(), Delivery{
		Service:    "twitch",
		Header:     header,
		Body:       body,
		ReceivedAt: hookTestNow,
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if summary.EventID != "msg-7" || summary.ExecutionsCreated != 1 {
		t.Fatalf("summary = %+v, want msg-7 with 1 created", summary)
	}
	if admitted := admitter.all(); admitted[0].eventID != "msg-7_automation_auto-tw" {
		t.Fatalf("event key = %q", admitted[0].eventID)
	}
}

func TestReceiveGenericUntypedDelivery(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"webhook|webhook_received": {
			webhookAutomation("auto-g", "owner-1", "webhook", "webhook_received", nil),
		},
	}}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"webhook": "g-secret"})

	body := []byte(`{"note":"hi"}`)
	header := http.Header{}
	header.Set("X-Webhook-Signature", hmacHex("g-secret", string(body)))

	summary, err := r.Receive(context.Background(), Delivery{
		Service:    "webhook",
		Header:     header,
		Body:       body,
		ReceivedAt: hookTestNow,
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if summary.ExecutionsCreated != 1 {
		t.Fatalf("summary = %+v, want untyped delivery to match webhook_received", summary)
	}
	if want := domain.FallbackEventID("webhook", hookTestNow, body); summary.EventID != want {
		t.Fatalf("event id = %q, want fallback %q", summary.EventID, want)
	}
}

func TestReceiveXMLFeedPingAccepted(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"webhook|webhook_received": {
			webhookAutomation("auto-g", "owner-1", "webhook", "webhook_received", nil),
		},
	}}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"webhook": "g-secret"})

	body := []byte(`<feed xmlns="http://www.w3.org/2005/Atom"><title>pushes</title></feed>`)
	header := http.Header{}
	header.Set("X-Webhook-Signature", hmacHex("g-secret", string(body)))

	summary, err := r.Receive(context.Background(), Delivery{
		Service:    "webhook",
		Header:     header,
		Body:       body,
		ReceivedAt: hookTestNow,
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if summary.ExecutionsCreated != 1 {
		t.Fatalf("summary = %+v, want feed ping accepted", summary)
	}
	admitted := admitter.all()
	if admitted[0].data["payload_raw"] != string(body) {
		t.Fatalf("trigger data = %v, want raw body carried through", admitted[0].data)
	}
}

func TestReceiveAdmitFailureDoesNotFailDelivery(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"github|github_push": {
			webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
		},
	}}
	admitter := &fakeAdmitter{err: errors.New("db down")}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"github": "gh-secret"})

	body := []byte(`{"repository":{"full_name":"acme/fuse"}}`)
	summary, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", body))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if summary.Status != "accepted" || summary.MatchedAutomations != 1 {
		t.Fatalf("summary = %+v, want accepted with 1 matched", summary)
	}
	if summary.ExecutionsCreated != 0 || summary.ExecutionsSkipped != 0 {
		t.Fatalf("summary = %+v, want admit failure counted as neither created nor skipped", summary)
	}
}

func TestReceiveRecordsDeliveryOncePerOwnerAction(t *testing.T) {
	store := &fakeReceiverStore{automations: map[string][]domain.Automation{
		"github|github_push": {
			webhookAutomation("auto-1", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
			webhookAutomation("auto-2", "owner-1", "github", "github_push", map[string]any{"repository": "acme/fuse"}),
		},
	}}
	admitter := &fakeAdmitter{}
	r := newTestReceiver(t, store, admitter, fakeSecrets{"github": "gh-secret"})

	body := []byte(`{"repository":{"full_name":"acme/fuse"}}`)
	if _, err := r.Receive(context.Background(), githubDelivery("gh-secret", "push", body)); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got := admitter.all(); len(got) != 2 {
		t.Fatalf("admitted %d events, want one per automation", len(got))
	}
	if got := store.recorded(); len(got) != 1 {
		t.Fatalf("recorded %d deliveries, want one per owner and action", len(got))
	}
}
