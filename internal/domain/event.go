package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TriggerEvent is one observed occurrence presented to the admitter.
// ExternalEventID must be deterministic for the occurrence so replays and
// overlapping trigger paths collapse onto one execution.
type TriggerEvent struct {
	ExternalEventID string
	Data            map[string]any
}

// TimerEventID derives the idempotency key for a scheduler tick. Two engine
// instances evaluating the same automation in the same minute produce the
// same key.
func TimerEventID(automationID string, tick time.Time) string {
	return fmt.Sprintf("timer_%s_%s", automationID, tick.UTC().Format("200601021504"))
}

// PollEventID derives the idempotency key for an upstream item discovered by
// polling. The item id must be the provider's stable identifier.
func PollEventID(service, itemID string) string {
	return fmt.Sprintf("%s_%s", service, itemID)
}

// WebhookEventKey scopes a delivery id to one automation, so a delivery that
// matches several automations creates one execution per automation while
// redeliveries of the same event stay idempotent.
func WebhookEventKey(externalEventID, automationID string) string {
	return externalEventID + "_automation_" + automationID
}

// FallbackEventID builds a deterministic event id for webhook payloads that
// carry no provider identifier: receive time plus a payload digest.
func FallbackEventID(service string, receivedAt time.Time, body []byte) string {
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])[:16]
	return fmt.Sprintf("%s_%s_%s", service, receivedAt.UTC().Format(time.RFC3339), digest)
}
