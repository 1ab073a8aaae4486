package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Signature failures split into two classes: configuration problems map to
// HTTP 500, bad signatures to HTTP 401. Both reject the delivery before any
// execution is created.
var (
	// ErrNoSecret rejects deliveries to services without a configured secret.
	ErrNoSecret = errors.New("webhook secret not configured")
	// ErrNoScheme rejects deliveries to services that declare no signature scheme.
	ErrNoScheme = errors.New("webhook signature scheme not configured")
	// ErrBadSignature rejects deliveries whose signature does not verify.
	ErrBadSignature = errors.New("invalid webhook signature")
)

// Provider header names.
const (
	headerGitHubSignature = "X-Hub-Signature-256"
	headerGitHubEvent     = "X-GitHub-Event"
	headerGitHubDelivery  = "X-GitHub-Delivery"

	headerTwitchMessageID = "Twitch-Eventsub-Message-Id"
	headerTwitchTimestamp = "Twitch-Eventsub-Message-Timestamp"
	headerTwitchSignature = "Twitch-Eventsub-Message-Signature"

	headerGenericSignature = "X-Webhook-Signature"
	headerGenericEvent     = "X-Webhook-Event"
)

// Validate checks one delivery's signature. scheme selects the header layout
// the service declared in the catalog (github, twitch, generic); body is the
// raw request body before any parsing.
func Validate(scheme string, body []byte, header http.Header, secret string) error {
	if secret == "" {
		return ErrNoSecret
	}
	switch scheme {
	case "github":
		return validateGitHub(body, header, secret)
	case "twitch":
		return validateTwitch(body, header, secret)
	case "generic":
		return validateGeneric(body, header, secret)
	default:
		return ErrNoScheme
	}
}

// validateGitHub verifies X-Hub-Signature-256: sha256=<hex> over the raw body.
func validateGitHub(body []byte, header http.Header, secret string) error {
	sig := header.Get(headerGitHubSignature)
	if !strings.HasPrefix(sig, "sha256=") {
		return fmt.Errorf("%w: missing %s", ErrBadSignature, headerGitHubSignature)
	}
	return verifyHex(strings.TrimPrefix(sig, "sha256="), signSHA256(secret, body))
}

// validateTwitch verifies the EventSub signature, computed over the
// concatenation of message id, timestamp and raw body.
func validateTwitch(body []byte, header http.Header, secret string) error {
	id := header.Get(headerTwitchMessageID)
	ts := header.Get(headerTwitchTimestamp)
	sig := header.Get(headerTwitchSignature)
	if id == "" || ts == "" || !strings.HasPrefix(sig, "sha256=") {
		return fmt.Errorf("%w: incomplete eventsub headers", ErrBadSignature)
	}
	return verifyHex(strings.TrimPrefix(sig, "sha256="), signSHA256(secret, []byte(id), []byte(ts), body))
}

// validateGeneric verifies X-Webhook-Signature: <hex> over the raw body.
func validateGeneric(body []byte, header http.Header, secret string) error {
	sig := header.Get(headerGenericSignature)
	if sig == "" {
		return fmt.Errorf("%w: missing %s", ErrBadSignature, headerGenericSignature)
	}
	return verifyHex(sig, signSHA256(secret, body))
}

func signSHA256(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, part := range parts {
		mac.Write(part)
	}
	return mac.Sum(nil)
}

// verifyHex decodes the presented hex signature and compares it against the
// expected MAC in constant time.
func verifyHex(presented string, want []byte) error {
	got, err := hex.DecodeString(strings.TrimSpace(presented))
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", ErrBadSignature)
	}
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}
