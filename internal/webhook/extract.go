package webhook

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"fuse/internal/domain"

	"github.com/tidwall/gjson"
)

// EventType resolves the delivery's event type. Provider headers win, then
// well-known payload fields. A delivery with no recognizable type is a bare
// "event".
func EventType(service string, header http.Header, body []byte) string {
	switch service {
	case "github":
		if t := header.Get(headerGitHubEvent); t != "" {
			return t
		}
	case "twitch":
		if t := gjson.GetBytes(body, "subscription.type").String(); t != "" {
			return t
		}
	}
	if t := header.Get(headerGenericEvent); t != "" {
		return t
	}
	for _, path := range []string{"event_type", "event", "type"} {
		if res := gjson.GetBytes(body, path); res.Type == gjson.String && res.Str != "" {
			return res.Str
		}
	}
	return "event"
}

// ExtractEventID derives the delivery's deterministic event id. Rules apply
// in priority order: a provider delivery id, an object id plus its
// timestamp, a commit SHA or message id, then a time-and-digest fallback.
// Only the fallback varies across replays of the same payload.
func ExtractEventID(service string, header http.Header, body []byte, receivedAt time.Time) string {
	if id := deliveryID(service, header, body); id != "" {
		return id
	}
	if id := objectEventID(body); id != "" {
		return id
	}
	return domain.FallbackEventID(service, receivedAt, body)
}

func deliveryID(service string, header http.Header, body []byte) string {
	switch service {
	case "github":
		if id := header.Get(headerGitHubDelivery); id != "" {
			return id
		}
	case "twitch":
		if id := header.Get(headerTwitchMessageID); id != "" {
			return id
		}
	}
	for _, path := range []string{"delivery", "delivery_id"} {
		if res := gjson.GetBytes(body, path); res.Type == gjson.String && res.Str != "" {
			return res.Str
		}
	}
	return ""
}

// objectEventID inspects well-known payload shapes: an object id paired with
// its timestamp first, then a commit SHA or message id.
func objectEventID(body []byte) string {
	if obj := gjson.GetBytes(body, "issue.id"); obj.Exists() {
		if ts := gjson.GetBytes(body, "issue.updated_at").String(); ts != "" {
			return obj.String() + "_" + ts
		}
	}
	if obj := gjson.GetBytes(body, "entity.id"); obj.Exists() {
		if ts := gjson.GetBytes(body, "timestamp").String(); ts != "" {
			return obj.String() + "_" + ts
		}
	}
	if id := gjson.GetBytes(body, "event.id").String(); id != "" {
		return id
	}
	if sha := gjson.GetBytes(body, "head_commit.id").String(); sha != "" {
		return sha
	}
	if sha := gjson.GetBytes(body, "commits.0.id").String(); sha != "" {
		return sha
	}
	for _, path := range []string{"message_id", "message.id"} {
		if id := gjson.GetBytes(body, path).String(); id != "" {
			return id
		}
	}
	return ""
}

// payloadDimensions maps action-config keys to the payload paths that carry
// the same value. A configured key constrains the match; config keys absent
// from this table never do.
var payloadDimensions = []struct {
	configKey string
	paths     []string
}{
	{"repository", []string{"repository.full_name"}},
	{"broadcaster_user_id", []string{"event.broadcaster_user_id", "subscription.condition.broadcaster_user_id"}},
	{"database_id", []string{"entity.parent.database_id", "parent.database_id"}},
	{"page_id", []string{"entity.id", "page.id"}},
	{"channel", []string{"channel", "channel_id"}},
}

// MatchesPayload reports whether an automation's action config selects this
// payload. Every configured dimension must equal the payload's value; a
// payload that lacks a configured dimension does not match.
func MatchesPayload(config map[string]any, body []byte) bool {
	for _, dim := range payloadDimensions {
		raw, ok := config[dim.configKey]
		if !ok {
			continue
		}
		want := dimensionValue(raw)
		if want == "" {
			continue
		}
		got := ""
		for _, path := range dim.paths {
			if res := gjson.GetBytes(body, path); res.Exists() {
				got = res.String()
				break
			}
		}
		if !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

// dimensionValue renders a config value for comparison. Numbers arrive as
// float64 after a JSONB round-trip.
func dimensionValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}
