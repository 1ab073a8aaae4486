package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "fuse/internal/errors"
)

const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// SlackPostMessage posts a message to a channel via chat.postMessage.
// Slack reports most failures inside a 200 body, so the ok flag drives
// classification rather than the HTTP status.
type SlackPostMessage struct {
	tokens TokenSource
	client *http.Client
	apiURL string
}

func NewSlackPostMessage(deps Deps) *SlackPostMessage {
	return &SlackPostMessage{
		tokens: deps.Tokens,
		client: clientFor(deps, "slack"),
		apiURL: slackPostMessageURL,
	}
}

func (h *SlackPostMessage) Name() string { return "slack_post_message" }

func (h *SlackPostMessage) Handle(ctx context.Context, in Input) (map[string]any, error) {
	channel, err := requireString(in.Config, "channel")
	if err != nil {
		return nil, err
	}
	text, err := requireString(in.Config, "text")
	if err != nil {
		return nil, err
	}
	token, err := bearerToken(ctx, h.tokens, in.OwnerID, "slack")
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	payload := map[string]any{
		"channel": channel,
		"text":    text,
	}
	status, respBody, err := postJSON(ctx, h.client, h.apiURL, payload, header)
	if err != nil {
		return nil, err
	}
	if httpErr := apperrors.FromHTTPStatus(status, "post slack message", string(respBody)); httpErr != nil {
		return nil, httpErr
	}

	var result struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
		TS    string `json:"ts"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, apperrors.NewPermanentError(err, "decode slack response")
	}
	if !result.OK {
		return nil, slackAPIError(result.Error)
	}
	h.tokens.MarkUsed(ctx, in.OwnerID, "slack")
	return map[string]any{
		"status":  "posted",
		"channel": channel,
		"ts":      result.TS,
	}, nil
}

// slackAPIError maps Slack's in-body error codes onto the retry taxonomy.
func slackAPIError(code string) error {
	msg := fmt.Sprintf("slack api error: %s", code)
	switch code {
	case "invalid_auth", "token_revoked", "token_expired", "account_inactive", "not_authed":
		return apperrors.NewAuthError(nil, msg)
	case "rate_limited", "ratelimited":
		return apperrors.NewTransientError(nil, msg)
	default:
		return apperrors.NewPermanentError(nil, msg)
	}
}
