package reaction

import (
	"context"
	"net/http"

	apperrors "fuse/internal/errors"
	"fuse/internal/httpclient"
)

// DiscordPostMessage posts to a Discord webhook URL held in the reaction
// config. The URL is validated before dialing because it is owner input.
type DiscordPostMessage struct {
	client  *http.Client
	urlOpts httpclient.URLValidationOptions
}

func NewDiscordPostMessage(deps Deps) *DiscordPostMessage {
	return &DiscordPostMessage{
		client:  clientFor(deps, "discord"),
		urlOpts: deps.URLOpts,
	}
}

func (h *DiscordPostMessage) Name() string { return "discord_post_message" }

func (h *DiscordPostMessage) Handle(ctx context.Context, in Input) (map[string]any, error) {
	rawURL, err := requireString(in.Config, "webhook_url")
	if err != nil {
		return nil, err
	}
	content, err := requireString(in.Config, "content")
	if err != nil {
		return nil, err
	}
	target, err := httpclient.ValidateOutboundURL(rawURL, h.urlOpts)
	if err != nil {
		return nil, apperrors.NewInvalidConfigError(err, "webhook_url")
	}

	status, respBody, err := postJSON(ctx, h.client, target.String(), map[string]any{"content": content}, nil)
	if err != nil {
		return nil, err
	}
	if httpErr := apperrors.FromHTTPStatus(status, "post discord message", string(respBody)); httpErr != nil {
		return nil, httpErr
	}
	return map[string]any{
		"status": "posted",
	}, nil
}
