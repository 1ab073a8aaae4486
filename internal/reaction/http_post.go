package reaction

import (
	"context"
	"net/http"

	apperrors "fuse/internal/errors"
	"fuse/internal/httpclient"
)

// HTTPPost delivers the trigger data (or a configured body) to an
// owner-supplied URL as JSON. The escape hatch for services without a
// dedicated handler.
type HTTPPost struct {
	client  *http.Client
	urlOpts httpclient.URLValidationOptions
}

func NewHTTPPost(deps Deps) *HTTPPost {
	return &HTTPPost{
		client:  clientFor(deps, "http"),
		urlOpts: deps.URLOpts,
	}
}

func (h *HTTPPost) Name() string { return "http_post" }

func (h *HTTPPost) Handle(ctx context.Context, in Input) (map[string]any, error) {
	rawURL, err := requireString(in.Config, "url")
	if err != nil {
		return nil, err
	}
	target, err := httpclient.ValidateOutboundURL(rawURL, h.urlOpts)
	if err != nil {
		return nil, apperrors.NewInvalidConfigError(err, "url")
	}

	var payload any
	if body, ok := in.Config["body"]; ok && body != nil {
		payload = body
	} else {
		payload = in.TriggerData
	}

	status, respBody, err := postJSON(ctx, h.client, target.String(), payload, nil)
	if err != nil {
		return nil, err
	}
	if httpErr := apperrors.FromHTTPStatus(status, "http post", string(respBody)); httpErr != nil {
		return nil, httpErr
	}
	return map[string]any{
		"status":      "delivered",
		"http_status": status,
	}, nil
}
