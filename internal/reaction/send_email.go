package reaction

import (
	"context"
	"fmt"
	"net/http"

	"fuse/internal/config"
	apperrors "fuse/internal/errors"
)

// SendEmail delivers mail through the configured HTTP relay gateway.
type SendEmail struct {
	mail   config.MailConfig
	client *http.Client
}

func NewSendEmail(deps Deps) *SendEmail {
	return &SendEmail{
		mail:   deps.Mail,
		client: clientFor(deps, "mail"),
	}
}

func (h *SendEmail) Name() string { return "send_email" }

func (h *SendEmail) Handle(ctx context.Context, in Input) (map[string]any, error) {
	if h.mail.GatewayURL == "" {
		return nil, apperrors.NewInvalidConfigError(fmt.Errorf("mail relay is not configured"), "mail.gateway_url")
	}
	recipient, err := requireString(in.Config, "recipient")
	if err != nil {
		return nil, err
	}
	subject, err := requireString(in.Config, "subject")
	if err != nil {
		return nil, err
	}
	body := stringField(in.Config, "body")

	payload := map[string]any{
		"from":    h.mail.From,
		"to":      recipient,
		"subject": subject,
		"body":    body,
	}
	header := http.Header{}
	if h.mail.APIKey != "" {
		header.Set("Authorization", "Bearer "+h.mail.APIKey)
	}

	status, respBody, err := postJSON(ctx, h.client, h.mail.GatewayURL, payload, header)
	if err != nil {
		return nil, err
	}
	if httpErr := apperrors.FromHTTPStatus(status, "send email", string(respBody)); httpErr != nil {
		return nil, httpErr
	}
	return map[string]any{
		"status":    "sent",
		"recipient": recipient,
	}, nil
}
