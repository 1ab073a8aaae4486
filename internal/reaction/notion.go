package reaction

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "fuse/internal/errors"
)

const (
	notionPagesURL = "https://api.notion.com/v1/pages"
	notionVersion  = "2022-06-28"
)

// NotionCreatePage creates a page under a parent page.
type NotionCreatePage struct {
	tokens TokenSource
	client *http.Client
	apiURL string
}

func NewNotionCreatePage(deps Deps) *NotionCreatePage {
	return &NotionCreatePage{
		tokens: deps.Tokens,
		client: clientFor(deps, "notion"),
		apiURL: notionPagesURL,
	}
}

func (h *NotionCreatePage) Name() string { return "notion_create_page" }

func (h *NotionCreatePage) Handle(ctx context.Context, in Input) (map[string]any, error) {
	parentID, err := requireString(in.Config, "parent_page_id")
	if err != nil {
		return nil, err
	}
	title, err := requireString(in.Config, "title")
	if err != nil {
		return nil, err
	}
	token, err := bearerToken(ctx, h.tokens, in.OwnerID, "notion")
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"parent": map[string]any{"page_id": parentID},
		"properties": map[string]any{
			"title": map[string]any{
				"title": []map[string]any{
					{"text": map[string]any{"content": title}},
				},
			},
		},
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Notion-Version", notionVersion)

	status, respBody, err := postJSON(ctx, h.client, h.apiURL, payload, header)
	if err != nil {
		return nil, err
	}
	if httpErr := apperrors.FromHTTPStatus(status, "create notion page", string(respBody)); httpErr != nil {
		return nil, httpErr
	}

	var page struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(respBody, &page); err != nil {
		return nil, apperrors.NewPermanentError(err, "decode notion page response")
	}
	h.tokens.MarkUsed(ctx, in.OwnerID, "notion")
	return map[string]any{
		"status":   "created",
		"page_id":  page.ID,
		"page_url": page.URL,
	}, nil
}
