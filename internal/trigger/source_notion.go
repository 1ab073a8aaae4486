package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "fuse/internal/errors"
	"fuse/internal/httpclient"

	"github.com/tidwall/gjson"
)

const (
	notionAPIBase = "https://api.notion.com"
	notionVersion = "2022-06-28"
)

// NotionPages polls the workspace search API for recently edited pages.
// The search endpoint has no lower-bound filter, so results are requested
// newest first and trimmed against the cursor client-side.
type NotionPages struct {
	client  *http.Client
	apiBase string
	now     func() time.Time
}

// NewNotionPages returns a source polling the Notion search API.
func NewNotionPages(client *http.Client) *NotionPages {
	if client == nil {
		client = httpclient.New(0)
	}
	return &NotionPages{client: client, apiBase: notionAPIBase, now: time.Now}
}

// Service implements Source.
func (n *NotionPages) Service() string { return "notion" }

// RequiresToken implements Source.
func (n *NotionPages) RequiresToken() bool { return true }

// Poll returns pages edited after the cursor, oldest first. The optional
// database_id config narrows results to children of one database. The
// first poll records a baseline instead of replaying the workspace.
func (n *NotionPages) Poll(ctx context.Context, q Query) (Page, error) {
	if q.Token == nil {
		return Page{}, apperrors.NewAuthError(fmt.Errorf("no token attached to poll"), "search notion pages")
	}

	if q.Cursor == "" {
		return Page{NextCursor: n.now().UTC().Format(time.RFC3339)}, nil
	}
	since, err := time.Parse(time.RFC3339, q.Cursor)
	if err != nil {
		return Page{NextCursor: n.now().UTC().Format(time.RFC3339)}, nil
	}

	payload, err := json.Marshal(map[string]any{
		"filter":    map[string]any{"property": "object", "value": "page"},
		"sort":      map[string]any{"direction": "descending", "timestamp": "last_edited_time"},
		"page_size": 100,
	})
	if err != nil {
		return Page{}, apperrors.NewPermanentError(err, "encode notion search")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiBase+"/v1/search", bytes.NewReader(payload))
	if err != nil {
		return Page{}, apperrors.NewPermanentError(err, "build notion request")
	}
	req.Header.Set("Authorization", "Bearer "+q.Token.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", notionVersion)

	resp, err := n.client.Do(req)
	if err != nil {
		return Page{}, apperrors.NewTransientError(err, "search notion pages")
	}
	body, err := httpclient.ReadBody(resp, maxSourceBody)
	if err != nil {
		return Page{}, apperrors.NewTransientError(err, "read notion response")
	}
	if apiErr := apperrors.FromHTTPStatus(resp.StatusCode, "search notion pages", string(body)); apiErr != nil {
		return Page{}, apiErr
	}

	databaseID, _ := q.Automation.ActionConfig["database_id"].(string)

	// Results arrive newest first; collect matches and reverse.
	var fresh []Item
	latest := since
	for _, result := range gjson.GetBytes(body, "results").Array() {
		if result.Get("object").String() != "page" {
			continue
		}
		edited, err := time.Parse(time.RFC3339, result.Get("last_edited_time").String())
		if err != nil || !edited.After(since) {
			continue
		}
		if databaseID != "" && result.Get("parent.database_id").String() != databaseID {
			continue
		}

		var title string
		result.Get("properties").ForEach(func(_, prop gjson.Result) bool {
			if prop.Get("type").String() == "title" {
				title = prop.Get("title.0.plain_text").String()
				return false
			}
			return true
		})

		fresh = append(fresh, Item{
			ID: result.Get("id").String(),
			Data: map[string]any{
				"page_id":          result.Get("id").String(),
				"title":            title,
				"page_url":         result.Get("url").String(),
				"last_edited_time": edited.UTC().Format(time.RFC3339),
			},
		})
		if edited.After(latest) {
			latest = edited
		}
	}

	page := Page{NextCursor: q.Cursor}
	for i := len(fresh) - 1; i >= 0; i-- {
		page.Items = append(page.Items, fresh[i])
	}
	if latest.After(since) {
		page.NextCursor = latest.UTC().Format(time.RFC3339)
	}
	return page, nil
}
