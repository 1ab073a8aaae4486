package trigger

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fuse/internal/domain"
	apperrors "fuse/internal/errors"
)

const notionSearchFixture = `{
  "results": [
    {
      "object": "page",
      "id": "p-b",
      "url": "https://notion.so/p-b",
      "last_edited_time": "2026-08-25T09:30:00.000Z",
      "parent": {"type": "database_id", "database_id": "db-1"},
      "properties": {
        "Status": {"type": "select", "select": {"name": "Done"}},
        "Name": {"type": "title", "title": [{"plain_text": "Fresh page"}]}
      }
    },
    {
      "object": "page",
      "id": "p-a",
      "url": "https://notion.so/p-a",
      "last_edited_time": "2026-08-24T12:00:00.000Z",
      "parent": {"type": "workspace"},
      "properties": {
        "title": {"type": "title", "title": [{"plain_text": "Older page"}]}
      }
    },
    {
      "object": "page",
      "id": "p-stale",
      "url": "https://notion.so/p-stale",
      "last_edited_time": "2026-08-20T00:00:00.000Z",
      "properties": {}
    },
    {
      "object": "database",
      "id": "db-x",
      "last_edited_time": "2026-08-25T01:00:00.000Z"
    }
  ],
  "has_more": false
}`

func notionQuery(cursor string, config map[string]any) Query {
	if config == nil {
		config = map[string]any{}
	}
	return Query{
		Automation: domain.Automation{ID: "auto-1", ActionConfig: config},
		Token:      &domain.ServiceToken{AccessToken: "tok-1"},
		Cursor:     cursor,
	}
}

func TestNotionFirstPollSetsBaseline(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	t.Cleanup(srv.Close)

	n := NewNotionPages(srv.Client())
	n.apiBase = srv.URL
	n.now = func() time.Time { return pollTestNow }

	page, err := n.Poll(context.Background(), notionQuery("", nil))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if hits != 0 || len(page.Items) != 0 {
		t.Fatalf("hits = %d items = %d", hits, len(page.Items))
	}
	if page.NextCursor != pollTestNow.Format(time.RFC3339) {
		t.Fatalf("cursor = %q", page.NextCursor)
	}
}

func TestNotionReturnsEditedPagesOldestFirst(t *testing.T) {
	var gotPath, gotAuth, gotVersion, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("Notion-Version")
		raw, _ := io.ReadAll(r.Body)
		gotBody = string(raw)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(notionSearchFixture))
	}))
	t.Cleanup(srv.Close)

	n := NewNotionPages(srv.Client())
	n.apiBase = srv.URL

	page, err := n.Poll(context.Background(), notionQuery("2026-08-23T00:00:00Z", nil))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if gotPath != "/v1/search" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotVersion != notionVersion {
		t.Fatalf("notion version = %q", gotVersion)
	}
	if !strings.Contains(gotBody, "last_edited_time") || !strings.Contains(gotBody, "descending") {
		t.Fatalf("search payload = %s", gotBody)
	}

	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2 (stale page and database dropped)", len(page.Items))
	}
	if page.Items[0].ID != "p-a" || page.Items[1].ID != "p-b" {
		t.Fatalf("item order = %s, %s, want oldest first", page.Items[0].ID, page.Items[1].ID)
	}
	newest := page.Items[1].Data
	if newest["title"] != "Fresh page" || newest["page_url"] != "https://notion.so/p-b" {
		t.Fatalf("item data = %+v", newest)
	}
	if page.NextCursor != "2026-08-25T09:30:00Z" {
		t.Fatalf("cursor = %q", page.NextCursor)
	}
}

func TestNotionFiltersByDatabase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(notionSearchFixture))
	}))
	t.Cleanup(srv.Close)

	n := NewNotionPages(srv.Client())
	n.apiBase = srv.URL

	page, err := n.Poll(context.Background(), notionQuery("2026-08-23T00:00:00Z", map[string]any{"database_id": "db-1"}))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "p-b" {
		t.Fatalf("items = %+v", page.Items)
	}

	page, err = n.Poll(context.Background(), notionQuery("2026-08-23T00:00:00Z", map[string]any{"database_id": "db-2"}))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("items = %d, want none for a foreign database", len(page.Items))
	}
	if page.NextCursor != "2026-08-23T00:00:00Z" {
		t.Fatalf("cursor = %q, want unchanged when nothing matched", page.NextCursor)
	}
}

func TestNotionAuthErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"object": "error", "status": 401, "code": "unauthorized"}`))
	}))
	t.Cleanup(srv.Close)

	n := NewNotionPages(srv.Client())
	n.apiBase = srv.URL

	_, err := n.Poll(context.Background(), notionQuery("2026-08-23T00:00:00Z", nil))
	if !apperrors.IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
}

func TestNotionWithoutTokenIsAuthError(t *testing.T) {
	n := NewNotionPages(nil)

	q := notionQuery("2026-08-23T00:00:00Z", nil)
	q.Token = nil

	_, err := n.Poll(context.Background(), q)
	if !apperrors.IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
}
