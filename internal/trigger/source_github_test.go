package trigger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fuse/internal/domain"
	apperrors "fuse/internal/errors"
)

func githubQuery(cursor string) Query {
	return Query{
		Automation: domain.Automation{
			ID:           "auto-1",
			ActionConfig: map[string]any{"repository": "acme/fuse"},
		},
		Token:  &domain.ServiceToken{AccessToken: "tok-1"},
		Cursor: cursor,
	}
}

func TestGitHubIssuesFirstPollSetsBaseline(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	t.Cleanup(srv.Close)

	g := NewGitHubIssues(srv.Client())
	g.apiBase = srv.URL
	g.now = func() time.Time { return pollTestNow }

	page, err := g.Poll(context.Background(), githubQuery(""))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if hits != 0 {
		t.Fatal("baseline poll reached the API")
	}
	if len(page.Items) != 0 {
		t.Fatalf("items = %d, want none on the first poll", len(page.Items))
	}
	if page.NextCursor != pollTestNow.Format(time.RFC3339) {
		t.Fatalf("cursor = %q", page.NextCursor)
	}
}

func TestGitHubIssuesUnreadableCursorResetsBaseline(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	t.Cleanup(srv.Close)

	g := NewGitHubIssues(srv.Client())
	g.apiBase = srv.URL
	g.now = func() time.Time { return pollTestNow }

	page, err := g.Poll(context.Background(), githubQuery("last tuesday"))
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

func TestGitHubIssuesReturnsNewIssuesOldestFirst(t *testing.T) {
	var gotPath, gotSince, gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSince = r.URL.Query().Get("since")
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": 90,  "number": 7,  "title": "old",       "created_at": "2026-08-19T08:00:00Z", "user": {"login": "ada"}},
			{"id": 101, "number": 8,  "title": "first new", "html_url": "https://github.com/acme/fuse/issues/8",
			 "created_at": "2026-08-21T08:00:00Z", "user": {"login": "ada"}},
			{"id": 102, "number": 9,  "title": "a pr",      "created_at": "2026-08-22T08:00:00Z",
			 "user": {"login": "bob"}, "pull_request": {}},
			{"id": 103, "number": 10, "title": "second new", "html_url": "https://github.com/acme/fuse/issues/10",
			 "created_at": "2026-08-23T08:00:00Z", "user": {"login": "bob"}}
		]`))
	}))
	t.Cleanup(srv.Close)

	g := NewGitHubIssues(srv.Client())
	g.apiBase = srv.URL

	page, err := g.Poll(context.Background(), githubQuery("2026-08-20T00:00:00Z"))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if gotPath != "/repos/acme/fuse/issues" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotSince != "2026-08-20T00:00:00Z" {
		t.Fatalf("since = %q", gotSince)
	}
	if gotAuth != "Bearer tok-1" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotAccept != "application/vnd.github+json" {
		t.Fatalf("accept = %q", gotAccept)
	}

	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2 (pre-cursor issue and pull request dropped)", len(page.Items))
	}
	if page.Items[0].ID != "101" || page.Items[1].ID != "103" {
		t.Fatalf("item ids = %s, %s", page.Items[0].ID, page.Items[1].ID)
	}
	first := page.Items[0].Data
	if first["issue_number"] != 8 || first["title"] != "first new" || first["author"] != "ada" {
		t.Fatalf("item data = %+v", first)
	}
	if first["repository"] != "acme/fuse" {
		t.Fatalf("repository = %v", first["repository"])
	}
	if page.NextCursor != "2026-08-23T08:00:00Z" {
		t.Fatalf("cursor = %q", page.NextCursor)
	}
}

func TestGitHubIssuesEmptyWindowKeepsCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)

	g := NewGitHubIssues(srv.Client())
	g.apiBase = srv.URL

	page, err := g.Poll(context.Background(), githubQuery("2026-08-20T00:00:00Z"))
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if page.NextCursor != "2026-08-20T00:00:00Z" {
		t.Fatalf("cursor = %q", page.NextCursor)
	}
}

func TestGitHubIssuesAuthErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message": "Bad credentials"}`))
	}))
	t.Cleanup(srv.Close)

	g := NewGitHubIssues(srv.Client())
	g.apiBase = srv.URL

	_, err := g.Poll(context.Background(), githubQuery("2026-08-20T00:00:00Z"))
	if !apperrors.IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
}

func TestGitHubIssuesRequiresRepositoryConfig(t *testing.T) {
	g := NewGitHubIssues(nil)

	q := githubQuery("2026-08-20T00:00:00Z")
	q.Automation.ActionConfig = map[string]any{}

	_, err := g.Poll(context.Background(), q)
	if !apperrors.IsInvalidConfig(err) {
		t.Fatalf("err = %v, want invalid config", err)
	}
}
