package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "fuse/internal/errors"
	"fuse/internal/httpclient"
)

const (
	githubAPIBase = "https://api.github.com"

	// maxSourceBody bounds upstream list and feed responses.
	maxSourceBody = int64(2 << 20)
)

// GitHubIssues polls a repository for newly opened issues.
type GitHubIssues struct {
	client  *http.Client
	apiBase string
	now     func() time.Time
}

// NewGitHubIssues returns a source polling the GitHub issues API.
func NewGitHubIssues(client *http.Client) *GitHubIssues {
	if client == nil {
		client = httpclient.New(0)
	}
	return &GitHubIssues{client: client, apiBase: githubAPIBase, now: time.Now}
}

// Service implements Source.
func (g *GitHubIssues) Service() string { return "github" }

// RequiresToken implements Source.
func (g *GitHubIssues) RequiresToken() bool { return true }

type githubIssue struct {
	ID        int64     `json:"id"`
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	CreatedAt time.Time `json:"created_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	PullRequest *struct{} `json:"pull_request"`
}

// Poll lists issues created after the cursor, oldest first. The first poll
// of an automation records a baseline instead of replaying repository
// history.
func (g *GitHubIssues) Poll(ctx context.Context, q Query) (Page, error) {
	repo, err := configString(q.Automation.ActionConfig, "repository")
	if err != nil {
		return Page{}, err
	}
	if q.Token == nil {
		return Page{}, apperrors.NewAuthError(fmt.Errorf("no token attached to poll"), "list github issues")
	}

	if q.Cursor == "" {
		return Page{NextCursor: g.now().UTC().Format(time.RFC3339)}, nil
	}
	since, err := time.Parse(time.RFC3339, q.Cursor)
	if err != nil {
		// An unreadable cursor resets the baseline instead of replaying
		// repository history.
		return Page{NextCursor: g.now().UTC().Format(time.RFC3339)}, nil
	}

	query := url.Values{
		"state":     {"all"},
		"sort":      {"created"},
		"direction": {"asc"},
		"per_page":  {"100"},
		"since":     {since.UTC().Format(time.RFC3339)},
	}
	endpoint := fmt.Sprintf("%s/repos/%s/issues?%s", g.apiBase, repo, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Page{}, apperrors.NewPermanentError(err, "build github request")
	}
	req.Header.Set("Authorization", "Bearer "+q.Token.AccessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Page{}, apperrors.NewTransientError(err, "list github issues")
	}
	body, err := httpclient.ReadBody(resp, maxSourceBody)
	if err != nil {
		return Page{}, apperrors.NewTransientError(err, "read github response")
	}
	if apiErr := apperrors.FromHTTPStatus(resp.StatusCode, "list github issues", string(body)); apiErr != nil {
		return Page{}, apiErr
	}

	var issues []githubIssue
	if err := json.Unmarshal(body, &issues); err != nil {
		return Page{}, apperrors.NewTransientError(err, "decode github response")
	}

	page := Page{NextCursor: q.Cursor}
	latest := since
	for _, issue := range issues {
		// The issues API interleaves pull requests, and `since` filters on
		// update time rather than creation.
		if issue.PullRequest != nil || !issue.CreatedAt.After(since) {
			continue
		}
		page.Items = append(page.Items, Item{
			ID: strconv.FormatInt(issue.ID, 10),
			Data: map[string]any{
				"repository":   repo,
				"issue_number": issue.Number,
				"title":        issue.Title,
				"body":         issue.Body,
				"issue_url":    issue.HTMLURL,
				"author":       issue.User.Login,
				"created_at":   issue.CreatedAt.UTC().Format(time.RFC3339),
			},
		})
		if issue.CreatedAt.After(latest) {
			latest = issue.CreatedAt
		}
	}
	if latest.After(since) {
		page.NextCursor = latest.UTC().Format(time.RFC3339)
	}
	return page, nil
}

// configString reads a required string field from an action config.
func configString(config map[string]any, key string) (string, error) {
	raw, ok := config[key]
	if !ok {
		return "", apperrors.NewInvalidConfigError(fmt.Errorf("missing required field"), key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", apperrors.NewInvalidConfigError(fmt.Errorf("missing required field"), key)
	}
	return strings.TrimSpace(s), nil
}
