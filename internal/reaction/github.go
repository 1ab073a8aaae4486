package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	apperrors "fuse/internal/errors"
)

const githubAPIBase = "https://api.github.com"

// GitHubCreateIssue opens an issue on the configured repository.
type GitHubCreateIssue struct {
	tokens  TokenSource
	client  *http.Client
	apiBase string
}

func NewGitHubCreateIssue(deps Deps) *GitHubCreateIssue {
	return &GitHubCreateIssue{
		tokens:  deps.Tokens,
		client:  clientFor(deps, "github"),
		apiBase: githubAPIBase,
	}
}

func (h *GitHubCreateIssue) Name() string { return "github_create_issue" }

func (h *GitHubCreateIssue) Handle(ctx context.Context, in Input) (map[string]any, error) {
	repo, err := requireString(in.Config, "repository")
	if err != nil {
		return nil, err
	}
	title, err := requireString(in.Config, "title")
	if err != nil {
		return nil, err
	}
	token, err := bearerToken(ctx, h.tokens, in.OwnerID, "github")
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"title": title}
	if body := stringField(in.Config, "body"); body != "" {
		payload["body"] = body
	}

	url := fmt.Sprintf("%s/repos/%s/issues", h.apiBase, repo)
	status, respBody, err := postJSON(ctx, h.client, url, payload, githubHeader(token))
	if err != nil {
		return nil, err
	}
	if httpErr := apperrors.FromHTTPStatus(status, "create github issue", string(respBody)); httpErr != nil {
		return nil, httpErr
	}

	var issue struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(respBody, &issue); err != nil {
		return nil, apperrors.NewPermanentError(err, "decode github issue response")
	}
	h.tokens.MarkUsed(ctx, in.OwnerID, "github")
	return map[string]any{
		"status":       "created",
		"issue_number": issue.Number,
		"issue_url":    issue.HTMLURL,
	}, nil
}

// GitHubAddComment comments on an existing issue. The issue number may come
// from the reaction config or, when chained behind a github_new_issue
// trigger, from the trigger data itself.
type GitHubAddComment struct {
	tokens  TokenSource
	client  *http.Client
	apiBase string
}

func NewGitHubAddComment(deps Deps) *GitHubAddComment {
	return &GitHubAddComment{
		tokens:  deps.Tokens,
		client:  clientFor(deps, "github"),
		apiBase: githubAPIBase,
	}
}

func (h *GitHubAddComment) Name() string { return "github_add_comment" }

func (h *GitHubAddComment) Handle(ctx context.Context, in Input) (map[string]any, error) {
	repo, err := requireString(in.Config, "repository")
	if err != nil {
		return nil, err
	}
	body, err := requireString(in.Config, "body")
	if err != nil {
		return nil, err
	}
	number, ok := intField(in.Config, "issue_number")
	if !ok {
		number, ok = intField(in.TriggerData, "issue_number")
	}
	if !ok {
		return nil, apperrors.NewInvalidConfigError(fmt.Errorf("missing in both config and trigger data"), "issue_number")
	}
	token, err := bearerToken(ctx, h.tokens, in.OwnerID, "github")
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/issues/%d/comments", h.apiBase, repo, number)
	status, respBody, err := postJSON(ctx, h.client, url, map[string]any{"body": body}, githubHeader(token))
	if err != nil {
		return nil, err
	}
	if httpErr := apperrors.FromHTTPStatus(status, "add github comment", string(respBody)); httpErr != nil {
		return nil, httpErr
	}

	var comment struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(respBody, &comment); err != nil {
		return nil, apperrors.NewPermanentError(err, "decode github comment response")
	}
	h.tokens.MarkUsed(ctx, in.OwnerID, "github")
	return map[string]any{
		"status":       "commented",
		"issue_number": number,
		"comment_url":  comment.HTMLURL,
	}, nil
}

func githubHeader(token string) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("Accept", "application/vnd.github+json")
	return header
}
