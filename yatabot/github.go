package yatabot

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/go-github/v33/github"
	"github.com/lmittmann/tint"
	"golang.org/x/oauth2"
	"log/slog"
	"net/http"
	"slices"
)

var ErrUnknownRepository = errors.New("unknown repository")

// IssueTracker files reports against a source repository
type IssueTracker interface {
	CreateIssue(ctx context.Context, repo string, title string, body string, label string) (*IssueRef, error)
}

// IssueRef identifies a created issue
type IssueRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// GitHubIssues creates issues in the repositories of one GitHub owner
type GitHubIssues struct {
	client       *github.Client
	owner        string
	repositories []string
	logger       *slog.Logger
}

// NewGitHubIssues returns a GitHubIssues authenticating with cfg.Token.
// httpClient is used as the base transport when set.
func NewGitHubIssues(cfg *GitHubConfig, httpClient *http.Client, logger *slog.Logger) *GitHubIssues {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	var client *http.Client
	if cfg.Token != "" {
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	} else {
		client = httpClient
	}
	return &GitHubIssues{
		client:       github.NewClient(client),
		owner:        cfg.Owner,
		repositories: append([]string{}, cfg.Repositories...),
		logger:       logger.With(loggerNameKey, "github"),
	}
}

// CreateIssue creates an issue in repo. If label doesn't exist in the
// repository, the issue is created without it. Other label lookup
// errors are returned.
func (g *GitHubIssues) CreateIssue(
	ctx context.Context,
	repo string,
	title string,
	body string,
	label string,
) (*IssueRef, error) {
	if !slices.Contains(g.repositories, repo) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRepository, repo)
	}
	logger := g.logger.With("repo", g.owner+"/"+repo)

	req := &github.IssueRequest{
		Title: github.String(title),
		Body:  github.String(body),
	}
	if label != "" {
		_, _, err := g.client.Issues.GetLabel(ctx, g.owner, repo, label)
		var errResp *github.ErrorResponse
		switch {
		case err == nil:
			req.Labels = &[]string{label}
		case errors.As(err, &errResp) && errResp.Response != nil &&
			errResp.Response.StatusCode == http.StatusNotFound:
			logger.WarnContext(ctx, "label not found, creating issue without it", "label", label)
		default:
			logger.ErrorContext(ctx, "error getting label", "label", label, tint.Err(err))
			return nil, fmt.Errorf("error getting label %q: %w", label, err)
		}
	}

	issue, _, err := g.client.Issues.Create(ctx, g.owner, repo, req)
	if err != nil {
		logger.ErrorContext(ctx, "error creating issue", tint.Err(err))
		return nil, fmt.Errorf("error creating issue: %w", err)
	}
	ref := &IssueRef{Number: issue.GetNumber(), URL: issue.GetHTMLURL()}
	logger.InfoContext(ctx, "created issue", "number", ref.Number, "url", ref.URL)
	return ref, nil
}
