package yatabot

import (
	"context"
	"encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

type githubRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels"`
}

// fakeGitHub serves the label and issue endpoints used by GitHubIssues
type fakeGitHub struct {
	mu      sync.Mutex
	labels  map[string]bool
	created []githubRequest
	auth    []string
	fail    bool

	labelStatus int
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(
		"GET /repos/{owner}/{repo}/labels/{name}", func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.auth = append(f.auth, r.Header.Get("Authorization"))
			name := r.PathValue("name")
			if f.labelStatus != 0 {
				w.WriteHeader(f.labelStatus)
				_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
				return
			}
			if !f.labels[name] {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"Not Found"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{"name": name})
		},
	)
	mux.HandleFunc(
		"POST /repos/{owner}/{repo}/issues", func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.fail {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"message":"Resource not accessible by integration"}`))
				return
			}
			var req githubRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			f.created = append(f.created, req)
			n := len(f.created)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(
				map[string]any{
					"number":   n,
					"html_url": "https://github.com/" + r.PathValue("owner") + "/" + r.PathValue("repo") + "/issues/1",
				},
			)
		},
	)
	return mux
}

func newTestGitHubIssues(t *testing.T, token string, fake *fakeGitHub) *GitHubIssues {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	issues := NewGitHubIssues(
		&GitHubConfig{Token: token, Owner: DefaultGitHubOwner, Repositories: DefaultGitHubRepositories},
		srv.Client(),
		slog.Default(),
	)
	baseURL, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	issues.client.BaseURL = baseURL
	return issues
}

func TestGitHubIssues_CreateIssue(t *testing.T) {
	t.Parallel()
	fake := &fakeGitHub{labels: map[string]bool{"bug": true}}
	issues := newTestGitHubIssues(t, "ghp_test", fake)

	ref, err := issues.CreateIssue(context.Background(), "yata", "Broken loot", "details", "bug")
	require.NoError(t, err)
	assert.Equal(t, 1, ref.Number)
	assert.Equal(t, "https://github.com/"+DefaultGitHubOwner+"/yata/issues/1", ref.URL)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.created, 1)
	assert.Equal(t, githubRequest{Title: "Broken loot", Body: "details", Labels: []string{"bug"}}, fake.created[0])
	assert.Equal(t, []string{"Bearer ghp_test"}, fake.auth)
}

func TestGitHubIssues_MissingLabel(t *testing.T) {
	t.Parallel()
	fake := &fakeGitHub{labels: map[string]bool{}}
	issues := newTestGitHubIssues(t, "", fake)

	_, err := issues.CreateIssue(context.Background(), "yata-bot", "Idea", "details", CommandSuggestion)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.created, 1)
	assert.Empty(t, fake.created[0].Labels)
	assert.Equal(t, []string{""}, fake.auth)
}

func TestGitHubIssues_Errors(t *testing.T) {
	t.Parallel()
	fake := &fakeGitHub{fail: true}
	issues := newTestGitHubIssues(t, "ghp_test", fake)

	_, err := issues.CreateIssue(context.Background(), "other", "title", "body", "")
	assert.ErrorIs(t, err, ErrUnknownRepository)

	_, err = issues.CreateIssue(context.Background(), "yata", "title", "body", "")
	assert.ErrorContains(t, err, "Resource not accessible by integration")
}

func TestGitHubIssues_LabelLookupError(t *testing.T) {
	t.Parallel()
	fake := &fakeGitHub{labels: map[string]bool{"bug": true}, labelStatus: http.StatusUnauthorized}
	issues := newTestGitHubIssues(t, "ghp_expired", fake)

	_, err := issues.CreateIssue(context.Background(), "yata", "Broken loot", "details", "bug")
	require.ErrorContains(t, err, "Bad credentials")

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.created)
}
