// Package githost is the pull-request-creation boundary used by the
// Finalizer (spec component C9, §4.9). It is styled after the
// teacher's internal/tools web-search providers (e.g.
// internal/tools/provider_brave.go): a policy-gated, bounded-timeout
// net/http.Client call against a REST API, with the request and
// response shapes narrowed to this module's one operation.
package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/storyctl/internal/audit"
	"github.com/basket/storyctl/internal/policy"
)

// defaultTimeout bounds the whole request/response round trip,
// mirroring provider_brave.go's 10s http.Client timeout.
const defaultTimeout = 30 * time.Second

// Client creates pull requests against a git-hosting API.
type Client interface {
	CreatePullRequest(ctx context.Context, repo, branch, base, title, body string, draft bool) (url string, err error)
}

// HTTPClient is a net/http-based Client targeting a generic REST
// git-hosting API (the GitHub/GitLab/Gitea pull-request-creation
// endpoint shape: POST {baseURL}/repos/{repo}/pulls).
type HTTPClient struct {
	BaseURL string
	Token   string
	Policy  policy.Checker
	HTTP    *http.Client
}

// NewHTTPClient builds an HTTPClient. pol may be nil, in which case
// the policy gate is skipped (used by tests and by deployments that
// don't run internal/policy).
func NewHTTPClient(baseURL, token string, pol policy.Checker) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		Token:   token,
		Policy:  pol,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

type createPullRequestBody struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
	Draft bool   `json:"draft"`
}

type createPullRequestResponse struct {
	HTMLURL string `json:"html_url"`
}

// CreatePullRequest opens a pull request for branch against base in
// repo. repo is an "owner/name"-shaped path segment, appended to
// BaseURL as-is.
func (c *HTTPClient) CreatePullRequest(ctx context.Context, repo, branch, base, title, body string, draft bool) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/pulls", c.BaseURL, repo)

	if c.Policy != nil {
		if !c.Policy.AllowHTTPURL(endpoint) {
			audit.Record("deny", "githost.create_pull_request", "url_denied", c.Policy.PolicyVersion(), endpoint)
			return "", fmt.Errorf("policy denied pull request URL %q", endpoint)
		}
		audit.Record("allow", "githost.create_pull_request", "url_allowed", c.Policy.PolicyVersion(), endpoint)
	}

	payload, err := json.Marshal(createPullRequestBody{Title: title, Head: branch, Base: base, Body: body, Draft: draft})
	if err != nil {
		return "", fmt.Errorf("encode pull request payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read pull request response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create pull request: host returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed createPullRequestResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse pull request response: %w", err)
	}
	if parsed.HTMLURL == "" {
		return "", fmt.Errorf("create pull request: host response carried no html_url")
	}
	return parsed.HTMLURL, nil
}
