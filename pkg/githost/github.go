package githost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/pkg/logger"
	"github.com/coverforge/coverforge/pkg/sandbox"
)

const githubAPIBaseURL = "https://api.github.com"

// GitHub implements Host against the GitHub REST API and host-side git.
type GitHub struct {
	cfg        config.GitHubConfig
	exec       sandbox.HostRunner
	log        *slog.Logger
	httpClient *http.Client
	apiBaseURL string
}

// NewGitHub creates the GitHub host.
func NewGitHub(cfg config.GitHubConfig, exec sandbox.HostRunner, log *slog.Logger) *GitHub {
	return &GitHub{
		cfg:        cfg,
		exec:       exec,
		log:        log.With(logger.Scope("githost")),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		apiBaseURL: githubAPIBaseURL,
	}
}

// packageManifest is the subset of package.json the dependency check needs.
type packageManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// HasRequiredDependencies reads package.json through the contents API and
// checks every required name against declared runtime and dev dependencies.
func (g *GitHub) HasRequiredDependencies(ctx context.Context, repoURL string, deps []string) (bool, error) {
	owner, repo, err := parseRepoURL(repoURL)
	if err != nil {
		return false, err
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/contents/package.json", g.apiBaseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, &HostError{Op: "read manifest", Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github.raw+json")
	g.authorize(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, &HostError{Op: "read manifest", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, &HostError{Op: "read manifest", Err: fmt.Errorf("github responded %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, &HostError{Op: "read manifest", Err: err}
	}

	var manifest packageManifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return false, &HostError{Op: "parse manifest", Err: err}
	}

	for _, dep := range deps {
		if _, ok := manifest.Dependencies[dep]; ok {
			continue
		}
		if _, ok := manifest.DevDependencies[dep]; ok {
			continue
		}
		g.log.Info("required dependency missing",
			slog.String("repo", repoURL),
			slog.String("dependency", dep))
		return false, nil
	}

	return true, nil
}

// CheckPermissions reports push or admin rights for the configured
// credential. Tokenless mode passes with a warning so local development
// works against public repos.
func (g *GitHub) CheckPermissions(ctx context.Context, repoURL string) (bool, error) {
	owner, repo, err := parseRepoURL(repoURL)
	if err != nil {
		return false, err
	}

	if !g.cfg.HasToken() {
		g.log.Warn("no GitHub token configured, skipping permission check", slog.String("repo", repoURL))
		return true, nil
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s", g.apiBaseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, &HostError{Op: "check permissions", Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	g.authorize(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, &HostError{Op: "check permissions", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	var payload struct {
		Permissions struct {
			Admin bool `json:"admin"`
			Push  bool `json:"push"`
		} `json:"permissions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, &HostError{Op: "check permissions", Err: err}
	}

	return payload.Permissions.Admin || payload.Permissions.Push, nil
}

// CreatePullRequest opens a pull request via the REST API. In tokenless
// development mode a mock URL is synthesized instead.
func (g *GitHub) CreatePullRequest(ctx context.Context, repoURL, headBranch, title, body, baseBranch string) (string, error) {
	owner, repo, err := parseRepoURL(repoURL)
	if err != nil {
		return "", err
	}

	if !g.cfg.HasToken() {
		mockURL := fmt.Sprintf("https://github.com/%s/%s/pull/mock-%d", owner, repo, time.Now().Unix())
		g.log.Warn("no GitHub token configured, returning mock pull request URL",
			slog.String("url", mockURL))
		return mockURL, nil
	}

	payload, err := json.Marshal(map[string]string{
		"title": title,
		"head":  headBranch,
		"base":  baseBranch,
		"body":  body,
	})
	if err != nil {
		return "", &HostError{Op: "create pull request", Err: err}
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/pulls", g.apiBaseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &HostError{Op: "create pull request", Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", &HostError{Op: "create pull request", Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return "", &HostError{
			Op:  "create pull request",
			Err: fmt.Errorf("github responded %d: %s", resp.StatusCode, truncateBody(respBody)),
		}
	}

	var pr struct {
		HTMLURL string `json:"html_url"`
	}
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", &HostError{Op: "create pull request", Err: err}
	}

	g.log.Info("pull request created",
		slog.String("repo", repoURL),
		slog.String("head", headBranch),
		slog.String("url", pr.HTMLURL))

	return pr.HTMLURL, nil
}

func (g *GitHub) authorize(req *http.Request) {
	if g.cfg.HasToken() {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
}

func truncateBody(b []byte) string {
	if len(b) > 512 {
		return string(b[:512])
	}
	return string(b)
}
