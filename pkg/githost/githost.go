// Package githost implements provider-side repository operations against
// GitHub: manifest inspection, permission checks, cloning, branch pushes and
// pull requests. Git plumbing runs on the host (it never executes repository
// code); everything else is the REST API.
package githost

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// InvalidRepoURLError distinguishes malformed repository URLs; they fail
// fast before any provider call.
type InvalidRepoURLError struct {
	URL string
}

func (e *InvalidRepoURLError) Error() string {
	return fmt.Sprintf("invalid repository URL: %s", e.URL)
}

// HostError wraps provider-side failures.
type HostError struct {
	Op  string
	Err error
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// Host is the capability surface the core consumes.
type Host interface {
	// HasRequiredDependencies reports whether every named package appears in
	// the repo's declared runtime or development dependencies. Reads the
	// manifest through the API; no clone.
	HasRequiredDependencies(ctx context.Context, repoURL string, deps []string) (bool, error)

	// CheckPermissions reports whether the configured credential has write
	// or admin rights. Without a credential it returns true (development
	// mode) and logs a warning.
	CheckPermissions(ctx context.Context, repoURL string) (bool, error)

	// Clone checks the repository out into a unique directory under the
	// configured base and returns its path. A non-empty branch is cloned
	// shallowly as the sole branch.
	Clone(ctx context.Context, repoURL, branch string) (string, error)

	// DefaultBranch returns the checked-out head branch of a local clone,
	// falling back to "main".
	DefaultBranch(ctx context.Context, localPath string) (string, error)

	// CommitAndPush creates branchName, writes files, stages only
	// pathsToStage (or the file map's keys when nil), commits and pushes
	// with upstream tracking.
	CommitAndPush(ctx context.Context, localPath, branchName string, files map[string]string, commitMessage string, pathsToStage []string) error

	// CreatePullRequest opens a PR and returns its URL. Without a
	// credential it returns a synthesized mock URL and logs.
	CreatePullRequest(ctx context.Context, repoURL, headBranch, title, body, baseBranch string) (string, error)

	// Cleanup recursively removes a clone directory; absent paths are
	// silent.
	Cleanup(ctx context.Context, localPath string) error
}

// parseRepoURL extracts owner and repo from a GitHub HTTPS URL.
func parseRepoURL(repoURL string) (owner, repo string, err error) {
	u, parseErr := url.Parse(repoURL)
	if parseErr != nil || u.Scheme == "" || u.Host == "" {
		return "", "", &InvalidRepoURLError{URL: repoURL}
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &InvalidRepoURLError{URL: repoURL}
	}

	return parts[0], strings.TrimSuffix(parts[1], ".git"), nil
}
