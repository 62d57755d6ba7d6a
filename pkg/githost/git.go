package githost

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coverforge/coverforge/pkg/sandbox"
)

const (
	cloneTimeout = 5 * time.Minute
	pushTimeout  = 2 * time.Minute
	gitMaxBuffer = 10 * 1024 * 1024
)

// credentialPattern matches embedded basic-auth credentials in git output so
// they never reach logs or error messages.
var credentialPattern = regexp.MustCompile(`https?://[^@/\s]+@`)

// Clone checks the repository out into a unique directory under the clone
// base. Credentials travel via an http.extraHeader, never inside the URL,
// so they cannot leak through .git/config or error output. The bot identity
// is configured on the clone for later commits.
func (g *GitHub) Clone(ctx context.Context, repoURL, branch string) (string, error) {
	if _, _, err := parseRepoURL(repoURL); err != nil {
		return "", err
	}

	if err := os.MkdirAll(g.cfg.CloneBasePath, 0o755); err != nil {
		return "", &HostError{Op: "clone", Err: err}
	}

	localPath := filepath.Join(g.cfg.CloneBasePath, uuid.NewString())

	args := g.authArgs()
	args = append(args, "clone")
	if branch != "" {
		args = append(args, "--depth", "1", "--single-branch", "--branch", branch)
	}
	args = append(args, repoURL, localPath)

	if _, err := g.git(ctx, "", cloneTimeout, args...); err != nil {
		_ = os.RemoveAll(localPath)
		return "", &HostError{Op: "clone", Err: fmt.Errorf("%s", sanitizeGitError(err))}
	}

	// Bot identity for commits made in this clone.
	if _, err := g.git(ctx, localPath, pushTimeout, "config", "user.name", g.cfg.BotName); err != nil {
		_ = os.RemoveAll(localPath)
		return "", &HostError{Op: "configure identity", Err: err}
	}
	if _, err := g.git(ctx, localPath, pushTimeout, "config", "user.email", g.cfg.BotEmail); err != nil {
		_ = os.RemoveAll(localPath)
		return "", &HostError{Op: "configure identity", Err: err}
	}

	g.log.Info("repository cloned",
		slog.String("repo", repoURL),
		slog.String("path", localPath))

	return localPath, nil
}

// DefaultBranch returns the head branch of the local clone, falling back to
// "main" when the checkout reports none.
func (g *GitHub) DefaultBranch(ctx context.Context, localPath string) (string, error) {
	result, err := g.git(ctx, localPath, 30*time.Second, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		g.log.Warn("could not resolve default branch, assuming main", slog.String("path", localPath))
		return "main", nil
	}

	branch := strings.TrimSpace(result.Stdout)
	if branch == "" {
		return "main", nil
	}
	return branch, nil
}

// CommitAndPush creates branchName, writes the file map (creating parents),
// stages only the explicit paths, commits, and pushes with upstream
// tracking. Staging is always path-scoped so incidental files (coverage
// artifacts, injected configs) never leak into the commit.
func (g *GitHub) CommitAndPush(ctx context.Context, localPath, branchName string, files map[string]string, commitMessage string, pathsToStage []string) error {
	if _, err := g.git(ctx, localPath, 30*time.Second, "checkout", "-b", branchName); err != nil {
		return &HostError{Op: "create branch", Err: fmt.Errorf("%s", sanitizeGitError(err))}
	}

	for rel, content := range files {
		abs := filepath.Join(localPath, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return &HostError{Op: "write file", Err: err}
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return &HostError{Op: "write file", Err: err}
		}
	}

	stage := pathsToStage
	if stage == nil {
		for rel := range files {
			stage = append(stage, rel)
		}
	}
	addArgs := append([]string{"add", "--"}, stage...)
	if _, err := g.git(ctx, localPath, 30*time.Second, addArgs...); err != nil {
		return &HostError{Op: "stage files", Err: fmt.Errorf("%s", sanitizeGitError(err))}
	}

	if _, err := g.git(ctx, localPath, 30*time.Second, "commit", "-m", commitMessage); err != nil {
		return &HostError{Op: "commit", Err: fmt.Errorf("%s", sanitizeGitError(err))}
	}

	pushArgs := g.authArgs()
	pushArgs = append(pushArgs, "push", "-u", "origin", branchName)
	if _, err := g.git(ctx, localPath, pushTimeout, pushArgs...); err != nil {
		return &HostError{Op: "push", Err: fmt.Errorf("%s", sanitizeGitError(err))}
	}

	g.log.Info("branch pushed",
		slog.String("branch", branchName),
		slog.Int("files", len(stage)))

	return nil
}

// Cleanup removes a clone directory. Absent paths are silent.
func (g *GitHub) Cleanup(ctx context.Context, localPath string) error {
	if localPath == "" {
		return nil
	}
	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(localPath); err != nil {
		return &HostError{Op: "cleanup", Err: err}
	}
	return nil
}

// authArgs returns the per-invocation git config that injects the credential
// as an HTTP header. An empty token yields no extra arguments.
func (g *GitHub) authArgs() []string {
	if !g.cfg.HasToken() {
		return nil
	}
	basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + g.cfg.Token))
	return []string{"-c", "http.extraHeader=AUTHORIZATION: basic " + basic}
}

func (g *GitHub) git(ctx context.Context, dir string, timeout time.Duration, args ...string) (*sandbox.HostResult, error) {
	return g.exec.ExecHost(ctx, sandbox.HostCommand{
		Command:   "git",
		Args:      args,
		Dir:       dir,
		Timeout:   timeout,
		MaxBuffer: gitMaxBuffer,
		Env: map[string]string{
			// Never fall back to interactive credential prompts.
			"GIT_TERMINAL_PROMPT": "0",
		},
	})
}

// sanitizeGitError strips embedded credentials from git error output.
func sanitizeGitError(err error) string {
	return credentialPattern.ReplaceAllString(err.Error(), "https://***@")
}
