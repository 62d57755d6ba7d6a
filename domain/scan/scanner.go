package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coverforge/coverforge/domain/repos"
	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/pkg/logger"
	"github.com/coverforge/coverforge/pkg/sandbox"
)

// scanConfigFile is the temporary runner config written when the repo has
// none of its own. Removed on every exit path.
const scanConfigFile = "jest.config.ci-scan.cjs"

// summaryRelPath is where the json-summary reporter leaves its output.
const summaryRelPath = "coverage/coverage-summary.json"

// jestConfigFiles are the config filenames the runner recognizes on its own.
var jestConfigFiles = []string{
	"jest.config.js",
	"jest.config.ts",
	"jest.config.mjs",
	"jest.config.cjs",
	"jest.config.json",
}

// ScanError marks an unrecoverable scan failure; the queue retries it per
// policy and repo state is left untouched.
type ScanError struct {
	Op  string
	Err error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Op, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// Scanner measures per-file line coverage of a cloned repository by running
// its test suite inside the sandbox.
type Scanner struct {
	runner sandbox.Runner
	cfg    config.SandboxConfig
	log    *slog.Logger
}

// NewScanner creates a coverage scanner.
func NewScanner(cfg *config.Config, runner sandbox.Runner, log *slog.Logger) *Scanner {
	return &Scanner{
		runner: runner,
		cfg:    cfg.Sandbox,
		log:    log.With(logger.Scope("scan.scanner")),
	}
}

// Scan installs dependencies, runs the repo's tests with coverage, and
// returns the per-file report ordered by path. Assertion failures are soft
// (the summary is still consumed); setup failures, timeouts and overflowing
// output are fatal.
func (s *Scanner) Scan(ctx context.Context, localPath string) ([]repos.FileCoverage, error) {
	if err := s.install(ctx, localPath); err != nil {
		return nil, err
	}

	tempConfig, err := s.ensureConfig(localPath)
	if err != nil {
		return nil, err
	}
	if tempConfig {
		defer os.Remove(filepath.Join(localPath, scanConfigFile))
	}

	if err := s.runTests(ctx, localPath, tempConfig); err != nil {
		return nil, err
	}

	report, err := s.parseSummary(localPath)
	if err != nil {
		return nil, err
	}

	// No summary or an empty one: report every scannable file at zero so the
	// repo still gets a complete picture.
	if len(report) == 0 {
		report, err = s.walkZero(localPath)
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(report, func(i, j int) bool { return report[i].FilePath < report[j].FilePath })

	s.log.Info("scan finished",
		slog.String("path", localPath),
		slog.Int("files", len(report)))

	return report, nil
}

// install resolves the lockfile-appropriate install command and runs it with
// network access. Skipped when node_modules already exists. Post-install
// scripts never run; they are untrusted code outside the test sandbox's
// purpose.
func (s *Scanner) install(ctx context.Context, localPath string) error {
	if _, err := os.Stat(filepath.Join(localPath, "node_modules")); err == nil {
		return nil
	}

	command, args := installCommand(localPath)

	res := s.runner.Run(ctx, sandbox.RunRequest{
		Command:      command,
		Args:         args,
		HostDir:      localPath,
		Timeout:      s.cfg.InstallTimeout,
		AllowNetwork: true,
	})
	if res.TimedOut() {
		return &ScanError{Op: "install", Err: fmt.Errorf("timed out after %s", s.cfg.InstallTimeout)}
	}
	if res.Truncated {
		return &ScanError{Op: "install", Err: fmt.Errorf("output exceeded %d bytes", s.cfg.MaxOutputBytes)}
	}
	if !res.Success {
		return &ScanError{Op: "install", Err: fmt.Errorf("%s failed: %s", command, tail(res.Output, 2000))}
	}
	return nil
}

// installCommand picks the strict-lock install for the detected lockfile,
// falling back to a permissive npm install.
func installCommand(localPath string) (string, []string) {
	switch {
	case fileExists(filepath.Join(localPath, "package-lock.json")):
		return "npm", []string{"ci", "--ignore-scripts"}
	case fileExists(filepath.Join(localPath, "yarn.lock")):
		return "yarn", []string{"install", "--frozen-lockfile", "--ignore-scripts"}
	case fileExists(filepath.Join(localPath, "pnpm-lock.yaml")):
		return "pnpm", []string{"install", "--frozen-lockfile", "--ignore-scripts"}
	default:
		return "npm", []string{"install", "--ignore-scripts"}
	}
}

// ensureConfig honours the repo's own runner config; only when none exists
// it writes the minimal temporary one. Returns whether the temp config was
// written.
func (s *Scanner) ensureConfig(localPath string) (bool, error) {
	if hasJestConfig(localPath) {
		return false, nil
	}

	content := minimalJestConfig()
	if err := os.WriteFile(filepath.Join(localPath, scanConfigFile), []byte(content), 0o644); err != nil {
		return false, &ScanError{Op: "write config", Err: err}
	}
	return true, nil
}

// hasJestConfig reports whether the repo configures the runner itself,
// either through a manifest field or a recognized config file.
func hasJestConfig(localPath string) bool {
	for _, name := range jestConfigFiles {
		if fileExists(filepath.Join(localPath, name)) {
			return true
		}
	}

	data, err := os.ReadFile(filepath.Join(localPath, "package.json"))
	if err != nil {
		return false
	}
	var manifest struct {
		Jest json.RawMessage `json:"jest"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return false
	}
	return len(manifest.Jest) > 0
}

// minimalJestConfig renders the temporary config: ts-jest over the whole
// tree minus the canonical exclusion set.
func minimalJestConfig() string {
	globs, _ := json.Marshal(coverageCollectGlobs())
	return fmt.Sprintf(`module.exports = {
  preset: 'ts-jest',
  testEnvironment: 'node',
  collectCoverageFrom: %s,
};
`, globs)
}

// runTests executes the runner with json-summary coverage. A plain failing
// exit is soft (assertion failures still produce a summary); timeouts and
// overflow are fatal.
func (s *Scanner) runTests(ctx context.Context, localPath string, tempConfig bool) error {
	jestBin := sandbox.ToolchainBin + "/jest"
	if fileExists(filepath.Join(localPath, "node_modules", ".bin", "jest")) {
		jestBin = "node_modules/.bin/jest"
	}

	args := []string{
		"--coverage",
		"--coverageReporters=json-summary",
		"--passWithNoTests",
		"--forceExit",
		"--ci",
		"--silent",
	}
	if tempConfig {
		args = append(args, "--config", scanConfigFile)
	}

	res := s.runner.Run(ctx, sandbox.RunRequest{
		Command: jestBin,
		Args:    args,
		HostDir: localPath,
		Timeout: s.cfg.TestTimeout,
	})
	if res.TimedOut() {
		return &ScanError{Op: "run tests", Err: fmt.Errorf("timed out after %s", s.cfg.TestTimeout)}
	}
	if res.Truncated {
		return &ScanError{Op: "run tests", Err: fmt.Errorf("output exceeded %d bytes", s.cfg.MaxOutputBytes)}
	}
	if !res.Success {
		s.log.Debug("test run exited non-zero, consuming summary anyway",
			slog.String("path", localPath))
	}
	return nil
}

// parseSummary reads the json-summary report, relativizes each entry to the
// repo and applies the exclusion filter. A missing summary is not an error;
// the caller falls back to the zero walk.
func (s *Scanner) parseSummary(localPath string) ([]repos.FileCoverage, error) {
	data, err := os.ReadFile(filepath.Join(localPath, filepath.FromSlash(summaryRelPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ScanError{Op: "read summary", Err: err}
	}

	var summary map[string]struct {
		Lines struct {
			Pct any `json:"pct"`
		} `json:"lines"`
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, &ScanError{Op: "parse summary", Err: err}
	}

	realRepo, err := filepath.EvalSymlinks(localPath)
	if err != nil {
		realRepo = localPath
	}

	report := make([]repos.FileCoverage, 0, len(summary))
	for file, entry := range summary {
		if file == "total" {
			continue
		}

		rel, ok := s.relativize(realRepo, file)
		if !ok {
			continue
		}
		if ExcludedPath(rel) {
			continue
		}

		report = append(report, repos.FileCoverage{
			FilePath:      rel,
			LinesCoverage: clampPct(entry.Lines.Pct),
		})
	}
	return report, nil
}

// relativize maps a summary path (in-sandbox /app path or a host path) onto
// a forward-slash repo-relative path. Entries escaping the repo are dropped.
func (s *Scanner) relativize(realRepo, file string) (string, bool) {
	if rel, found := strings.CutPrefix(file, sandbox.AppDir+"/"); found {
		return rel, true
	}

	resolved, err := filepath.EvalSymlinks(file)
	if err != nil {
		resolved = file
	}
	rel, err := filepath.Rel(realRepo, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		s.log.Debug("dropping summary entry outside repo", slog.String("file", file))
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// walkZero reports every scannable source file at 0%, used when the runner
// produced no usable summary.
func (s *Scanner) walkZero(localPath string) ([]repos.FileCoverage, error) {
	report := make([]repos.FileCoverage, 0)

	err := filepath.WalkDir(localPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if ExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".ts") && !strings.HasSuffix(path, ".tsx") {
			return nil
		}
		if ExcludedFile(d.Name()) {
			return nil
		}

		rel, relErr := filepath.Rel(localPath, path)
		if relErr != nil {
			return relErr
		}
		report = append(report, repos.FileCoverage{
			FilePath:      filepath.ToSlash(rel),
			LinesCoverage: 0,
		})
		return nil
	})
	if err != nil {
		return nil, &ScanError{Op: "walk", Err: err}
	}
	return report, nil
}

func clampPct(v any) float64 {
	pct, ok := v.(float64)
	if !ok {
		return 0
	}
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// tail returns the last n bytes of s for error messages.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
