package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coverforge/coverforge/pkg/logger"
	"github.com/coverforge/coverforge/pkg/sandbox"
)

const (
	// Scratch configs written into the clone for one validation call and
	// removed on every exit path.
	validationTsconfig     = "tsconfig.validation.json"
	verificationJestConfig = "jest.config.verification.js"

	validatorTimeout = 120 * time.Second

	// maxUncoveredSample bounds the uncovered-statement ids quoted in a
	// low-coverage error.
	maxUncoveredSample = 20
)

// ignorableTSCodes are type-mismatch and missing-symbol diagnostics that do
// not block execution under ts-jest's isolated-modules transpilation. Any
// other compiler error is fatal.
var ignorableTSCodes = map[int]struct{}{
	2304: {}, // cannot find name
	2307: {}, // cannot find module
	2322: {}, // type not assignable
	2339: {}, // property does not exist on type
	2345: {}, // argument type mismatch
	2552: {}, // cannot find name (did you mean)
}

var tsErrorPattern = regexp.MustCompile(`error TS(\d+):`)

// jsonPrefixes are the known openings of the runner's JSON payload; the
// runner may print noise before it, so parsing starts at the last
// occurrence of any of these.
var jsonPrefixes = []string{
	`{"numFailedTestSuites"`,
	`{"numFailedTests"`,
	`{"testResults"`,
	`{"success"`,
}

// ValidatorError wraps system-level validation faults (scratch file I/O,
// sandbox unavailable). Test failures are not errors; they come back in the
// Result.
type ValidatorError struct {
	Op  string
	Err error
}

func (e *ValidatorError) Error() string {
	return fmt.Sprintf("validator %s: %v", e.Op, e.Err)
}

func (e *ValidatorError) Unwrap() error {
	return e.Err
}

// Result is the outcome of validating one generated test file.
type Result struct {
	Success   bool
	ErrorText string
	Coverage  float64
}

// Validator compile-checks a generated test, executes it, and enforces the
// coverage threshold against its target source file.
type Validator struct {
	runner sandbox.Runner
	log    *slog.Logger
}

// NewValidator creates a test validator.
func NewValidator(runner sandbox.Runner, log *slog.Logger) *Validator {
	return &Validator{
		runner: runner,
		log:    log.With(logger.Scope("generation.validator")),
	}
}

// Validate runs the two-phase check on testRel (repo-relative) inside
// repoPath. Failures a repaired generation could fix are reported in the
// Result; only system faults return an error.
func (v *Validator) Validate(ctx context.Context, testRel, repoPath string, targetCoverage float64) (*Result, error) {
	if res, err := v.compileCheck(ctx, testRel, repoPath); err != nil || res != nil {
		return res, err
	}
	return v.executeAndMeasure(ctx, testRel, repoPath, targetCoverage)
}

// compileCheck type-checks only the test file. A nil, nil return means the
// phase passed.
func (v *Validator) compileCheck(ctx context.Context, testRel, repoPath string) (*Result, error) {
	tsconfig := map[string]any{
		"compilerOptions": map[string]any{
			"target":           "ES2020",
			"module":           "commonjs",
			"moduleResolution": "node",
			"esModuleInterop":  true,
			"skipLibCheck":     true,
			"isolatedModules":  true,
			"noEmit":           true,
			"types":            []string{"jest", "node"},
		},
		"include": []string{testRel},
	}
	data, _ := json.MarshalIndent(tsconfig, "", "  ")

	configAbs := filepath.Join(repoPath, validationTsconfig)
	if err := os.WriteFile(configAbs, data, 0o644); err != nil {
		return nil, &ValidatorError{Op: "write tsconfig", Err: err}
	}
	defer os.Remove(configAbs)

	res := v.runner.Run(ctx, sandbox.RunRequest{
		Command: selectBinary(repoPath, "tsc"),
		Args:    []string{"--project", validationTsconfig, "--noEmit"},
		HostDir: repoPath,
		Timeout: validatorTimeout,
	})
	if res.TimedOut() {
		return nil, &ValidatorError{Op: "compile", Err: fmt.Errorf("timed out after %s", validatorTimeout)}
	}
	if res.Success {
		return nil, nil
	}

	if hasFatalCompileError(res.Output) {
		return &Result{
			Success:   false,
			ErrorText: "TypeScript compilation failed:\n" + res.Output,
		}, nil
	}

	// Only ignorable diagnostics: ts-jest will still execute the file.
	return nil, nil
}

// hasFatalCompileError scans compiler output for an error code outside the
// ignorable set.
func hasFatalCompileError(output string) bool {
	for _, line := range strings.Split(output, "\n") {
		m := tsErrorPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		code, err := strconv.Atoi(m[1])
		if err != nil {
			return true
		}
		if _, ok := ignorableTSCodes[code]; !ok {
			return true
		}
	}
	return false
}

// executeAndMeasure runs the test with coverage scoped to its target source
// file and enforces the threshold.
func (v *Validator) executeAndMeasure(ctx context.Context, testRel, repoPath string, targetCoverage float64) (*Result, error) {
	sourceRel := SourceForVerification(testRel)

	jestConfig := fmt.Sprintf(`module.exports = {
  preset: 'ts-jest',
  testEnvironment: 'node',
  testMatch: ['<rootDir>/%s'],
  collectCoverage: true,
  collectCoverageFrom: [%q],
  coverageReporters: [],
};
`, testRel, sourceRel)

	configAbs := filepath.Join(repoPath, verificationJestConfig)
	if err := os.WriteFile(configAbs, []byte(jestConfig), 0o644); err != nil {
		return nil, &ValidatorError{Op: "write jest config", Err: err}
	}
	defer os.Remove(configAbs)

	res := v.runner.Run(ctx, sandbox.RunRequest{
		Command: selectBinary(repoPath, "jest"),
		Args:    []string{"--config", verificationJestConfig, "--json", "--forceExit", "--silent"},
		HostDir: repoPath,
		Timeout: validatorTimeout,
	})
	if res.TimedOut() {
		return nil, &ValidatorError{Op: "execute", Err: fmt.Errorf("timed out after %s", validatorTimeout)}
	}

	payload, ok := extractRunnerJSON(res.Output)
	if !ok {
		if !res.Success {
			return &Result{
				Success:   false,
				ErrorText: "test execution failed:\n" + tailText(res.Output, 4000),
			}, nil
		}
		return nil, &ValidatorError{Op: "parse output", Err: fmt.Errorf("no JSON payload in runner output")}
	}

	var parsed struct {
		Success     bool                       `json:"success"`
		CoverageMap map[string]json.RawMessage `json:"coverageMap"`
		TestResults []struct {
			Message string `json:"message"`
		} `json:"testResults"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, &ValidatorError{Op: "parse output", Err: err}
	}

	if len(parsed.CoverageMap) == 0 {
		if !res.Success {
			return &Result{
				Success:   false,
				ErrorText: "test execution failed:\n" + testMessages(parsed.TestResults),
			}, nil
		}
		return &Result{
			Success:   false,
			ErrorText: fmt.Sprintf("no coverage collected for %s", sourceRel),
		}, nil
	}

	if !parsed.Success {
		return &Result{
			Success:   false,
			ErrorText: "tests failed:\n" + testMessages(parsed.TestResults),
		}, nil
	}

	pct, uncovered, found := coverageForSource(parsed.CoverageMap, sourceRel)
	if !found {
		return &Result{
			Success:   false,
			ErrorText: fmt.Sprintf("coverage map has no entry for %s", sourceRel),
		}, nil
	}

	if pct < targetCoverage {
		errText := fmt.Sprintf("statement coverage %.1f%% is below the %.1f%% target",
			pct, targetCoverage)
		if len(uncovered) > 0 {
			errText += "; uncovered statements: " + strings.Join(uncovered, ", ")
		}
		return &Result{
			Success:   false,
			Coverage:  pct,
			ErrorText: errText,
		}, nil
	}

	return &Result{Success: true, Coverage: pct}, nil
}

// extractRunnerJSON finds the last occurrence of a known JSON prefix in the
// runner's output and returns the payload from there.
func extractRunnerJSON(output string) (string, bool) {
	best := -1
	for _, prefix := range jsonPrefixes {
		if idx := strings.LastIndex(output, prefix); idx > best {
			best = idx
		}
	}
	if best < 0 {
		return "", false
	}
	return output[best:], true
}

// coverageEntry is the per-file slice of the runner's coverage map the
// validator consumes: a published percentage when present, else the raw
// statement-hit map.
type coverageEntry struct {
	Statements struct {
		Pct *float64 `json:"pct"`
	} `json:"statements"`
	Lines struct {
		Pct *float64 `json:"pct"`
	} `json:"lines"`
	S map[string]int `json:"s"`
}

// coverageForSource locates sourceRel in the coverage map by longest-suffix
// match and computes its statement coverage.
func coverageForSource(coverageMap map[string]json.RawMessage, sourceRel string) (float64, []string, bool) {
	bestKey := ""
	bestLen := 0
	base := "/" + filepath.Base(sourceRel)
	relSuffix := "/" + sourceRel

	for key := range coverageMap {
		normalized := filepath.ToSlash(key)
		switch {
		case normalized == sourceRel || strings.HasSuffix(normalized, relSuffix):
			if len(relSuffix) > bestLen {
				bestKey, bestLen = key, len(relSuffix)
			}
		case strings.HasSuffix(normalized, base):
			if len(base) > bestLen {
				bestKey, bestLen = key, len(base)
			}
		}
	}
	if bestKey == "" {
		return 0, nil, false
	}

	var entry coverageEntry
	if err := json.Unmarshal(coverageMap[bestKey], &entry); err != nil {
		return 0, nil, false
	}

	// The statement-hit map backs the uncovered sample even when a
	// percentage is published alongside it.
	if entry.Statements.Pct != nil {
		return *entry.Statements.Pct, uncoveredSample(entry.S), true
	}
	if entry.Lines.Pct != nil {
		return *entry.Lines.Pct, uncoveredSample(entry.S), true
	}

	if len(entry.S) == 0 {
		return 0, nil, true
	}

	hits := 0
	for _, count := range entry.S {
		if count > 0 {
			hits++
		}
	}

	pct := float64(hits) / float64(len(entry.S)) * 100
	return pct, uncoveredSample(entry.S), true
}

// uncoveredSample lists up to maxUncoveredSample unexecuted statement ids,
// sorted, or nil when everything was hit.
func uncoveredSample(s map[string]int) []string {
	var uncovered []string
	for id, count := range s {
		if count <= 0 {
			uncovered = append(uncovered, id)
		}
	}
	sort.Strings(uncovered)
	if len(uncovered) > maxUncoveredSample {
		uncovered = uncovered[:maxUncoveredSample]
	}
	return uncovered
}

func testMessages(results []struct {
	Message string `json:"message"`
}) string {
	var parts []string
	for _, r := range results {
		if r.Message != "" {
			parts = append(parts, r.Message)
		}
	}
	if len(parts) == 0 {
		return "(no failure details reported)"
	}
	return strings.Join(parts, "\n")
}

// SourceForVerification maps a verification test path back to its target
// source: src/calc.verification.test.ts becomes src/calc.ts.
func SourceForVerification(testRel string) string {
	for _, suffix := range []string{".verification.test.ts", ".spec.ts", ".test.ts"} {
		if strings.HasSuffix(testRel, suffix) {
			return strings.TrimSuffix(testRel, suffix) + ".ts"
		}
	}
	return testRel
}

// selectBinary prefers the repo's locally installed toolchain binary and
// falls back to the shared toolchain volume.
func selectBinary(repoPath, name string) string {
	local := filepath.Join("node_modules", ".bin", name)
	if _, err := os.Stat(filepath.Join(repoPath, local)); err == nil {
		return filepath.ToSlash(local)
	}
	return sandbox.ToolchainBin + "/" + name
}

// tailText returns the last n bytes of s.
func tailText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
