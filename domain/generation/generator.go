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
	"strings"
	"sync"

	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/pkg/analyzer"
	"github.com/coverforge/coverforge/pkg/logger"
	"github.com/coverforge/coverforge/pkg/sandbox"
)

const (
	maxAttempts = 3

	// Scratch files written into the clone for one generator invocation.
	promptFile      = ".gemini-prompt.txt"
	systemDir       = ".gemini"
	systemFile      = ".gemini/system.md"
	geminiSystemEnv = "GEMINI_SYSTEM_MD"
)

// Files for which test generation is silently skipped: bootstrap entrypoints
// and declaration-only modules where a unit test adds nothing.
var (
	skippedFilenames = map[string]struct{}{
		"app.ts":         {},
		"main.ts":        {},
		"index.ts":       {},
		"jest.config.ts": {},
	}
	skippedDirNames = map[string]struct{}{
		"interfaces":   {},
		"dto":          {},
		"entities":     {},
		"migrations":   {},
		"node_modules": {},
		"dist":         {},
		"coverage":     {},
		"types":        {},
	}
	skippedExtensions = []string{
		".interface.ts",
		".d.ts",
		".module.ts",
		".entity.ts",
		".dto.ts",
		".spec.ts",
		".test.ts",
	}
)

var fencedCodePattern = regexp.MustCompile("(?s)```(?:typescript|ts|javascript|js)?\\s*\n(.*?)```")

// GenerationError reports that every repair attempt was exhausted. Its text
// surfaces directly on the failed job.
type GenerationError struct {
	SourcePath string
	LastError  string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("failed to generate a passing test for %s after %d attempts: %s",
		e.SourcePath, maxAttempts, e.LastError)
}

type testValidator interface {
	Validate(ctx context.Context, testRel, repoPath string, targetCoverage float64) (*Result, error)
}

type signatureAnalyzer interface {
	Analyze(ctx context.Context, sourcePath, repoPath string) []analyzer.TypeSignatures
}

// Generator produces a unit test for one source file through a bounded
// generate, validate, repair loop against the Gemini CLI.
type Generator struct {
	runner    sandbox.Runner
	validator testValidator
	analyzer  signatureAnalyzer
	gemini    config.GeminiConfig
	log       *slog.Logger
}

// NewGenerator creates the test generator.
func NewGenerator(cfg *config.Config, runner sandbox.Runner, validator *Validator, an *analyzer.Analyzer, log *slog.Logger) *Generator {
	return &Generator{
		runner:    runner,
		validator: validator,
		analyzer:  an,
		gemini:    cfg.Gemini,
		log:       log.With(logger.Scope("generation.generator")),
	}
}

// GenerateTest writes a validated test for sourceRel at testRel inside
// repoPath. Skippable files return nil without touching the clone. The test
// only lands at testRel after the validator accepts it; failed candidates
// never survive an invocation.
func (g *Generator) GenerateTest(ctx context.Context, sourceRel, testRel, repoPath string, targetCoverage float64) error {
	if SkipGeneration(sourceRel) {
		g.log.Info("skipping generation for excluded file", slog.String("file", sourceRel))
		return nil
	}

	pctx, err := g.gatherContext(ctx, sourceRel, testRel, repoPath)
	if err != nil {
		return err
	}

	verificationRel := VerificationPath(testRel)
	verificationAbs := filepath.Join(repoPath, filepath.FromSlash(verificationRel))

	lastError := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log := g.log.With(
			slog.String("file", sourceRel),
			slog.Int("attempt", attempt))

		code, err := g.invokeModel(ctx, repoPath, buildPrompt(pctx, targetCoverage, lastError), targetCoverage)
		if err != nil {
			lastError = err.Error()
			log.Warn("generator invocation failed", logger.Error(err))
			continue
		}

		if err := os.MkdirAll(filepath.Dir(verificationAbs), 0o755); err != nil {
			return fmt.Errorf("failed to stage generated test: %w", err)
		}
		if err := os.WriteFile(verificationAbs, []byte(code), 0o644); err != nil {
			return fmt.Errorf("failed to stage generated test: %w", err)
		}

		res, err := g.validator.Validate(ctx, verificationRel, repoPath, targetCoverage)
		if err != nil {
			lastError = err.Error()
			log.Warn("validation faulted", logger.Error(err))
			continue
		}
		if res.Success {
			testAbs := filepath.Join(repoPath, filepath.FromSlash(testRel))
			if err := os.Rename(verificationAbs, testAbs); err != nil {
				return fmt.Errorf("failed to finalize generated test: %w", err)
			}
			log.Info("generated test accepted", slog.Float64("coverage", res.Coverage))
			return nil
		}

		lastError = res.ErrorText
		log.Info("candidate rejected", slog.String("reason", firstLine(lastError)))
	}

	// Leave no rejected candidate behind in the clone.
	_ = os.Remove(verificationAbs)

	return &GenerationError{SourcePath: sourceRel, LastError: lastError}
}

// promptContext is everything the prompt template needs about the target.
type promptContext struct {
	sourceRel   string
	testRel     string
	sourceCode  string
	importPath  string
	packages    []string
	signatures  string
	packageName string
}

// gatherContext reads the source, the declared dependencies, and the
// constructor-dependency signatures concurrently. Only the source read is
// mandatory.
func (g *Generator) gatherContext(ctx context.Context, sourceRel, testRel, repoPath string) (*promptContext, error) {
	pctx := &promptContext{
		sourceRel:  sourceRel,
		testRel:    testRel,
		importPath: relativeImportPath(testRel, sourceRel),
	}

	var (
		wg        sync.WaitGroup
		sourceErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		data, err := os.ReadFile(filepath.Join(repoPath, filepath.FromSlash(sourceRel)))
		if err != nil {
			sourceErr = fmt.Errorf("failed to read source file %s: %w", sourceRel, err)
			return
		}
		pctx.sourceCode = string(data)
	}()
	go func() {
		defer wg.Done()
		pctx.packages, pctx.packageName = declaredPackages(repoPath)
	}()
	go func() {
		defer wg.Done()
		sigs := g.analyzer.Analyze(ctx, filepath.Join(repoPath, filepath.FromSlash(sourceRel)), repoPath)
		pctx.signatures = analyzer.FormatBlock(sigs)
	}()
	wg.Wait()

	if sourceErr != nil {
		return nil, sourceErr
	}
	return pctx, nil
}

// invokeModel writes the prompt scratch files, runs the CLI inside the
// sandbox with network enabled, and returns the sanitized test code.
func (g *Generator) invokeModel(ctx context.Context, repoPath, prompt string, targetCoverage float64) (string, error) {
	promptAbs := filepath.Join(repoPath, promptFile)
	if err := os.WriteFile(promptAbs, []byte(prompt), 0o644); err != nil {
		return "", fmt.Errorf("failed to write prompt: %w", err)
	}
	defer os.Remove(promptAbs)

	systemAbs := filepath.Join(repoPath, filepath.FromSlash(systemFile))
	if err := os.MkdirAll(filepath.Join(repoPath, systemDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to write system instruction: %w", err)
	}
	if err := os.WriteFile(systemAbs, []byte(systemInstruction(targetCoverage)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write system instruction: %w", err)
	}
	defer os.RemoveAll(filepath.Join(repoPath, systemDir))

	res := g.runner.Run(ctx, sandbox.RunRequest{
		Command: "sh",
		Args: []string{"-c", fmt.Sprintf("%s/gemini --model %s --output-format json < %s",
			sandbox.ToolchainBin, g.gemini.Model, promptFile)},
		HostDir: repoPath,
		Env: map[string]string{
			"GEMINI_API_KEY": g.gemini.APIKey,
			geminiSystemEnv:  sandbox.AppDir + "/" + systemFile,
		},
		Timeout:      g.gemini.Timeout,
		AllowNetwork: true,
	})
	if res.TimedOut() {
		return "", fmt.Errorf("generator timed out after %s", g.gemini.Timeout)
	}
	if !res.Success {
		return "", fmt.Errorf("generator exited abnormally: %s", firstLine(tailText(res.Output, 2000)))
	}

	text, err := parseModelResponse(res.Output)
	if err != nil {
		return "", err
	}

	code := extractCode(text)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("generator returned an empty candidate")
	}
	return code, nil
}

// modelEnvelope covers the response shapes the CLI has been observed to
// emit: a top-level response or text field, a candidates list, an array of
// candidate objects, or a bare error.
type modelEnvelope struct {
	Error      json.RawMessage `json:"error"`
	Response   string          `json:"response"`
	Text       string          `json:"text"`
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (m *modelEnvelope) text() (string, bool) {
	if m.Response != "" {
		return m.Response, true
	}
	if m.Text != "" {
		return m.Text, true
	}
	if len(m.Candidates) > 0 && len(m.Candidates[0].Content.Parts) > 0 {
		return m.Candidates[0].Content.Parts[0].Text, true
	}
	return "", false
}

// parseModelResponse tolerantly extracts the candidate text from the CLI's
// JSON output.
func parseModelResponse(output string) (string, error) {
	payload := strings.TrimSpace(output)
	if idx := strings.IndexAny(payload, "{["); idx > 0 {
		payload = payload[idx:]
	}

	if strings.HasPrefix(payload, "[") {
		var list []modelEnvelope
		if err := json.Unmarshal([]byte(payload), &list); err != nil {
			return "", fmt.Errorf("unparseable generator response: %w", err)
		}
		for i := range list {
			if text, ok := list[i].text(); ok {
				return text, nil
			}
		}
		return "", fmt.Errorf("generator response carried no candidate text")
	}

	var env modelEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", fmt.Errorf("unparseable generator response: %w", err)
	}
	if len(env.Error) > 0 && string(env.Error) != "null" && string(env.Error) != `""` {
		return "", fmt.Errorf("generator reported an error: %s", compactRaw(env.Error))
	}
	if text, ok := env.text(); ok {
		return text, nil
	}
	return "", fmt.Errorf("generator response carried no candidate text")
}

// extractCode unwraps a fenced code block when the model emits one, else
// returns the trimmed text as-is.
func extractCode(text string) string {
	if m := fencedCodePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]) + "\n"
	}
	return strings.TrimSpace(text) + "\n"
}

// SkipGeneration reports whether no test should be generated for the file.
func SkipGeneration(sourceRel string) bool {
	normalized := filepath.ToSlash(sourceRel)
	base := filepath.Base(normalized)

	if _, ok := skippedFilenames[base]; ok {
		return true
	}
	for _, ext := range skippedExtensions {
		if strings.HasSuffix(base, ext) {
			return true
		}
	}
	parts := strings.Split(normalized, "/")
	for _, dir := range parts[:len(parts)-1] {
		if _, ok := skippedDirNames[dir]; ok {
			return true
		}
	}
	return false
}

// VerificationPath maps a test path to its staging sibling: the final
// .spec.ts or .test.ts becomes .verification.test.ts.
func VerificationPath(testRel string) string {
	for _, suffix := range []string{".spec.ts", ".test.ts"} {
		if strings.HasSuffix(testRel, suffix) {
			return strings.TrimSuffix(testRel, suffix) + ".verification.test.ts"
		}
	}
	return testRel + ".verification.test.ts"
}

// relativeImportPath computes the import specifier the test uses for its
// source, extension stripped.
func relativeImportPath(testRel, sourceRel string) string {
	rel, err := filepath.Rel(filepath.Dir(filepath.FromSlash(testRel)), filepath.FromSlash(sourceRel))
	if err != nil {
		rel = filepath.Base(sourceRel)
	}
	spec := strings.TrimSuffix(filepath.ToSlash(rel), ".ts")
	if !strings.HasPrefix(spec, ".") {
		spec = "./" + spec
	}
	return spec
}

// declaredPackages reads the clone's manifest and returns the sorted names
// of its dependencies and dev dependencies, plus the package name.
func declaredPackages(repoPath string) ([]string, string) {
	data, err := os.ReadFile(filepath.Join(repoPath, "package.json"))
	if err != nil {
		return nil, ""
	}
	var manifest struct {
		Name            string            `json:"name"`
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, ""
	}

	seen := make(map[string]struct{}, len(manifest.Dependencies)+len(manifest.DevDependencies))
	for name := range manifest.Dependencies {
		seen[name] = struct{}{}
	}
	for name := range manifest.DevDependencies {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, manifest.Name
}

func compactRaw(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	return strings.Trim(s, `"`)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
