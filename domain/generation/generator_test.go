package generation

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverforge/coverforge/internal/config"
	"github.com/coverforge/coverforge/pkg/analyzer"
	"github.com/coverforge/coverforge/pkg/sandbox"
)

type fakeValidator struct {
	results   []*Result
	errs      []error
	calls     int
	validated []string
}

func (f *fakeValidator) Validate(_ context.Context, testRel, _ string, _ float64) (*Result, error) {
	idx := f.calls
	f.calls++
	f.validated = append(f.validated, testRel)
	var err error
	if idx < len(f.errs) {
		err = f.errs[idx]
	}
	if err != nil {
		return nil, err
	}
	if idx < len(f.results) {
		return f.results[idx], nil
	}
	return &Result{Success: true, Coverage: 100}, nil
}

type fakeAnalyzer struct {
	sigs []analyzer.TypeSignatures
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _, _ string) []analyzer.TypeSignatures {
	return f.sigs
}

func testGeneratorWith(runner sandbox.Runner, v testValidator) *Generator {
	return &Generator{
		runner:    runner,
		validator: v,
		analyzer:  &fakeAnalyzer{},
		gemini:    config.GeminiConfig{APIKey: "test-key", Model: "gemini-test", Timeout: 120 * time.Second},
		log:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	}
}

func modelReply(code string) string {
	return `{"response":"` + strings.ReplaceAll(strings.ReplaceAll(code, "\n", `\n`), `"`, `\"`) + `"}`
}

func generationRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "src", "calc.ts"),
		[]byte("export const add = (a: number, b: number) => a + b;"), 0o644))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "package.json"),
		[]byte(`{"name":"widgets","dependencies":{"lodash":"^4"},"devDependencies":{"jest":"^29"}}`), 0o644))
	return dir
}

func TestSkipGeneration(t *testing.T) {
	tests := []struct {
		path    string
		skipped bool
	}{
		{"src/calc.ts", false},
		{"src/app.ts", true},
		{"src/main.ts", true},
		{"src/index.ts", true},
		{"jest.config.ts", true},
		{"src/user.entity.ts", true},
		{"src/user.dto.ts", true},
		{"src/user.module.ts", true},
		{"src/user.interface.ts", true},
		{"src/types.d.ts", true},
		{"src/calc.spec.ts", true},
		{"src/calc.test.ts", true},
		{"src/dto/user.ts", true},
		{"src/migrations/001.ts", true},
		{"node_modules/x/y.ts", true},
		{"src/typesafe.ts", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.skipped, SkipGeneration(tt.path))
		})
	}
}

func TestVerificationPath(t *testing.T) {
	assert.Equal(t, "src/calc.verification.test.ts", VerificationPath("src/calc.test.ts"))
	assert.Equal(t, "src/calc.verification.test.ts", VerificationPath("src/calc.spec.ts"))
}

func TestRelativeImportPath(t *testing.T) {
	assert.Equal(t, "./calc", relativeImportPath("src/calc.test.ts", "src/calc.ts"))
	assert.Equal(t, "../lib/util", relativeImportPath("src/calc.test.ts", "lib/util.ts"))
	assert.Equal(t, "./nested/svc", relativeImportPath("src/nested.test.ts", "src/nested/svc.ts"))
}

func TestDeclaredPackages(t *testing.T) {
	dir := generationRepo(t)
	names, pkg := declaredPackages(dir)
	assert.Equal(t, []string{"jest", "lodash"}, names)
	assert.Equal(t, "widgets", pkg)

	names, pkg = declaredPackages(t.TempDir())
	assert.Empty(t, names)
	assert.Empty(t, pkg)
}

func TestParseModelResponse(t *testing.T) {
	t.Run("response field", func(t *testing.T) {
		text, err := parseModelResponse(`{"response":"code here"}`)
		require.NoError(t, err)
		assert.Equal(t, "code here", text)
	})

	t.Run("text field", func(t *testing.T) {
		text, err := parseModelResponse(`{"text":"code here"}`)
		require.NoError(t, err)
		assert.Equal(t, "code here", text)
	})

	t.Run("candidates shape", func(t *testing.T) {
		text, err := parseModelResponse(
			`{"candidates":[{"content":{"parts":[{"text":"from candidates"}]}}]}`)
		require.NoError(t, err)
		assert.Equal(t, "from candidates", text)
	})

	t.Run("array of candidates", func(t *testing.T) {
		text, err := parseModelResponse(`[{"text":"first"},{"text":"second"}]`)
		require.NoError(t, err)
		assert.Equal(t, "first", text)
	})

	t.Run("noise before payload", func(t *testing.T) {
		text, err := parseModelResponse("Loaded cached credentials.\n" + `{"response":"x"}`)
		require.NoError(t, err)
		assert.Equal(t, "x", text)
	})

	t.Run("provider error fails the attempt", func(t *testing.T) {
		_, err := parseModelResponse(`{"error":{"code":429,"message":"quota exceeded"}}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "quota exceeded")
	})

	t.Run("no candidate text", func(t *testing.T) {
		_, err := parseModelResponse(`{"usageMetadata":{}}`)
		require.Error(t, err)
	})

	t.Run("unparseable", func(t *testing.T) {
		_, err := parseModelResponse("not json at all")
		require.Error(t, err)
	})
}

func TestExtractCode(t *testing.T) {
	t.Run("typescript fence", func(t *testing.T) {
		assert.Equal(t, "const a = 1;\n", extractCode("```typescript\nconst a = 1;\n```"))
	})

	t.Run("untagged fence", func(t *testing.T) {
		assert.Equal(t, "const a = 1;\n", extractCode("```\nconst a = 1;\n```"))
	})

	t.Run("bare text", func(t *testing.T) {
		assert.Equal(t, "const a = 1;\n", extractCode("  const a = 1;  "))
	})

	t.Run("fence with prose around it", func(t *testing.T) {
		assert.Equal(t, "it('adds', () => {});\n",
			extractCode("Here is the test:\n```ts\nit('adds', () => {});\n```\nGood luck."))
	})
}

func TestGenerateTest(t *testing.T) {
	code := "import { add } from './calc';\n\nit('adds', () => { expect(add(1, 2)).toBe(3); });"

	t.Run("accepted candidate lands at the test path", func(t *testing.T) {
		dir := generationRepo(t)
		runner := &fakeRunner{onRun: func(req sandbox.RunRequest) *sandbox.RunResult {
			return &sandbox.RunResult{Success: true, Output: modelReply("```typescript\n" + code + "\n```")}
		}}
		v := &fakeValidator{}

		err := testGeneratorWith(runner, v).GenerateTest(
			context.Background(), "src/calc.ts", "src/calc.test.ts", dir, 80)
		require.NoError(t, err)

		written, err := os.ReadFile(filepath.Join(dir, "src", "calc.test.ts"))
		require.NoError(t, err)
		assert.Equal(t, code+"\n", string(written))
		assert.NoFileExists(t, filepath.Join(dir, "src", "calc.verification.test.ts"))

		assert.Equal(t, []string{"src/calc.verification.test.ts"}, v.validated)

		require.Len(t, runner.calls, 1)
		call := runner.calls[0]
		assert.True(t, call.AllowNetwork)
		assert.Equal(t, "test-key", call.Env["GEMINI_API_KEY"])
		assert.Contains(t, call.Args[1], "gemini-test")

		assert.NoFileExists(t, filepath.Join(dir, promptFile))
		assert.NoDirExists(t, filepath.Join(dir, systemDir))
	})

	t.Run("skippable file returns without invoking anything", func(t *testing.T) {
		runner := &fakeRunner{}
		v := &fakeValidator{}

		err := testGeneratorWith(runner, v).GenerateTest(
			context.Background(), "src/main.ts", "src/main.test.ts", t.TempDir(), 80)
		require.NoError(t, err)
		assert.Empty(t, runner.calls)
		assert.Zero(t, v.calls)
	})

	t.Run("rejected candidate feeds the next prompt", func(t *testing.T) {
		dir := generationRepo(t)

		var prompts []string
		runner := &fakeRunner{onRun: func(req sandbox.RunRequest) *sandbox.RunResult {
			data, err := os.ReadFile(filepath.Join(dir, promptFile))
			require.NoError(t, err)
			prompts = append(prompts, string(data))
			return &sandbox.RunResult{Success: true, Output: modelReply(code)}
		}}
		v := &fakeValidator{results: []*Result{
			{Success: false, ErrorText: "statement coverage 40.0% is below the 80.0% target"},
			{Success: true, Coverage: 90},
		}}

		err := testGeneratorWith(runner, v).GenerateTest(
			context.Background(), "src/calc.ts", "src/calc.test.ts", dir, 80)
		require.NoError(t, err)

		require.Len(t, prompts, 2)
		assert.NotContains(t, prompts[0], "previous attempt was rejected")
		assert.Contains(t, prompts[1], "previous attempt was rejected")
		assert.Contains(t, prompts[1], "below the 80.0% target")
	})

	t.Run("exhausted attempts fail with the last error", func(t *testing.T) {
		dir := generationRepo(t)
		runner := &fakeRunner{onRun: func(req sandbox.RunRequest) *sandbox.RunResult {
			return &sandbox.RunResult{Success: true, Output: modelReply(code)}
		}}
		v := &fakeValidator{results: []*Result{
			{Success: false, ErrorText: "first failure"},
			{Success: false, ErrorText: "second failure"},
			{Success: false, ErrorText: "tests failed: expected 3 received 4"},
		}}

		err := testGeneratorWith(runner, v).GenerateTest(
			context.Background(), "src/calc.ts", "src/calc.test.ts", dir, 80)

		var genErr *GenerationError
		require.ErrorAs(t, err, &genErr)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Contains(t, err.Error(), "expected 3 received 4")

		assert.Len(t, runner.calls, 3)
		assert.NoFileExists(t, filepath.Join(dir, "src", "calc.test.ts"))
		assert.NoFileExists(t, filepath.Join(dir, "src", "calc.verification.test.ts"))
	})

	t.Run("provider error burns an attempt without validation", func(t *testing.T) {
		dir := generationRepo(t)
		calls := 0
		runner := &fakeRunner{onRun: func(req sandbox.RunRequest) *sandbox.RunResult {
			calls++
			if calls == 1 {
				return &sandbox.RunResult{Success: true, Output: `{"error":"rate limited"}`}
			}
			return &sandbox.RunResult{Success: true, Output: modelReply(code)}
		}}
		v := &fakeValidator{}

		err := testGeneratorWith(runner, v).GenerateTest(
			context.Background(), "src/calc.ts", "src/calc.test.ts", dir, 80)
		require.NoError(t, err)
		assert.Equal(t, 1, v.calls)
		assert.Equal(t, 2, calls)
	})

	t.Run("validator fault burns an attempt", func(t *testing.T) {
		dir := generationRepo(t)
		runner := &fakeRunner{onRun: func(req sandbox.RunRequest) *sandbox.RunResult {
			return &sandbox.RunResult{Success: true, Output: modelReply(code)}
		}}
		v := &fakeValidator{errs: []error{
			&ValidatorError{Op: "execute", Err: errors.New("sandbox unavailable")},
		}}

		err := testGeneratorWith(runner, v).GenerateTest(
			context.Background(), "src/calc.ts", "src/calc.test.ts", dir, 80)
		require.NoError(t, err)
		assert.Equal(t, 2, v.calls)
	})

	t.Run("unreadable source is a hard error", func(t *testing.T) {
		runner := &fakeRunner{}
		err := testGeneratorWith(runner, &fakeValidator{}).GenerateTest(
			context.Background(), "src/missing.ts", "src/missing.test.ts", t.TempDir(), 80)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read source file")
		assert.Empty(t, runner.calls)
	})
}
