package generation

import (
	"fmt"
	"strings"
)

// systemInstruction is the persistent role description written to
// .gemini/system.md for every invocation.
func systemInstruction(targetCoverage float64) string {
	var b strings.Builder
	b.WriteString("You are an expert TypeScript test engineer.\n\n")
	b.WriteString("You write Jest unit tests for a single source file at a time. Rules:\n")
	b.WriteString("- Use jest with ts-jest; never import testing libraries that are not installed.\n")
	b.WriteString("- Mock every constructor dependency with jest.fn() implementations matching the given signatures.\n")
	b.WriteString("- Never touch the network, the filesystem, or real databases.\n")
	fmt.Fprintf(&b, "- Exercise every public method and branch; the suite must reach at least %.0f%% statement coverage of the source file.\n", targetCoverage)
	b.WriteString("- Output exactly one TypeScript file and nothing else. No explanations.\n")
	return b.String()
}

// buildPrompt renders the per-attempt prompt. A non-empty priorError turns
// the prompt into a repair request carrying the validator's findings.
func buildPrompt(pctx *promptContext, targetCoverage float64, priorError string) string {
	var b strings.Builder

	if pctx.packageName != "" {
		fmt.Fprintf(&b, "Project: %s\n\n", pctx.packageName)
	}

	fmt.Fprintf(&b, "Write a complete Jest unit test for the file `%s`.\n", pctx.sourceRel)
	fmt.Fprintf(&b, "The test file will live at `%s` and must import the subject from `%s`.\n\n",
		pctx.testRel, pctx.importPath)

	fmt.Fprintf(&b, "Source file contents:\n```typescript\n%s\n```\n\n", strings.TrimRight(pctx.sourceCode, "\n"))

	if pctx.signatures != "" {
		b.WriteString(pctx.signatures)
		b.WriteString("\n")
	}

	if len(pctx.packages) > 0 {
		fmt.Fprintf(&b, "Installed packages (import nothing outside this list and node builtins): %s\n\n",
			strings.Join(pctx.packages, ", "))
	}

	fmt.Fprintf(&b, "The suite must achieve at least %.0f%% statement coverage of `%s`.\n",
		targetCoverage, pctx.sourceRel)

	if priorError != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected. Fix the problem below and return the full corrected file:\n%s\n", priorError)
	}

	b.WriteString("\nReturn only the TypeScript test file.\n")
	return b.String()
}
