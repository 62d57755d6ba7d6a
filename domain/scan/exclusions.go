package scan

import (
	"sort"
	"strings"
)

// The canonical exclusion set. The coverage config handed to the test
// runner, the fallback file walker, and the post-filter of parsed coverage
// entries all consult these two lists. If they diverged, deliberately
// excluded files would surface in reports at 0%.

// excludedDirs are directory names never scanned for coverage.
var excludedDirs = map[string]struct{}{
	"node_modules": {},
	"dist":         {},
	"build":        {},
	"coverage":     {},
	".git":         {},
	"interfaces":   {},
	"interface":    {},
	"types":        {},
	"type":         {},
	"enums":        {},
	"enum":         {},
	"constants":    {},
	"typings":      {},
}

// excludedFileSuffixes are file name suffixes never scanned. Every pattern
// in the set is of the form *<suffix>, so suffix matching is exact.
var excludedFileSuffixes = []string{
	".d.ts",
	".interface.ts",
	".interfaces.ts",
	".types.ts",
	".type.ts",
	".enum.ts",
	".enums.ts",
	".constants.ts",
	".constant.ts",
	".spec.ts",
	".test.ts",
	".spec.tsx",
	".test.tsx",
	"app.ts",
	"main.ts",
	"index.ts",
	".module.ts",
	".entity.ts",
}

// ExcludedDir reports whether a directory name is excluded from scanning.
func ExcludedDir(name string) bool {
	_, ok := excludedDirs[name]
	return ok
}

// ExcludedFile reports whether a file name is excluded from scanning.
func ExcludedFile(name string) bool {
	for _, suffix := range excludedFileSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// ExcludedPath applies both lists to a forward-slash relative path.
func ExcludedPath(relPath string) bool {
	parts := strings.Split(relPath, "/")
	for _, part := range parts[:len(parts)-1] {
		if ExcludedDir(part) {
			return true
		}
	}
	return ExcludedFile(parts[len(parts)-1])
}

// coverageCollectGlobs renders the exclusion set as the collectCoverageFrom
// list of the minimal runner config.
func coverageCollectGlobs() []string {
	globs := []string{"**/*.{ts,tsx}"}
	dirs := make([]string, 0, len(excludedDirs))
	for dir := range excludedDirs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	for _, dir := range dirs {
		globs = append(globs, "!**/"+dir+"/**")
	}
	for _, suffix := range excludedFileSuffixes {
		globs = append(globs, "!**/*"+suffix)
	}
	return globs
}
