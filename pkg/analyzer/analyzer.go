// Package analyzer extracts public method signatures of the types a
// TypeScript source file depends on. The output gives the test generator
// literal signatures to mock against, so parameter and return-type text is
// never truncated. Extraction is lexical; it tolerates code it cannot parse
// by returning what it found so far.
package analyzer

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/coverforge/coverforge/pkg/logger"
)

// MethodSignature is one public method of a dependency type.
type MethodSignature struct {
	Name    string
	Params  string
	Returns string
}

// TypeSignatures is the public surface of one dependency type.
type TypeSignatures struct {
	TypeName string
	Methods  []MethodSignature
}

// infrastructureTypes are framework types never worth mocking explicitly;
// the generator's model already knows their shape.
var infrastructureTypes = map[string]struct{}{
	"Logger":            {},
	"ConfigService":     {},
	"EventEmitter2":     {},
	"Reflector":         {},
	"ModuleRef":         {},
	"HttpService":       {},
	"JwtService":        {},
	"DataSource":        {},
	"EntityManager":     {},
	"SchedulerRegistry": {},
}

// skippedDirs mirrors the directories no declaration lookup should enter.
var skippedDirs = map[string]struct{}{
	"node_modules": {},
	"dist":         {},
	"build":        {},
	"coverage":     {},
	".git":         {},
}

const maxSourceBytes = 1 << 20

// Analyzer resolves constructor-parameter types of a source file's classes
// to their declarations elsewhere in the repository.
type Analyzer struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Analyzer {
	return &Analyzer{log: log.With(logger.Scope("analyzer"))}
}

// Analyze returns signatures for every constructor-parameter type of the
// classes declared in sourcePath, excluding infrastructure types. Failures
// degrade to an empty result with a log line; generation proceeds without
// dependency context rather than failing.
func (a *Analyzer) Analyze(ctx context.Context, sourcePath, repoPath string) []TypeSignatures {
	src, err := readCapped(sourcePath)
	if err != nil {
		a.log.Warn("dependency analysis skipped, source unreadable",
			slog.String("path", sourcePath), logger.Error(err))
		return nil
	}

	typeNames := constructorParamTypes(stripComments(src))
	if len(typeNames) == 0 {
		return nil
	}

	var out []TypeSignatures
	for _, name := range typeNames {
		if ctx.Err() != nil {
			return out
		}
		methods, found := a.lookupType(repoPath, name)
		if !found {
			continue
		}
		out = append(out, TypeSignatures{TypeName: name, Methods: methods})
	}
	return out
}

// FormatBlock renders signatures as a prompt-ready text block. An empty
// input yields an empty string.
func FormatBlock(sigs []TypeSignatures) string {
	if len(sigs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Dependency class APIs (mock these exact signatures):\n")
	for _, sig := range sigs {
		fmt.Fprintf(&b, "\n%s:\n", sig.TypeName)
		if len(sig.Methods) == 0 {
			b.WriteString("  (no public methods found)\n")
			continue
		}
		for _, m := range sig.Methods {
			ret := m.Returns
			if ret == "" {
				ret = "void"
			}
			fmt.Fprintf(&b, "  - %s(%s): %s\n", m.Name, m.Params, ret)
		}
	}
	return b.String()
}

// lookupType walks the repo for the declaration of name and parses its
// public methods. Only the first declaration found is used.
func (a *Analyzer) lookupType(repoPath, name string) ([]MethodSignature, bool) {
	declPattern := regexp.MustCompile(`(?m)^\s*(?:export\s+)?(?:abstract\s+)?(?:class|interface)\s+` + regexp.QuoteMeta(name) + `\b`)

	var methods []MethodSignature
	found := false

	walkErr := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if found || !strings.HasSuffix(path, ".ts") || strings.HasSuffix(path, ".d.ts") {
			return nil
		}

		src, readErr := readCapped(path)
		if readErr != nil {
			return nil
		}
		clean := stripComments(src)

		loc := declPattern.FindStringIndex(clean)
		if loc == nil {
			return nil
		}

		body, ok := enclosedBody(clean[loc[1]:])
		if !ok {
			return nil
		}

		methods = parseMethods(body)
		found = true
		return filepath.SkipAll
	})
	if walkErr != nil {
		a.log.Warn("dependency lookup aborted",
			slog.String("type", name), logger.Error(walkErr))
	}
	return methods, found
}

// constructorParamTypes collects named types from every constructor
// parameter list in src, in first-seen order, deny-list applied.
func constructorParamTypes(src string) []string {
	var names []string
	seen := map[string]struct{}{}

	rest := src
	for {
		idx := strings.Index(rest, "constructor")
		if idx < 0 {
			break
		}
		after := rest[idx+len("constructor"):]
		params, ok := balanced(after, '(', ')')
		if !ok {
			rest = after
			continue
		}

		for _, param := range splitTopLevel(params, ',') {
			name := paramTypeName(param)
			if name == "" {
				continue
			}
			if _, deny := infrastructureTypes[name]; deny {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
		rest = after
	}
	return names
}

// paramTypeName extracts the named type of a single constructor parameter,
// e.g. "private readonly repo: UserRepository" → "UserRepository". Built-in
// and lowercase types are dropped.
func paramTypeName(param string) string {
	colon := topLevelIndex(param, ':')
	if colon < 0 {
		return ""
	}
	typeText := param[colon+1:]
	if eq := topLevelIndex(typeText, '='); eq >= 0 {
		typeText = typeText[:eq]
	}
	typeText = strings.TrimSpace(typeText)
	typeText = strings.TrimSuffix(typeText, "[]")

	// Leading identifier, generics and unions discarded.
	var ident strings.Builder
	for _, r := range typeText {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '$' {
			ident.WriteRune(r)
			continue
		}
		break
	}
	name := ident.String()
	if name == "" || !unicode.IsUpper(rune(name[0])) {
		return ""
	}
	switch name {
	case "Array", "Promise", "Map", "Set", "Record", "Partial", "Date", "Function", "Object", "String", "Number", "Boolean":
		return ""
	}
	return name
}

// parseMethods extracts public method signatures from a class or interface
// body. Members are split at brace depth zero; fields, accessors marked
// private or protected, and the constructor are skipped.
func parseMethods(body string) []MethodSignature {
	var methods []MethodSignature
	for _, member := range topLevelMembers(body) {
		if sig, ok := parseMember(member); ok {
			methods = append(methods, sig)
		}
	}
	return methods
}

var memberHead = regexp.MustCompile(`^(?:@[\w$]+(?:\([^)]*\))?\s*)*((?:public\s+|private\s+|protected\s+|static\s+|readonly\s+|abstract\s+|override\s+|async\s+)*)([A-Za-z_$][\w$]*)\s*`)

func parseMember(member string) (MethodSignature, bool) {
	m := memberHead.FindStringSubmatch(member)
	if m == nil {
		return MethodSignature{}, false
	}
	modifiers, name := m[1], m[2]
	if strings.Contains(modifiers, "private") || strings.Contains(modifiers, "protected") {
		return MethodSignature{}, false
	}
	if name == "constructor" || name == "get" || name == "set" {
		return MethodSignature{}, false
	}

	after := member[len(m[0]):]
	// Optional method-level generics.
	if strings.HasPrefix(after, "<") {
		generics, ok := balanced(after, '<', '>')
		if !ok {
			return MethodSignature{}, false
		}
		after = after[len(generics)+2:]
		after = strings.TrimSpace(after)
	}
	if !strings.HasPrefix(after, "(") {
		// A field, not a method.
		return MethodSignature{}, false
	}

	params, ok := balanced(after, '(', ')')
	if !ok {
		return MethodSignature{}, false
	}
	rest := strings.TrimSpace(after[len(params)+2:])

	returns := ""
	if strings.HasPrefix(rest, ":") {
		returns = strings.TrimSpace(rest[1:])
	}

	return MethodSignature{
		Name:    name,
		Params:  normalizeWhitespace(params),
		Returns: normalizeWhitespace(returns),
	}, true
}

// topLevelMembers splits a class body into member heads. Each member's text
// runs up to its body's opening brace or terminating semicolon; nested
// bodies are skipped entirely. Braces inside a parameter list (object
// literal types) belong to the member head, not to a body.
func topLevelMembers(body string) []string {
	var members []string
	var current strings.Builder
	bodyDepth := 0
	paren := 0

	flush := func() {
		text := strings.TrimSpace(current.String())
		current.Reset()
		if text != "" {
			members = append(members, text)
		}
	}

	inString := byte(0)
	for i := 0; i < len(body); i++ {
		c := body[i]

		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			if bodyDepth == 0 {
				current.WriteByte(c)
			}
			continue
		}

		if bodyDepth > 0 {
			switch c {
			case '\'', '"', '`':
				inString = c
			case '{':
				bodyDepth++
			case '}':
				bodyDepth--
			}
			continue
		}

		switch c {
		case '\'', '"', '`':
			inString = c
			current.WriteByte(c)
		case '(':
			paren++
			current.WriteByte(c)
		case ')':
			paren--
			current.WriteByte(c)
		case '{':
			if paren > 0 {
				current.WriteByte(c)
				continue
			}
			flush()
			bodyDepth = 1
		case '}':
			if paren > 0 {
				current.WriteByte(c)
			}
		case ';':
			if paren > 0 {
				current.WriteByte(c)
				continue
			}
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return members
}

// balanced returns the text between the first open rune and its matching
// close, respecting nesting and string literals. The open rune must be the
// first non-space character.
func balanced(s string, open, close byte) (string, bool) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r') {
		i++
	}
	if i >= len(s) || s[i] != open {
		return "", false
	}

	depth := 0
	inString := byte(0)
	start := i + 1
	for ; i < len(s); i++ {
		c := s[i]
		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inString = c
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start:i], true
			}
		}
	}
	return "", false
}

// splitTopLevel splits s at sep occurrences outside any bracket nesting.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	last := 0
	inString := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inString = c
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}':
			depth--
		case '>':
			// "=>" is an arrow, not a generic close.
			if i == 0 || s[i-1] != '=' {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// topLevelIndex returns the index of the first sep outside bracket nesting,
// or -1.
func topLevelIndex(s string, sep byte) int {
	depth := 0
	inString := byte(0)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch c {
		case '\'', '"', '`':
			inString = c
		case '(', '[', '{', '<':
			depth++
		case ')', ']', '}':
			depth--
		case '>':
			if i == 0 || s[i-1] != '=' {
				depth--
			}
		case sep:
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// enclosedBody returns the first balanced brace block in s, which follows a
// matched class or interface declaration head.
func enclosedBody(s string) (string, bool) {
	idx := strings.IndexByte(s, '{')
	if idx < 0 {
		return "", false
	}
	return balanced(s[idx:], '{', '}')
}

// stripComments blanks line and block comments, preserving offsets so later
// slicing stays valid.
func stripComments(src string) string {
	b := []byte(src)
	inString := byte(0)
	for i := 0; i < len(b); i++ {
		c := b[i]
		if inString != 0 {
			if c == '\\' {
				i++
			} else if c == inString {
				inString = 0
			}
			continue
		}
		switch {
		case c == '\'' || c == '"' || c == '`':
			inString = c
		case c == '/' && i+1 < len(b) && b[i+1] == '/':
			for i < len(b) && b[i] != '\n' {
				b[i] = ' '
				i++
			}
		case c == '/' && i+1 < len(b) && b[i+1] == '*':
			for i < len(b) {
				if b[i] == '*' && i+1 < len(b) && b[i+1] == '/' {
					b[i] = ' '
					b[i+1] = ' '
					i++
					break
				}
				if b[i] != '\n' {
					b[i] = ' '
				}
				i++
			}
		}
	}
	return string(b)
}

var spaceRun = regexp.MustCompile(`\s+`)

// normalizeWhitespace collapses newlines and runs of spaces so multi-line
// signatures render on one prompt line. Nothing is truncated.
func normalizeWhitespace(s string) string {
	return strings.TrimSpace(spaceRun.ReplaceAllString(s, " "))
}

func readCapped(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > maxSourceBytes {
		return "", fmt.Errorf("file exceeds %d bytes", maxSourceBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
