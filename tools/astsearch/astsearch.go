// Package astsearch provides the structural code search tool. It shells out
// to the ast-grep CLI (sg) inside the session sandbox and understands a set
// of shortcut names that expand to language-specific patterns.
package astsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	breezerun "github.com/zysoong/breezerun"
)

// shortcuts expand a shortcut name to language-specific AST patterns.
var shortcuts = map[string]map[string]string{
	"functions": {
		"python":     "def $NAME($$$)",
		"javascript": "function $NAME($$$)",
		"typescript": "function $NAME($$$)",
		"go":         "func $NAME($$$)",
		"rust":       "fn $NAME($$$)",
	},
	"async_functions": {
		"python":     "async def $NAME($$$)",
		"javascript": "async function $NAME($$$)",
		"typescript": "async function $NAME($$$)",
		"rust":       "async fn $NAME($$$)",
	},
	"classes": {
		"python":     "class $NAME",
		"javascript": "class $NAME",
		"typescript": "class $NAME",
		"go":         "type $NAME struct",
		"rust":       "struct $NAME",
	},
	"imports": {
		"python":     "import $$$",
		"javascript": "import $$$",
		"typescript": "import $$$",
		"go":         "import $$$",
		"rust":       "use $$$",
	},
	"tests": {
		"python":     "def test_$NAME($$$)",
		"javascript": "test($$$)",
		"typescript": "test($$$)",
		"go":         "func Test$NAME($$$)",
		"rust":       "#[test]",
	},
}

const defaultMaxResults = 50

// Tool runs structural searches with ast-grep inside the sandbox.
type Tool struct {
	sandbox breezerun.Sandbox
}

// New binds the ast_search tool to a sandbox.
func New(sb breezerun.Sandbox) *Tool {
	return &Tool{sandbox: sb}
}

func (t *Tool) Name() string { return "ast_search" }

func (t *Tool) Description() string {
	names := make([]string, 0, len(shortcuts))
	for n := range shortcuts {
		names = append(names, n)
	}
	sort.Strings(names)
	return "Structural code search using AST patterns. Finds code by syntax " +
		"structure, not text, so it won't match comments or strings. Best for:\n" +
		"- Finding all function or class definitions\n" +
		"- Finding all imports\n" +
		"- Finding specific code patterns regardless of formatting\n" +
		"Shortcuts: " + strings.Join(names, ", ") + "\n" +
		"Pattern examples: 'def $NAME($$$)' (Python functions), 'class $NAME' (classes). " +
		"Use $NAME for identifiers, $$$ for multiple items."
}

func (t *Tool) Parameters() []breezerun.ToolParameter {
	return []breezerun.ToolParameter{
		{
			Name: "pattern",
			Type: "string",
			Description: "AST pattern to search for OR a shortcut name " +
				"(functions, async_functions, classes, imports, tests).",
			Required: true,
		},
		{
			Name:        "language",
			Type:        "string",
			Description: "Target language (python, javascript, typescript, go, rust). Used to expand shortcuts and narrow matching.",
		},
		{
			Name:        "path",
			Type:        "string",
			Description: "Directory to search in (default: /workspace/out)",
			Default:     "/workspace/out",
		},
		{
			Name:        "max_results",
			Type:        "number",
			Description: "Maximum number of matches to return (default: 50)",
			Default:     defaultMaxResults,
		},
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) breezerun.ToolResult {
	var params struct {
		Pattern    string  `json:"pattern"`
		Language   string  `json:"language"`
		Path       string  `json:"path"`
		MaxResults float64 `json:"max_results"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return breezerun.ToolResult{Error: "invalid arguments: " + err.Error()}
	}
	if params.Pattern == "" {
		return breezerun.ToolResult{Error: "pattern is required"}
	}
	root := params.Path
	if root == "" {
		root = "/workspace/out"
	}
	maxResults := int(params.MaxResults)
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	lang := strings.ToLower(params.Language)
	pattern := resolvePattern(params.Pattern, lang)

	cmd := fmt.Sprintf("sg --pattern %s", quote(pattern))
	if lang != "" {
		cmd += " --lang " + lang
	}
	cmd += " --json " + quote(root)

	res, err := t.sandbox.Execute(ctx, cmd, "/workspace", 60*time.Second)
	if err != nil {
		return breezerun.ToolResult{Error: "ast-grep search failed: " + err.Error()}
	}
	if res.ExitCode != 0 && res.Stdout == "" {
		if res.ExitCode == 1 || strings.Contains(strings.ToLower(res.Stderr), "no matches") {
			return breezerun.ToolResult{Success: true, Output: "No matches found for pattern: " + pattern}
		}
		return breezerun.ToolResult{Error: "ast-grep search failed: " + res.Stderr}
	}

	matches := parseMatches(res.Stdout, maxResults)
	if len(matches) == 0 {
		return breezerun.ToolResult{Success: true, Output: "No matches found for pattern: " + pattern}
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Found %d match(es) for '%s':\n", len(matches), pattern)
	for _, m := range matches {
		fmt.Fprintf(&out, "%s:%d: %s\n", m.file, m.line, m.text)
	}
	return breezerun.ToolResult{Success: true, Output: strings.TrimRight(out.String(), "\n")}
}

// resolvePattern expands a shortcut name. Without a language, or with one the
// shortcut has no entry for, the Python pattern is used; failing that, any
// entry.
func resolvePattern(pattern, lang string) string {
	table, ok := shortcuts[strings.ToLower(pattern)]
	if !ok {
		return pattern
	}
	if lang != "" {
		if p, ok := table[lang]; ok {
			return p
		}
	}
	if p, ok := table["python"]; ok {
		return p
	}
	for _, p := range table {
		return p
	}
	return pattern
}

type match struct {
	file string
	line int
	text string
}

// parseMatches decodes ast-grep's JSON output (an array of match objects).
func parseMatches(stdout string, maxResults int) []match {
	var raw []struct {
		File  string `json:"file"`
		Lines string `json:"lines"`
		Range struct {
			Start struct {
				Line int `json:"line"`
			} `json:"start"`
		} `json:"range"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
		return nil
	}
	var out []match
	for _, m := range raw {
		if len(out) >= maxResults {
			break
		}
		text := m.Text
		if text == "" {
			text = m.Lines
		}
		if i := strings.IndexByte(text, '\n'); i >= 0 {
			text = text[:i]
		}
		out = append(out, match{file: m.File, line: m.Range.Start.Line + 1, text: strings.TrimSpace(text)})
	}
	return out
}

// quote single-quotes a shell argument.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Compile-time interface check.
var _ breezerun.Tool = (*Tool)(nil)
