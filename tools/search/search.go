// Package search provides the text search tool over workspace files, bound
// to a session sandbox.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	breezerun "github.com/zysoong/breezerun"
)

const defaultRoot = "/workspace/out"

const defaultMaxResults = 50

// Tool searches for files by name glob or for text in file contents.
type Tool struct {
	sandbox breezerun.Sandbox
}

// New binds the search tool to a sandbox.
func New(sb breezerun.Sandbox) *Tool {
	return &Tool{sandbox: sb}
}

func (t *Tool) Name() string { return "search" }

func (t *Tool) Description() string {
	return "Text-based search for files and content. Best for:\n" +
		"- Finding files by name pattern (e.g., '*.py', 'config.json')\n" +
		"- Searching for specific text/strings in files (grep-style)\n" +
		"- Quick exploration of the codebase\n" +
		"- Finding error messages, log strings, or literal text\n\n" +
		"USE ast_search INSTEAD when you need to find code structures like " +
		"'all function definitions' or 'all class declarations' - ast_search " +
		"understands code syntax and won't match text in comments/strings."
}

func (t *Tool) Parameters() []breezerun.ToolParameter {
	return []breezerun.ToolParameter{
		{
			Name: "mode",
			Type: "string",
			Description: "Search mode: 'filename' to search by file name pattern, " +
				"'content' to search for text within files. Default: 'filename'",
			Default: "filename",
		},
		{
			Name: "pattern",
			Type: "string",
			Description: "Search pattern. For filename mode: glob pattern like '*.py', '**/*.js', 'config.*'. " +
				"For content mode: text to search for in file contents.",
			Required: true,
		},
		{
			Name:        "path",
			Type:        "string",
			Description: "Directory to search in (default: /workspace/out)",
			Default:     defaultRoot,
		},
		{
			Name:        "max_results",
			Type:        "number",
			Description: "Maximum number of results to return (default: 50)",
			Default:     defaultMaxResults,
		},
		{
			Name: "file_pattern",
			Type: "string",
			Description: "For content mode: limit search to files matching this pattern " +
				"(e.g., '*.py' to search only Python files)",
			Default: "*",
		},
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) breezerun.ToolResult {
	var params struct {
		Mode        string  `json:"mode"`
		Pattern     string  `json:"pattern"`
		Path        string  `json:"path"`
		MaxResults  float64 `json:"max_results"`
		FilePattern string  `json:"file_pattern"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return breezerun.ToolResult{Error: "invalid arguments: " + err.Error()}
	}
	if params.Pattern == "" {
		return breezerun.ToolResult{Error: "pattern is required"}
	}
	if params.Mode == "" {
		params.Mode = "filename"
	}
	root := params.Path
	if root == "" {
		root = defaultRoot
	}
	if !strings.HasPrefix(root, "/") {
		root = "/workspace/" + root
	}
	maxResults := int(params.MaxResults)
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	filePattern := params.FilePattern
	if filePattern == "" {
		filePattern = "*"
	}

	switch params.Mode {
	case "filename":
		return t.byFilename(ctx, root, params.Pattern, maxResults)
	case "content":
		return t.byContent(ctx, root, params.Pattern, filePattern, maxResults)
	default:
		return breezerun.ToolResult{Error: fmt.Sprintf("Invalid search mode: %s. Use 'filename' or 'content'.", params.Mode)}
	}
}

func (t *Tool) byFilename(ctx context.Context, root, pattern string, maxResults int) breezerun.ToolResult {
	var cmd string
	if strings.Contains(pattern, "**") {
		// Recursive glob: match on the basename portion.
		parts := strings.Split(pattern, "**")
		base := strings.TrimPrefix(parts[len(parts)-1], "/")
		cmd = fmt.Sprintf("find %s -type f -name %s 2>/dev/null | head -n %d", root, quote(base), maxResults)
	} else {
		cmd = fmt.Sprintf("find %s -maxdepth 1 -type f -name %s 2>/dev/null | head -n %d", root, quote(pattern), maxResults)
	}

	res, err := t.sandbox.Execute(ctx, cmd, "/workspace", 30*time.Second)
	if err != nil {
		return breezerun.ToolResult{Error: "Search failed: " + err.Error()}
	}
	// find exits 1 when nothing matched.
	if res.ExitCode > 1 {
		return breezerun.ToolResult{Error: "Find command failed: " + res.Stderr}
	}

	files := splitLines(res.Stdout)
	if len(files) == 0 {
		return breezerun.ToolResult{Success: true, Output: "No files found matching pattern: " + pattern}
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Found %d file(s) matching '%s':\n", len(files), pattern)
	for _, f := range files {
		fmt.Fprintf(&out, "  - %s\n", f)
	}
	return breezerun.ToolResult{Success: true, Output: strings.TrimRight(out.String(), "\n")}
}

func (t *Tool) byContent(ctx context.Context, root, pattern, filePattern string, maxResults int) breezerun.ToolResult {
	cmd := fmt.Sprintf(
		"find %s -type f -name %s -exec grep -l %s {} \\; 2>/dev/null | head -n %d",
		root, quote(filePattern), quote(pattern), maxResults)

	res, err := t.sandbox.Execute(ctx, cmd, "/workspace", 30*time.Second)
	if err != nil {
		return breezerun.ToolResult{Error: "Search failed: " + err.Error()}
	}
	if res.ExitCode > 1 {
		return breezerun.ToolResult{Error: "Grep command failed: " + res.Stderr}
	}

	files := splitLines(res.Stdout)
	if len(files) == 0 {
		return breezerun.ToolResult{Success: true, Output: "No files found containing: " + pattern}
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Found '%s' in %d file(s):\n\n", pattern, len(files))
	for _, f := range files {
		fmt.Fprintf(&out, "%s\n", f)
		// Show the first few matching lines for context.
		lineCmd := fmt.Sprintf("grep -n %s %s 2>/dev/null | head -n 3", quote(pattern), quote(f))
		lineRes, err := t.sandbox.Execute(ctx, lineCmd, "/workspace", 10*time.Second)
		if err == nil {
			for _, line := range splitLines(lineRes.Stdout) {
				fmt.Fprintf(&out, "   %s\n", line)
			}
		}
		out.WriteString("\n")
	}
	return breezerun.ToolResult{Success: true, Output: strings.TrimRight(out.String(), "\n")}
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// quote single-quotes a shell argument.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Compile-time interface check.
var _ breezerun.Tool = (*Tool)(nil)
