// Package file provides the file_read, file_write, and file_edit tools,
// bound to a session sandbox.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	breezerun "github.com/zysoong/breezerun"
)

// corePaths are absolute prefixes a tool call may never touch.
var corePaths = []string{
	"/etc/", "/usr/", "/bin/", "/sbin/", "/lib/", "/boot/",
	"/dev/", "/proc/", "/sys/", "/root/", "/var/",
}

// ValidatePath accepts workspace-relative paths and absolute paths under
// /workspace, rejecting traversal and core system paths.
func ValidatePath(path string) bool {
	if path == "" {
		return false
	}
	if strings.Contains(path, "..") {
		return false
	}
	if strings.HasPrefix(path, "/") && !strings.HasPrefix(path, "/workspace") {
		return false
	}
	for _, p := range corePaths {
		if strings.HasPrefix(path, p) {
			return false
		}
	}
	return true
}

// resolve maps a relative path into the workspace.
func resolve(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return "/workspace/" + path
}

// --- file_read ---

// ReadTool reads files from the sandbox.
type ReadTool struct {
	sandbox breezerun.Sandbox
}

// NewRead binds the file_read tool to a sandbox.
func NewRead(sb breezerun.Sandbox) *ReadTool {
	return &ReadTool{sandbox: sb}
}

func (t *ReadTool) Name() string { return "file_read" }

func (t *ReadTool) Description() string {
	return "Read the contents of a file from the sandbox environment. " +
		"Use this to view file contents before editing or to understand existing code. " +
		"Returns the full file content as a string."
}

func (t *ReadTool) Parameters() []breezerun.ToolParameter {
	return []breezerun.ToolParameter{{
		Name:        "path",
		Type:        "string",
		Description: "Path to the file to read (relative to /workspace or absolute path)",
		Required:    true,
	}}
}

func (t *ReadTool) Execute(ctx context.Context, args json.RawMessage) breezerun.ToolResult {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return breezerun.ToolResult{Error: "invalid arguments: " + err.Error()}
	}
	if !ValidatePath(params.Path) {
		return breezerun.ToolResult{Error: "Invalid file path: " + params.Path}
	}
	content, err := t.sandbox.ReadFile(ctx, resolve(params.Path))
	if err != nil {
		return breezerun.ToolResult{Error: "File not found: " + params.Path}
	}
	return breezerun.ToolResult{Success: true, Output: string(content)}
}

// --- file_write ---

// WriteTool creates or overwrites files in the sandbox.
type WriteTool struct {
	sandbox breezerun.Sandbox
}

// NewWrite binds the file_write tool to a sandbox.
func NewWrite(sb breezerun.Sandbox) *WriteTool {
	return &WriteTool{sandbox: sb}
}

func (t *WriteTool) Name() string { return "file_write" }

func (t *WriteTool) Description() string {
	return "Write content to a file in the sandbox environment. " +
		"Creates a new file or overwrites an existing file. " +
		"Use this to create new files or completely replace file contents."
}

func (t *WriteTool) Parameters() []breezerun.ToolParameter {
	return []breezerun.ToolParameter{
		{
			Name:        "path",
			Type:        "string",
			Description: "Path where the file should be written (relative to /workspace or absolute path)",
			Required:    true,
		},
		{
			Name:        "content",
			Type:        "string",
			Description: "Content to write to the file",
			Required:    true,
		},
	}
}

func (t *WriteTool) Execute(ctx context.Context, args json.RawMessage) breezerun.ToolResult {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return breezerun.ToolResult{Error: "invalid arguments: " + err.Error()}
	}
	if !ValidatePath(params.Path) {
		return breezerun.ToolResult{Error: "Invalid file path: " + params.Path}
	}
	if err := t.sandbox.WriteFile(ctx, resolve(params.Path), []byte(params.Content)); err != nil {
		return breezerun.ToolResult{Error: "Failed to write file: " + err.Error()}
	}
	return breezerun.ToolResult{
		Success: true,
		Output:  fmt.Sprintf("Successfully wrote %d bytes to %s", len(params.Content), params.Path),
	}
}

// --- file_edit ---

// EditTool replaces exactly one occurrence of a string in a file. Zero or
// multiple matches fail, which keeps a retried edit idempotent as long as the
// replacement does not itself contain the searched text.
type EditTool struct {
	sandbox breezerun.Sandbox
}

// NewEdit binds the file_edit tool to a sandbox.
func NewEdit(sb breezerun.Sandbox) *EditTool {
	return &EditTool{sandbox: sb}
}

func (t *EditTool) Name() string { return "file_edit" }

func (t *EditTool) Description() string {
	return "Edit an existing file by replacing specific content. " +
		"Searches for 'old_content' in the file and replaces it with 'new_content'. " +
		"This is safer than file_write for making targeted changes. " +
		"Returns an error if old_content is not found or appears multiple times."
}

func (t *EditTool) Parameters() []breezerun.ToolParameter {
	return []breezerun.ToolParameter{
		{
			Name:        "path",
			Type:        "string",
			Description: "Path to the file to edit",
			Required:    true,
		},
		{
			Name:        "old_content",
			Type:        "string",
			Description: "Content to search for and replace (must match exactly)",
			Required:    true,
		},
		{
			Name:        "new_content",
			Type:        "string",
			Description: "New content to replace the old content with",
			Required:    true,
		},
	}
}

func (t *EditTool) Execute(ctx context.Context, args json.RawMessage) breezerun.ToolResult {
	var params struct {
		Path       string `json:"path"`
		OldContent string `json:"old_content"`
		NewContent string `json:"new_content"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return breezerun.ToolResult{Error: "invalid arguments: " + err.Error()}
	}
	if !ValidatePath(params.Path) {
		return breezerun.ToolResult{Error: "Invalid file path: " + params.Path}
	}

	current, err := t.sandbox.ReadFile(ctx, resolve(params.Path))
	if err != nil {
		return breezerun.ToolResult{Error: "File not found: " + params.Path}
	}
	text := string(current)

	count := strings.Count(text, params.OldContent)
	if count == 0 {
		return breezerun.ToolResult{Error: "Content to replace not found in file: " + params.Path}
	}
	if count > 1 {
		return breezerun.ToolResult{
			Error: fmt.Sprintf("Content appears %d times in file. Please make old_content more specific.", count),
		}
	}

	updated := strings.Replace(text, params.OldContent, params.NewContent, 1)
	if err := t.sandbox.WriteFile(ctx, resolve(params.Path), []byte(updated)); err != nil {
		return breezerun.ToolResult{Error: "Failed to edit file: " + err.Error()}
	}
	return breezerun.ToolResult{Success: true, Output: "Successfully edited " + params.Path}
}

// Compile-time interface checks.
var (
	_ breezerun.Tool = (*ReadTool)(nil)
	_ breezerun.Tool = (*WriteTool)(nil)
	_ breezerun.Tool = (*EditTool)(nil)
)
