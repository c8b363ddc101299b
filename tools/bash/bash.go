// Package bash provides the shell execution tool, bound to a session sandbox.
package bash

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	breezerun "github.com/zysoong/breezerun"
)

const defaultWorkdir = "/workspace/agent_workspace"

const defaultTimeout = 30 * time.Second

const maxOutputBytes = 16 * 1024

// denied lists command forms rejected before they reach the sandbox. The
// sandbox itself is the security boundary; this list is only the first line,
// catching privileged escalation and destructive writes to core paths.
var denied = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/",
	"> /etc/",
	"> /usr/",
	"> /bin/",
	":(){",
	"sudo ",
	"su -",
	"$(sudo",
	"`sudo",
	"chmod -r 777 /",
	"chown -r",
	"shutdown",
	"reboot",
}

// Tool executes shell commands inside the session sandbox.
type Tool struct {
	sandbox breezerun.Sandbox
}

// New binds the bash tool to a sandbox.
func New(sb breezerun.Sandbox) *Tool {
	return &Tool{sandbox: sb}
}

func (t *Tool) Name() string { return "bash" }

func (t *Tool) Description() string {
	return "Execute bash commands in the sandbox environment. " +
		"Use this to run shell commands, scripts, install packages, " +
		"navigate directories, and interact with the file system. " +
		"The command will be executed in the /workspace/agent_workspace directory by default."
}

func (t *Tool) Parameters() []breezerun.ToolParameter {
	return []breezerun.ToolParameter{
		{
			Name:        "command",
			Type:        "string",
			Description: "The bash command to execute (e.g., 'ls -la', 'python script.py', 'npm install')",
			Required:    true,
		},
		{
			Name:        "workdir",
			Type:        "string",
			Description: "Working directory for command execution (default: /workspace/agent_workspace)",
			Default:     defaultWorkdir,
		},
		{
			Name:        "timeout",
			Type:        "number",
			Description: "Command timeout in seconds (default: 30)",
			Default:     30,
		},
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) breezerun.ToolResult {
	var params struct {
		Command string  `json:"command"`
		Workdir string  `json:"workdir"`
		Timeout float64 `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return breezerun.ToolResult{Error: "invalid arguments: " + err.Error()}
	}
	if params.Command == "" {
		return breezerun.ToolResult{Error: "command is required"}
	}
	if blocked := Sanitize(params.Command); blocked != "" {
		return breezerun.ToolResult{Error: "command blocked for safety: " + blocked}
	}

	workdir := params.Workdir
	if workdir == "" {
		workdir = defaultWorkdir
	}
	timeout := defaultTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout * float64(time.Second))
	}
	if timeout > 5*time.Minute {
		timeout = 5 * time.Minute
	}

	res, err := t.sandbox.Execute(ctx, params.Command, workdir, timeout)
	if err != nil {
		return breezerun.ToolResult{Error: "failed to execute command: " + err.Error()}
	}

	var parts []string
	if res.Stdout != "" {
		parts = append(parts, "[stdout]\n"+res.Stdout)
	}
	if res.Stderr != "" {
		parts = append(parts, "[stderr]\n"+res.Stderr)
	}
	output := strings.Join(parts, "\n")
	if output == "" {
		output = "(no output)"
	}
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes] + "\n... (truncated)"
	}

	if res.ExitCode != 0 {
		return breezerun.ToolResult{
			Output: output,
			Error:  fmt.Sprintf("Command exited with code %d", res.ExitCode),
		}
	}
	return breezerun.ToolResult{Success: true, Output: output}
}

// Sanitize returns the first denylist entry the command matches, or "".
// Exported so the transport and tests can check inputs the same way.
func Sanitize(command string) string {
	lower := strings.ToLower(command)
	for _, d := range denied {
		if strings.Contains(lower, d) {
			return d
		}
	}
	return ""
}

// Compile-time interface check.
var _ breezerun.Tool = (*Tool)(nil)
