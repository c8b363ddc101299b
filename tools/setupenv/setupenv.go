// Package setupenv provides the one-shot environment provisioner tool. It is
// registered only while a session has no environment; every later turn
// replaces it with the operational tool set.
package setupenv

import (
	"context"
	"encoding/json"
	"fmt"

	breezerun "github.com/zysoong/breezerun"
)

// supported environment types.
var envTypes = map[string]bool{
	"python": true,
	"node":   true,
	"go":     true,
	"base":   true,
}

// Provisioner creates the session workspace before the sandbox mounts it.
type Provisioner interface {
	Create(sessionID string) (string, error)
}

// Tool assigns an environment to the session and triggers sandbox creation.
type Tool struct {
	store     breezerun.Store
	manager   *breezerun.SandboxManager
	workspace Provisioner
	sessionID string
}

// New binds the setup_environment tool to a session.
func New(store breezerun.Store, manager *breezerun.SandboxManager, ws Provisioner, sessionID string) *Tool {
	return &Tool{store: store, manager: manager, workspace: ws, sessionID: sessionID}
}

func (t *Tool) Name() string { return "setup_environment" }

func (t *Tool) Description() string {
	return "Set up the execution environment for this session. Choose the " +
		"environment type that matches the user's task (python, node, go, or " +
		"base for a plain shell). Must be called before any other tool can run. " +
		"Call it exactly once."
}

func (t *Tool) Parameters() []breezerun.ToolParameter {
	return []breezerun.ToolParameter{
		{
			Name:        "environment_type",
			Type:        "string",
			Description: "Environment type: 'python', 'node', 'go', or 'base'",
			Required:    true,
		},
		{
			Name:        "config",
			Type:        "object",
			Description: "Optional environment configuration (e.g. {\"image\": \"python:3.11\"} to pin an image)",
		},
	}
}

func (t *Tool) Execute(ctx context.Context, args json.RawMessage) breezerun.ToolResult {
	var params struct {
		EnvironmentType string            `json:"environment_type"`
		Config          map[string]string `json:"config"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return breezerun.ToolResult{Error: "invalid arguments: " + err.Error()}
	}
	if !envTypes[params.EnvironmentType] {
		return breezerun.ToolResult{Error: fmt.Sprintf("Unsupported environment type: %q. Use python, node, go, or base.", params.EnvironmentType)}
	}

	session, err := t.store.GetSession(ctx, t.sessionID)
	if err != nil {
		return breezerun.ToolResult{Error: "session lookup failed: " + err.Error()}
	}
	if session.EnvironmentType != "" {
		return breezerun.ToolResult{Error: "Environment is already set up for this session."}
	}

	if t.workspace != nil {
		if _, err := t.workspace.Create(t.sessionID); err != nil {
			return breezerun.ToolResult{Error: "workspace setup failed: " + err.Error()}
		}
	}

	if err := t.store.SetSessionEnvironment(ctx, t.sessionID, params.EnvironmentType, params.Config); err != nil {
		return breezerun.ToolResult{Error: "failed to record environment: " + err.Error()}
	}

	if _, err := t.manager.Create(ctx, t.sessionID, params.EnvironmentType, params.Config); err != nil {
		return breezerun.ToolResult{Error: "sandbox creation failed: " + err.Error()}
	}

	return breezerun.ToolResult{
		Success: true,
		Output: fmt.Sprintf("Environment '%s' is ready. The sandbox tools (bash, file_read, file_write, file_edit, search) "+
			"will be available from the next message onward.", params.EnvironmentType),
	}
}

// Compile-time interface check.
var _ breezerun.Tool = (*Tool)(nil)
