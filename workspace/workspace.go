// Package workspace manages per-session workspace directories on the local
// filesystem. A workspace is bind-mounted into the session's sandbox as
// /workspace and always contains the subdirectories project_files,
// agent_workspace, and out.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Subdirectories every workspace carries.
var subdirs = []string{"project_files", "agent_workspace", "out"}

// Manager creates, resolves, and removes session workspaces under a root
// directory. The logical namespace is workspaces/<sessionID>/...
type Manager struct {
	root string
}

// NewManager creates a manager rooted at dir (created if missing).
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	return &Manager{root: abs}, nil
}

// Create provisions the workspace directory tree for a session. Idempotent.
func (m *Manager) Create(sessionID string) (string, error) {
	dir := m.Path(sessionID)
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create workspace %s: %w", sessionID, err)
		}
	}
	return dir, nil
}

// Path returns the host directory for a session's workspace.
func (m *Manager) Path(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

// Exists reports whether the session's workspace has been created.
func (m *Manager) Exists(sessionID string) bool {
	info, err := os.Stat(m.Path(sessionID))
	return err == nil && info.IsDir()
}

// Remove deletes the session's entire workspace.
func (m *Manager) Remove(sessionID string) error {
	return os.RemoveAll(m.Path(sessionID))
}

// Resolve maps a container path under /workspace to the host path inside the
// session's workspace, rejecting traversal outside it.
func (m *Manager) Resolve(sessionID, containerPath string) (string, error) {
	rel := strings.TrimPrefix(containerPath, "/workspace")
	rel = strings.TrimPrefix(rel, "/")
	host := filepath.Join(m.Path(sessionID), filepath.FromSlash(rel))
	clean := filepath.Clean(host)
	if clean != m.Path(sessionID) && !strings.HasPrefix(clean, m.Path(sessionID)+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", containerPath)
	}
	return clean, nil
}
