// Package local implements breezerun.Sandbox as subprocesses over a host
// workspace directory. It provides no container isolation and exists for
// development and tests; production sessions use sandbox/docker.
package local

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	breezerun "github.com/zysoong/breezerun"
)

// Sandbox runs commands with sh -c in a host directory that stands in for
// the container's /workspace.
type Sandbox struct {
	workspaceDir string
	shell        string
}

// New creates a local sandbox over workspaceDir.
func New(workspaceDir string) *Sandbox {
	return &Sandbox{workspaceDir: workspaceDir, shell: "sh"}
}

// Execute runs cmd through the shell. Container-style paths under /workspace
// are mapped into the workspace directory via the working directory; the
// command itself is not rewritten.
func (s *Sandbox) Execute(ctx context.Context, cmd, workdir string, timeout time.Duration) (breezerun.ExecResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir, err := s.resolve(workdir)
	if err != nil {
		return breezerun.ExecResult{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return breezerun.ExecResult{}, err
	}

	c := exec.CommandContext(cctx, s.shell, "-c", cmd)
	c.Dir = dir

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	runErr := c.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return breezerun.ExecResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()},
			fmt.Errorf("command timed out after %s", timeout)
	}
	exit := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exit = ee.ExitCode()
		} else {
			return breezerun.ExecResult{}, runErr
		}
	}
	return breezerun.ExecResult{ExitCode: exit, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// ReadFile reads a workspace file.
func (s *Sandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	host, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(host)
}

// WriteFile writes a workspace file, creating parent directories.
func (s *Sandbox) WriteFile(_ context.Context, path string, data []byte) error {
	host, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(host), 0o755); err != nil {
		return err
	}
	return os.WriteFile(host, data, 0o644)
}

// Close is a no-op: the workspace directory outlives the sandbox handle.
func (s *Sandbox) Close(context.Context) error { return nil }

// resolve maps a /workspace path (or a relative path) into the workspace
// directory and rejects escapes.
func (s *Sandbox) resolve(path string) (string, error) {
	if path == "" {
		return s.workspaceDir, nil
	}
	rel := path
	if strings.HasPrefix(path, "/workspace") {
		rel = strings.TrimPrefix(path, "/workspace")
	} else if filepath.IsAbs(path) {
		return "", fmt.Errorf("path outside workspace: %s", path)
	}
	rel = strings.TrimPrefix(rel, "/")
	host := filepath.Clean(filepath.Join(s.workspaceDir, filepath.FromSlash(rel)))
	if host != s.workspaceDir && !strings.HasPrefix(host, s.workspaceDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return host, nil
}

// Compile-time interface check.
var _ breezerun.Sandbox = (*Sandbox)(nil)
