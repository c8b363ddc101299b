// Package docker implements breezerun.Sandbox on top of the Docker Engine
// API. Each session gets one long-lived container with the session workspace
// bind-mounted at /workspace; commands run as exec sessions inside it.
package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	breezerun "github.com/zysoong/breezerun"
)

// images maps an environment type to its container image. An explicit
// "image" key in the environment config overrides the mapping.
var images = map[string]string{
	"python": "python:3.12-slim",
	"node":   "node:20-slim",
	"go":     "golang:1.25",
	"base":   "ubuntu:24.04",
}

const defaultImage = "python:3.12-slim"

// Sandbox is a running per-session container.
type Sandbox struct {
	cli         *client.Client
	containerID string
	sessionID   string

	closeOnce sync.Once
	closeErr  error
}

// Factory returns a breezerun.SandboxFactory that provisions Docker sandboxes
// with the session workspace (resolved through hostDir) mounted at /workspace.
func Factory(hostDir func(sessionID string) string) breezerun.SandboxFactory {
	return func(ctx context.Context, sessionID, envType string, envConfig map[string]string) (breezerun.Sandbox, error) {
		return New(ctx, sessionID, envType, envConfig, hostDir(sessionID))
	}
}

// New creates and starts a container for the session.
func New(ctx context.Context, sessionID, envType string, envConfig map[string]string, workspaceHostDir string) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	img := envConfig["image"]
	if img == "" {
		img = images[envType]
	}
	if img == "" {
		img = defaultImage
	}

	// Pull is best-effort: a locally present image works offline.
	if rc, err := cli.ImagePull(ctx, img, image.PullOptions{}); err == nil {
		_, _ = io.Copy(io.Discard, rc)
		_ = rc.Close()
	}

	created, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:      img,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: "/workspace",
			Labels: map[string]string{
				"breezerun.session": sessionID,
				"breezerun.env":     envType,
			},
		},
		&container.HostConfig{
			Binds: []string{workspaceHostDir + ":/workspace"},
		},
		nil, nil, "breezerun-"+sessionID)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	return &Sandbox{cli: cli, containerID: created.ID, sessionID: sessionID}, nil
}

// Execute runs cmd through sh -c as an exec session, bounded by timeout.
func (s *Sandbox) Execute(ctx context.Context, cmd, workdir string, timeout time.Duration) (breezerun.ExecResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ectx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if workdir == "" {
		workdir = "/workspace"
	}

	created, err := s.cli.ContainerExecCreate(ectx, s.containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", cmd},
		WorkingDir:   workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return breezerun.ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := s.cli.ContainerExecAttach(ectx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return breezerun.ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ectx.Err() == context.DeadlineExceeded {
			return breezerun.ExecResult{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()},
				fmt.Errorf("command timed out after %s", timeout)
		}
		return breezerun.ExecResult{}, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return breezerun.ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return breezerun.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ReadFile copies one file out of the container.
func (s *Sandbox) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	rc, _, err := s.cli.CopyFromContainer(ctx, s.containerID, filePath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filePath, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("read %s: not found in archive", filePath)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.ReadAll(tr)
		}
	}
}

// WriteFile copies one file into the container, creating parent directories.
func (s *Sandbox) WriteFile(ctx context.Context, filePath string, data []byte) error {
	dir := path.Dir(filePath)
	if _, err := s.Execute(ctx, "mkdir -p "+shellQuote(dir), "/", 10*time.Second); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(filePath),
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	if err := s.cli.CopyToContainer(ctx, s.containerID, dir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("write %s: %w", filePath, err)
	}
	return nil
}

// Close force-removes the container and releases the client. Idempotent:
// later calls return the first outcome without touching the closed client.
func (s *Sandbox) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		err := s.cli.ContainerRemove(ctx, s.containerID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			s.closeErr = err
		}
		if err := s.cli.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// shellQuote single-quotes a path for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Compile-time interface check.
var _ breezerun.Sandbox = (*Sandbox)(nil)
