package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateLaysOutSubdirectories(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir, err := m.Create("s1")
	if err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"project_files", "agent_workspace", "out"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil || !info.IsDir() {
			t.Errorf("missing subdirectory %s", sub)
		}
	}
	if !m.Exists("s1") {
		t.Error("Exists = false after Create")
	}

	// Idempotent.
	if _, err := m.Create("s1"); err != nil {
		t.Errorf("second Create: %v", err)
	}
}

func TestRemove(t *testing.T) {
	m, _ := NewManager(t.TempDir())
	if _, err := m.Create("s1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove("s1"); err != nil {
		t.Fatal(err)
	}
	if m.Exists("s1") {
		t.Error("workspace survived Remove")
	}
}

func TestResolve(t *testing.T) {
	m, _ := NewManager(t.TempDir())

	host, err := m.Resolve("s1", "/workspace/out/report.txt")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(m.Path("s1"), "out", "report.txt")
	if host != want {
		t.Errorf("resolved = %q, want %q", host, want)
	}

	if _, err := m.Resolve("s1", "/workspace/../other/secret"); err == nil {
		t.Error("traversal escaped the workspace")
	}
	if _, err := m.Resolve("s1", "/workspace/out/../../../../etc/passwd"); err == nil {
		t.Error("deep traversal escaped the workspace")
	}
}

func TestResolveStaysInsideSession(t *testing.T) {
	m, _ := NewManager(t.TempDir())
	host, err := m.Resolve("s1", "/workspace")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(host, m.Path("s1")) {
		t.Errorf("resolved %q outside session dir", host)
	}
}
