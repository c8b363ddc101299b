package breezerun

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeSandbox counts closes.
type fakeSandbox struct {
	id     string
	mu     sync.Mutex
	closed bool
}

func (f *fakeSandbox) Execute(context.Context, string, string, time.Duration) (ExecResult, error) {
	return ExecResult{ExitCode: 0, Stdout: "ok"}, nil
}
func (f *fakeSandbox) ReadFile(context.Context, string) ([]byte, error) { return nil, nil }
func (f *fakeSandbox) WriteFile(context.Context, string, []byte) error  { return nil }
func (f *fakeSandbox) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
func (f *fakeSandbox) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func fakeFactory(created *[]*fakeSandbox) SandboxFactory {
	var mu sync.Mutex
	return func(_ context.Context, sessionID, _ string, _ map[string]string) (Sandbox, error) {
		sb := &fakeSandbox{id: sessionID}
		mu.Lock()
		*created = append(*created, sb)
		mu.Unlock()
		return sb, nil
	}
}

func TestManagerCreateAndReuse(t *testing.T) {
	var created []*fakeSandbox
	m := NewSandboxManager(fakeFactory(&created))

	sb1, err := m.Create(context.Background(), "s1", "python", nil)
	if err != nil {
		t.Fatal(err)
	}
	sb2, err := m.Create(context.Background(), "s1", "python", nil)
	if err != nil {
		t.Fatal(err)
	}
	if sb1 != sb2 {
		t.Error("second Create returned a different sandbox")
	}
	if len(created) != 1 {
		t.Errorf("factory called %d times, want 1", len(created))
	}
	if got := m.Get("s1"); got != sb1 {
		t.Error("Get returned a different sandbox")
	}
	if m.Get("missing") != nil {
		t.Error("Get for unknown session returned a sandbox")
	}
}

func TestManagerDestroy(t *testing.T) {
	var created []*fakeSandbox
	m := NewSandboxManager(fakeFactory(&created))

	if _, err := m.Create(context.Background(), "s1", "python", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Destroy(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if !created[0].isClosed() {
		t.Error("Destroy did not close the sandbox")
	}
	if m.Get("s1") != nil {
		t.Error("sandbox still registered after Destroy")
	}
	// Destroying an unknown session is a no-op.
	if err := m.Destroy(context.Background(), "s1"); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
}

func TestManagerEvictsLRUOverSoftCap(t *testing.T) {
	var created []*fakeSandbox
	m := NewSandboxManager(fakeFactory(&created), WithSoftCap(2))

	for _, id := range []string{"a", "b"} {
		if _, err := m.Create(context.Background(), id, "python", nil); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond) // distinct lastUsed stamps
	}
	m.Get("a") // refresh a, making b the LRU

	if _, err := m.Create(context.Background(), "c", "python", nil); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Errorf("pool size = %d, want 2 after eviction", m.Len())
	}
	if m.Get("b") != nil {
		t.Error("LRU sandbox b survived eviction")
	}
	if m.Get("a") == nil || m.Get("c") == nil {
		t.Error("wrong sandbox evicted")
	}
}

func TestManagerNeverEvictsBusySession(t *testing.T) {
	var created []*fakeSandbox
	busy := map[string]bool{"a": true, "b": true}
	m := NewSandboxManager(fakeFactory(&created),
		WithSoftCap(2),
		WithBusyCheck(func(id string) bool { return busy[id] }))

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(context.Background(), id, "python", nil); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	// a and b are busy, so c (the only idle one) is the eviction victim.
	if m.Get("a") == nil || m.Get("b") == nil {
		t.Error("busy sandbox was evicted")
	}
	if m.Get("c") != nil {
		t.Error("idle sandbox survived over busy ones")
	}
}

func TestManagerShutdownClosesAll(t *testing.T) {
	var created []*fakeSandbox
	m := NewSandboxManager(fakeFactory(&created))
	for _, id := range []string{"a", "b"} {
		if _, err := m.Create(context.Background(), id, "python", nil); err != nil {
			t.Fatal(err)
		}
	}
	m.Shutdown(context.Background())
	if m.Len() != 0 {
		t.Errorf("pool size = %d after Shutdown", m.Len())
	}
	for _, sb := range created {
		if !sb.isClosed() {
			t.Errorf("sandbox %s not closed", sb.id)
		}
	}
}
