package server

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	breezerun "github.com/zysoong/breezerun"
	"github.com/zysoong/breezerun/internal/config"
	"github.com/zysoong/breezerun/internal/secrets"
	"github.com/zysoong/breezerun/store/sqlite"
	"github.com/zysoong/breezerun/workspace"
)

// --- scripted model ---

type modelTurn struct {
	chunks []breezerun.StreamChunk
	err    error
	block  chan struct{}
}

type scriptedModel struct {
	mu    sync.Mutex
	turns []modelTurn
	calls int
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Stream(ctx context.Context, _ breezerun.ChatRequest, ch chan<- breezerun.StreamChunk) error {
	defer close(ch)
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()
	if i >= len(m.turns) {
		return &breezerun.ErrLLM{Provider: "scripted", Message: "unexpected call"}
	}
	turn := m.turns[i]
	for _, c := range turn.chunks {
		select {
		case ch <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if turn.block != nil {
		select {
		case <-turn.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return turn.err
}

func textChunks(parts ...string) []breezerun.StreamChunk {
	out := make([]breezerun.StreamChunk, len(parts))
	for i, p := range parts {
		out[i] = breezerun.StreamChunk{Text: p}
	}
	return out
}

func toolCall(name, argsJSON string) []breezerun.StreamChunk {
	return []breezerun.StreamChunk{
		{ToolCall: &breezerun.ToolCallDelta{Name: name}},
		{ToolCall: &breezerun.ToolCallDelta{ArgsDelta: argsJSON}},
	}
}

// --- fake sandbox ---

type fakeSandbox struct {
	mu    sync.Mutex
	execs []breezerun.ExecResult
	files map[string][]byte
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: make(map[string][]byte)}
}

func (f *fakeSandbox) Execute(context.Context, string, string, time.Duration) (breezerun.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.execs) == 0 {
		return breezerun.ExecResult{ExitCode: 0, Stdout: "ok"}, nil
	}
	r := f.execs[0]
	f.execs = f.execs[1:]
	return r, nil
}

func (f *fakeSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, &breezerun.ErrSandbox{Message: "no such file"}
	}
	return data, nil
}

func (f *fakeSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeSandbox) Close(context.Context) error { return nil }

// --- fixture ---

type fixture struct {
	srv     *Server
	http    *httptest.Server
	store   breezerun.Store
	sandbox *fakeSandbox
	model   *scriptedModel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Sandbox.WorkspaceRoot = t.TempDir()

	store := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	sandbox := newFakeSandbox()
	registry := breezerun.NewTaskRegistry()
	manager := breezerun.NewSandboxManager(func(context.Context, string, string, map[string]string) (breezerun.Sandbox, error) {
		return sandbox, nil
	}, breezerun.WithBusyCheck(registry.Running))

	bus := breezerun.NewEventBus(nil)
	t.Cleanup(bus.Close)
	buffer := breezerun.NewStreamingBuffer()
	orch := breezerun.NewOrchestrator(store, buffer, bus, registry)

	workspaces, err := workspace.NewManager(cfg.Sandbox.WorkspaceRoot)
	if err != nil {
		t.Fatal(err)
	}

	box, err := secrets.New("test-master-key")
	if err != nil {
		t.Fatal(err)
	}

	model := &scriptedModel{}
	srv := New(cfg, store, orch, buffer, bus, registry, manager, workspaces,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithSecretsBox(box),
		WithModelFactory(func(context.Context, breezerun.AgentConfig) (breezerun.LanguageModel, error) {
			return model, nil
		}))

	ts := httptest.NewServer(srv.cors(srv.Mux()))
	t.Cleanup(ts.Close)

	return &fixture{srv: srv, http: ts, store: store, sandbox: sandbox, model: model}
}

// seed creates a project, its agent config, and a session.
func (f *fixture) seed(t *testing.T, enabledTools []string, envType string) breezerun.ChatSession {
	t.Helper()
	ctx := context.Background()
	p := breezerun.Project{ID: breezerun.NewID(), Name: "demo", CreatedAt: breezerun.NowUnix(), UpdatedAt: breezerun.NowUnix()}
	if err := f.store.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	cfg := breezerun.AgentConfig{
		ProjectID:    p.ID,
		Provider:     "openai",
		Model:        "gpt-4o",
		EnabledTools: enabledTools,
		UpdatedAt:    breezerun.NowUnix(),
	}
	if err := f.store.PutAgentConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	cs := breezerun.ChatSession{
		ID:              breezerun.NewID(),
		ProjectID:       p.ID,
		Status:          "active",
		EnvironmentType: envType,
		CreatedAt:       breezerun.NowUnix(),
	}
	if err := f.store.CreateSession(ctx, cs); err != nil {
		t.Fatal(err)
	}
	return cs
}
