package breezerun

import (
	"context"
	"sync"
	"time"
)

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox is a per-session isolated execution environment with a filesystem
// and a shell. Its lifetime is bound to the session, not to any client
// connection. Sandboxes are single-writer per session: the loop never issues
// concurrent tool calls within a turn.
type Sandbox interface {
	// Execute runs cmd through a shell in workdir, bounded by timeout.
	// A non-zero exit code is not an error; err reports only transport or
	// environment failures.
	Execute(ctx context.Context, cmd, workdir string, timeout time.Duration) (ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	// Close tears the environment down. Idempotent.
	Close(ctx context.Context) error
}

// SandboxFactory provisions a sandbox for a session. Implementations live in
// the sandbox subpackages; the manager stays backend-neutral.
type SandboxFactory func(ctx context.Context, sessionID, envType string, envConfig map[string]string) (Sandbox, error)

// BusyFunc reports whether a session currently has a running agent task.
// The manager never evicts a busy session's sandbox.
type BusyFunc func(sessionID string) bool

type sandboxEntry struct {
	sb       Sandbox
	envType  string
	lastUsed time.Time
}

// SandboxManager is the process-wide pool of live sandboxes keyed by session
// id: at most one per session, created on demand, reused across reconnects,
// destroyed on session delete. A soft cap bounds the pool; exceeding it
// evicts the least recently used idle sandbox.
type SandboxManager struct {
	mu      sync.Mutex
	entries map[string]*sandboxEntry
	factory SandboxFactory
	busy    BusyFunc
	softCap int
}

// ManagerOption configures a SandboxManager.
type ManagerOption func(*SandboxManager)

// WithSoftCap sets the pool size above which idle sandboxes are evicted.
func WithSoftCap(n int) ManagerOption {
	return func(m *SandboxManager) { m.softCap = n }
}

// WithBusyCheck sets the callback that protects sessions with running tasks
// from eviction.
func WithBusyCheck(f BusyFunc) ManagerOption {
	return func(m *SandboxManager) { m.busy = f }
}

// NewSandboxManager creates a manager that provisions through factory.
func NewSandboxManager(factory SandboxFactory, opts ...ManagerOption) *SandboxManager {
	m := &SandboxManager{
		entries: make(map[string]*sandboxEntry),
		factory: factory,
		softCap: 5,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns the live sandbox for sessionID, or nil if none exists.
func (m *SandboxManager) Get(sessionID string) Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil
	}
	e.lastUsed = time.Now()
	return e.sb
}

// Create provisions a sandbox for sessionID and records it. If one already
// exists it is returned unchanged; at most one sandbox lives per session.
func (m *SandboxManager) Create(ctx context.Context, sessionID, envType string, envConfig map[string]string) (Sandbox, error) {
	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok {
		e.lastUsed = time.Now()
		m.mu.Unlock()
		return e.sb, nil
	}
	m.mu.Unlock()

	// Provision outside the lock: container startup can take seconds and
	// must not serialize unrelated sessions.
	sb, err := m.factory(ctx, sessionID, envType, envConfig)
	if err != nil {
		return nil, &ErrSandbox{SessionID: sessionID, Message: err.Error()}
	}

	m.mu.Lock()
	if e, ok := m.entries[sessionID]; ok {
		// Lost the race to a concurrent Create; keep the first one.
		m.mu.Unlock()
		_ = sb.Close(ctx)
		return e.sb, nil
	}
	m.entries[sessionID] = &sandboxEntry{sb: sb, envType: envType, lastUsed: time.Now()}
	victim := m.evictLocked()
	m.mu.Unlock()

	if victim != nil {
		_ = victim.Close(ctx)
	}
	return sb, nil
}

// Destroy tears down and forgets the session's sandbox, if any.
func (m *SandboxManager) Destroy(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	delete(m.entries, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.sb.Close(ctx)
}

// Len returns the number of live sandboxes.
func (m *SandboxManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Shutdown closes every sandbox in the pool.
func (m *SandboxManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*sandboxEntry)
	m.mu.Unlock()
	for _, e := range entries {
		_ = e.sb.Close(ctx)
	}
}

// evictLocked picks the least recently used idle sandbox when the pool is
// over its soft cap, removes it from the map, and returns it for the caller
// to close outside the lock. Sessions with a running task are never evicted.
func (m *SandboxManager) evictLocked() Sandbox {
	if m.softCap <= 0 || len(m.entries) <= m.softCap {
		return nil
	}
	var oldestID string
	var oldest time.Time
	for id, e := range m.entries {
		if m.busy != nil && m.busy(id) {
			continue
		}
		if oldestID == "" || e.lastUsed.Before(oldest) {
			oldestID = id
			oldest = e.lastUsed
		}
	}
	if oldestID == "" {
		return nil
	}
	victim := m.entries[oldestID].sb
	delete(m.entries, oldestID)
	return victim
}
