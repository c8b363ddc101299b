package breezerun

import (
	"context"
	"sync"
	"time"
)

// Task status values.
const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskError     = "error"
	TaskCancelled = "cancelled"
)

// AgentTask is a running (or recently finished) agent turn. The handle is the
// task's context cancel function; the signal is the cooperative flag the loop
// observes. Done closes when the turn goroutine exits.
type AgentTask struct {
	SessionID string
	MessageID string
	Cancel    *CancelSignal
	CreatedAt time.Time

	handle context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status string
}

// Status returns the task's current status.
func (t *AgentTask) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *AgentTask) setStatus(s string) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// Done returns a channel closed when the task's goroutine finishes.
func (t *AgentTask) Done() <-chan struct{} { return t.done }

func (t *AgentTask) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Finish marks the task terminal and releases waiters. Called exactly once by
// the orchestrator when the turn goroutine exits.
func (t *AgentTask) Finish(status string) {
	t.setStatus(status)
	close(t.done)
}

// TaskRegistry is the process-wide map from session id to its running agent
// task. It decouples ongoing work from client connections: a disconnect does
// not end the loop, and a reconnecting client can find the active task and
// resume streaming from the buffer.
type TaskRegistry struct {
	mu    sync.Mutex
	tasks map[string]*AgentTask
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]*AgentTask)}
}

// Register records a new running task for the session. If a prior task for
// the session is still running it is cancelled (signal set, handle cancelled)
// and replaced, preserving at most one running task per session.
func (r *TaskRegistry) Register(sessionID, messageID string, handle context.CancelFunc, cancel *CancelSignal) *AgentTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.tasks[sessionID]; ok && !old.finished() {
		old.Cancel.Set()
		old.handle()
		old.setStatus(TaskCancelled)
	}
	t := &AgentTask{
		SessionID: sessionID,
		MessageID: messageID,
		Cancel:    cancel,
		CreatedAt: time.Now(),
		handle:    handle,
		done:      make(chan struct{}),
		status:    TaskRunning,
	}
	r.tasks[sessionID] = t
	return t
}

// Get returns the session's task, or nil.
func (r *TaskRegistry) Get(sessionID string) *AgentTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[sessionID]
}

// Cancel sets the session task's cancel signal and cancels its handle.
// Returns false when no running task exists. Idempotent.
func (r *TaskRegistry) Cancel(sessionID string) bool {
	r.mu.Lock()
	t, ok := r.tasks[sessionID]
	r.mu.Unlock()
	if !ok || t.finished() {
		return false
	}
	t.Cancel.Set()
	t.handle()
	return true
}

// Running reports whether the session has a task with status running.
func (r *TaskRegistry) Running(sessionID string) bool {
	t := r.Get(sessionID)
	return t != nil && t.Status() == TaskRunning
}

// MarkCompleted sets a terminal status on the session's task.
func (r *TaskRegistry) MarkCompleted(sessionID, status string) {
	if t := r.Get(sessionID); t != nil {
		t.setStatus(status)
	}
}

// Cleanup removes the session's entry.
func (r *TaskRegistry) Cleanup(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, sessionID)
}

// GC removes entries whose task has finished and whose age exceeds maxAge.
// Returns the number removed.
func (r *TaskRegistry) GC(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var removed int
	for id, t := range r.tasks {
		if t.finished() && now.Sub(t.CreatedAt) > maxAge {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// RunGC periodically garbage-collects finished tasks until ctx ends.
func (r *TaskRegistry) RunGC(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.GC(maxAge)
		}
	}
}
