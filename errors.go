package breezerun

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLLM reports a model transport failure. It terminates the turn; the
// orchestrator marks the assistant message incomplete.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries a non-200 response from a model backend.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrSandbox reports an unavailable or failed execution environment. Fatal to
// the turn when raised from SandboxManager; a per-command failure inside a
// live sandbox surfaces as a failed observation instead.
type ErrSandbox struct {
	SessionID string
	Message   string
}

func (e *ErrSandbox) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.SessionID, e.Message)
}

// ErrPersistence reports a durable-store failure during message finalize.
// The message stays IsComplete=false and the client sees a terminal error.
type ErrPersistence struct {
	MessageID string
	Message   string
}

func (e *ErrPersistence) Error() string {
	return fmt.Sprintf("persist %s: %s", e.MessageID, e.Message)
}
