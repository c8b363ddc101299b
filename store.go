package breezerun

import "context"

// Store abstracts durable persistence for projects, sessions, messages, tool
// actions, and provider credentials. The sqlite and postgres subpackages
// implement it; tests use an in-memory version.
//
// Within a session the store is written by a single turn at a time, so
// implementations need no cross-statement coordination beyond transactional
// finalize (SaveCompleteMessage together with its tool actions).
type Store interface {
	// --- Projects ---
	CreateProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	UpdateProject(ctx context.Context, p Project) error
	// DeleteProject cascades to the project's sessions, messages, and actions.
	DeleteProject(ctx context.Context, id string) error

	// --- Agent configuration (exactly one per project) ---
	GetAgentConfig(ctx context.Context, projectID string) (AgentConfig, error)
	PutAgentConfig(ctx context.Context, cfg AgentConfig) error

	// --- Chat sessions ---
	CreateSession(ctx context.Context, s ChatSession) error
	GetSession(ctx context.Context, id string) (ChatSession, error)
	ListSessions(ctx context.Context, projectID string) ([]ChatSession, error)
	// SetSessionEnvironment assigns the environment type and config chosen by
	// the setup_environment tool.
	SetSessionEnvironment(ctx context.Context, id, envType string, envConfig map[string]string) error
	// DeleteSession cascades to the session's messages and tool actions.
	DeleteSession(ctx context.Context, id string) error

	// --- Messages ---
	// CreateMessage inserts a message row. Assistant rows open with
	// IsComplete=false and empty content.
	CreateMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	// ListMessages returns the session's messages ordered by CreatedAt.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	// SaveCompleteMessage atomically writes the full content, merges metadata,
	// flips IsComplete to true, and flushes the recorded tool actions, all in
	// one transaction.
	SaveCompleteMessage(ctx context.Context, id, content string, metadata map[string]any, actions []ToolAction) error
	// MarkMessageIncomplete leaves the row IsComplete=false and records the
	// failure reason in metadata.
	MarkMessageIncomplete(ctx context.Context, id, reason string) error
	DeleteMessage(ctx context.Context, id string) error
	// DeleteIncompleteMessages removes abandoned drafts for a session and
	// returns how many were deleted.
	DeleteIncompleteMessages(ctx context.Context, sessionID string) (int, error)

	// --- Tool actions ---
	ListToolActions(ctx context.Context, messageID string) ([]ToolAction, error)

	// --- API keys ---
	PutAPIKey(ctx context.Context, k APIKey) error
	GetAPIKey(ctx context.Context, provider string) (APIKey, error)
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	DeleteAPIKey(ctx context.Context, provider string) error
	TouchAPIKey(ctx context.Context, provider string, usedAt int64) error

	// --- Lifecycle ---
	Init(ctx context.Context) error
	Close() error
}
