package breezerun

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewID generates a record id. Ids are UUIDv7 (RFC 9562), so they sort by
// creation time: the stores order messages and tool actions by
// (created_at, id), and the id tie-break keeps a turn's rows in insertion
// order when several land in the same second.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current time as Unix seconds, the resolution every
// CreatedAt/UpdatedAt field below uses.
func NowUnix() int64 {
	return time.Now().Unix()
}

// --- Domain types (database records) ---

// Project groups chat sessions under a single agent configuration.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// AgentConfig is the per-project agent configuration. Exactly one exists per
// project; it decides which tools a turn registers and which model backs it.
type AgentConfig struct {
	ProjectID          string          `json:"project_id"`
	Provider           string          `json:"provider"`
	Model              string          `json:"model"`
	ModelParams        json.RawMessage `json:"model_params,omitempty"`
	EnabledTools       []string        `json:"enabled_tools"`
	SystemInstructions string          `json:"system_instructions,omitempty"`
	UpdatedAt          int64           `json:"updated_at"`
}

// ChatSession is one conversation. EnvironmentType is empty until the agent
// provisions an environment; once set, a sandbox may exist for the session.
type ChatSession struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	Status            string            `json:"status"`
	EnvironmentType   string            `json:"environment_type,omitempty"`
	EnvironmentConfig map[string]string `json:"environment_config,omitempty"`
	CreatedAt         int64             `json:"created_at"`
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a persisted conversation message. Assistant messages are created
// with IsComplete=false while streaming; readers filter to IsComplete=true.
// No chunk is appended after IsComplete flips to true.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IsComplete bool           `json:"is_complete"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

// Tool action status values.
const (
	ActionPending = "pending"
	ActionSuccess = "success"
	ActionError   = "error"
)

// ToolAction records one tool invocation made while producing an assistant
// message. Actions are held in memory during the turn and flushed together
// with the message at finalize; ordering is preserved by CreatedAt.
type ToolAction struct {
	ID        string          `json:"id"`
	MessageID string          `json:"message_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
	Output    *ActionOutput   `json:"output,omitempty"`
	Status    string          `json:"status"`
	CreatedAt int64           `json:"created_at"`
}

// ActionOutput is the observed result of a tool action.
type ActionOutput struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// APIKey is a stored provider credential. The plaintext key never persists;
// EncryptedKey is produced by the secrets package from the master key.
type APIKey struct {
	Provider     string `json:"provider"`
	EncryptedKey string `json:"-"`
	CreatedAt    int64  `json:"created_at"`
	LastUsedAt   int64  `json:"last_used_at,omitempty"`
}

// --- LLM protocol types ---

// ChatMessage is a single turn in the model conversation. The loop never uses
// a dedicated tool role: observations are injected as user turns so the same
// message shape works across backends that do and do not support one.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition is a tool schema in the shape handed to the model backend.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is the input to LanguageModel.Stream.
type ChatRequest struct {
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// StreamChunk is one increment from a streaming model response: either a text
// delta or a partial tool call, never both.
type StreamChunk struct {
	Text     string
	ToolCall *ToolCallDelta
}

// ToolCallDelta is a tool-call fragment. Providers may send Name only on the
// first fragment; ArgsDelta fragments are string-concatenated by the consumer
// and parsed as JSON once the stream closes.
type ToolCallDelta struct {
	Name      string
	ArgsDelta string
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}
