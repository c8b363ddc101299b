package breezerun

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// --- scripted model ---

// modelTurn is one scripted model response: the chunks to stream, or an
// error to fail with after streaming whatever chunks are present.
type modelTurn struct {
	chunks []StreamChunk
	err    error
	// block, when non-nil, is closed by the test to release a stalled
	// stream; until then the model waits after emitting its chunks.
	block chan struct{}
}

// scriptedModel replays canned responses, one per Stream call.
type scriptedModel struct {
	mu    sync.Mutex
	turns []modelTurn
	calls int
}

func (m *scriptedModel) Name() string { return "scripted" }

func (m *scriptedModel) Stream(ctx context.Context, _ ChatRequest, ch chan<- StreamChunk) error {
	defer close(ch)
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()
	if i >= len(m.turns) {
		return fmt.Errorf("scripted model: unexpected call %d", i+1)
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

func textChunks(parts ...string) []StreamChunk {
	out := make([]StreamChunk, len(parts))
	for i, p := range parts {
		out[i] = StreamChunk{Text: p}
	}
	return out
}

func toolCallChunks(name string, argParts ...string) []StreamChunk {
	out := []StreamChunk{{ToolCall: &ToolCallDelta{Name: name, ArgsDelta: ""}}}
	for _, p := range argParts {
		out = append(out, StreamChunk{ToolCall: &ToolCallDelta{ArgsDelta: p}})
	}
	return out
}

// --- simple tools ---

// echoTool succeeds and reports the args it was given.
type echoTool struct {
	name  string
	calls int
	mu    sync.Mutex
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its input" }
func (t *echoTool) Parameters() []ToolParameter {
	return []ToolParameter{{Name: "text", Type: "string", Description: "text to echo", Required: true}}
}
func (t *echoTool) Execute(_ context.Context, args json.RawMessage) ToolResult {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	return ToolResult{Success: true, Output: "echo: " + string(args)}
}

// failTool always fails.
type failTool struct{}

func (failTool) Name() string        { return "fail" }
func (failTool) Description() string { return "always fails" }
func (failTool) Parameters() []ToolParameter {
	return nil
}
func (failTool) Execute(context.Context, json.RawMessage) ToolResult {
	return ToolResult{Error: "boom"}
}

// slowTool blocks until its context ends.
type slowTool struct{}

func (slowTool) Name() string                { return "slow" }
func (slowTool) Description() string         { return "sleeps forever" }
func (slowTool) Parameters() []ToolParameter { return nil }
func (slowTool) Execute(ctx context.Context, _ json.RawMessage) ToolResult {
	<-ctx.Done()
	return ToolResult{Error: ctx.Err().Error()}
}

func registryWith(t ...Tool) *Registry {
	r := NewRegistry()
	for _, tool := range t {
		if err := r.Register(tool); err != nil {
			panic(err)
		}
	}
	return r
}

// collect drains a loop event channel with a timeout guard.
func collect(ch <-chan LoopEvent) []LoopEvent {
	var out []LoopEvent
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			panic("collect: loop did not finish in time")
		}
	}
}

func eventsOfType(events []LoopEvent, t LoopEventType) []LoopEvent {
	var out []LoopEvent
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func joinedChunks(events []LoopEvent) string {
	var s string
	for _, ev := range eventsOfType(events, EventAnswerChunk) {
		s += ev.Content
	}
	return s
}

// --- in-memory store ---

// memStore implements Store with maps for orchestrator tests.
type memStore struct {
	mu       sync.Mutex
	projects map[string]Project
	configs  map[string]AgentConfig
	sessions map[string]ChatSession
	messages map[string]Message
	actions  map[string][]ToolAction // messageID -> actions
	keys     map[string]APIKey

	// failSave makes SaveCompleteMessage fail, for persistence-error paths.
	failSave bool
	// truncateOnSave stores only the first half of the content, breaking
	// finalize verification.
	truncateOnSave bool
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]Project),
		configs:  make(map[string]AgentConfig),
		sessions: make(map[string]ChatSession),
		messages: make(map[string]Message),
		actions:  make(map[string][]ToolAction),
		keys:     make(map[string]APIKey),
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) CreateProject(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
	return nil
}

func (s *memStore) GetProject(_ context.Context, id string) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (s *memStore) ListProjects(context.Context) ([]Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Project
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) UpdateProject(_ context.Context, p Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[p.ID]; !ok {
		return ErrNotFound
	}
	s.projects[p.ID] = p
	return nil
}

func (s *memStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

func (s *memStore) GetAgentConfig(_ context.Context, projectID string) (AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[projectID]
	if !ok {
		return AgentConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (s *memStore) PutAgentConfig(_ context.Context, cfg AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.ProjectID] = cfg
	return nil
}

func (s *memStore) CreateSession(_ context.Context, cs ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[cs.ID] = cs
	return nil
}

func (s *memStore) GetSession(_ context.Context, id string) (ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return ChatSession{}, ErrNotFound
	}
	return cs, nil
}

func (s *memStore) ListSessions(_ context.Context, projectID string) ([]ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ChatSession
	for _, cs := range s.sessions {
		if cs.ProjectID == projectID {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (s *memStore) SetSessionEnvironment(_ context.Context, id, envType string, envConfig map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	cs.EnvironmentType = envType
	cs.EnvironmentConfig = envConfig
	s.sessions[id] = cs
	return nil
}

func (s *memStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *memStore) CreateMessage(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = m
	return nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (s *memStore) ListMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SaveCompleteMessage(_ context.Context, id, content string, metadata map[string]any, actions []ToolAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return fmt.Errorf("save failed")
	}
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	if s.truncateOnSave {
		content = content[:len(content)/2]
	}
	m.Content = content
	m.IsComplete = true
	m.UpdatedAt = NowUnix()
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	for k, v := range metadata {
		m.Metadata[k] = v
	}
	s.messages[id] = m
	s.actions[id] = append([]ToolAction(nil), actions...)
	return nil
}

func (s *memStore) MarkMessageIncomplete(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.IsComplete = false
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata["error"] = reason
	s.messages[id] = m
	return nil
}

func (s *memStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	delete(s.actions, id)
	return nil
}

func (s *memStore) DeleteIncompleteMessages(_ context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, m := range s.messages {
		if m.SessionID == sessionID && !m.IsComplete {
			delete(s.messages, id)
			delete(s.actions, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListToolActions(_ context.Context, messageID string) ([]ToolAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolAction(nil), s.actions[messageID]...), nil
}

func (s *memStore) PutAPIKey(_ context.Context, k APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[k.Provider] = k
	return nil
}

func (s *memStore) GetAPIKey(_ context.Context, provider string) (APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[provider]
	if !ok {
		return APIKey{}, ErrNotFound
	}
	return k, nil
}

func (s *memStore) ListAPIKeys(context.Context) ([]APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []APIKey
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out, nil
}

func (s *memStore) DeleteAPIKey(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[provider]; !ok {
		return ErrNotFound
	}
	delete(s.keys, provider)
	return nil
}

func (s *memStore) TouchAPIKey(_ context.Context, provider string, usedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[provider]; ok {
		k.LastUsedAt = usedAt
		s.keys[provider] = k
	}
	return nil
}

var _ Store = (*memStore)(nil)
