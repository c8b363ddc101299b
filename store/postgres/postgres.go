// Package postgres implements breezerun.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	breezerun "github.com/zysoong/breezerun"
)

// ErrNotFound aliases the root sentinel so callers can errors.Is against
// either package.
var ErrNotFound = breezerun.ErrNotFound

// Store implements breezerun.Store backed by PostgreSQL. JSON-shaped columns
// use jsonb.
type Store struct {
	pool *pgxpool.Pool
}

var _ breezerun.Store = (*Store)(nil)

// New creates a Store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_configs (
			project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			model_params JSONB,
			enabled_tools JSONB NOT NULL DEFAULT '[]',
			system_instructions TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			environment_type TEXT NOT NULL DEFAULT '',
			environment_config JSONB,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			is_complete BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_actions (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			tool_name TEXT NOT NULL,
			input JSONB NOT NULL,
			output JSONB,
			status TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			provider TEXT PRIMARY KEY,
			encrypted_key TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			last_used_at BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_message ON tool_actions(message_id, created_at)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p breezerun.Project) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (breezerun.Project, error) {
	var p breezerun.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return breezerun.Project{}, ErrNotFound
	}
	return p, err
}

func (s *Store) ListProjects(ctx context.Context) ([]breezerun.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.Project
	for rows.Next() {
		var p breezerun.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p breezerun.Project) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET name = $1, description = $2, updated_at = $3 WHERE id = $4`,
		p.Name, p.Description, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Agent configuration ---

func (s *Store) GetAgentConfig(ctx context.Context, projectID string) (breezerun.AgentConfig, error) {
	var cfg breezerun.AgentConfig
	var params []byte
	var tools []byte
	err := s.pool.QueryRow(ctx,
		`SELECT project_id, provider, model, model_params, enabled_tools, system_instructions, updated_at
		 FROM agent_configs WHERE project_id = $1`, projectID).
		Scan(&cfg.ProjectID, &cfg.Provider, &cfg.Model, &params, &tools, &cfg.SystemInstructions, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return breezerun.AgentConfig{}, ErrNotFound
	}
	if err != nil {
		return breezerun.AgentConfig{}, err
	}
	if len(params) > 0 {
		cfg.ModelParams = json.RawMessage(params)
	}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &cfg.EnabledTools); err != nil {
			return breezerun.AgentConfig{}, fmt.Errorf("decode enabled_tools: %w", err)
		}
	}
	return cfg, nil
}

func (s *Store) PutAgentConfig(ctx context.Context, cfg breezerun.AgentConfig) error {
	tools, err := json.Marshal(cfg.EnabledTools)
	if err != nil {
		return err
	}
	var params any
	if len(cfg.ModelParams) > 0 {
		params = []byte(cfg.ModelParams)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agent_configs (project_id, provider, model, model_params, enabled_tools, system_instructions, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (project_id) DO UPDATE SET
			provider = EXCLUDED.provider,
			model = EXCLUDED.model,
			model_params = EXCLUDED.model_params,
			enabled_tools = EXCLUDED.enabled_tools,
			system_instructions = EXCLUDED.system_instructions,
			updated_at = EXCLUDED.updated_at`,
		cfg.ProjectID, cfg.Provider, cfg.Model, params, tools, cfg.SystemInstructions, cfg.UpdatedAt)
	return err
}

// --- Chat sessions ---

func (s *Store) CreateSession(ctx context.Context, cs breezerun.ChatSession) error {
	var envCfg any
	if len(cs.EnvironmentConfig) > 0 {
		b, err := json.Marshal(cs.EnvironmentConfig)
		if err != nil {
			return err
		}
		envCfg = b
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, project_id, status, environment_type, environment_config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cs.ID, cs.ProjectID, cs.Status, cs.EnvironmentType, envCfg, cs.CreatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (breezerun.ChatSession, error) {
	var cs breezerun.ChatSession
	var envCfg []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, status, environment_type, environment_config, created_at
		 FROM chat_sessions WHERE id = $1`, id).
		Scan(&cs.ID, &cs.ProjectID, &cs.Status, &cs.EnvironmentType, &envCfg, &cs.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return breezerun.ChatSession{}, ErrNotFound
	}
	if err != nil {
		return breezerun.ChatSession{}, err
	}
	if len(envCfg) > 0 {
		if err := json.Unmarshal(envCfg, &cs.EnvironmentConfig); err != nil {
			return breezerun.ChatSession{}, fmt.Errorf("decode environment_config: %w", err)
		}
	}
	return cs, nil
}

func (s *Store) ListSessions(ctx context.Context, projectID string) ([]breezerun.ChatSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, status, environment_type, environment_config, created_at
		 FROM chat_sessions WHERE project_id = $1 ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.ChatSession
	for rows.Next() {
		var cs breezerun.ChatSession
		var envCfg []byte
		if err := rows.Scan(&cs.ID, &cs.ProjectID, &cs.Status, &cs.EnvironmentType, &envCfg, &cs.CreatedAt); err != nil {
			return nil, err
		}
		if len(envCfg) > 0 {
			if err := json.Unmarshal(envCfg, &cs.EnvironmentConfig); err != nil {
				return nil, fmt.Errorf("decode environment_config: %w", err)
			}
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *Store) SetSessionEnvironment(ctx context.Context, id, envType string, envConfig map[string]string) error {
	var cfg any
	if len(envConfig) > 0 {
		b, err := json.Marshal(envConfig)
		if err != nil {
			return err
		}
		cfg = b
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET environment_type = $1, environment_config = $2 WHERE id = $3`,
		envType, cfg, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

func (s *Store) CreateMessage(ctx context.Context, m breezerun.Message) error {
	meta, err := metaJSON(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, metadata, is_complete, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.SessionID, m.Role, m.Content, meta, m.IsComplete, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (breezerun.Message, error) {
	var m breezerun.Message
	var meta []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, role, content, metadata, is_complete, created_at, updated_at
		 FROM messages WHERE id = $1`, id).
		Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &meta, &m.IsComplete, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return breezerun.Message{}, ErrNotFound
	}
	if err != nil {
		return breezerun.Message{}, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return breezerun.Message{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]breezerun.Message, error) {
	q := `SELECT id, session_id, role, content, metadata, is_complete, created_at, updated_at
		  FROM messages WHERE session_id = $1 ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.Message
	for rows.Next() {
		var m breezerun.Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &meta, &m.IsComplete, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SaveCompleteMessage(ctx context.Context, id, content string, metadata map[string]any, actions []breezerun.ToolAction) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var meta []byte
	err = tx.QueryRow(ctx, `SELECT metadata FROM messages WHERE id = $1`, id).Scan(&meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	merged := map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &merged); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	for k, v := range metadata {
		merged[k] = v
	}
	mergedJSON, err := metaJSON(merged)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE messages SET content = $1, metadata = $2, is_complete = TRUE, updated_at = $3 WHERE id = $4`,
		content, mergedJSON, breezerun.NowUnix(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, a := range actions {
		var output any
		if a.Output != nil {
			b, err := json.Marshal(a.Output)
			if err != nil {
				return err
			}
			output = b
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO tool_actions (id, message_id, tool_name, input, output, status, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			a.ID, a.MessageID, a.ToolName, []byte(a.Input), output, a.Status, a.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) MarkMessageIncomplete(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages
		 SET metadata = metadata || jsonb_build_object('error', $1::text), is_complete = FALSE, updated_at = $2
		 WHERE id = $3`,
		reason, breezerun.NowUnix(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return err
}

func (s *Store) DeleteIncompleteMessages(ctx context.Context, sessionID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE session_id = $1 AND is_complete = FALSE`, sessionID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Tool actions ---

func (s *Store) ListToolActions(ctx context.Context, messageID string) ([]breezerun.ToolAction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, message_id, tool_name, input, output, status, created_at
		 FROM tool_actions WHERE message_id = $1 ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.ToolAction
	for rows.Next() {
		var a breezerun.ToolAction
		var input, output []byte
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ToolName, &input, &output, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Input = json.RawMessage(input)
		if len(output) > 0 {
			var o breezerun.ActionOutput
			if err := json.Unmarshal(output, &o); err != nil {
				return nil, fmt.Errorf("decode action output: %w", err)
			}
			a.Output = &o
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- API keys ---

func (s *Store) PutAPIKey(ctx context.Context, k breezerun.APIKey) error {
	var lastUsed any
	if k.LastUsedAt > 0 {
		lastUsed = k.LastUsedAt
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (provider, encrypted_key, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider) DO UPDATE SET encrypted_key = EXCLUDED.encrypted_key`,
		k.Provider, k.EncryptedKey, k.CreatedAt, lastUsed)
	return err
}

func (s *Store) GetAPIKey(ctx context.Context, provider string) (breezerun.APIKey, error) {
	var k breezerun.APIKey
	var lastUsed *int64
	err := s.pool.QueryRow(ctx,
		`SELECT provider, encrypted_key, created_at, last_used_at FROM api_keys WHERE provider = $1`, provider).
		Scan(&k.Provider, &k.EncryptedKey, &k.CreatedAt, &lastUsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return breezerun.APIKey{}, ErrNotFound
	}
	if err != nil {
		return breezerun.APIKey{}, err
	}
	if lastUsed != nil {
		k.LastUsedAt = *lastUsed
	}
	return k, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]breezerun.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT provider, encrypted_key, created_at, last_used_at FROM api_keys ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.APIKey
	for rows.Next() {
		var k breezerun.APIKey
		var lastUsed *int64
		if err := rows.Scan(&k.Provider, &k.EncryptedKey, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		if lastUsed != nil {
			k.LastUsedAt = *lastUsed
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAPIKey(ctx context.Context, provider string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_keys WHERE provider = $1`, provider)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, provider string, usedAt int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE provider = $2`, usedAt, provider)
	return err
}

func metaJSON(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
