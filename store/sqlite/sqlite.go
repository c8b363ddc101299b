// Package sqlite implements breezerun.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	breezerun "github.com/zysoong/breezerun"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound aliases the root sentinel so callers can errors.Is against
// either package.
var ErrNotFound = breezerun.ErrNotFound

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements breezerun.Store backed by a local SQLite file.
// JSON-shaped columns (metadata, configs, tool inputs) are stored as TEXT.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ breezerun.Store = (*Store)(nil)

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. A single shared
// connection serializes all writers through one connection, eliminating
// SQLITE_BUSY errors from concurrent sessions.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_configs (
			project_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			model_params TEXT,
			enabled_tools TEXT NOT NULL,
			system_instructions TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			status TEXT NOT NULL,
			environment_type TEXT,
			environment_config TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			is_complete INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tool_actions (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			provider TEXT PRIMARY KEY,
			encrypted_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			last_used_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_message ON tool_actions(message_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_project ON chat_sessions(project_id)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: schema ready")
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Projects ---

func (s *Store) CreateProject(ctx context.Context, p breezerun.Project) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *Store) GetProject(ctx context.Context, id string) (breezerun.Project, error) {
	var p breezerun.Project
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return breezerun.Project{}, ErrNotFound
	}
	return p, err
}

func (s *Store) ListProjects(ctx context.Context) ([]breezerun.Project, error) {
	rows, err := s.db.QueryContext(ctx,
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.Description, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tool_actions WHERE message_id IN (
			SELECT m.id FROM messages m
			JOIN chat_sessions cs ON cs.id = m.session_id
			WHERE cs.project_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id IN (SELECT id FROM chat_sessions WHERE project_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE project_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_configs WHERE project_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Agent configuration ---

func (s *Store) GetAgentConfig(ctx context.Context, projectID string) (breezerun.AgentConfig, error) {
	var cfg breezerun.AgentConfig
	var params, tools sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, provider, model, model_params, enabled_tools, system_instructions, updated_at
		 FROM agent_configs WHERE project_id = ?`, projectID).
		Scan(&cfg.ProjectID, &cfg.Provider, &cfg.Model, &params, &tools, &cfg.SystemInstructions, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return breezerun.AgentConfig{}, ErrNotFound
	}
	if err != nil {
		return breezerun.AgentConfig{}, err
	}
	if params.Valid && params.String != "" {
		cfg.ModelParams = json.RawMessage(params.String)
	}
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &cfg.EnabledTools); err != nil {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agent_configs (project_id, provider, model, model_params, enabled_tools, system_instructions, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
			provider = excluded.provider,
			model = excluded.model,
			model_params = excluded.model_params,
			enabled_tools = excluded.enabled_tools,
			system_instructions = excluded.system_instructions,
			updated_at = excluded.updated_at`,
		cfg.ProjectID, cfg.Provider, cfg.Model, nullable(string(cfg.ModelParams)), string(tools),
		cfg.SystemInstructions, cfg.UpdatedAt)
	return err
}

// --- Chat sessions ---

func (s *Store) CreateSession(ctx context.Context, cs breezerun.ChatSession) error {
	envCfg, err := encodeMap(cs.EnvironmentConfig)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, project_id, status, environment_type, environment_config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.ProjectID, cs.Status, cs.EnvironmentType, envCfg, cs.CreatedAt)
	return err
}

func (s *Store) GetSession(ctx context.Context, id string) (breezerun.ChatSession, error) {
	var cs breezerun.ChatSession
	var envType, envCfg sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, status, environment_type, environment_config, created_at
		 FROM chat_sessions WHERE id = ?`, id).
		Scan(&cs.ID, &cs.ProjectID, &cs.Status, &envType, &envCfg, &cs.CreatedAt)
	if err == sql.ErrNoRows {
		return breezerun.ChatSession{}, ErrNotFound
	}
	if err != nil {
		return breezerun.ChatSession{}, err
	}
	cs.EnvironmentType = envType.String
	if envCfg.Valid && envCfg.String != "" {
		if err := json.Unmarshal([]byte(envCfg.String), &cs.EnvironmentConfig); err != nil {
			return breezerun.ChatSession{}, fmt.Errorf("decode environment_config: %w", err)
		}
	}
	return cs, nil
}

func (s *Store) ListSessions(ctx context.Context, projectID string) ([]breezerun.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, status, environment_type, environment_config, created_at
		 FROM chat_sessions WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.ChatSession
	for rows.Next() {
		var cs breezerun.ChatSession
		var envType, envCfg sql.NullString
		if err := rows.Scan(&cs.ID, &cs.ProjectID, &cs.Status, &envType, &envCfg, &cs.CreatedAt); err != nil {
			return nil, err
		}
		cs.EnvironmentType = envType.String
		if envCfg.Valid && envCfg.String != "" {
			if err := json.Unmarshal([]byte(envCfg.String), &cs.EnvironmentConfig); err != nil {
				return nil, fmt.Errorf("decode environment_config: %w", err)
			}
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *Store) SetSessionEnvironment(ctx context.Context, id, envType string, envConfig map[string]string) error {
	cfg, err := encodeMap(envConfig)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET environment_type = ?, environment_config = ? WHERE id = ?`,
		envType, cfg, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tool_actions WHERE message_id IN (SELECT id FROM messages WHERE session_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Messages ---

func (s *Store) CreateMessage(ctx context.Context, m breezerun.Message) error {
	meta, err := encodeMeta(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, metadata, is_complete, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, meta, boolInt(m.IsComplete), m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *Store) GetMessage(ctx context.Context, id string) (breezerun.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, metadata, is_complete, created_at, updated_at
		 FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]breezerun.Message, error) {
	q := `SELECT id, session_id, role, content, metadata, is_complete, created_at, updated_at
		  FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveCompleteMessage writes the final content, merges metadata, flips the
// completion flag, and flushes the turn's tool actions in one transaction.
func (s *Store) SaveCompleteMessage(ctx context.Context, id, content string, metadata map[string]any, actions []breezerun.ToolAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := s.getMessageMetaTx(ctx, tx, id)
	if err != nil {
		return err
	}
	for k, v := range metadata {
		existing[k] = v
	}
	meta, err := encodeMeta(existing)
	if err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ?, metadata = ?, is_complete = 1, updated_at = ? WHERE id = ?`,
		content, meta, breezerun.NowUnix(), id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}

	for _, a := range actions {
		output, err := encodeOutput(a.Output)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tool_actions (id, message_id, tool_name, input, output, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.MessageID, a.ToolName, string(a.Input), output, a.Status, a.CreatedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("sqlite: message finalized", "message_id", id, "bytes", len(content), "actions", len(actions))
	return nil
}

func (s *Store) MarkMessageIncomplete(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	existing, err := s.getMessageMetaTx(ctx, tx, id)
	if err != nil {
		return err
	}
	existing["error"] = reason
	meta, err := encodeMeta(existing)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET metadata = ?, is_complete = 0, updated_at = ? WHERE id = ?`,
		meta, breezerun.NowUnix(), id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM tool_actions WHERE message_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteIncompleteMessages(ctx context.Context, sessionID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tool_actions WHERE message_id IN (
			SELECT id FROM messages WHERE session_id = ? AND is_complete = 0)`, sessionID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND is_complete = 0`, sessionID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// --- Tool actions ---

func (s *Store) ListToolActions(ctx context.Context, messageID string) ([]breezerun.ToolAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_id, tool_name, input, output, status, created_at
		 FROM tool_actions WHERE message_id = ? ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.ToolAction
	for rows.Next() {
		var a breezerun.ToolAction
		var input string
		var output sql.NullString
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ToolName, &input, &output, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Input = json.RawMessage(input)
		if output.Valid && output.String != "" {
			var o breezerun.ActionOutput
			if err := json.Unmarshal([]byte(output.String), &o); err != nil {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (provider, encrypted_key, created_at, last_used_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET encrypted_key = excluded.encrypted_key`,
		k.Provider, k.EncryptedKey, k.CreatedAt, nullableInt(k.LastUsedAt))
	return err
}

func (s *Store) GetAPIKey(ctx context.Context, provider string) (breezerun.APIKey, error) {
	var k breezerun.APIKey
	var lastUsed sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT provider, encrypted_key, created_at, last_used_at FROM api_keys WHERE provider = ?`, provider).
		Scan(&k.Provider, &k.EncryptedKey, &k.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return breezerun.APIKey{}, ErrNotFound
	}
	if err != nil {
		return breezerun.APIKey{}, err
	}
	k.LastUsedAt = lastUsed.Int64
	return k, nil
}

func (s *Store) ListAPIKeys(ctx context.Context) ([]breezerun.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, encrypted_key, created_at, last_used_at FROM api_keys ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []breezerun.APIKey
	for rows.Next() {
		var k breezerun.APIKey
		var lastUsed sql.NullInt64
		if err := rows.Scan(&k.Provider, &k.EncryptedKey, &k.CreatedAt, &lastUsed); err != nil {
			return nil, err
		}
		k.LastUsedAt = lastUsed.Int64
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) DeleteAPIKey(ctx context.Context, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE provider = ?`, provider)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) TouchAPIKey(ctx context.Context, provider string, usedAt int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE provider = ?`, usedAt, provider)
	return err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (breezerun.Message, error) {
	var m breezerun.Message
	var meta sql.NullString
	var complete int
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &meta, &complete, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return breezerun.Message{}, ErrNotFound
	}
	if err != nil {
		return breezerun.Message{}, err
	}
	m.IsComplete = complete != 0
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			return breezerun.Message{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return m, nil
}

func (s *Store) getMessageMetaTx(ctx context.Context, tx *sql.Tx, id string) (map[string]any, error) {
	var meta sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = ?`, id).Scan(&meta)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &out); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return out, nil
}

func encodeMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func encodeMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func encodeOutput(o *breezerun.ActionOutput) (any, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
