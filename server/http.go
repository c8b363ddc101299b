package server

import (
	"encoding/json"
	"errors"
	"net/http"

	breezerun "github.com/zysoong/breezerun"
)

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps store sentinels onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, breezerun.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// --- Projects ---

type projectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	now := breezerun.NowUnix()
	p := breezerun.Project{
		ID:          breezerun.NewID(),
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	// Every project carries exactly one agent config; seed the default.
	cfg := breezerun.AgentConfig{
		ProjectID:    p.ID,
		Provider:     s.cfg.LLM.Provider,
		Model:        s.cfg.LLM.Model,
		EnabledTools: []string{},
		UpdatedAt:    now,
	}
	if err := s.store.PutAgentConfig(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if projects == nil {
		projects = []breezerun.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	p.Name = req.Name
	p.Description = req.Description
	p.UpdatedAt = breezerun.NowUnix()
	if err := s.store.UpdateProject(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Tear down the project's live resources before the rows go away.
	sessions, err := s.store.ListSessions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, session := range sessions {
		s.teardownSession(r, session.ID)
	}
	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Agent configuration ---

type agentConfigRequest struct {
	Provider           string          `json:"provider"`
	Model              string          `json:"model"`
	ModelParams        json.RawMessage `json:"model_params"`
	EnabledTools       []string        `json:"enabled_tools"`
	SystemInstructions string          `json:"system_instructions"`
}

func (s *Server) handleGetAgentConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetAgentConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutAgentConfig(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	var req agentConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid body")
		return
	}
	if req.Provider == "" || req.Model == "" {
		badRequest(w, "provider and model are required")
		return
	}
	if req.EnabledTools == nil {
		req.EnabledTools = []string{}
	}
	cfg := breezerun.AgentConfig{
		ProjectID:          projectID,
		Provider:           req.Provider,
		Model:              req.Model,
		ModelParams:        req.ModelParams,
		EnabledTools:       req.EnabledTools,
		SystemInstructions: req.SystemInstructions,
		UpdatedAt:          breezerun.NowUnix(),
	}
	if err := s.store.PutAgentConfig(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// --- Sessions ---

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeError(w, err)
		return
	}
	session := breezerun.ChatSession{
		ID:        breezerun.NewID(),
		ProjectID: projectID,
		Status:    "active",
		CreatedAt: breezerun.NowUnix(),
	}
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []breezerun.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.teardownSession(r, id)
	if err := s.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// teardownSession cancels the session's task and releases its sandbox and
// workspace.
func (s *Server) teardownSession(r *http.Request, sessionID string) {
	s.registry.Cancel(sessionID)
	if err := s.sandboxes.Destroy(r.Context(), sessionID); err != nil {
		s.logger.Warn("sandbox teardown", "session_id", sessionID, "error", err)
	}
	if err := s.workspaces.Remove(sessionID); err != nil {
		s.logger.Warn("workspace teardown", "session_id", sessionID, "error", err)
	}
}

// --- Messages ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.store.ListMessages(r.Context(), id, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	// Readers see only finalized messages; in-flight drafts stay invisible.
	out := make([]breezerun.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsComplete {
			out = append(out, m)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCleanupMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.orchestrator.CleanupSession(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	info := s.orchestrator.Resume(id)
	if info == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"streaming": false})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// --- API keys ---

type apiKeyRequest struct {
	Key string `json:"key"`
}

// keyView hides the ciphertext; only metadata leaves the server.
type keyView struct {
	Provider   string `json:"provider"`
	CreatedAt  int64  `json:"created_at"`
	LastUsedAt int64  `json:"last_used_at,omitempty"`
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyView{Provider: k.Provider, CreatedAt: k.CreatedAt, LastUsedAt: k.LastUsedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	if s.box == nil {
		badRequest(w, "MASTER_ENCRYPTION_KEY is not configured")
		return
	}
	var req apiKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		badRequest(w, "key is required")
		return
	}
	sealed, err := s.box.Encrypt(req.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	k := breezerun.APIKey{
		Provider:     r.PathValue("provider"),
		EncryptedKey: sealed,
		CreatedAt:    breezerun.NowUnix(),
	}
	if err := s.store.PutAPIKey(r.Context(), k); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyView{Provider: k.Provider, CreatedAt: k.CreatedAt})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAPIKey(r.Context(), r.PathValue("provider")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
