// Package server exposes the service surface: the WebSocket chat transport
// and the HTTP API for projects, sessions, messages, and API keys.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	breezerun "github.com/zysoong/breezerun"
	"github.com/zysoong/breezerun/internal/config"
	"github.com/zysoong/breezerun/internal/secrets"
	"github.com/zysoong/breezerun/observer"
	"github.com/zysoong/breezerun/provider/openaicompat"
	"github.com/zysoong/breezerun/workspace"
)

// baseURLs maps a provider name to its OpenAI-compatible API base.
var baseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"ollama":     "http://localhost:11434/v1",
}

// Server wires the orchestration core to the network.
type Server struct {
	cfg          config.Config
	store        breezerun.Store
	orchestrator *breezerun.Orchestrator
	buffer       *breezerun.StreamingBuffer
	bus          *breezerun.EventBus
	registry     *breezerun.TaskRegistry
	sandboxes    *breezerun.SandboxManager
	workspaces   *workspace.Manager
	box          *secrets.Box // nil when no master key is configured
	tracer       breezerun.Tracer
	inst         *observer.Instruments // nil when metrics are disabled
	logger       *slog.Logger

	// newModel builds the language model for a turn. Tests replace it.
	newModel func(ctx context.Context, agentCfg breezerun.AgentConfig) (breezerun.LanguageModel, error)

	upgrader   websocket.Upgrader
	httpServer *http.Server
	mux        *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTracer enables span creation inside agent loops.
func WithTracer(t breezerun.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithInstruments enables per-turn model and tool metrics.
func WithInstruments(inst *observer.Instruments) Option {
	return func(s *Server) { s.inst = inst }
}

// WithSecretsBox sets the API-key encryption box.
func WithSecretsBox(b *secrets.Box) Option {
	return func(s *Server) { s.box = b }
}

// WithModelFactory replaces how turn models are constructed (tests).
func WithModelFactory(f func(ctx context.Context, agentCfg breezerun.AgentConfig) (breezerun.LanguageModel, error)) Option {
	return func(s *Server) { s.newModel = f }
}

// New creates a Server over the orchestration core.
func New(cfg config.Config, store breezerun.Store, orch *breezerun.Orchestrator, buffer *breezerun.StreamingBuffer,
	bus *breezerun.EventBus, registry *breezerun.TaskRegistry, sandboxes *breezerun.SandboxManager,
	workspaces *workspace.Manager, opts ...Option) *Server {

	s := &Server{
		cfg:          cfg,
		store:        store,
		orchestrator: orch,
		buffer:       buffer,
		bus:          bus,
		registry:     registry,
		sandboxes:    sandboxes,
		workspaces:   workspaces,
		logger:       slog.Default(),
	}
	s.newModel = s.defaultModel
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// checkOrigin validates the WebSocket origin against the configured CORS
// origins. Empty Origin (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.Server.CORSOrigins) == 0 {
		return true
	}
	for _, o := range s.cfg.Server.CORSOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	s.logger.Warn("websocket origin rejected", "origin", origin)
	return false
}

// Mux builds (and caches) the HTTP mux with all routes registered.
func (s *Server) Mux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws/chat/{session}", s.handleChatSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("GET /api/projects", s.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}", s.handleGetProject)
	mux.HandleFunc("PUT /api/projects/{id}", s.handleUpdateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)

	mux.HandleFunc("GET /api/projects/{id}/config", s.handleGetAgentConfig)
	mux.HandleFunc("PUT /api/projects/{id}/config", s.handlePutAgentConfig)

	mux.HandleFunc("POST /api/projects/{id}/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/projects/{id}/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	mux.HandleFunc("DELETE /api/sessions/{id}/messages/incomplete", s.handleCleanupMessages)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStreamStatus)

	mux.HandleFunc("GET /api/keys", s.handleListKeys)
	mux.HandleFunc("PUT /api/keys/{provider}", s.handlePutKey)
	mux.HandleFunc("DELETE /api/keys/{provider}", s.handleDeleteKey)

	s.mux = mux
	return mux
}

// Start listens until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.cors(s.Mux()),
	}
	s.logger.Info("server starting", "addr", s.cfg.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// cors applies the configured allowed origins to HTTP responses.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, o := range s.cfg.Server.CORSOrigins {
				if o == "*" || strings.EqualFold(o, origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
					break
				}
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// defaultModel builds an OpenAI-compatible model from the agent config,
// preferring a stored encrypted key over the environment default.
func (s *Server) defaultModel(ctx context.Context, agentCfg breezerun.AgentConfig) (breezerun.LanguageModel, error) {
	provider := agentCfg.Provider
	if provider == "" {
		provider = s.cfg.LLM.Provider
	}
	model := agentCfg.Model
	if model == "" {
		model = s.cfg.LLM.Model
	}

	apiKey := s.cfg.LLM.APIKey
	if s.box != nil {
		if stored, err := s.store.GetAPIKey(ctx, provider); err == nil {
			if plain, err := s.box.Decrypt(stored.EncryptedKey); err == nil {
				apiKey = plain
				_ = s.store.TouchAPIKey(ctx, provider, breezerun.NowUnix())
			} else {
				s.logger.Warn("stored api key unreadable, using environment key", "provider", provider)
			}
		}
	}

	baseURL := baseURLs[provider]
	if baseURL == "" {
		baseURL = s.cfg.LLM.BaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no API base known for provider %q", provider)
	}
	return openaicompat.New(apiKey, model, baseURL, openaicompat.WithName(provider)), nil
}
