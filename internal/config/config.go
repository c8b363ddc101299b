// Package config loads service configuration from an optional TOML file with
// environment variable overrides. Environment always wins, so deployments can
// run file-less with DATABASE_URL, HOST, PORT, and friends.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Sandbox  SandboxConfig  `toml:"sandbox"`
	LLM      LLMConfig      `toml:"llm"`
	Security SecurityConfig `toml:"security"`
}

type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type DatabaseConfig struct {
	// URL selects the backend: a postgres:// URL uses the pgx store, anything
	// else is treated as a SQLite file path.
	URL string `toml:"url"`
}

type SandboxConfig struct {
	// PoolSize is the soft cap on live sandboxes; idle ones are evicted LRU.
	PoolSize int `toml:"pool_size"`
	// WorkspaceRoot holds per-session workspace directories.
	WorkspaceRoot string `toml:"workspace_root"`
	// Backend selects "docker" or "local".
	Backend string `toml:"backend"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	BaseURL  string `toml:"base_url"`
	APIKey   string `toml:"api_key"`
}

type SecurityConfig struct {
	// MasterKey encrypts stored API keys at rest.
	MasterKey string `toml:"master_encryption_key"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Database: DatabaseConfig{URL: "./data/breezerun.db"},
		Sandbox: SandboxConfig{
			PoolSize:      5,
			WorkspaceRoot: "./data/workspaces",
			Backend:       "docker",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			BaseURL:  "https://api.openai.com/v1",
		},
	}
}

// Load reads path (when non-empty and present) and applies environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.CORSOrigins = origins
	}
	if v := os.Getenv("SANDBOX_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sandbox.PoolSize = n
		}
	}
	if v := os.Getenv("SANDBOX_WORKSPACE_ROOT"); v != "" {
		cfg.Sandbox.WorkspaceRoot = v
	}
	if v := os.Getenv("SANDBOX_BACKEND"); v != "" {
		cfg.Sandbox.Backend = v
	}
	if v := os.Getenv("DEFAULT_MODEL_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("DEFAULT_MODEL_NAME"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("MASTER_ENCRYPTION_KEY"); v != "" {
		cfg.Security.MasterKey = v
	}
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PostgresURL reports whether the database URL selects the postgres backend.
func (c Config) PostgresURL() bool {
	return strings.HasPrefix(c.Database.URL, "postgres://") ||
		strings.HasPrefix(c.Database.URL, "postgresql://")
}
