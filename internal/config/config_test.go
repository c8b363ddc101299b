package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	for _, k := range []string{"DATABASE_URL", "HOST", "PORT", "CORS_ORIGINS", "SANDBOX_POOL_SIZE", "SANDBOX_BACKEND"} {
		t.Setenv(k, "")
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 || cfg.Server.Host != "127.0.0.1" {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Sandbox.PoolSize != 5 || cfg.Sandbox.Backend != "docker" {
		t.Errorf("sandbox defaults = %+v", cfg.Sandbox)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/db")
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "9001")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("SANDBOX_POOL_SIZE", "12")
	t.Setenv("DEFAULT_MODEL_PROVIDER", "groq")
	t.Setenv("DEFAULT_MODEL_NAME", "llama-3.3-70b")
	t.Setenv("MASTER_ENCRYPTION_KEY", "hunter2")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Database.URL != "postgres://u:p@localhost/db" || !cfg.PostgresURL() {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Addr() != "0.0.0.0:9001" {
		t.Errorf("addr = %q", cfg.Addr())
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Errorf("cors = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Sandbox.PoolSize != 12 {
		t.Errorf("pool size = %d", cfg.Sandbox.PoolSize)
	}
	if cfg.LLM.Provider != "groq" || cfg.LLM.Model != "llama-3.3-70b" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Security.MasterKey != "hunter2" {
		t.Errorf("master key = %q", cfg.Security.MasterKey)
	}
}

func TestTOMLFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "breezerun.toml")
	data := `
[server]
host = "10.0.0.1"
port = 7000

[sandbox]
backend = "local"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "7100")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "10.0.0.1" {
		t.Errorf("host = %q, want file value", cfg.Server.Host)
	}
	if cfg.Server.Port != 7100 {
		t.Errorf("port = %d, want env to win", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "local" {
		t.Errorf("backend = %q", cfg.Sandbox.Backend)
	}
}

func TestMissingFileIsFine(t *testing.T) {
	if _, err := Load("/nonexistent/path.toml"); err != nil {
		t.Errorf("missing file: %v", err)
	}
}
