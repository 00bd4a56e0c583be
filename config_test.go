package aishell

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigDirResolutionOrder(t *testing.T) {
	t.Setenv("AISH_CONFIG_DIR", "/explicit/aish")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := ConfigDir(); got != "/explicit/aish" {
		t.Errorf("expected explicit dir to win, got %q", got)
	}

	t.Setenv("AISH_CONFIG_DIR", "")
	if got := ConfigDir(); got != filepath.Join("/xdg", "aish") {
		t.Errorf("expected XDG dir, got %q", got)
	}
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("AISH_CONFIG_DIR", t.TempDir())

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	defaults := DefaultConfig()
	if cfg.Agent.Model != defaults.Agent.Model {
		t.Errorf("expected default model %q, got %q", defaults.Agent.Model, cfg.Agent.Model)
	}
	if cfg.Channel.TimeoutMS != 7000 {
		t.Errorf("expected 7000ms default timeout, got %d", cfg.Channel.TimeoutMS)
	}
}

func TestLoadConfigMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AISH_CONFIG_DIR", dir)
	content := `{"agent": {"api_key": "sk-test"}, "channel": {"timeout_ms": 250}}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Agent.APIKey != "sk-test" {
		t.Errorf("expected configured key, got %q", cfg.Agent.APIKey)
	}
	if cfg.Agent.BaseURL != DefaultConfig().Agent.BaseURL {
		t.Errorf("expected default base URL to fill in, got %q", cfg.Agent.BaseURL)
	}
	if got := cfg.ChannelTimeout(); got != 250*time.Millisecond {
		t.Errorf("expected 250ms timeout, got %v", got)
	}
}

func TestLoadConfigInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AISH_CONFIG_DIR", dir)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestResolveAgentEnvOverrides(t *testing.T) {
	cfg := &Config{Agent: AgentConfig{
		BaseURL: "https://config.example/v1",
		APIKey:  "config-key",
		Model:   "config-model",
	}}

	t.Setenv("AISH_AGENT_API_BASE_URL", "")
	t.Setenv("AISH_AGENT_API_KEY", "")
	t.Setenv("AISH_AGENT_MODEL", "")
	if got := ResolveAgentBaseURL(cfg); got != "https://config.example/v1" {
		t.Errorf("expected config value, got %q", got)
	}

	t.Setenv("AISH_AGENT_API_BASE_URL", "https://env.example/v1")
	t.Setenv("AISH_AGENT_API_KEY", "env-key")
	t.Setenv("AISH_AGENT_MODEL", "env-model")
	if got := ResolveAgentBaseURL(cfg); got != "https://env.example/v1" {
		t.Errorf("expected env override, got %q", got)
	}
	if got := ResolveAgentAPIKey(cfg); got != "env-key" {
		t.Errorf("expected env key, got %q", got)
	}
	if got := ResolveAgentModel(cfg); got != "env-model" {
		t.Errorf("expected env model, got %q", got)
	}
}

func TestEmbeddingEnabled(t *testing.T) {
	t.Setenv("AISH_EMBEDDING_API_BASE_URL", "")
	t.Setenv("AISH_EMBEDDING_API_KEY", "")

	if EmbeddingEnabled(nil) {
		t.Error("nil config cannot enable embedding")
	}
	cfg := &Config{}
	if EmbeddingEnabled(cfg) {
		t.Error("empty config cannot enable embedding")
	}
	cfg.Embedding.BaseURL = "https://api.example/v1"
	if EmbeddingEnabled(cfg) {
		t.Error("base URL alone is not enough")
	}
	cfg.Embedding.APIKey = "sk-embed"
	if !EmbeddingEnabled(cfg) {
		t.Error("expected embedding enabled with url and key")
	}
}
