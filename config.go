// Package aishell holds the shared configuration for the aish assistant and
// the shell-side host. Config is a JSON file under the user config dir; every
// setting can be overridden through an AISH_* environment variable.
package aishell

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config represents the user's aish configuration.
type Config struct {
	Version   int             `json:"version"`
	Agent     AgentConfig     `json:"agent"`
	Embedding EmbeddingConfig `json:"embedding"`
	Channel   ChannelConfig   `json:"channel"`
}

// AgentConfig holds settings for the chat-completion API.
type AgentConfig struct {
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// EmbeddingConfig holds settings for the history-index embedding API.
// An unset base URL or key disables semantic history search.
type EmbeddingConfig struct {
	BaseURL            string `json:"base_url"`
	APIKey             string `json:"api_key"`
	Model              string `json:"model"`
	MaxHistoryCommands int    `json:"max_history_commands,omitempty"`
	RefreshMinutes     int    `json:"refresh_minutes,omitempty"`
}

// ChannelConfig holds IPC channel settings.
type ChannelConfig struct {
	// TimeoutMS bounds each handshake step and every request/response
	// exchange on an established channel.
	TimeoutMS int `json:"timeout_ms,omitempty"`
}

// ConfigDir returns the config directory path.
// Resolution order: $AISH_CONFIG_DIR > $XDG_CONFIG_HOME/aish > ~/.config/aish
func ConfigDir() string {
	if dir := os.Getenv("AISH_CONFIG_DIR"); dir != "" {
		return dir
	}
	if configHome := os.Getenv("XDG_CONFIG_HOME"); configHome != "" {
		return filepath.Join(configHome, "aish")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/tmp", "aish-config")
	}
	return filepath.Join(home, ".config", "aish")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// PromptPath returns the system prompt file path.
func PromptPath() string {
	return filepath.Join(ConfigDir(), "prompt.md")
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Agent: AgentConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.2,
		},
		Embedding: EmbeddingConfig{
			Model:              "text-embedding-3-small",
			MaxHistoryCommands: 500,
			RefreshMinutes:     15,
		},
		Channel: ChannelConfig{
			TimeoutMS: 7000,
		},
	}
}

// LoadConfig loads config from disk or returns defaults if not found.
func LoadConfig() (*Config, error) {
	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for missing fields
	defaults := DefaultConfig()
	if cfg.Agent.BaseURL == "" {
		cfg.Agent.BaseURL = defaults.Agent.BaseURL
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = defaults.Agent.Model
	}
	if cfg.Agent.MaxTokens == 0 {
		cfg.Agent.MaxTokens = defaults.Agent.MaxTokens
	}
	if cfg.Agent.Temperature == 0 {
		cfg.Agent.Temperature = defaults.Agent.Temperature
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = defaults.Embedding.Model
	}
	if cfg.Embedding.MaxHistoryCommands == 0 {
		cfg.Embedding.MaxHistoryCommands = defaults.Embedding.MaxHistoryCommands
	}
	if cfg.Embedding.RefreshMinutes == 0 {
		cfg.Embedding.RefreshMinutes = defaults.Embedding.RefreshMinutes
	}
	if cfg.Channel.TimeoutMS == 0 {
		cfg.Channel.TimeoutMS = defaults.Channel.TimeoutMS
	}

	return &cfg, nil
}

// ChannelTimeout returns the configured channel timeout.
func (c *Config) ChannelTimeout() time.Duration {
	return time.Duration(c.Channel.TimeoutMS) * time.Millisecond
}

// ResolveAgentBaseURL returns the chat API base URL.
// Priority: $AISH_AGENT_API_BASE_URL env > config value.
func ResolveAgentBaseURL(cfg *Config) string {
	if url := os.Getenv("AISH_AGENT_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Agent.BaseURL
	}
	return ""
}

// ResolveAgentAPIKey returns the chat API key.
// Priority: $AISH_AGENT_API_KEY env > config value.
func ResolveAgentAPIKey(cfg *Config) string {
	if key := os.Getenv("AISH_AGENT_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Agent.APIKey
	}
	return ""
}

// ResolveAgentModel returns the chat model name.
// Priority: $AISH_AGENT_MODEL env > config value.
func ResolveAgentModel(cfg *Config) string {
	if model := os.Getenv("AISH_AGENT_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Agent.Model
	}
	return ""
}

// ResolveEmbeddingBaseURL returns the embedding API base URL.
// Priority: $AISH_EMBEDDING_API_BASE_URL env > config value.
func ResolveEmbeddingBaseURL(cfg *Config) string {
	if url := os.Getenv("AISH_EMBEDDING_API_BASE_URL"); url != "" {
		return url
	}
	if cfg != nil {
		return cfg.Embedding.BaseURL
	}
	return ""
}

// ResolveEmbeddingAPIKey returns the embedding API key.
// Priority: $AISH_EMBEDDING_API_KEY env > config value.
func ResolveEmbeddingAPIKey(cfg *Config) string {
	if key := os.Getenv("AISH_EMBEDDING_API_KEY"); key != "" {
		return key
	}
	if cfg != nil {
		return cfg.Embedding.APIKey
	}
	return ""
}

// ResolveEmbeddingModel returns the embedding model name.
// Priority: $AISH_EMBEDDING_MODEL env > config value.
func ResolveEmbeddingModel(cfg *Config) string {
	if model := os.Getenv("AISH_EMBEDDING_MODEL"); model != "" {
		return model
	}
	if cfg != nil {
		return cfg.Embedding.Model
	}
	return ""
}

// EmbeddingEnabled returns true when both base_url and api_key are
// configured for the embedding API.
func EmbeddingEnabled(cfg *Config) bool {
	if cfg == nil {
		return false
	}
	return ResolveEmbeddingBaseURL(cfg) != "" && ResolveEmbeddingAPIKey(cfg) != ""
}
