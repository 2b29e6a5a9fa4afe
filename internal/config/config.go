// Package config loads chatcore configuration from a YAML file plus
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Provider     string         `mapstructure:"provider"` // default provider id
	SystemPrompt string         `mapstructure:"system_prompt"`
	Storage      StorageConfig  `mapstructure:"storage"`
	Logging      LoggingConfig  `mapstructure:"logging"`
	Tools        ToolsConfig    `mapstructure:"tools"`
	Anthropic    ProviderConfig `mapstructure:"anthropic"`
	OpenAI       ProviderConfig `mapstructure:"openai"`
	Gemini       ProviderConfig `mapstructure:"gemini"`
	OpenRouter   ProviderConfig `mapstructure:"openrouter"`
	Ollama       ProviderConfig `mapstructure:"ollama"`
	Nexus        ProviderConfig `mapstructure:"nexus"` // local fine-tuned model
	MCP          []MCPServer    `mapstructure:"mcp"`
}

// ProviderConfig is one provider's credentials and default model.
type ProviderConfig struct {
	APIKey  string            `mapstructure:"api_key"`
	Model   string            `mapstructure:"model"`
	BaseURL string            `mapstructure:"base_url"` // OpenAI-compatible servers only
	Headers map[string]string `mapstructure:"headers"`
}

// StorageConfig configures conversation persistence.
type StorageConfig struct {
	Path string `mapstructure:"path"` // sqlite file; empty = default data dir
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level string `mapstructure:"level"` // trace, debug, info, warn, error
}

// ToolsConfig controls which tools are offered to the model.
type ToolsConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Allow       []string `mapstructure:"allow"`        // glob patterns, e.g. "vault.*"
	ManifestDir string   `mapstructure:"manifest_dir"` // custom YAML tool manifests
}

// MCPServer describes one MCP server to source tools from.
type MCPServer struct {
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

func Load() (*Config, error) {
	configPath, err := Dir()
	if err != nil {
		return nil, fmt.Errorf("get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	v.SetDefault("provider", "anthropic")
	v.SetDefault("logging.level", "info")
	v.SetDefault("tools.enabled", true)
	v.SetDefault("tools.allow", []string{"*"})
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("openai.model", "gpt-4o")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("openrouter.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("ollama.base_url", "http://localhost:11434/v1")
	v.SetDefault("nexus.base_url", "http://localhost:8080/v1")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	resolveKey(&cfg.Anthropic, "ANTHROPIC_API_KEY")
	resolveKey(&cfg.OpenAI, "OPENAI_API_KEY")
	resolveKey(&cfg.Gemini, "GEMINI_API_KEY")
	resolveKey(&cfg.OpenRouter, "OPENROUTER_API_KEY")

	if cfg.Storage.Path == "" {
		if dir, err := dataDir(); err == nil {
			cfg.Storage.Path = filepath.Join(dir, "conversations.db")
		}
	}
	return &cfg, nil
}

// ProviderFor returns the config section for a provider id.
func (c *Config) ProviderFor(id string) ProviderConfig {
	switch strings.ToLower(strings.TrimSpace(id)) {
	case "anthropic", "claude":
		return c.Anthropic
	case "openai":
		return c.OpenAI
	case "google", "gemini":
		return c.Gemini
	case "openrouter":
		return c.OpenRouter
	case "ollama":
		return c.Ollama
	case "nexus", "local":
		return c.Nexus
	default:
		return ProviderConfig{}
	}
}

// ApplyOverrides applies provider and model command-line overrides.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model == "" {
		return
	}
	switch strings.ToLower(c.Provider) {
	case "anthropic", "claude":
		c.Anthropic.Model = model
	case "openai":
		c.OpenAI.Model = model
	case "google", "gemini":
		c.Gemini.Model = model
	case "openrouter":
		c.OpenRouter.Model = model
	case "ollama":
		c.Ollama.Model = model
	case "nexus", "local":
		c.Nexus.Model = model
	}
}

// Dir returns the chatcore config directory, creating it if needed.
func Dir() (string, error) {
	if dir := os.Getenv("CHATCORE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".config", "chatcore")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func dataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "share", "chatcore")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func resolveKey(pc *ProviderConfig, envVar string) {
	pc.APIKey = expandEnv(pc.APIKey)
	if pc.APIKey == "" {
		pc.APIKey = os.Getenv(envVar)
	}
}

// expandEnv resolves "$VAR" and "${VAR}" references in config values.
func expandEnv(value string) string {
	if strings.HasPrefix(value, "$") {
		return os.ExpandEnv(value)
	}
	return value
}
