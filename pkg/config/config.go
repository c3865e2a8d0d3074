// Package config provides configuration loading and validation for the
// sceneforge orchestration service. Configuration comes from a YAML file with
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Known model name constants.
const (
	ModelClaudeSonnet = "claude-sonnet-4-5"
	ModelClaudeHaiku  = "claude-haiku-4-5"
	ModelGPT5         = "gpt-5"
	ModelGPT5Mini     = "gpt-5-mini"
)

// Provider constants for LLM clients.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// ModelCfg defines settings for one LLM model, including rate and budget limits.
type ModelCfg struct {
	Name               string  `yaml:"name"`
	Provider           string  `yaml:"provider"`
	MaxTokensPerMinute int     `yaml:"max_tokens_per_minute"`
	MaxBudgetPerDayUSD float64 `yaml:"max_budget_per_day_usd"`
	MaxConcurrent      int     `yaml:"max_concurrent"`
	MaxContextTokens   int     `yaml:"max_context_tokens"`
	MaxReplyTokens     int     `yaml:"max_reply_tokens"`
	CpmTokensIn        float64 `yaml:"cpm_tokens_in"`
	CpmTokensOut       float64 `yaml:"cpm_tokens_out"`
}

// BrainConfig controls the decision engine.
type BrainConfig struct {
	Model          string `yaml:"model"`
	RecentTurns    int    `yaml:"recent_turns"`
	RequestTimeout int    `yaml:"request_timeout_sec"`
}

// GenerateConfig controls the code generation capability.
type GenerateConfig struct {
	Model          string `yaml:"model"`
	RequestTimeout int    `yaml:"request_timeout_sec"`
	MaxReplyTokens int    `yaml:"max_reply_tokens"`
}

// AutoFixConfig controls the compile-error recovery queue.
type AutoFixConfig struct {
	DebounceMS    int   `yaml:"debounce_ms"`
	GraceWindowMS int   `yaml:"grace_window_ms"`
	MaxAttempts   int   `yaml:"max_attempts"`
	BackoffMS     []int `yaml:"backoff_ms"`
}

// Debounce returns the debounce delay before the first repair attempt.
func (a *AutoFixConfig) Debounce() time.Duration {
	return time.Duration(a.DebounceMS) * time.Millisecond
}

// GraceWindow returns how long a repaired scene must stay quiet before its
// queue entry is considered resolved.
func (a *AutoFixConfig) GraceWindow() time.Duration {
	return time.Duration(a.GraceWindowMS) * time.Millisecond
}

// Backoff returns the delay before repair attempt n (1-based). Attempts past
// the configured schedule reuse the last delay.
func (a *AutoFixConfig) Backoff(attempt int) time.Duration {
	if len(a.BackoffMS) == 0 {
		return 5 * time.Second
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(a.BackoffMS) {
		idx = len(a.BackoffMS) - 1
	}
	return time.Duration(a.BackoffMS[idx]) * time.Millisecond
}

// ServerConfig controls the diagnostics HTTP server.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root configuration for the service.
type Config struct {
	Version     int                 `yaml:"version"`
	DBPath      string              `yaml:"db_path"`
	EventLogDir string              `yaml:"event_log_dir"`
	Models      map[string]ModelCfg `yaml:"models"`
	Brain       BrainConfig         `yaml:"brain"`
	Generate    GenerateConfig      `yaml:"generate"`
	AutoFix     AutoFixConfig       `yaml:"autofix"`
	Server      ServerConfig        `yaml:"server"`

	// API keys are never read from the YAML file; they come from env only.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
}

// Default returns a config with all defaults applied and no models configured.
func Default() *Config {
	return &Config{
		Version:     1,
		DBPath:      "sceneforge.db",
		EventLogDir: "logs",
		Brain: BrainConfig{
			Model:          ModelClaudeHaiku,
			RecentTurns:    8,
			RequestTimeout: 30,
		},
		Generate: GenerateConfig{
			Model:          ModelClaudeSonnet,
			RequestTimeout: 120,
			MaxReplyTokens: 8192,
		},
		AutoFix: AutoFixConfig{
			DebounceMS:    2000,
			GraceWindowMS: 3000,
			MaxAttempts:   3,
			BackoffMS:     []int{5000, 10000, 20000},
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads a YAML config file, applies defaults, pulls API keys from the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Version != 1 {
		return nil, fmt.Errorf("unsupported config version: %d", cfg.Version)
	}

	cfg.loadSecretsFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSecretsFromEnv() {
	c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
}

// Validate checks invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Brain.RecentTurns <= 0 {
		return fmt.Errorf("brain.recent_turns must be positive, got %d", c.Brain.RecentTurns)
	}
	if c.AutoFix.MaxAttempts <= 0 {
		return fmt.Errorf("autofix.max_attempts must be positive, got %d", c.AutoFix.MaxAttempts)
	}
	if c.AutoFix.DebounceMS < 0 {
		return fmt.Errorf("autofix.debounce_ms must not be negative, got %d", c.AutoFix.DebounceMS)
	}
	for _, ms := range c.AutoFix.BackoffMS {
		if ms <= 0 {
			return fmt.Errorf("autofix.backoff_ms entries must be positive, got %d", ms)
		}
	}
	for name, m := range c.Models {
		if m.Provider != ProviderAnthropic && m.Provider != ProviderOpenAI {
			return fmt.Errorf("model %s: unknown provider %q", name, m.Provider)
		}
	}
	return nil
}

// ModelFor returns the model configuration for the given model name, falling
// back to permissive defaults when the model is not listed.
func (c *Config) ModelFor(name string) ModelCfg {
	if m, ok := c.Models[name]; ok {
		return m
	}
	return ModelCfg{
		Name:               name,
		Provider:           ProviderAnthropic,
		MaxTokensPerMinute: 100000,
		MaxBudgetPerDayUSD: 50,
		MaxConcurrent:      4,
		MaxContextTokens:   200000,
		MaxReplyTokens:     8192,
	}
}

// APIKeyFor returns the API key for the given provider.
func (c *Config) APIKeyFor(provider string) (string, error) {
	switch provider {
	case ProviderAnthropic:
		if c.AnthropicAPIKey == "" {
			return "", fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return c.AnthropicAPIKey, nil
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return "", fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return c.OpenAIAPIKey, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}
}
