package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "version: 1\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.AutoFix.Debounce())
	assert.Equal(t, 3, cfg.AutoFix.MaxAttempts)
	assert.Equal(t, 8, cfg.Brain.RecentTurns)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
version: 1
autofix:
  debounce_ms: 500
  grace_window_ms: 1000
  max_attempts: 5
  backoff_ms: [1000, 2000]
brain:
  model: gpt-5-mini
  recent_turns: 4
  request_timeout_sec: 10
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.AutoFix.Debounce())
	assert.Equal(t, time.Second, cfg.AutoFix.GraceWindow())
	assert.Equal(t, 5, cfg.AutoFix.MaxAttempts)
	assert.Equal(t, ModelGPT5Mini, cfg.Brain.Model)
	assert.Equal(t, 4, cfg.Brain.RecentTurns)
}

func TestLoadRejectsBadVersion(t *testing.T) {
	path := writeConfig(t, "version: 2\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported config version")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero recent turns", func(c *Config) { c.Brain.RecentTurns = 0 }},
		{"zero max attempts", func(c *Config) { c.AutoFix.MaxAttempts = 0 }},
		{"negative debounce", func(c *Config) { c.AutoFix.DebounceMS = -1 }},
		{"zero backoff entry", func(c *Config) { c.AutoFix.BackoffMS = []int{0} }},
		{"unknown provider", func(c *Config) {
			c.Models = map[string]ModelCfg{"m": {Provider: "mystery"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestBackoffSchedule(t *testing.T) {
	a := AutoFixConfig{BackoffMS: []int{5000, 10000, 20000}}

	assert.Equal(t, 5*time.Second, a.Backoff(1))
	assert.Equal(t, 10*time.Second, a.Backoff(2))
	assert.Equal(t, 20*time.Second, a.Backoff(3))
	// Past the schedule, the last delay repeats.
	assert.Equal(t, 20*time.Second, a.Backoff(7))

	empty := AutoFixConfig{}
	assert.Equal(t, 5*time.Second, empty.Backoff(1))
}

func TestAPIKeyFor(t *testing.T) {
	cfg := Default()
	cfg.AnthropicAPIKey = "sk-test"

	key, err := cfg.APIKeyFor(ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)

	_, err = cfg.APIKeyFor(ProviderOpenAI)
	assert.Error(t, err)

	_, err = cfg.APIKeyFor("mystery")
	assert.Error(t, err)
}

func TestModelForFallback(t *testing.T) {
	cfg := Default()
	m := cfg.ModelFor("unlisted-model")
	assert.Equal(t, "unlisted-model", m.Name)
	assert.Equal(t, ProviderAnthropic, m.Provider)
	assert.Positive(t, m.MaxTokensPerMinute)
}
