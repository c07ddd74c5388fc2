package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.PortRangeStart)
	assert.Equal(t, 100, cfg.PortRangeSize)
	assert.Equal(t, 2*time.Second, cfg.PollInterval())
	assert.Equal(t, 10*time.Minute, cfg.PhaseTimeoutDefault())
	assert.Equal(t, 30*time.Second, cfg.WebhookDedupWindow())
	assert.True(t, cfg.ExternalToolEnabled)
	assert.False(t, cfg.StopOnLintFailure)
	assert.Equal(t, "main", cfg.BaseBranch)
}

func TestLoad_FromFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ADWDir), 0o755))

	yaml := `
port_range_start: 9500
poll_interval_seconds: 5
stop_on_lint_failure: true
observability_endpoint: http://localhost:8100
github_repo: acme/webapp
`
	require.NoError(t, os.WriteFile(filepath.Join(root, ADWDir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, 9500, cfg.PortRangeStart)
	assert.Equal(t, 5, cfg.PollIntervalSeconds)
	assert.True(t, cfg.StopOnLintFailure)
	assert.Equal(t, "http://localhost:8100", cfg.ObservabilityEndpoint)
	assert.Equal(t, "acme/webapp", cfg.GitHubRepo)
	// Untouched fields keep defaults.
	assert.Equal(t, 100, cfg.PortRangeSize)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("ADW_LLM_QUOTA_THRESHOLD", "42")
	t.Setenv("ADW_GITHUB_TOKEN", "ghp_test")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.LLMQuotaThreshold)
	assert.Equal(t, "ghp_test", cfg.GitHubToken)
}

func TestLoad_ObservabilityServerURLEnv(t *testing.T) {
	t.Setenv("OBSERVABILITY_SERVER_URL", "http://obs:9000")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "http://obs:9000", cfg.ObservabilityEndpoint)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"zero pool size", func(c *Config) { c.PortRangeSize = 0 }, true},
		{"privileged port", func(c *Config) { c.PortRangeStart = 80 }, true},
		{"range overflow", func(c *Config) { c.PortRangeStart = 65000; c.PortRangeSize = 1000 }, true},
		{"zero poll interval", func(c *Config) { c.PollIntervalSeconds = 0 }, true},
		{"negative dedup window", func(c *Config) { c.WebhookDedupWindowSeconds = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
