// Package config provides configuration management for adw.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "config"
	// ADWDir is the adw configuration directory.
	ADWDir = ".adw"
	// EnvPrefix is the prefix for environment variable overrides (ADW_*).
	EnvPrefix = "ADW"
)

// Config represents the adw configuration.
//
// Load order (later sources override earlier): built-in defaults,
// .adw/config.yaml, then ADW_* environment variables.
type Config struct {
	// Port pool settings.
	PortRangeStart int `mapstructure:"port_range_start"`
	PortRangeSize  int `mapstructure:"port_range_size"`

	// Coordinator settings.
	PollIntervalSeconds        int `mapstructure:"poll_interval_seconds"`
	PhaseTimeoutSecondsDefault int `mapstructure:"phase_timeout_seconds_default"`

	// Webhook settings.
	WebhookDedupWindowSeconds int    `mapstructure:"webhook_dedup_window_seconds"`
	WebhookSecret             string `mapstructure:"webhook_secret"`
	WebhookListenAddr         string `mapstructure:"webhook_listen_addr"`

	// Phase behavior.
	ExternalToolEnabled bool `mapstructure:"external_tool_enabled"`
	StopOnLintFailure   bool `mapstructure:"stop_on_lint_failure"`

	// Observability.
	ObservabilityEndpoint string `mapstructure:"observability_endpoint"`

	// Quota guard.
	LLMQuotaThreshold int `mapstructure:"llm_quota_threshold"`

	// Collaborators.
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	GitHubToken     string `mapstructure:"github_token"`
	GitHubRepo      string `mapstructure:"github_repo"` // owner/repo
	AgentCLIPath    string `mapstructure:"agent_cli_path"`

	// Layout.
	StateDir    string `mapstructure:"state_dir"`    // root for agents/<id>/ documents
	WorktreeDir string `mapstructure:"worktree_dir"` // root for trees/<id>/ checkouts
	BaseBranch  string `mapstructure:"base_branch"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		PortRangeStart:             9100,
		PortRangeSize:              100,
		PollIntervalSeconds:        2,
		PhaseTimeoutSecondsDefault: 600,
		WebhookDedupWindowSeconds:  30,
		WebhookListenAddr:          ":8090",
		ExternalToolEnabled:        true,
		StopOnLintFailure:          false,
		LLMQuotaThreshold:          5,
		AgentCLIPath:               "claude",
		StateDir:                   "agents",
		WorktreeDir:                "trees",
		BaseBranch:                 "main",
	}
}

// Load reads configuration from .adw/config.yaml (if present) and ADW_*
// environment variables, layered over the defaults.
func Load(root string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(root, ADWDir))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Observability emitters conventionally export OBSERVABILITY_SERVER_URL.
	_ = v.BindEnv("observability_endpoint", "ADW_OBSERVABILITY_ENDPOINT", "OBSERVABILITY_SERVER_URL")

	// AutomaticEnv only surfaces keys viper already knows (defaults or
	// explicit bindings); these have no defaults, so bind them explicitly.
	_ = v.BindEnv("anthropic_api_key", "ADW_ANTHROPIC_API_KEY")
	_ = v.BindEnv("github_token", "ADW_GITHUB_TOKEN")
	_ = v.BindEnv("github_repo", "ADW_GITHUB_REPO")
	_ = v.BindEnv("webhook_secret", "ADW_WEBHOOK_SECRET")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("port_range_start", d.PortRangeStart)
	v.SetDefault("port_range_size", d.PortRangeSize)
	v.SetDefault("poll_interval_seconds", d.PollIntervalSeconds)
	v.SetDefault("phase_timeout_seconds_default", d.PhaseTimeoutSecondsDefault)
	v.SetDefault("webhook_dedup_window_seconds", d.WebhookDedupWindowSeconds)
	v.SetDefault("webhook_listen_addr", d.WebhookListenAddr)
	v.SetDefault("external_tool_enabled", d.ExternalToolEnabled)
	v.SetDefault("stop_on_lint_failure", d.StopOnLintFailure)
	v.SetDefault("llm_quota_threshold", d.LLMQuotaThreshold)
	v.SetDefault("agent_cli_path", d.AgentCLIPath)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("worktree_dir", d.WorktreeDir)
	v.SetDefault("base_branch", d.BaseBranch)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.PortRangeSize < 1 {
		return fmt.Errorf("port_range_size must be at least 1, got %d", c.PortRangeSize)
	}
	if c.PortRangeStart < 1024 {
		return fmt.Errorf("port_range_start must be above 1024, got %d", c.PortRangeStart)
	}
	if c.PortRangeStart+2*c.PortRangeSize > 65535 {
		return fmt.Errorf("port range [%d, %d) exceeds the valid port space",
			c.PortRangeStart, c.PortRangeStart+2*c.PortRangeSize)
	}
	if c.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll_interval_seconds must be at least 1, got %d", c.PollIntervalSeconds)
	}
	if c.PhaseTimeoutSecondsDefault < 1 {
		return fmt.Errorf("phase_timeout_seconds_default must be at least 1, got %d", c.PhaseTimeoutSecondsDefault)
	}
	if c.WebhookDedupWindowSeconds < 0 {
		return fmt.Errorf("webhook_dedup_window_seconds must not be negative, got %d", c.WebhookDedupWindowSeconds)
	}
	return nil
}

// PollInterval returns the coordinator poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// PhaseTimeoutDefault returns the default phase timeout as a duration.
func (c *Config) PhaseTimeoutDefault() time.Duration {
	return time.Duration(c.PhaseTimeoutSecondsDefault) * time.Second
}

// WebhookDedupWindow returns the webhook dedup window as a duration.
func (c *Config) WebhookDedupWindow() time.Duration {
	return time.Duration(c.WebhookDedupWindowSeconds) * time.Second
}
