// Package config loads Cascade's on-disk configuration, a yaml document
// mirroring the teacher's own layered Config struct, defaults filled in
// before unmarshalling so a partial or absent file still yields a usable
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig configures one entry in the router's candidate list (C1/C2).
type ProviderConfig struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"` // anthropic | openai | local | bedrock | gemini
	Model       string   `yaml:"model"`
	BaseURL     string   `yaml:"base_url,omitempty"`
	APIKeyEnv   string   `yaml:"api_key_env,omitempty"`
	Priority    int      `yaml:"priority"`
	Disabled    bool     `yaml:"disabled,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// RoutingConfig tunes the health-state machine and scoring weights of C2.
type RoutingConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	RecoveryThreshold  int           `yaml:"recovery_threshold"`
	HealthCheckPeriod  time.Duration `yaml:"health_check_period"`
	CostWeight         float64       `yaml:"cost_weight"`
	LatencyWeight      float64       `yaml:"latency_weight"`
	QualityWeight      float64       `yaml:"quality_weight"`
}

// ToolsConfig configures the orchestrator's concurrency and per-tool timeout.
type ToolsConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	MaxRounds       int           `yaml:"max_rounds"`
}

// ApprovalConfig seeds the tri-state approval cache (C5) with durable
// always-allow/always-deny rules, in addition to whatever the user approves
// interactively during the session.
type ApprovalConfig struct {
	AutoApprove []string `yaml:"auto_approve,omitempty"`
	AutoDeny    []string `yaml:"auto_deny,omitempty"`
}

// ConversationConfig bounds the turn log kept by C11.
type ConversationConfig struct {
	MaxTurns    int    `yaml:"max_turns"`
	PersistPath string `yaml:"persist_path,omitempty"`
}

// SafetyConfig tunes C10's backup retention and risk thresholds.
type SafetyConfig struct {
	BackupDir           string        `yaml:"backup_dir"`
	BackupRetention      time.Duration `yaml:"backup_retention"`
	AutoApproveMaxTier  string        `yaml:"auto_approve_max_tier"`
}

// LoggingConfig configures the zerolog-style sink level and format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
	File   string `yaml:"file,omitempty"`
}

// Config is the top-level, process-wide configuration tree.
type Config struct {
	Providers    []ProviderConfig    `yaml:"providers"`
	Routing      RoutingConfig       `yaml:"routing"`
	Tools        ToolsConfig         `yaml:"tools"`
	Approval     ApprovalConfig      `yaml:"approval"`
	Conversation ConversationConfig  `yaml:"conversation"`
	Safety       SafetyConfig        `yaml:"safety"`
	Logging      LoggingConfig       `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Providers: []ProviderConfig{
			{Name: "anthropic", Kind: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "ANTHROPIC_API_KEY", Priority: 0},
			{Name: "openai", Kind: "openai", Model: "gpt-4o", APIKeyEnv: "OPENAI_API_KEY", Priority: 1},
			{Name: "local", Kind: "local", Model: "llama3", BaseURL: "http://localhost:11434", Priority: 2},
		},
		Routing: RoutingConfig{
			FailureThreshold:  3,
			RecoveryThreshold: 2,
			HealthCheckPeriod: 30 * time.Second,
			CostWeight:        0.3,
			LatencyWeight:     0.3,
			QualityWeight:     0.4,
		},
		Tools: ToolsConfig{
			MaxConcurrent:  4,
			DefaultTimeout: 30 * time.Second,
			MaxRounds:      25,
		},
		Conversation: ConversationConfig{
			MaxTurns: 200,
		},
		Safety: SafetyConfig{
			BackupDir:          filepath.Join(DefaultStateDir(), "backups"),
			BackupRetention:     7 * 24 * time.Hour,
			AutoApproveMaxTier: "low",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultStateDir returns the directory Cascade uses for runtime state
// (backups, persisted conversation logs) when not overridden.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cascade"
	}
	return filepath.Join(home, ".cascade")
}

// DefaultConfigPath returns the default location of the config file.
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.yaml")
}

// Load reads and parses the config file at path, starting from Default()
// so a partial file only overrides the fields it sets. A missing file is
// not an error; it yields Default() unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// EnabledProviders returns the configured providers with Disabled entries
// removed, ordered by Priority ascending.
func (c *Config) EnabledProviders() []ProviderConfig {
	out := make([]ProviderConfig, 0, len(c.Providers))
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].Priority > out[j].Priority {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}
