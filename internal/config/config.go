// Package config holds the scrivener configuration loaded from scrivener.yml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all scrivener configuration.
type Config struct {
	// LLM transport settings
	LLM LLMConfig `yaml:"llm"`

	// Messenger (external delivery collaborator) settings
	Messenger MessengerConfig `yaml:"messenger"`

	// Runtime settings for the agent loop and tool execution
	Runtime RuntimeConfig `yaml:"runtime"`

	// Guardian background auditor settings
	Guardian GuardianConfig `yaml:"guardian"`

	// Journal (execution history) settings
	Journal JournalConfig `yaml:"journal"`
}

// LLMConfig configures the model service.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// MessengerConfig configures the external delivery collaborator.
type MessengerConfig struct {
	Token string `yaml:"token"`
}

// RuntimeConfig bounds agent-loop and tool execution behavior.
type RuntimeConfig struct {
	// MaxTurns bounds one agent-loop invocation. Clamped to >= 1.
	MaxTurns int `yaml:"max_turns"`

	// ReadOnlyBudget is the number of read-only tool calls allowed per
	// batch before the model must be asked again. Clamped to >= 1.
	ReadOnlyBudget int `yaml:"read_only_budget"`

	// MaxToolOutputBytes truncates tool observations. 0 disables truncation.
	MaxToolOutputBytes int `yaml:"max_tool_output_bytes"`

	// Privileged enables the host exec tool.
	Privileged bool `yaml:"privileged"`

	// Concurrency is the global cap on concurrent thread executions.
	Concurrency int `yaml:"concurrency"`

	// NotificationQueue is the bounded capacity of the push channel.
	NotificationQueue int `yaml:"notification_queue"`

	// SkillTimeout is the wall-clock limit for one skill tool invocation.
	SkillTimeout string `yaml:"skill_timeout"`
}

// GuardianConfig configures the background auditor.
type GuardianConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Model    string `yaml:"model"` // optional override of llm.model
	Interval string `yaml:"interval"`
}

// JournalConfig configures the execution journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // relative to workspace root
}

// Default returns the configuration used when scrivener.yml omits a value.
func Default() Config {
	return Config{
		LLM: LLMConfig{
			Model:   "gemini-3-flash-preview",
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Timeout: "10m",
		},
		Runtime: RuntimeConfig{
			MaxTurns:           5,
			ReadOnlyBudget:     3,
			MaxToolOutputBytes: 5000,
			Concurrency:        5,
			NotificationQueue:  100,
			SkillTimeout:       "2m",
		},
		Guardian: GuardianConfig{
			Interval: "1h",
		},
		Journal: JournalConfig{
			Enabled: true,
			Path:    filepath.Join("brain", "journal.db"),
		},
	}
}

// Load reads configuration from path, filling defaults for omitted values
// and environment fallbacks for secrets.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.LLM.APIKey == "" || isPlaceholder(c.LLM.APIKey) {
		for _, key := range []string{"SCRIVENER_API_KEY", "GEMINI_API_KEY"} {
			if v := os.Getenv(key); v != "" {
				c.LLM.APIKey = v
				break
			}
		}
	}
	if c.Messenger.Token == "" || isPlaceholder(c.Messenger.Token) {
		if v := os.Getenv("SCRIVENER_MESSENGER_TOKEN"); v != "" {
			c.Messenger.Token = v
		}
	}
}

func (c *Config) clamp() {
	if c.Runtime.MaxTurns < 1 {
		c.Runtime.MaxTurns = 1
	}
	if c.Runtime.ReadOnlyBudget < 1 {
		c.Runtime.ReadOnlyBudget = 1
	}
	if c.Runtime.MaxToolOutputBytes < 0 {
		c.Runtime.MaxToolOutputBytes = 0
	}
	if c.Runtime.Concurrency < 1 {
		c.Runtime.Concurrency = 1
	}
	if c.Runtime.NotificationQueue < 1 {
		c.Runtime.NotificationQueue = 1
	}
}

func isPlaceholder(v string) bool {
	return strings.HasPrefix(v, "YOUR_")
}

// LLMTimeout parses the configured transport timeout.
func (c *Config) LLMTimeout() time.Duration {
	return parseDurationOr(c.LLM.Timeout, 10*time.Minute)
}

// SkillTimeout parses the configured skill execution limit.
func (c *Config) SkillTimeout() time.Duration {
	return parseDurationOr(c.Runtime.SkillTimeout, 2*time.Minute)
}

// GuardianInterval parses the configured pulse interval.
func (c *Config) GuardianInterval() time.Duration {
	return parseDurationOr(c.Guardian.Interval, time.Hour)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Write persists the configuration to path as YAML.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
