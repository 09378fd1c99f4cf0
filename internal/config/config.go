// Package config loads the pipeline configuration from YAML with
// sensible defaults for every knob.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	UserID    string `yaml:"userId"`
	SessionID string `yaml:"sessionId"`
	BaseDir   string `yaml:"baseDir"`

	EnableMemory      bool `yaml:"enableMemory"`
	AutoRegisterTools bool `yaml:"autoRegisterTools"`

	// CacheDuration is the tool result cache TTL.
	CacheDuration time.Duration `yaml:"cacheDuration"`
	// HistorySize bounds the in-memory processing history ring.
	HistorySize int `yaml:"historySize"`

	Safety   SafetyConfig   `yaml:"safety"`
	Executor ExecutorConfig `yaml:"executor"`
	Broker   BrokerConfig   `yaml:"broker"`
}

// SafetyConfig holds the policy and validator knobs.
type SafetyConfig struct {
	AllowDestructiveOps   bool     `yaml:"allowDestructiveOps"`
	ConfirmationThreshold string   `yaml:"confirmationThreshold"`
	BlockedTools          []string `yaml:"blockedTools"`
	BlockedPaths          []string `yaml:"blockedPaths"`
	CommandWhitelist      []string `yaml:"commandWhitelist"`
	CommandBlacklist      []string `yaml:"commandBlacklist"`
	// Permissions are the shell permission scopes granted to the user.
	// An explicit empty list denies every command.
	Permissions []string `yaml:"permissions"`
	// AuditDBPath enables the persistent audit log when set.
	AuditDBPath string `yaml:"auditDbPath"`
}

// ExecutorConfig tunes tool execution.
type ExecutorConfig struct {
	MaxParallel    int           `yaml:"maxParallel"`
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
}

// BrokerConfig tunes the peer broker.
type BrokerConfig struct {
	LocalName      string        `yaml:"localName"`
	MaxRetries     int           `yaml:"maxRetries"`
	StaleAfter     time.Duration `yaml:"staleAfter"`
	HealthInterval time.Duration `yaml:"healthInterval"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		UserID:            "default",
		SessionID:         "",
		BaseDir:           ".",
		EnableMemory:      true,
		AutoRegisterTools: true,
		CacheDuration:     5 * time.Minute,
		HistorySize:       100,
		Safety: SafetyConfig{
			AllowDestructiveOps:   false,
			ConfirmationThreshold: "medium",
			// system:admin must be granted explicitly.
			Permissions: []string{"shell:read", "shell:execute", "network:execute"},
		},
		Executor: ExecutorConfig{
			MaxParallel:    4,
			DefaultTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			LocalName:      "local",
			MaxRetries:     3,
			StaleAfter:     2 * time.Minute,
			HealthInterval: 30 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file
// is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyFloors()
	return cfg, nil
}

// applyEnv overrides the runtime knobs from CORTEX_* environment
// variables. Env wins over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("CORTEX_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("CORTEX_SESSION_ID"); v != "" {
		c.SessionID = v
	}
	if v := os.Getenv("CORTEX_BASE_DIR"); v != "" {
		c.BaseDir = v
	}
	if v := os.Getenv("CORTEX_AUDIT_DB"); v != "" {
		c.Safety.AuditDBPath = v
	}
}

// applyFloors re-applies defaults for values that were zeroed or set
// to nonsense by the file.
func (c *Config) applyFloors() {
	d := Default()
	if c.CacheDuration <= 0 {
		c.CacheDuration = d.CacheDuration
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	if c.Executor.MaxParallel <= 0 {
		c.Executor.MaxParallel = d.Executor.MaxParallel
	}
	if c.Executor.DefaultTimeout <= 0 {
		c.Executor.DefaultTimeout = d.Executor.DefaultTimeout
	}
	if c.Broker.MaxRetries <= 0 {
		c.Broker.MaxRetries = d.Broker.MaxRetries
	}
	if c.Broker.StaleAfter <= 0 {
		c.Broker.StaleAfter = d.Broker.StaleAfter
	}
	if c.Broker.HealthInterval <= 0 {
		c.Broker.HealthInterval = d.Broker.HealthInterval
	}
	if c.Safety.ConfirmationThreshold == "" {
		c.Safety.ConfirmationThreshold = d.Safety.ConfirmationThreshold
	}
	if c.Safety.Permissions == nil {
		c.Safety.Permissions = d.Safety.Permissions
	}
	if c.UserID == "" {
		c.UserID = d.UserID
	}
	if c.BaseDir == "" {
		c.BaseDir = d.BaseDir
	}
}
