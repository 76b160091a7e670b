// Package config provides configuration management for acpgate.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentNamePattern constrains AGENT_NAME: it is used as a filename prefix by
// the provisioner, so anything outside this set is rejected outright.
var AgentNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,}$`)

// Config holds all configuration sections for acpgate.
type Config struct {
	Bot       BotConfig     `mapstructure:"bot"`
	Agent     AgentConfig   `mapstructure:"agent"`
	Pool      PoolConfig    `mapstructure:"pool"`
	Workspace WorkspaceCfg  `mapstructure:"workspace"`
	Store     StoreConfig   `mapstructure:"store"`
	Bus       BusConfig     `mapstructure:"bus"`
	API       APIConfig     `mapstructure:"api"`
	Logging   LoggingConfig `mapstructure:"logging"`
}

// BotConfig holds messaging-platform credentials and access control.
type BotConfig struct {
	Token string `mapstructure:"token"`
	// AllowedUserIDs is a comma-separated integer list. Empty means deny all.
	AllowedUserIDs string `mapstructure:"allowedUserIds"`
}

// AgentConfig holds the agent subprocess configuration.
type AgentConfig struct {
	// Binary is the agent CLI executable, looked up on PATH.
	Binary string `mapstructure:"binary"`
	// Name selects the agent profile; also the provisioner's file prefix.
	Name string `mapstructure:"name"`
	// ConfigPath is the template directory synced into the agent home.
	ConfigPath string `mapstructure:"configPath"`
	// Home overrides the agent's home directory (default: ~/.<binary base name>).
	Home string `mapstructure:"home"`
	// RequestTimeout bounds initialize/session_new/session_load/set_model, in seconds.
	RequestTimeout int `mapstructure:"requestTimeout"`
}

// PoolConfig holds worker pool sizing.
type PoolConfig struct {
	MaxWorkers         int `mapstructure:"maxWorkers"`
	IdleTimeoutSeconds int `mapstructure:"idleTimeoutSeconds"`
}

// WorkspaceCfg holds workspace filesystem configuration.
type WorkspaceCfg struct {
	BasePath string `mapstructure:"basePath"`
}

// StoreConfig holds the binding store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// BusConfig holds event bus configuration. Empty URL selects the in-memory bus.
type BusConfig struct {
	NATSURL string `mapstructure:"natsUrl"`
}

// APIConfig holds the read-only status API configuration.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// IdleTimeout returns the reaper idle timeout as a time.Duration.
func (p *PoolConfig) IdleTimeout() time.Duration {
	return time.Duration(p.IdleTimeoutSeconds) * time.Second
}

// RequestTimeoutDuration returns the driver request timeout as a time.Duration.
func (a *AgentConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(a.RequestTimeout) * time.Second
}

// HomeDir resolves the agent home directory.
func (a *AgentConfig) HomeDir() string {
	if a.Home != "" {
		return a.Home
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, "."+filepath.Base(a.Binary))
}

// AllowedIDs parses the allowlist into a set. An empty list denies everyone.
func (b *BotConfig) AllowedIDs() (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	raw := strings.TrimSpace(b.AllowedUserIDs)
	if raw == "" {
		return ids, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("allowed user ids must be comma-separated integers, got %q", part)
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.allowedUserIds", "")

	v.SetDefault("agent.binary", "kiro-cli")
	v.SetDefault("agent.name", "")
	v.SetDefault("agent.configPath", "./agent-config/")
	v.SetDefault("agent.home", "")
	v.SetDefault("agent.requestTimeout", 30)

	v.SetDefault("pool.maxWorkers", 5)
	v.SetDefault("pool.idleTimeoutSeconds", 30)

	v.SetDefault("workspace.basePath", "./workspaces/")

	v.SetDefault("store.path", "./acpgate.db")

	v.SetDefault("bus.natsUrl", "")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", "127.0.0.1:8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ACPGATE_ with snake_case naming; the
// flat names from the original deployment surface (BOT_TOKEN, AGENT_NAME, ...)
// are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ACPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase config keys to SNAKE_CASE env vars,
	// so the deployment-facing names are bound explicitly.
	_ = v.BindEnv("bot.token", "BOT_TOKEN", "ACPGATE_BOT_TOKEN")
	_ = v.BindEnv("bot.allowedUserIds", "ALLOWED_USER_IDS", "ACPGATE_BOT_ALLOWED_USER_IDS")
	_ = v.BindEnv("agent.name", "AGENT_NAME", "ACPGATE_AGENT_NAME")
	_ = v.BindEnv("agent.binary", "AGENT_BINARY", "ACPGATE_AGENT_BINARY")
	_ = v.BindEnv("agent.configPath", "AGENT_CONFIG_PATH", "ACPGATE_AGENT_CONFIG_PATH")
	_ = v.BindEnv("pool.maxWorkers", "MAX_WORKERS", "ACPGATE_POOL_MAX_WORKERS")
	_ = v.BindEnv("pool.idleTimeoutSeconds", "IDLE_TIMEOUT_SECONDS", "ACPGATE_POOL_IDLE_TIMEOUT_SECONDS")
	_ = v.BindEnv("workspace.basePath", "WORKSPACE_BASE_PATH", "ACPGATE_WORKSPACE_BASE_PATH")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "ACPGATE_LOGGING_LEVEL")
	_ = v.BindEnv("bus.natsUrl", "NATS_URL", "ACPGATE_BUS_NATS_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acpgate/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if strings.TrimSpace(cfg.Bot.Token) == "" {
		errs = append(errs, "bot.token (BOT_TOKEN) is required")
	}
	if _, err := cfg.Bot.AllowedIDs(); err != nil {
		errs = append(errs, err.Error())
	}

	if cfg.Agent.Name == "" {
		errs = append(errs, "agent.name (AGENT_NAME) is required")
	} else if !AgentNamePattern.MatchString(cfg.Agent.Name) {
		errs = append(errs, fmt.Sprintf("agent.name must match %s, got %q", AgentNamePattern, cfg.Agent.Name))
	}
	if cfg.Agent.RequestTimeout <= 0 {
		errs = append(errs, "agent.requestTimeout must be positive")
	}

	if cfg.Pool.MaxWorkers < 1 {
		errs = append(errs, "pool.maxWorkers must be >= 1")
	}
	if cfg.Pool.IdleTimeoutSeconds < 0 {
		errs = append(errs, "pool.idleTimeoutSeconds must be >= 0")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warning": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warning, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateRuntime checks startup prerequisites beyond field syntax:
// the agent binary, the config template, and a writable workspace root.
// Any failure here is fatal per the exit-code contract.
func (c *Config) ValidateRuntime() error {
	if _, err := exec.LookPath(c.Agent.Binary); err != nil {
		return fmt.Errorf("agent binary %q not found on PATH: %w", c.Agent.Binary, err)
	}

	tmpl := c.Agent.ConfigPath
	info, err := os.Stat(tmpl)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("agent config template directory not found at %s", tmpl)
	}

	agentJSON := filepath.Join(tmpl, "agents", c.Agent.Name+".json")
	if fi, err := os.Stat(agentJSON); err != nil || fi.IsDir() {
		return fmt.Errorf("agent config template not found: %s", agentJSON)
	}

	if err := os.MkdirAll(c.Workspace.BasePath, 0o755); err != nil {
		return fmt.Errorf("workspace directory not writable: %s: %w", c.Workspace.BasePath, err)
	}
	probe := filepath.Join(c.Workspace.BasePath, ".writecheck")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return fmt.Errorf("workspace directory not writable: %s: %w", c.Workspace.BasePath, err)
	}
	_ = os.Remove(probe)

	return nil
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("ACPGATE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}
