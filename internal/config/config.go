package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML configuration file, applies defaults and
// expands environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	return &cfg, nil
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() []error {
	var errors []error

	if c.Logging.Level == "" {
		errors = append(errors, fmt.Errorf("logging.level is required"))
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(c.Logging.Level)] {
			errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[strings.ToLower(c.Logging.Format)] {
			errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
		}
	}

	if c.Store.DSN == "" {
		errors = append(errors, fmt.Errorf("store.dsn is required"))
	}

	if c.Coordination.RedisAddr == "" {
		errors = append(errors, fmt.Errorf("coordination.redis_addr is required"))
	}
	if c.Coordination.LockTTL < 2 {
		errors = append(errors, fmt.Errorf("coordination.lock_ttl_seconds must be at least 2, got %d", c.Coordination.LockTTL))
	}
	if c.Coordination.RenewInterval < 0 {
		errors = append(errors, fmt.Errorf("coordination.renew_interval_seconds must not be negative, got %d", c.Coordination.RenewInterval))
	} else if c.Coordination.RenewInterval >= c.Coordination.LockTTL && c.Coordination.RenewInterval > 0 {
		errors = append(errors, fmt.Errorf("coordination.renew_interval_seconds must be less than lock_ttl_seconds, got %d", c.Coordination.RenewInterval))
	}

	if c.Scheduler.SyncInterval <= 0 {
		errors = append(errors, fmt.Errorf("scheduler.sync_interval_seconds must be positive, got %d", c.Scheduler.SyncInterval))
	}
	if c.Scheduler.DispatchTimeout <= 0 {
		errors = append(errors, fmt.Errorf("scheduler.dispatch_timeout_seconds must be positive, got %d", c.Scheduler.DispatchTimeout))
	}
	if c.Scheduler.TargetBaseURL == "" {
		errors = append(errors, fmt.Errorf("scheduler.target_base_url is required"))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errors = append(errors, fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port))
	}

	switch c.Runner.Launcher {
	case "exec":
		if len(c.Runner.AgentCommand) == 0 {
			errors = append(errors, fmt.Errorf("runner.agent_command is required when launcher is 'exec'"))
		}
	case "docker":
		if c.Runner.AgentImage == "" {
			errors = append(errors, fmt.Errorf("runner.agent_image is required when launcher is 'docker'"))
		}
	default:
		errors = append(errors, fmt.Errorf("invalid runner.launcher: %s (expected: exec, docker)", c.Runner.Launcher))
	}

	if c.Events.Telegram.Enabled {
		if c.Events.Telegram.Token == "" {
			errors = append(errors, fmt.Errorf("events.telegram.token is required when telegram is enabled"))
		}
		if c.Events.Telegram.ChatID == 0 {
			errors = append(errors, fmt.Errorf("events.telegram.chat_id is required when telegram is enabled"))
		}
	}

	return errors
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(c *Config) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 10
	}

	if c.Coordination.LockTTL == 0 {
		c.Coordination.LockTTL = 60
	}

	if c.Scheduler.SyncInterval == 0 {
		c.Scheduler.SyncInterval = 60
	}
	if c.Scheduler.DispatchTimeout == 0 {
		c.Scheduler.DispatchTimeout = 300
	}
	if c.Scheduler.DispatchBuffer == 0 {
		c.Scheduler.DispatchBuffer = 30
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Runner.Port == 0 {
		c.Runner.Port = 8081
	}
	if c.Runner.Launcher == "" {
		c.Runner.Launcher = "exec"
	}
	if c.Runner.GracefulTimeout == 0 {
		c.Runner.GracefulTimeout = 5
	}
	if c.Runner.KillTimeout == 0 {
		c.Runner.KillTimeout = 2
	}
	if c.Runner.CleanupInterval == 0 {
		c.Runner.CleanupInterval = 60
	}
}
