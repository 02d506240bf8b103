package config

import (
	"os"
	"regexp"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// LoadEnv loads environment variables from a .env file. Lines are parsed in
// KEY=VALUE format; empty lines and comments (lines starting with #) are
// ignored. Returns an error if the file cannot be read.
func LoadEnv(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key != "" {
			os.Setenv(key, value)
		}
	}

	return nil
}

// LoadEnvOptional loads environment variables from a .env file if it exists.
func LoadEnvOptional(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return LoadEnv(path)
}

// expandEnvVars substitutes ${VAR} and ${VAR:default} references in every
// string configuration field that may carry secrets or deployment-specific
// addresses.
func expandEnvVars(c *Config) {
	c.Store.DSN = expandString(c.Store.DSN)
	c.Coordination.RedisAddr = expandString(c.Coordination.RedisAddr)
	c.Coordination.RedisPassword = expandString(c.Coordination.RedisPassword)
	c.Scheduler.TargetBaseURL = expandString(c.Scheduler.TargetBaseURL)
	c.Events.WebhookURL = expandString(c.Events.WebhookURL)
	c.Events.Telegram.Token = expandString(c.Events.Telegram.Token)
	for i, arg := range c.Runner.AgentCommand {
		c.Runner.AgentCommand[i] = expandString(arg)
	}
}

func expandString(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		fallback := groups[2]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return fallback
	})
}
