// Package config provides configuration loading and validation for the relay
// scheduler and runner daemons. It supports TOML configuration files with
// environment variable expansion, default values, and validation.
//
// Configuration structure:
//   - [logging]: Logging level, format, and output
//   - [store]: Postgres connection for schedules and execution records
//   - [coordination]: Redis connection and distributed lock settings
//   - [scheduler]: Sync interval, dispatch timeout, and target addressing
//   - [server]: Operator HTTP API (health, status, trigger, metrics)
//   - [runner]: Execution-target daemon (process launcher, grace windows)
//   - [events]: Fire-and-forget event sinks (webhook, Redis, Telegram)
//
// Environment variables can be referenced using ${VAR} or ${VAR:default}
// syntax. For example: dsn = "${RELAY_DATABASE_URL}"
package config

// Config is the root configuration shared by both daemons.
type Config struct {
	Logging      LoggingConfig      `toml:"logging"`
	Store        StoreConfig        `toml:"store"`
	Coordination CoordinationConfig `toml:"coordination"`
	Scheduler    SchedulerConfig    `toml:"scheduler"`
	Server       ServerConfig       `toml:"server"`
	Runner       RunnerConfig       `toml:"runner"`
	Events       EventsConfig       `toml:"events"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// StoreConfig holds the Postgres connection for the external schedule store.
type StoreConfig struct {
	DSN          string `toml:"dsn"`
	MaxOpenConns int    `toml:"max_open_conns"`
}

// CoordinationConfig holds the Redis coordination store and lock settings.
// RenewInterval of zero derives the renewal cadence as half the lock TTL.
type CoordinationConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	LockTTL       int    `toml:"lock_ttl_seconds"`
	RenewInterval int    `toml:"renew_interval_seconds"`
}

// SchedulerConfig controls the timer table, sync loop and dispatch.
type SchedulerConfig struct {
	SyncInterval    int    `toml:"sync_interval_seconds"`
	DispatchTimeout int    `toml:"dispatch_timeout_seconds"`
	DispatchBuffer  int    `toml:"dispatch_buffer_seconds"`
	TargetBaseURL   string `toml:"target_base_url"`
}

// ServerConfig controls the scheduler's operator HTTP API.
type ServerConfig struct {
	Port int `toml:"port"`
}

// RunnerConfig controls the execution-target daemon.
type RunnerConfig struct {
	Port            int      `toml:"port"`
	Launcher        string   `toml:"launcher"` // exec, docker
	AgentCommand    []string `toml:"agent_command"`
	AgentImage      string   `toml:"agent_image"`
	GracefulTimeout int      `toml:"graceful_timeout_seconds"`
	KillTimeout     int      `toml:"kill_timeout_seconds"`
	CleanupInterval int      `toml:"cleanup_interval_seconds"`
}

// EventsConfig configures the fire-and-forget event sinks. A sink is active
// when its address is non-empty (or, for Telegram, when enabled).
type EventsConfig struct {
	WebhookURL   string         `toml:"webhook_url"`
	RedisChannel string         `toml:"redis_channel"`
	Telegram     TelegramConfig `toml:"telegram"`
}

// TelegramConfig configures the Telegram operator notification sink.
type TelegramConfig struct {
	Enabled bool   `toml:"enabled"`
	Token   string `toml:"token"`
	ChatID  int64  `toml:"chat_id"`
}
