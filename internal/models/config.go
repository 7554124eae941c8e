package models

import (
	"time"

	"chatsync/internal/tracing"
)

// Config holds the application configuration
type Config struct {
	Client         ClientConfig          `json:"client" yaml:"client" toml:"client"`
	Sync           SyncConfig            `json:"sync" yaml:"sync" toml:"sync"`
	Database       DatabaseConfig        `json:"database" yaml:"database" toml:"database"`
	Retry          RetryConfig           `json:"retry" yaml:"retry" toml:"retry"`
	CircuitBreaker CircuitBreakerConfig  `json:"circuit_breaker" yaml:"circuit_breaker" toml:"circuit_breaker"`
	Tracing        tracing.TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
	Server         ServerConfig          `json:"server" yaml:"server" toml:"server"`
	LogLevel       string                `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// ClientConfig points the client at the chat backend
type ClientConfig struct {
	APIURL     string `json:"api_url" yaml:"api_url" toml:"api_url"`
	WSURL      string `json:"ws_url" yaml:"ws_url" toml:"ws_url"`
	APIKey     string `json:"api_key" yaml:"api_key" toml:"api_key"`
	UserID     string `json:"user_id" yaml:"user_id" toml:"user_id"`
	APISecret  string `json:"api_secret" yaml:"api_secret" toml:"api_secret"`
	Token      string `json:"token" yaml:"token" toml:"token"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec"`
}

// Timeout returns the HTTP request timeout.
func (c ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// SyncConfig tunes channel state handling
type SyncConfig struct {
	ReadToleranceMs     int `json:"read_tolerance_ms" yaml:"read_tolerance_ms" toml:"read_tolerance_ms"`
	TypingTimeoutMs     int `json:"typing_timeout_ms" yaml:"typing_timeout_ms" toml:"typing_timeout_ms"`
	MessageLimit        int `json:"message_limit" yaml:"message_limit" toml:"message_limit"`
	MemberLimit         int `json:"member_limit" yaml:"member_limit" toml:"member_limit"`
	WatcherLimit        int `json:"watcher_limit" yaml:"watcher_limit" toml:"watcher_limit"`
	ChannelLimit        int `json:"channel_limit" yaml:"channel_limit" toml:"channel_limit"`
	CountedMessageCache int `json:"counted_message_cache" yaml:"counted_message_cache" toml:"counted_message_cache"`
	EventQueueSize      int `json:"event_queue_size" yaml:"event_queue_size" toml:"event_queue_size"`
	RecoveryIntervalSec int `json:"recovery_interval_sec" yaml:"recovery_interval_sec" toml:"recovery_interval_sec"`
}

func (c SyncConfig) ReadTolerance() time.Duration {
	return time.Duration(c.ReadToleranceMs) * time.Millisecond
}

func (c SyncConfig) TypingTimeout() time.Duration {
	return time.Duration(c.TypingTimeoutMs) * time.Millisecond
}

func (c SyncConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSec) * time.Second
}

// DatabaseConfig holds the offline cache settings
type DatabaseConfig struct {
	Path             string `json:"path" yaml:"path" toml:"path"`
	EncryptionSecret string `json:"encryption_secret" yaml:"encryption_secret" toml:"encryption_secret"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms" yaml:"initial_backoff_ms" toml:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms" yaml:"max_backoff_ms" toml:"max_backoff_ms"`
	MaxAttempts      int `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
}

// CircuitBreakerConfig guards the chat API client
type CircuitBreakerConfig struct {
	MaxFailures int `json:"max_failures" yaml:"max_failures" toml:"max_failures"`
	TimeoutSec  int `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec"`
}

// ServerConfig holds the debug HTTP server settings
type ServerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Host            string `json:"host" yaml:"host" toml:"host"`
	Port            int    `json:"port" yaml:"port" toml:"port"`
	ReadTimeoutSec  int    `json:"read_timeout_sec" yaml:"read_timeout_sec" toml:"read_timeout_sec"`
	WriteTimeoutSec int    `json:"write_timeout_sec" yaml:"write_timeout_sec" toml:"write_timeout_sec"`
	IdleTimeoutSec  int    `json:"idle_timeout_sec" yaml:"idle_timeout_sec" toml:"idle_timeout_sec"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
