package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chatsync/internal/constants"
	"chatsync/internal/models"
	"chatsync/internal/security"
	"chatsync/internal/tracing"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingAPIURL      = models.ConfigError{Message: "missing chat API URL"}
	ErrMissingWSURL       = models.ConfigError{Message: "missing realtime websocket URL"}
	ErrMissingUserID      = models.ConfigError{Message: "missing user id"}
	ErrMissingCredentials = models.ConfigError{Message: "missing credentials: set client.token or client.api_secret"}
	ErrMissingDBPath      = models.ConfigError{Message: "missing database path"}
)

// Environment variables that override the file.
const (
	EnvAPIURL    = "CHATSYNC_API_URL"
	EnvWSURL     = "CHATSYNC_WS_URL"
	EnvAPIKey    = "CHATSYNC_API_KEY"
	EnvDBPath    = "CHATSYNC_DB_PATH"
	EnvDBSecret  = "CHATSYNC_DB_SECRET"
	EnvUserID    = "CHATSYNC_USER_ID"
	EnvAPISecret = "CHATSYNC_API_SECRET"
	EnvToken     = "CHATSYNC_TOKEN"
	EnvLogLevel  = "CHATSYNC_LOG_LEVEL"
	EnvMode      = "CHATSYNC_ENV"
)

// LoadConfig reads the configuration at path. The format follows the file
// extension: .yaml/.yml, .toml, anything else is JSON. A .env file next to the
// configuration is loaded first; variables already set win over it.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateDataPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateDataPath above
	if err != nil {
		return nil, err
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	var config models.Config
	if err := decode(path, file, &config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func decode(path string, data []byte, config *models.Config) error {
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".toml":
		err = toml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Client.TimeoutSec <= 0 {
		c.Client.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	s := &c.Sync
	if s.ReadToleranceMs <= 0 {
		s.ReadToleranceMs = constants.DefaultReadToleranceMs
	}
	if s.TypingTimeoutMs <= 0 {
		s.TypingTimeoutMs = int(constants.DefaultTypingTimeout.Milliseconds())
	}
	if s.MessageLimit <= 0 {
		s.MessageLimit = constants.DefaultMessageLimit
	}
	if s.MemberLimit <= 0 {
		s.MemberLimit = constants.DefaultMemberLimit
	}
	if s.WatcherLimit <= 0 {
		s.WatcherLimit = constants.DefaultWatcherLimit
	}
	if s.ChannelLimit <= 0 {
		s.ChannelLimit = constants.DefaultChannelLimit
	}
	if s.CountedMessageCache <= 0 {
		s.CountedMessageCache = constants.DefaultCountedMessageCache
	}
	if s.EventQueueSize <= 0 {
		s.EventQueueSize = constants.DefaultEventQueueSize
	}
	if s.RecoveryIntervalSec <= 0 {
		s.RecoveryIntervalSec = constants.DefaultRecoveryIntervalSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.CircuitBreaker.MaxFailures <= 0 {
		c.CircuitBreaker.MaxFailures = constants.DefaultCircuitBreakerMaxFailures
	}
	if c.CircuitBreaker.TimeoutSec <= 0 {
		c.CircuitBreaker.TimeoutSec = constants.DefaultCircuitBreakerTimeoutSec
	}

	if c.Tracing.ServiceName == "" {
		defaults := tracing.DefaultTracingConfig()
		defaults.Enabled = c.Tracing.Enabled
		if c.Tracing.OTLPEndpoint != "" {
			defaults.OTLPEndpoint = c.Tracing.OTLPEndpoint
			defaults.UseStdout = c.Tracing.UseStdout
		}
		c.Tracing = defaults
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if c.Client.APIURL == "" {
		return ErrMissingAPIURL
	}
	if c.Client.WSURL == "" {
		return ErrMissingWSURL
	}
	if c.Client.UserID == "" {
		return ErrMissingUserID
	}
	if c.Client.Token == "" && c.Client.APISecret == "" {
		return ErrMissingCredentials
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid log level %q", c.LogLevel)}
	}
	if c.Retry.MaxBackoffMs < c.Retry.InitialBackoffMs {
		return models.ConfigError{Message: "retry max_backoff_ms must not be smaller than initial_backoff_ms"}
	}
	if c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port %d", c.Server.Port)}
	}
	if err := c.Tracing.Validate(); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	overrides := []struct {
		env    string
		target *string
	}{
		{EnvAPIURL, &c.Client.APIURL},
		{EnvWSURL, &c.Client.WSURL},
		{EnvAPIKey, &c.Client.APIKey},
		{EnvUserID, &c.Client.UserID},
		{EnvAPISecret, &c.Client.APISecret},
		{EnvToken, &c.Client.Token},
		{EnvDBPath, &c.Database.Path},
		{EnvDBSecret, &c.Database.EncryptionSecret},
		{EnvLogLevel, &c.LogLevel},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv(EnvMode) == "production"

	if isProduction {
		// the cache holds message bodies, so production requires them sealed
		if c.Database.EncryptionSecret == "" {
			return models.ConfigError{Message: fmt.Sprintf("database encryption secret is required in production (set %s)", EnvDBSecret)}
		}
		if c.Client.APISecret != "" && c.Client.Token == "" {
			return models.ConfigError{Message: "development tokens are not allowed in production; set client.token"}
		}
		if c.LogLevel == "debug" || c.LogLevel == "trace" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if c.Database.EncryptionSecret == "" {
		fmt.Fprintf(os.Stderr, "WARNING: offline cache is not encrypted. Set %s to encrypt message bodies at rest.\n", EnvDBSecret)
	}

	if c.Database.EncryptionSecret != "" && len(c.Database.EncryptionSecret) < models.MinSecretLength {
		return models.ConfigError{Message: fmt.Sprintf("database encryption secret must be at least %d characters long", models.MinSecretLength)}
	}

	return nil
}
