package constants

import "time"

// Default sync behaviour
const (
	DefaultTypingTimeout        = 7 * time.Second
	DefaultReadToleranceMs      = 5
	DefaultMessageLimit         = 30
	DefaultMemberLimit          = 30
	DefaultWatcherLimit         = 30
	DefaultChannelLimit         = 30
	DefaultCountedMessageCache  = 100
	DefaultEventQueueSize       = 256
	DefaultErrorBusBuffer       = 32
	DefaultRecoveryIntervalSec  = 30
	DefaultChannelFilterTimeout = 10 * time.Second
)

// Default retry configuration values
const (
	DefaultRetryBackoffMs = 1000
	DefaultMaxBackoffMs   = 60000
	DefaultMaxAttempts    = 5
	DefaultServerPort     = 8085
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultDatabaseRetryAttempts  = 3
	DefaultGracefulShutdownSec    = 30
	DefaultBackoffInitialMs       = 500
	DefaultBackoffMaxSec          = 5
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultConfigWatchIntervalSec = 5
	ServerErrorChannelSize        = 1
)

// Circuit breaker defaults for the chat API client
const (
	DefaultCircuitBreakerMaxFailures = 5
	DefaultCircuitBreakerTimeoutSec  = 30
)

// Encryption salts for the local message cache
const (
	EncryptionSalt = "chatsync-cache-salt-v1"
)
