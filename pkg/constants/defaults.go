package constants

// Transport limits used by the chat client packages
const (
	DefaultPingIntervalSec = 25
	DefaultReadLimitBytes  = 1 << 20
	MaxErrorBodyBytes      = 4 << 10
)

// Validation constants used by packages
const (
	MaxMessageTextLength = 5000
)
