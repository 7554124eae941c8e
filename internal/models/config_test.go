package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigError_Error(t *testing.T) {
	err := ConfigError{Message: "test error"}
	assert.Equal(t, "test error", err.Error())
}

func TestConfig_Durations(t *testing.T) {
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"read tolerance", SyncConfig{ReadToleranceMs: 5}.ReadTolerance(), 5 * time.Millisecond},
		{"typing timeout", SyncConfig{TypingTimeoutMs: 7000}.TypingTimeout(), 7 * time.Second},
		{"recovery interval", SyncConfig{RecoveryIntervalSec: 30}.RecoveryInterval(), 30 * time.Second},
		{"client timeout", ClientConfig{TimeoutSec: 10}.Timeout(), 10 * time.Second},
		{"zero", SyncConfig{}.ReadTolerance(), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
