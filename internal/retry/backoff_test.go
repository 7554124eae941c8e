package retry

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"chatsync/internal/errors"
	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  attempts,
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	config := DefaultBackoffConfig()
	assert.Equal(t, 100*time.Millisecond, config.InitialDelay)
	assert.Equal(t, 30*time.Second, config.MaxDelay)
	assert.Equal(t, 2.0, config.Multiplier)
	assert.Equal(t, 5, config.MaxAttempts)
	assert.True(t, config.Jitter)
}

func TestFromRetryConfig(t *testing.T) {
	tests := []struct {
		name string
		in   models.RetryConfig
		want BackoffConfig
	}{
		{
			name: "empty keeps defaults",
			in:   models.RetryConfig{},
			want: DefaultBackoffConfig(),
		},
		{
			name: "overrides",
			in:   models.RetryConfig{InitialBackoffMs: 250, MaxBackoffMs: 4000, MaxAttempts: 7},
			want: BackoffConfig{InitialDelay: 250 * time.Millisecond, MaxDelay: 4 * time.Second, Multiplier: 2, MaxAttempts: 7, Jitter: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FromRetryConfig(tt.in))
		})
	}
}

func TestNewBackoff_Normalizes(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 10 * time.Millisecond, MaxDelay: time.Millisecond})
	assert.Equal(t, 1, b.MaxAttempts())
	assert.Equal(t, 1.0, b.config.Multiplier)
	assert.Equal(t, 10*time.Millisecond, b.config.MaxDelay)
}

func TestBackoff_Retry(t *testing.T) {
	errBoom := stderrors.New("boom")

	tests := []struct {
		name      string
		failures  int
		attempts  int
		wantCalls int
		wantErr   error
	}{
		{name: "first attempt", failures: 0, attempts: 3, wantCalls: 1},
		{name: "after retries", failures: 2, attempts: 3, wantCalls: 3},
		{name: "exhausted", failures: 5, attempts: 3, wantCalls: 3, wantErr: errBoom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := NewBackoff(fastConfig(tt.attempts)).Retry(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return errBoom
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantErr, err)
		})
	}
}

func TestBackoff_RetryWithPredicate_NonRetryable(t *testing.T) {
	permanent := stderrors.New("permanent")
	calls := 0
	err := NewBackoff(fastConfig(5)).RetryWithPredicate(context.Background(), func() error {
		calls++
		return permanent
	}, func(err error) bool { return err != permanent })

	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff_RetryTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"network", errors.NewNetworkError("send", stderrors.New("reset")), 3},
		{"server error", errors.NewAPIError("/channels", 503, nil), 3},
		{"rate limited", errors.NewAPIError("/channels", 429, nil), 3},
		{"bad request", errors.NewAPIError("/channels", 400, nil), 1},
		{"plain error", stderrors.New("plain"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := NewBackoff(fastConfig(3)).RetryTransient(context.Background(), func() error {
				calls++
				return tt.err
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestBackoff_ContextCancellation(t *testing.T) {
	t.Run("before first attempt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := NewBackoff(fastConfig(3)).Retry(ctx, func() error {
			calls++
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, calls)
	})

	t.Run("during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		b := NewBackoff(BackoffConfig{InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1, MaxAttempts: 3})
		calls := 0
		start := time.Now()
		err := b.Retry(ctx, func() error {
			calls++
			cancel()
			return stderrors.New("fail")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestBackoff_Delay(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 10})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{100, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 5, Jitter: true}
	b := NewBackoff(cfg)

	for i := 0; i < 200; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)

		capped := b.Delay(10)
		assert.LessOrEqual(t, capped, cfg.MaxDelay)
		assert.GreaterOrEqual(t, b.Delay(1), cfg.InitialDelay)
	}
}
