package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/constants"

	"github.com/mattn/go-sqlite3"
)

// retryPolicy bounds the retries of writes that hit a busy database.
type retryPolicy struct {
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
}

func defaultRetryPolicy() retryPolicy {
	return retryPolicy{
		attempts:   constants.DefaultDatabaseRetryAttempts,
		backoff:    time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond,
		maxBackoff: time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
	}
}

// run executes operation until it succeeds, fails with an error that is not
// worth retrying, or runs out of attempts.
func (p retryPolicy) run(ctx context.Context, operationName string, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= p.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableDBError(err) {
			return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
		}
		if attempt == p.attempts {
			break
		}

		backoff := time.Duration(attempt) * p.backoff
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, p.attempts, lastErr)
}

// isRetryableDBError reports whether a SQLite error is transient.
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr:
			return true
		default:
			return false
		}
	}

	errStr := err.Error()
	if strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "disk I/O error") {
		return true
	}
	return false
}
