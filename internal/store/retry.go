package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// isSQLiteConflict reports whether err is a SQLITE_BUSY or "database is
// locked" error. Both are SQLite concurrency errors that warrant retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs op, retrying with exponential backoff when SQLite
// reports a lock conflict. Non-conflict errors are returned immediately.
func withBusyRetry(ctx context.Context, op func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isSQLiteConflict(err) {
			return err
		}
		if i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
			slog.Debug("sqlite busy, retrying", "attempt", i+1, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("after %d attempts: %w", maxRetries, err)
}
