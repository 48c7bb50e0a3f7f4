package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	writeMaxRetries     = 3
	writeRetryBaseDelay = 50 * time.Millisecond
)

// isConflict reports whether err is a SQLite concurrency error (SQLITE_BUSY
// or a locked database). Such writes are worth retrying.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnConflict runs write with exponential backoff while it fails with a
// conflict. Any other error is returned immediately.
func retryOnConflict(ctx context.Context, what string, write func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = writeRetryBaseDelay
	bo.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := write()
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return backoff.Permanent(err)
		}
		slog.Debug("database locked, retrying", "write", what, "attempt", attempt)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, writeMaxRetries), ctx))
}
