package conversation

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the expiry worker looks for overdue sessions.
const DefaultSweepInterval = 15 * time.Second

// ExpiryCallback is called for each session the expiry worker expires.
type ExpiryCallback func(sessionID string)

// StartExpiryWorker runs a background goroutine that periodically expires
// active sessions past their duration budget. It stops when ctx is done.
func StartExpiryWorker(ctx context.Context, engine *Engine, interval time.Duration, onExpire ExpiryCallback) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("expiry worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				expired := engine.SweepExpired(ctx)
				if len(expired) == 0 {
					continue
				}
				slog.Info("expiry worker expired sessions", "count", len(expired))
				if onExpire != nil {
					for _, id := range expired {
						onExpire(id)
					}
				}
			case <-ctx.Done():
				slog.Info("expiry worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
