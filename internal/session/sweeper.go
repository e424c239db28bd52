package session

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = time.Minute

// RunSweeper periodically evicts expired sessions until the context is
// cancelled. It blocks, so run it in its own goroutine. Cancellation is the
// normal way to stop it and is not reported as an error.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Debug("session sweeper started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Debug("session sweeper stopped")
			return
		case now := <-ticker.C:
			r.SweepExpired(now)
		}
	}
}
