package daemon

import (
	"context"
	"log"
	"time"

	"github.com/portless-dev/portless/internal/reloader"
)

// waitIdle blocks until either ctx is cancelled or the idle-shutdown rule
// fires: a startup grace period runs unconditionally, after which an empty
// snapshot arms a deadline that is cancelled the moment a non-empty
// snapshot is observed. The deadline is armed only on the empty transition,
// not on every empty poll, so a registry that is already empty when the
// grace period ends gets exactly one idle window, not a continuously
// sliding one.
func waitIdle(ctx context.Context, rl *reloader.Reloader, grace, idle time.Duration, logger *log.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(grace):
	}

	var deadline <-chan time.Time
	wasEmpty := false

	ticker := time.NewTicker(reloader.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			if logger != nil {
				logger.Printf("daemon: registry empty for %s, shutting down", idle)
			}
			return
		case <-ticker.C:
			empty := rl.Snapshot().Empty()
			switch {
			case empty && !wasEmpty:
				deadline = time.After(idle)
			case !empty && wasEmpty:
				deadline = nil
			}
			wasEmpty = empty
		}
	}
}
