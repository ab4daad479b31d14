package token

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// StartAutoRefresh launches a goroutine that periodically checks the stored
// credential and rotates it when its remaining lifetime falls inside window.
// interval: how often to wake up and check. Checks are jittered so multiple
// instances sharing a credential file don't stampede the token endpoint.
func (s *Store) StartAutoRefresh(ctx context.Context, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			cred, ok := s.Current()
			if !ok || cred.RefreshToken == "" {
				continue
			}
			// Still outside the window: skip quickly.
			if !cred.ExpiresWithin(window) {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err := s.Rotate(rctx)
			cancel()
			if err != nil {
				slog.Warn("background token refresh failed", slog.Any("err", err))
				continue
			}
		}
	}()
}
