package selector

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errRefreshFailed = errors.New("PAC refresh failed")

// RunRefresher refreshes the script every interval until ctx is done. A
// failed refresh is retried with exponential backoff for at most one interval.
func (p *Pac) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		slog.Warn("PAC refresher disabled due to non-positive interval")
		return
	}
	slog.Info("Starting PAC refresh background task", "url", p.source.URL(), "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping PAC refresh background task", "url", p.source.URL())
			return
		case <-p.clock.After(interval):
		}

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = interval / 4
		if b.MaxInterval < b.InitialInterval {
			b.MaxInterval = b.InitialInterval
		}
		b.MaxElapsedTime = interval
		b.Clock = p.clock
		b.Reset()

		attempt := 0
		err := backoff.Retry(func() error {
			attempt++
			if p.Refresh(ctx) {
				return nil
			}
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errRefreshFailed
		}, backoff.WithContext(b, ctx))
		if err != nil {
			slog.Error("Periodic PAC refresh failed", "url", p.source.URL(), "attempts", attempt, "error", err)
		} else {
			slog.Debug("Periodic PAC refresh succeeded", "url", p.source.URL(), "attempts", attempt)
		}
	}
}
