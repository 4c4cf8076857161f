package tenantauth

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// CleanupReport counts what one Cleanup pass removed.
type CleanupReport struct {
	Sessions    int
	ResetTokens int
	RateLimits  int
}

func (r CleanupReport) Total() int {
	return r.Sessions + r.ResetTokens + r.RateLimits
}

// Cleanup purges expired sessions past their retention window, expired
// reset tokens and stale rate limit records. Each step runs even when an
// earlier one fails; the errors are joined.
func (e *Engine) Cleanup(ctx context.Context) (CleanupReport, error) {
	var (
		report CleanupReport
		errs   []error
		err    error
	)

	if report.Sessions, err = e.sessions.CleanupExpiredSessions(ctx, 0); err != nil {
		errs = append(errs, mapError(err))
	}
	if report.ResetTokens, err = e.resets.CleanupExpiredTokens(ctx); err != nil {
		errs = append(errs, mapError(err))
	}
	if report.RateLimits, err = e.limiter.CleanupExpired(ctx); err != nil {
		errs = append(errs, mapError(err))
	}

	e.metrics.Add(MetricCleanupRemoved, uint64(report.Total()))
	e.logger.InfoContext(ctx, "cleanup finished",
		slog.Int("sessions", report.Sessions),
		slog.Int("reset_tokens", report.ResetTokens),
		slog.Int("rate_limits", report.RateLimits),
	)
	return report, errors.Join(errs...)
}

// StartJanitor runs Cleanup every interval until ctx is done or the engine
// is closed. A non-positive interval uses the configured one. Calling it
// again replaces the running janitor.
func (e *Engine) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.config.Janitor.Interval
	}
	if interval <= 0 {
		return
	}

	e.stopJanitor()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	e.janitorMu.Lock()
	e.janitorStop = cancel
	e.janitorDone = done
	e.janitorMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.Cleanup(ctx); err != nil && ctx.Err() == nil {
					e.logger.WarnContext(ctx, "cleanup failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (e *Engine) stopJanitor() {
	e.janitorMu.Lock()
	stop, done := e.janitorStop, e.janitorDone
	e.janitorStop, e.janitorDone = nil, nil
	e.janitorMu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}
