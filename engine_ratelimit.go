package tenantauth

import (
	"context"
	"errors"

	"github.com/Torutesu/tenantauth/ratelimit"
)

// CheckRateLimit returns the remaining attempts for identifier under the
// policy t, or a *RateLimitError while it is blocked. It does not count an
// attempt.
func (e *Engine) CheckRateLimit(ctx context.Context, identifier string, t ratelimit.LimitType) (int, error) {
	n, err := e.limiter.Check(ctx, identifier, t)
	if errors.Is(err, ErrRateLimited) {
		e.metrics.Inc(MetricRateLimitHit)
	}
	if err != nil {
		return 0, mapError(err)
	}
	return n, nil
}

// RecordAttempt counts one attempt. Successful login and 2fa attempts clear
// the counter instead.
func (e *Engine) RecordAttempt(ctx context.Context, identifier string, t ratelimit.LimitType, success bool) (int, error) {
	n, err := e.limiter.RecordAttempt(ctx, identifier, t, success)
	return n, mapError(err)
}

// ResetRateLimit lifts any block and clears the counter, for support tools.
func (e *Engine) ResetRateLimit(ctx context.Context, identifier string, t ratelimit.LimitType) error {
	op := newOperation("reset_rate_limit").withAudit(auditEventRateLimitReset)
	op.set("limit_type", string(t))
	return e.run(ctx, op, func(ctx context.Context) error {
		return e.limiter.Reset(ctx, identifier, t)
	})
}

func (e *Engine) RateLimitStatus(ctx context.Context, identifier string, t ratelimit.LimitType) (ratelimit.Status, error) {
	st, err := e.limiter.Status(ctx, identifier, t)
	return st, mapError(err)
}
