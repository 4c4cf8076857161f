package tenantauth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Torutesu/tenantauth/ratelimit"
)

// Operation describes one engine call as it travels through the
// interceptor chain. Interceptors may read every field and may add
// Metadata; they must not put secrets in it since it ends up in audit
// events.
type Operation struct {
	// ID is a random UUID, also available via OperationIDFromContext.
	ID        string
	Name      string
	UserID    string
	TenantID  string
	SessionID string

	// Limit and LimitKey select the rate limit budget charged for the call.
	// An empty Limit means the call is not rate limited.
	Limit    ratelimit.LimitType
	LimitKey string

	AuditEvent string
	Metadata   map[string]string

	success MetricID
	failure MetricID
	// neutral errors neither spend nor clear the rate limit budget.
	neutral func(error) bool
}

// Handler runs the operation body.
type Handler func(ctx context.Context, op *Operation) error

// Interceptor wraps a Handler. Call next to continue the chain; returning
// without calling it aborts the operation with the returned error.
type Interceptor func(ctx context.Context, op *Operation, next Handler) error

func newOperation(name string) *Operation {
	return &Operation{
		ID:      uuid.NewString(),
		Name:    name,
		success: metricNone,
		failure: metricNone,
	}
}

func (op *Operation) withUser(userID, tenantID string) *Operation {
	op.UserID = userID
	op.TenantID = tenantID
	return op
}

func (op *Operation) withLimit(t ratelimit.LimitType, key string) *Operation {
	op.Limit = t
	op.LimitKey = key
	return op
}

func (op *Operation) withAudit(event string) *Operation {
	op.AuditEvent = event
	return op
}

func (op *Operation) withMetrics(success, failure MetricID) *Operation {
	op.success = success
	op.failure = failure
	return op
}

func (op *Operation) set(key, value string) {
	if op.Metadata == nil {
		op.Metadata = make(map[string]string, 2)
	}
	op.Metadata[key] = value
}

// run executes fn through the interceptor chain. Errors come back mapped to
// the root taxonomy.
func (e *Engine) run(ctx context.Context, op *Operation, fn func(ctx context.Context) error) error {
	if op.TenantID == "" {
		op.TenantID = tenantIDFromContext(ctx)
	}
	ctx = withOperationID(ctx, op.ID)

	h := Handler(func(ctx context.Context, _ *Operation) error {
		return mapError(fn(ctx))
	})
	for i := len(e.interceptors) - 1; i >= 0; i-- {
		ic, next := e.interceptors[i], h
		h = func(ctx context.Context, op *Operation) error {
			return ic(ctx, op, next)
		}
	}
	return h(ctx, op)
}

func (e *Engine) builtinInterceptors() []Interceptor {
	return []Interceptor{
		e.loggingInterceptor,
		e.metricsInterceptor,
		e.auditInterceptor,
		e.rateLimitInterceptor,
	}
}

func (e *Engine) loggingInterceptor(ctx context.Context, op *Operation, next Handler) error {
	start := time.Now()
	err := next(ctx, op)

	attrs := []slog.Attr{
		slog.String("op", op.Name),
		slog.String("op_id", op.ID),
		slog.Duration("elapsed", time.Since(start)),
	}
	if op.UserID != "" {
		attrs = append(attrs, slog.String("user_id", op.UserID))
	}
	if op.TenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", op.TenantID))
	}
	if err == nil {
		e.logger.LogAttrs(ctx, slog.LevelDebug, "operation completed", attrs...)
		return nil
	}

	level := slog.LevelWarn
	if errors.Is(err, ErrStoreUnavailable) {
		level = slog.LevelError
	}
	attrs = append(attrs, slog.String("error", err.Error()))
	e.logger.LogAttrs(ctx, level, "operation failed", attrs...)
	return err
}

func (e *Engine) metricsInterceptor(ctx context.Context, op *Operation, next Handler) error {
	start := time.Now()
	err := next(ctx, op)
	e.metrics.Observe(MetricOperationLatency, time.Since(start))

	switch {
	case err == nil:
		e.metrics.Inc(op.success)
	case errors.Is(err, ErrRateLimited):
		e.metrics.Inc(MetricRateLimitHit)
		e.metrics.Inc(op.failure)
	case errors.Is(err, ErrTwoFactorRequired):
		e.metrics.Inc(MetricLoginTwoFactorRequired)
	default:
		e.metrics.Inc(op.failure)
		if errors.Is(err, ErrStoreUnavailable) {
			e.metrics.Inc(MetricOperationError)
		}
	}
	return err
}

func (e *Engine) auditInterceptor(ctx context.Context, op *Operation, next Handler) error {
	err := next(ctx, op)
	e.emitAudit(ctx, op, err)
	return err
}

// rateLimitInterceptor checks the budget before the handler runs and
// records the outcome after.
func (e *Engine) rateLimitInterceptor(ctx context.Context, op *Operation, next Handler) error {
	if op.Limit == "" || e.limiter == nil {
		return next(ctx, op)
	}
	err := e.guard(ctx, op.Limit, op.LimitKey, op.neutral, func() error {
		return next(ctx, op)
	})
	if errors.Is(err, ErrRateLimited) {
		op.set("limit_type", string(op.Limit))
	}
	return err
}

// guard runs fn under the budget of (t, key). Infrastructure failures and
// neutral errors are not charged to the caller.
func (e *Engine) guard(ctx context.Context, t ratelimit.LimitType, key string, neutral func(error) bool, fn func() error) error {
	if _, err := e.limiter.Check(ctx, key, t); err != nil {
		return mapError(err)
	}

	err := mapError(fn())
	if !chargeable(err, neutral) {
		return err
	}
	if _, recErr := e.limiter.RecordAttempt(ctx, key, t, err == nil); recErr != nil {
		e.logger.WarnContext(ctx, "rate limit attempt not recorded",
			slog.String("limit_type", string(t)),
			slog.String("error", recErr.Error()),
		)
	}
	return err
}

func chargeable(err error, neutral func(error) bool) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	case neutral != nil && neutral(err):
		return false
	}
	return true
}
