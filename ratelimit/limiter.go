package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Torutesu/tenantauth/internal/kv"
)

const keyPrefix = "rl:"

// record is the persisted per-identifier state. A zero BlockedUntil means
// not blocked.
type record struct {
	Attempts     int       `json:"attempts"`
	FirstAttempt time.Time `json:"first_attempt"`
	BlockedUntil time.Time `json:"blocked_until,omitzero"`
}

func (r *record) blockedAt(now time.Time) bool {
	return !r.BlockedUntil.IsZero() && now.Before(r.BlockedUntil)
}

// Status is a read-only view of an identifier's budget.
type Status struct {
	Attempts   int
	Remaining  int
	Blocked    bool
	RetryAfter time.Duration
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPolicies overrides entries of the default table. Types not present in
// the override keep their defaults.
func WithPolicies(policies map[LimitType]Policy) Option {
	return func(l *Limiter) {
		for t, p := range policies {
			l.policies[t] = p
		}
	}
}

// Limiter is a sliding-window attempt counter with block escalation, keyed
// by (limit type, identifier). All state lives in the kv store, so limiters
// in different processes sharing a store share budgets.
type Limiter struct {
	store    kv.Store
	policies map[LimitType]Policy
	now      func() time.Time
	logger   *slog.Logger
}

func New(store kv.Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	l := &Limiter{
		store:    store,
		policies: DefaultPolicies(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	for t, p := range l.policies {
		if err := p.validate(t); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Policy returns the policy for t.
func (l *Limiter) Policy(t LimitType) (Policy, bool) {
	p, ok := l.policies[t]
	return p, ok
}

// Check reports the remaining budget for identifier. It fails with an
// *ExceededError while a block is active, and starts a block when the window
// budget is already spent. An elapsed window resets the record.
func (l *Limiter) Check(ctx context.Context, identifier string, t LimitType) (int, error) {
	policy, ok := l.policies[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, t)
	}

	var (
		remaining int
		exceeded  *ExceededError
	)
	err := kv.UpdateJSON(ctx, l.store, key(t, identifier), func(cur *record) (*record, bool, time.Duration, error) {
		remaining, exceeded = 0, nil
		now := l.now()

		if cur == nil {
			remaining = policy.MaxAttempts
			return nil, false, 0, nil
		}
		if cur.blockedAt(now) {
			exceeded = &ExceededError{LimitType: t, RetryAfter: cur.BlockedUntil.Sub(now)}
			return nil, false, 0, nil
		}
		if now.Sub(cur.FirstAttempt) > policy.Window {
			remaining = policy.MaxAttempts
			return &record{FirstAttempt: now}, true, ttl(policy), nil
		}

		remaining = policy.MaxAttempts - cur.Attempts
		if remaining <= 0 {
			next := *cur
			next.BlockedUntil = now.Add(policy.BlockDuration)
			exceeded = &ExceededError{LimitType: t, RetryAfter: policy.BlockDuration}
			remaining = 0
			return &next, true, ttl(policy), nil
		}
		return nil, false, 0, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exceeded != nil {
		l.logger.WarnContext(ctx, "rate limit blocked",
			slog.String("limit_type", string(t)),
			slog.String("identifier", identifier),
			slog.Duration("retry_after", exceeded.RetryAfter),
		)
		return 0, exceeded
	}
	return remaining, nil
}

// RecordAttempt counts an attempt. A successful login or 2fa attempt clears
// the record instead and returns the full budget.
func (l *Limiter) RecordAttempt(ctx context.Context, identifier string, t LimitType, success bool) (int, error) {
	policy, ok := l.policies[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, t)
	}

	if success && resetsOnSuccess(t) {
		if _, err := l.store.Delete(ctx, key(t, identifier)); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		l.logger.DebugContext(ctx, "rate limit reset after success",
			slog.String("limit_type", string(t)),
			slog.String("identifier", identifier),
		)
		return policy.MaxAttempts, nil
	}

	var attempts int
	err := kv.UpdateJSON(ctx, l.store, key(t, identifier), func(cur *record) (*record, bool, time.Duration, error) {
		now := l.now()
		next := record{FirstAttempt: now}
		if cur != nil {
			next = *cur
			if !next.blockedAt(now) && now.Sub(next.FirstAttempt) > policy.Window {
				next = record{FirstAttempt: now}
			}
		}
		next.Attempts++
		attempts = next.Attempts
		return &next, true, ttl(policy), nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return max(0, policy.MaxAttempts-attempts), nil
}

// Reset removes the record for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string, t LimitType) error {
	if _, ok := l.policies[t]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPolicy, t)
	}
	if _, err := l.store.Delete(ctx, key(t, identifier)); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	l.logger.InfoContext(ctx, "rate limit reset",
		slog.String("limit_type", string(t)),
		slog.String("identifier", identifier),
	)
	return nil
}

// Status reads the budget without mutating it.
func (l *Limiter) Status(ctx context.Context, identifier string, t LimitType) (Status, error) {
	policy, ok := l.policies[t]
	if !ok {
		return Status{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, t)
	}

	fresh := Status{Remaining: policy.MaxAttempts}
	cur, err := kv.GetJSON[record](ctx, l.store, key(t, identifier))
	if errors.Is(err, kv.ErrNotFound) {
		return fresh, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := l.now()
	blocked := cur.blockedAt(now)
	if !blocked && now.Sub(cur.FirstAttempt) > policy.Window {
		return fresh, nil
	}

	st := Status{
		Attempts:  cur.Attempts,
		Remaining: max(0, policy.MaxAttempts-cur.Attempts),
		Blocked:   blocked,
	}
	if blocked {
		st.RetryAfter = cur.BlockedUntil.Sub(now)
	}
	return st, nil
}

// CleanupExpired removes records whose window elapsed and whose block, if
// any, has ended. Records for types no longer configured are removed too.
func (l *Limiter) CleanupExpired(ctx context.Context) (int, error) {
	var candidates []string
	err := l.store.Scan(ctx, keyPrefix, func(k string, _ []byte) error {
		candidates = append(candidates, k)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	removed := 0
	for _, k := range candidates {
		t, _, ok := parseKey(k)
		policy, known := l.policies[t]
		deleted := false
		err := kv.UpdateJSON(ctx, l.store, k, func(cur *record) (*record, bool, time.Duration, error) {
			deleted = false
			if cur == nil {
				return nil, false, 0, nil
			}
			now := l.now()
			if !ok || !known || (now.Sub(cur.FirstAttempt) > policy.Window && !cur.blockedAt(now)) {
				deleted = true
				return nil, true, 0, nil
			}
			return nil, false, 0, nil
		})
		if err != nil {
			return removed, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if deleted {
			removed++
		}
	}

	if removed > 0 {
		l.logger.InfoContext(ctx, "cleaned up expired rate limit records", slog.Int("count", removed))
	}
	return removed, nil
}

func key(t LimitType, identifier string) string {
	return keyPrefix + string(t) + ":" + identifier
}

func parseKey(k string) (LimitType, string, bool) {
	rest, ok := strings.CutPrefix(k, keyPrefix)
	if !ok {
		return "", "", false
	}
	t, id, ok := strings.Cut(rest, ":")
	return LimitType(t), id, ok
}

func ttl(p Policy) time.Duration {
	return p.Window + p.BlockDuration
}
