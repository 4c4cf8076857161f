package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Torutesu/tenantauth/internal/kv"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T) (*Limiter, *testClock) {
	t.Helper()
	clock := newTestClock()
	l, err := New(kv.NewMemory(kv.WithClock(clock.Now)), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l, clock
}

func TestCheckFreshIdentifier(t *testing.T) {
	l, _ := newTestLimiter(t)
	remaining, err := l.Check(context.Background(), "10.0.0.1", Login)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if remaining != 5 {
		t.Fatalf("expected 5 remaining, got %d", remaining)
	}
}

func TestBlocksAfterMaxAttempts(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Check(ctx, "u1", Login); err != nil {
			t.Fatalf("attempt %d: unexpected Check error: %v", i+1, err)
		}
		remaining, err := l.RecordAttempt(ctx, "u1", Login, false)
		if err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		if remaining != 4-i {
			t.Fatalf("attempt %d: expected %d remaining, got %d", i+1, 4-i, remaining)
		}
	}

	_, err := l.Check(ctx, "u1", Login)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	retry, ok := RetryAfter(err)
	if !ok || retry != time.Hour {
		t.Fatalf("expected retry after 1h, got %v (%v)", retry, ok)
	}

	clock.Advance(10 * time.Minute)
	_, err = l.Check(ctx, "u1", Login)
	retry, _ = RetryAfter(err)
	if retry != 50*time.Minute {
		t.Fatalf("expected 50m remaining block, got %v", retry)
	}

	st, err := l.Status(ctx, "u1", Login)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Blocked || st.Remaining != 0 || st.Attempts != 5 {
		t.Fatalf("unexpected status: %+v", st)
	}

	clock.Advance(51 * time.Minute)
	remaining, err := l.Check(ctx, "u1", Login)
	if err != nil {
		t.Fatalf("expected block to lift, got %v", err)
	}
	if remaining != 5 {
		t.Fatalf("expected fresh window, got %d remaining", remaining)
	}
}

func TestSuccessResetsLoginCounter(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := l.RecordAttempt(ctx, "u1", Login, false); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	remaining, err := l.RecordAttempt(ctx, "u1", Login, true)
	if err != nil {
		t.Fatalf("RecordAttempt success: %v", err)
	}
	if remaining != 5 {
		t.Fatalf("expected full budget after success, got %d", remaining)
	}

	st, err := l.Status(ctx, "u1", Login)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Attempts != 0 || st.Remaining != 5 {
		t.Fatalf("expected clean status, got %+v", st)
	}
}

func TestSuccessCountsForNonAuthTypes(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	remaining, err := l.RecordAttempt(ctx, "u1", OTPSend, true)
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if remaining != 4 {
		t.Fatalf("expected otp_send success to consume budget, got %d remaining", remaining)
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := l.RecordAttempt(ctx, "u1", TwoFactor, false); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	clock.Advance(6 * time.Minute)

	remaining, err := l.Check(ctx, "u1", TwoFactor)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected window reset, got %d remaining", remaining)
	}
	remaining, err = l.RecordAttempt(ctx, "u1", TwoFactor, false)
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if remaining != 2 {
		t.Fatalf("expected 2 remaining in new window, got %d", remaining)
	}
}

func TestUnknownPolicyFailsClosed(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Check(ctx, "u1", "bogus"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy from Check, got %v", err)
	}
	if _, err := l.RecordAttempt(ctx, "u1", "bogus", false); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy from RecordAttempt, got %v", err)
	}
	if _, err := l.Status(ctx, "u1", "bogus"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy from Status, got %v", err)
	}
}

func TestIdentifiersAndTypesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.RecordAttempt(ctx, "u1", TwoFactor, false)
	}
	if _, err := l.Check(ctx, "u1", TwoFactor); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected u1 2fa blocked, got %v", err)
	}
	if _, err := l.Check(ctx, "u2", TwoFactor); err != nil {
		t.Fatalf("expected u2 unaffected, got %v", err)
	}
	if _, err := l.Check(ctx, "u1", Login); err != nil {
		t.Fatalf("expected login budget unaffected, got %v", err)
	}
}

func TestResetClearsBlock(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.RecordAttempt(ctx, "u1", PasswordReset, false)
	}
	if _, err := l.Check(ctx, "u1", PasswordReset); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected block, got %v", err)
	}
	if err := l.Reset(ctx, "u1", PasswordReset); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if _, err := l.Check(ctx, "u1", PasswordReset); err != nil {
		t.Fatalf("expected block cleared, got %v", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()

	_, _ = l.RecordAttempt(ctx, "old", APICall, false)
	for i := 0; i < 3; i++ {
		_, _ = l.RecordAttempt(ctx, "blocked", TwoFactor, false)
	}
	if _, err := l.Check(ctx, "blocked", TwoFactor); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected block, got %v", err)
	}

	clock.Advance(2 * time.Minute)
	_, _ = l.RecordAttempt(ctx, "fresh", APICall, false)

	removed, err := l.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 record removed, got %d", removed)
	}

	st, err := l.Status(ctx, "blocked", TwoFactor)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Blocked {
		t.Fatal("blocked record must survive cleanup")
	}
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	_, err := New(kv.NewMemory(), WithPolicies(map[LimitType]Policy{Login: {MaxAttempts: 0, Window: time.Minute, BlockDuration: time.Minute}}))
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestRedisBackedLimiterSharesBudget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a, err := New(kv.NewRedis(client, ""))
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := New(kv.NewRedis(client, ""))
	if err != nil {
		t.Fatalf("New b: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := a.RecordAttempt(ctx, "10.1.1.1", TwoFactor, false); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}
	if _, err := b.Check(ctx, "10.1.1.1", TwoFactor); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected shared block across limiters, got %v", err)
	}
}

func TestConcurrentAttemptsAreCounted(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.RecordAttempt(ctx, "hot", APICall, false)
		}()
	}
	wg.Wait()

	st, err := l.Status(ctx, "hot", APICall)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Attempts != 50 {
		t.Fatalf("expected 50 attempts recorded, got %d", st.Attempts)
	}
}
