package tenantauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/mfa"
	"github.com/Torutesu/tenantauth/notify/notifytest"
	"github.com/Torutesu/tenantauth/password"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/session"
)

const (
	testSecret   = "test-secret-test-secret-test-secret"
	testPassword = "P@ss1234"
	testTenant   = "acme"
	testEmail    = "alice@example.com"
	testUser     = "u-alice"
	testPhone    = "+14155550123"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
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

func testIdentities() *MemoryIdentities {
	return NewMemoryIdentities(
		Identity{UserID: testUser, TenantID: testTenant, Email: testEmail, Roles: []string{"editor"}},
		Identity{UserID: "u-bob", TenantID: testTenant, Email: "bob@example.com", Roles: []string{"viewer"}},
		Identity{UserID: "u-alice-globex", TenantID: "globex", Email: testEmail, Roles: []string{"viewer"}},
	)
}

type countingIdentities struct {
	*MemoryIdentities
	n atomic.Int64
}

func (c *countingIdentities) IdentityByID(ctx context.Context, userID string) (*Identity, error) {
	c.n.Add(1)
	return c.MemoryIdentities.IdentityByID(ctx, userID)
}

func (c *countingIdentities) IdentityByEmail(ctx context.Context, tenantID, email string) (*Identity, error) {
	c.n.Add(1)
	return c.MemoryIdentities.IdentityByEmail(ctx, tenantID, email)
}

func (c *countingIdentities) calls() int64 { return c.n.Load() }
func (c *countingIdentities) reset()       { c.n.Store(0) }

type fixtureSetup struct {
	identities   IdentityProvider
	store        kv.Store
	mutate       []func(*Config)
	interceptors []Interceptor
}

type fixtureOption func(*fixtureSetup)

func withIdentities(p IdentityProvider) fixtureOption {
	return func(s *fixtureSetup) { s.identities = p }
}

func withConfig(fn func(*Config)) fixtureOption {
	return func(s *fixtureSetup) { s.mutate = append(s.mutate, fn) }
}

func withStore(store kv.Store) fixtureOption {
	return func(s *fixtureSetup) { s.store = store }
}

func withTestInterceptor(ic Interceptor) fixtureOption {
	return func(s *fixtureSetup) { s.interceptors = append(s.interceptors, ic) }
}

type fixture struct {
	engine *Engine
	clock  *testClock
	ids    IdentityProvider
	sent   *notifytest.Recorder
	audit  *ChannelAuditSink
	logs   *bytes.Buffer
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.JWT.Secret = testSecret
	cfg.TwoFactor.SMSThrottleInterval = 0
	cfg.Audit.BufferSize = 4096
	cfg.Metrics.Enabled = true
	return cfg
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	setup := fixtureSetup{identities: testIdentities()}
	for _, opt := range opts {
		opt(&setup)
	}
	cfg := testConfig()
	for _, fn := range setup.mutate {
		fn(&cfg)
	}

	f := &fixture{
		clock: &testClock{now: time.Now().UTC().Truncate(time.Second)},
		ids:   setup.identities,
		sent:  &notifytest.Recorder{},
		audit: NewChannelAuditSink(4096),
		logs:  &bytes.Buffer{},
	}

	b := New()
	if setup.store != nil {
		b = b.WithStore(setup.store)
	}
	engine, err := b.
		WithConfig(cfg).
		WithIdentityProvider(setup.identities).
		WithNotifier(f.sent).
		WithAuditSink(f.audit).
		WithLogger(slog.New(slog.NewJSONHandler(&syncWriter{w: f.logs}, &slog.HandlerOptions{Level: slog.LevelDebug}))).
		WithRoles(map[string][]string{
			"admin":  {"*"},
			"editor": {"docs.read", "docs.write"},
			"viewer": {"docs.read"},
		}).
		WithInterceptor(setup.interceptors...).
		WithClock(f.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	f.engine = engine

	if err := engine.SetPassword(context.Background(), testUser, testPassword); err != nil {
		t.Fatalf("SetPassword: %v", err)
	}
	return f
}

// syncWriter serializes writes from concurrent handlers.
type syncWriter struct {
	mu sync.Mutex
	w  *bytes.Buffer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (f *fixture) login(ctx context.Context, pw string) (*LoginResult, error) {
	return f.engine.Login(ctx, LoginRequest{TenantID: testTenant, Email: testEmail, Password: pw})
}

func (f *fixture) totpCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, f.clock.Now(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		t.Fatalf("GenerateCodeCustom: %v", err)
	}
	return code
}

var (
	smsCodePattern    = regexp.MustCompile(`code is: (\d+)\.`)
	resetTokenPattern = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)
)

func (f *fixture) lastSMSCode(t *testing.T, phone string) string {
	t.Helper()
	msg, ok := f.sent.Last(phone)
	if !ok {
		t.Fatalf("no message sent to %s", phone)
	}
	m := smsCodePattern.FindStringSubmatch(msg.Message.Body)
	if m == nil {
		t.Fatalf("no code in %q", msg.Message.Body)
	}
	return m[1]
}

func (f *fixture) lastResetToken(t *testing.T, email string) string {
	t.Helper()
	msg, ok := f.sent.Last(email)
	if !ok {
		t.Fatalf("no message sent to %s", email)
	}
	m := resetTokenPattern.FindStringSubmatch(msg.Message.Body)
	if m == nil {
		t.Fatalf("no reset link in message")
	}
	return m[1]
}

// auditEvents closes the engine and returns every event it emitted.
func (f *fixture) auditEvents(t *testing.T) []AuditEvent {
	t.Helper()
	_ = f.engine.Close()
	var out []AuditEvent
	for {
		select {
		case ev := <-f.audit.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func (f *fixture) enableTOTP(t *testing.T) (secret string, backup []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := f.engine.SetupTOTP(ctx, testUser)
	if err != nil {
		t.Fatalf("SetupTOTP: %v", err)
	}
	codes, err := f.engine.VerifyTOTPSetup(ctx, testUser, f.totpCode(t, setup.Secret))
	if err != nil {
		t.Fatalf("VerifyTOTPSetup: %v", err)
	}
	return setup.Secret, codes
}

func TestLoginIssuesSessionBoundTokens(t *testing.T) {
	f := newFixture(t)
	ctx := WithClientIP(context.Background(), "203.0.113.7")
	ctx = WithUserAgent(ctx, "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15")

	res, err := f.engine.Login(ctx, LoginRequest{TenantID: testTenant, Email: "  Alice@Example.com ", Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.UserID != testUser || res.TenantID != testTenant {
		t.Fatalf("unexpected principal %s/%s", res.UserID, res.TenantID)
	}
	if res.Tokens.TokenType != "Bearer" || res.Tokens.SessionID != res.Session.SessionID {
		t.Fatalf("unexpected token pair %+v", res.Tokens)
	}
	if res.Session.Device.IPAddress != "203.0.113.7" || res.Session.Device.Browser == "" {
		t.Fatalf("device not filled from context: %+v", res.Session.Device)
	}

	claims, err := f.engine.VerifyAccessToken(ctx, res.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.UserID() != testUser || claims.TenantID != testTenant || claims.SessionID != res.Session.SessionID {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !claims.HasPermission("docs.write") || !claims.HasPermission("docs.read") {
		t.Fatalf("expected editor permissions, got %v", claims.Permissions)
	}

	if _, err := f.engine.VerifyAccessToken(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrWrongTokenType) {
		t.Fatalf("expected ErrWrongTokenType for refresh token, got %v", err)
	}

	pair, err := f.engine.RefreshAccessToken(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if pair.RefreshToken != res.Tokens.RefreshToken || pair.SessionID != res.Session.SessionID {
		t.Fatalf("unexpected refreshed pair %+v", pair)
	}

	if ok, err := f.engine.Logout(ctx, res.Session.SessionID); err != nil || !ok {
		t.Fatalf("Logout: ok=%v err=%v", ok, err)
	}
	if _, err := f.engine.VerifyToken(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive after logout, got %v", err)
	}
	if _, err := f.engine.RefreshAccessToken(ctx, res.Tokens.RefreshToken); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected refresh to fail after logout, got %v", err)
	}
}

func TestVerifyTokenExpiresStaleSession(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) {
		c.Session.TTL = 10 * time.Minute
	}))
	ctx := context.Background()

	res, err := f.login(ctx, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// The access token outlives the session.
	f.clock.Advance(11 * time.Minute)
	if _, err := f.engine.VerifyAccessToken(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}

	rec, err := f.engine.GetSession(ctx, res.Session.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Active || rec.Reason != session.ReasonExpired {
		t.Fatalf("expected session invalidated as expired, got active=%v reason=%q", rec.Active, rec.Reason)
	}
	if _, err := f.engine.VerifyAccessToken(ctx, res.Tokens.AccessToken); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected ErrSessionInactive once expired, got %v", err)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []LoginRequest{
		{TenantID: testTenant, Email: testEmail, Password: "wrong-password"},
		{TenantID: testTenant, Email: "nobody@example.com", Password: testPassword},
		{TenantID: testTenant, Email: "bob@example.com", Password: testPassword},
		{TenantID: "globex", Email: testEmail, Password: testPassword},
	}
	for _, req := range cases {
		if _, err := f.engine.Login(ctx, req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s/%s: expected ErrInvalidCredentials, got %v", req.TenantID, req.Email, err)
		}
	}
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := f.login(ctx, "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d: expected ErrInvalidCredentials, got %v", i+1, err)
		}
	}

	_, err := f.login(ctx, testPassword)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected lockout, got %v", err)
	}
	wait, ok := RetryAfter(err)
	if !ok || wait != time.Hour {
		t.Fatalf("expected retry after 1h, got %v (%v)", wait, ok)
	}
	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.LimitType != ratelimit.Login {
		t.Fatalf("expected *RateLimitError for login, got %T", err)
	}

	st, err := f.engine.RateLimitStatus(ctx, loginKey(testTenant, testEmail), ratelimit.Login)
	if err != nil || !st.Blocked {
		t.Fatalf("expected blocked status, got %+v err=%v", st, err)
	}

	f.clock.Advance(time.Hour + time.Second)
	if _, err := f.login(ctx, testPassword); err != nil {
		t.Fatalf("expected login after block, got %v", err)
	}
}

func TestLoginSuccessClearsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, _ = f.login(ctx, "wrong-password")
	}
	if _, err := f.login(ctx, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	st, err := f.engine.RateLimitStatus(ctx, loginKey(testTenant, testEmail), ratelimit.Login)
	if err != nil {
		t.Fatalf("RateLimitStatus: %v", err)
	}
	if st.Attempts != 0 || st.Remaining != 5 {
		t.Fatalf("expected cleared budget, got %+v", st)
	}
}

func TestLoginWithTOTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, backup := f.enableTOTP(t)
	if len(backup) != mfa.DefaultBackupCodeCount {
		t.Fatalf("expected %d backup codes, got %d", mfa.DefaultBackupCodeCount, len(backup))
	}

	if _, err := f.login(ctx, testPassword); !errors.Is(err, ErrTwoFactorRequired) {
		t.Fatalf("expected ErrTwoFactorRequired, got %v", err)
	}
	st, _ := f.engine.RateLimitStatus(ctx, loginKey(testTenant, testEmail), ratelimit.Login)
	if st.Attempts != 0 {
		t.Fatalf("a missing code must not spend login budget, got %d attempts", st.Attempts)
	}

	res, err := f.engine.Login(ctx, LoginRequest{
		TenantID:      testTenant,
		Email:         testEmail,
		Password:      testPassword,
		TwoFactorCode: f.totpCode(t, secret),
	})
	if err != nil {
		t.Fatalf("Login with TOTP: %v", err)
	}
	if res.TwoFactorMethod != mfa.MethodTOTP {
		t.Fatalf("expected totp, got %q", res.TwoFactorMethod)
	}

	res, err = f.engine.Login(ctx, LoginRequest{
		TenantID:      testTenant,
		Email:         testEmail,
		Password:      testPassword,
		TwoFactorCode: backup[0],
	})
	if err != nil {
		t.Fatalf("Login with backup code: %v", err)
	}
	if res.TwoFactorMethod != mfa.MethodBackup {
		t.Fatalf("expected backup_code, got %q", res.TwoFactorMethod)
	}

	_, err = f.engine.Login(ctx, LoginRequest{
		TenantID:      testTenant,
		Email:         testEmail,
		Password:      testPassword,
		TwoFactorCode: backup[0],
	})
	if !errors.Is(err, ErrTwoFactorInvalid) {
		t.Fatalf("expected used backup code to fail, got %v", err)
	}
	if n, _ := f.engine.RemainingBackupCodes(ctx, testUser); n != mfa.DefaultBackupCodeCount-1 {
		t.Fatalf("expected %d backup codes left, got %d", mfa.DefaultBackupCodeCount-1, n)
	}

	if ok, err := f.engine.DisableSMS(ctx, testUser); err != nil || ok {
		t.Fatalf("DisableSMS on unconfigured factor: ok=%v err=%v", ok, err)
	}
}

func TestTwoFactorLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	secret, _ := f.enableTOTP(t)

	for i := 0; i < 3; i++ {
		if _, err := f.engine.VerifyTwoFactor(ctx, testUser, "000000", ""); !errors.Is(err, ErrTwoFactorInvalid) {
			t.Fatalf("attempt %d: expected ErrTwoFactorInvalid, got %v", i+1, err)
		}
	}
	if _, err := f.engine.VerifyTwoFactor(ctx, testUser, f.totpCode(t, secret), ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected 2fa lockout, got %v", err)
	}

	if err := f.engine.ResetRateLimit(ctx, testUser, ratelimit.TwoFactor); err != nil {
		t.Fatalf("ResetRateLimit: %v", err)
	}
	if m, err := f.engine.VerifyTwoFactor(ctx, testUser, f.totpCode(t, secret), ""); err != nil || m != mfa.MethodTOTP {
		t.Fatalf("expected totp after reset, got %q err=%v", m, err)
	}
}

func TestSMSFactor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.SetupSMS(ctx, testUser, "555-0123"); !errors.Is(err, ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
	if err := f.engine.SetupSMS(ctx, testUser, testPhone); err != nil {
		t.Fatalf("SetupSMS: %v", err)
	}
	codes, err := f.engine.VerifySMSSetup(ctx, testUser, f.lastSMSCode(t, testPhone))
	if err != nil {
		t.Fatalf("VerifySMSSetup: %v", err)
	}
	if len(codes) != mfa.DefaultBackupCodeCount {
		t.Fatalf("expected backup codes on first factor, got %d", len(codes))
	}

	if err := f.engine.SendSMSOTP(ctx, testUser); err != nil {
		t.Fatalf("SendSMSOTP: %v", err)
	}
	if m, err := f.engine.VerifyTwoFactor(ctx, testUser, f.lastSMSCode(t, testPhone), mfa.MethodSMS); err != nil || m != mfa.MethodSMS {
		t.Fatalf("expected sms, got %q err=%v", m, err)
	}

	methods, err := f.engine.EnabledTwoFactorMethods(ctx, testUser)
	if err != nil || len(methods) != 1 || methods[0] != mfa.MethodSMS {
		t.Fatalf("unexpected methods %v err=%v", methods, err)
	}
	if ok, err := f.engine.DisableTOTP(ctx, testUser); err != nil || ok {
		t.Fatalf("DisableTOTP on unconfigured factor: ok=%v err=%v", ok, err)
	}
	cfg, err := f.engine.TwoFactorConfig(ctx, testUser)
	if err != nil {
		t.Fatalf("TwoFactorConfig: %v", err)
	}
	if cfg.TOTPSecret != "" || cfg.PendingTOTPSecret != "" || cfg.PhoneNumber != testPhone {
		t.Fatalf("unexpected two-factor config %+v", cfg)
	}
}

func TestSMSSendBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.SetupSMS(ctx, testUser, testPhone); err != nil {
		t.Fatalf("SetupSMS: %v", err)
	}
	if _, err := f.engine.VerifySMSSetup(ctx, testUser, f.lastSMSCode(t, testPhone)); err != nil {
		t.Fatalf("VerifySMSSetup: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := f.engine.SendSMSOTP(ctx, testUser); err != nil {
			t.Fatalf("send %d: %v", i+1, err)
		}
	}
	if err := f.engine.SendSMSOTP(ctx, testUser); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected otp_send budget exhausted, got %v", err)
	}
}

func TestSMSDispatchFailure(t *testing.T) {
	f := newFixture(t)
	f.sent.SetFail(true)

	err := f.engine.SetupSMS(context.Background(), testUser, testPhone)
	if !errors.Is(err, ErrNotificationFailed) {
		t.Fatalf("expected ErrNotificationFailed, got %v", err)
	}
	if f.engine.MetricsSnapshot().Counters[MetricOTPDispatchFailed] != 1 {
		t.Fatal("expected dispatch failure to be counted")
	}
}

func TestPasswordResetFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.login(ctx, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.engine.RequestPasswordReset(ctx, testTenant, testEmail); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	raw := f.lastResetToken(t, testEmail)

	tok, err := f.engine.ValidateResetToken(ctx, raw)
	if err != nil || tok.UserID != testUser {
		t.Fatalf("ValidateResetToken: %+v err=%v", tok, err)
	}
	if pending, _ := f.engine.HasPendingPasswordReset(ctx, testUser); !pending {
		t.Fatal("expected pending reset")
	}

	if err := f.engine.ResetPassword(ctx, raw, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	const newPassword = "N3w-passw0rd"
	if err := f.engine.ResetPassword(ctx, raw, newPassword); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if err := f.engine.ResetPassword(ctx, raw, "An0ther-passw0rd"); !errors.Is(err, ErrResetTokenInvalid) {
		t.Fatalf("expected replay to fail, got %v", err)
	}

	if _, err := f.engine.VerifyToken(ctx, before.Tokens.AccessToken); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("expected old session invalidated, got %v", err)
	}
	rec, _ := f.engine.GetSession(ctx, before.Session.SessionID)
	if rec.Reason != session.ReasonPasswordReset {
		t.Fatalf("expected reason password_reset, got %q", rec.Reason)
	}
	if _, err := f.login(ctx, testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password must stop working, got %v", err)
	}
	if _, err := f.login(ctx, newPassword); err != nil {
		t.Fatalf("new password: %v", err)
	}
}

func TestRequestPasswordResetDoesNotRevealAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.engine.RequestPasswordReset(ctx, testTenant, "nobody@example.com"); err != nil {
		t.Fatalf("unknown address must succeed silently, got %v", err)
	}
	if len(f.sent.Sent()) != 0 {
		t.Fatal("no email may be sent for an unknown address")
	}
	if err := f.engine.RequestPasswordReset(ctx, testTenant, "not-an-email"); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := f.engine.RequestPasswordReset(ctx, testTenant, testEmail); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := f.engine.RequestPasswordReset(ctx, testTenant, testEmail); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected password_reset budget exhausted, got %v", err)
	}
}

func TestChangePasswordKeepsCallingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	current, err := f.login(ctx, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	other, err := f.login(ctx, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := f.engine.VerifyAccessToken(ctx, current.Tokens.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	authed := WithClaims(ctx, claims)

	if err := f.engine.ChangePassword(authed, testUser, "wrong-password", "N3w-passw0rd"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if err := f.engine.ChangePassword(authed, testUser, testPassword, testPassword); !errors.Is(err, ErrPasswordReuse) {
		t.Fatalf("expected ErrPasswordReuse, got %v", err)
	}
	if err := f.engine.ChangePassword(authed, testUser, testPassword, "short"); !errors.Is(err, ErrPasswordPolicy) {
		t.Fatalf("expected ErrPasswordPolicy, got %v", err)
	}
	if err := f.engine.ChangePassword(authed, testUser, testPassword, "N3w-passw0rd"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := f.engine.VerifyToken(ctx, current.Tokens.AccessToken); err != nil {
		t.Fatalf("calling session must survive: %v", err)
	}
	if _, err := f.engine.VerifyToken(ctx, other.Tokens.AccessToken); !errors.Is(err, ErrSessionInactive) {
		t.Fatalf("other session must be invalidated, got %v", err)
	}
	if err := f.engine.VerifyPassword(ctx, testUser, "N3w-passw0rd"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
}

func TestPasswordUpgradeOnLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	argon2, err := password.NewArgon2(password.DefaultArgon2Config())
	if err != nil {
		t.Fatalf("NewArgon2: %v", err)
	}
	argon, err := argon2.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if err := f.engine.storeCredential(ctx, testUser, argon); err != nil {
		t.Fatalf("storeCredential: %v", err)
	}

	if _, err := f.login(ctx, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	raw, err := f.engine.store.Get(ctx, credentialKey(testUser))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cred.Algorithm != password.AlgorithmPBKDF2 || cred.Iterations == 0 || cred.Salt == "" {
		t.Fatalf("expected upgraded pbkdf2 credential, got %+v", cred)
	}
}

func TestRefreshPicksUpRoleChanges(t *testing.T) {
	ids := testIdentities()
	f := newFixture(t, withIdentities(ids))
	ctx := context.Background()

	res, err := f.login(ctx, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	ids.Put(Identity{UserID: testUser, TenantID: testTenant, Email: testEmail, Roles: []string{"viewer"}})

	pair, err := f.engine.RefreshAccessToken(ctx, res.Tokens.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	claims, err := f.engine.VerifyAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if claims.HasPermission("docs.write") || !claims.HasPermission("docs.read") {
		t.Fatalf("expected viewer permissions, got %v", claims.Permissions)
	}
	if !f.engine.Allows(claims.Roles, "docs.read") || f.engine.Allows(claims.Roles, "docs.write") {
		t.Fatal("role check disagrees with claims")
	}
	if !f.engine.Allows([]string{"admin"}, "docs.write") {
		t.Fatal("wildcard role must allow every permission")
	}
}

func TestCustomInterceptorCanDeny(t *testing.T) {
	var seen []string
	var mu sync.Mutex
	deny := func(ctx context.Context, op *Operation, next Handler) error {
		mu.Lock()
		seen = append(seen, op.Name)
		mu.Unlock()
		if OperationIDFromContext(ctx) != op.ID {
			return errors.New("operation id missing from context")
		}
		if op.Name == "regenerate_backup_codes" {
			return ErrPermissionDenied
		}
		return next(ctx, op)
	}
	f := newFixture(t, withTestInterceptor(deny))
	f.enableTOTP(t)

	if _, err := f.engine.RegenerateBackupCodes(context.Background(), testUser); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}

	var denied bool
	for _, ev := range f.auditEvents(t) {
		if ev.EventType == auditEventBackupCodesGenerated {
			denied = !ev.Success && ev.Error == string(auditErrPermissionDenied)
		}
	}
	if !denied {
		t.Fatal("expected a failed backup_codes_generated audit event")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[0] != "set_password" {
		t.Fatalf("interceptor did not see every operation: %v", seen)
	}
}

func TestSecretsNeverLeak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	secret, backup := f.enableTOTP(t)
	if err := f.engine.SetupSMS(ctx, testUser, testPhone); err != nil {
		t.Fatalf("SetupSMS: %v", err)
	}
	if _, err := f.engine.VerifySMSSetup(ctx, testUser, f.lastSMSCode(t, testPhone)); err != nil {
		t.Fatalf("VerifySMSSetup: %v", err)
	}
	if err := f.engine.VerifyBackupCode(ctx, testUser, backup[1]); err != nil {
		t.Fatalf("VerifyBackupCode: %v", err)
	}
	if err := f.engine.RequestPasswordReset(ctx, testTenant, testEmail); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	raw := f.lastResetToken(t, testEmail)
	if err := f.engine.ResetPassword(ctx, raw, "N3w-passw0rd"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	events := f.auditEvents(t)
	if len(events) == 0 {
		t.Fatal("expected audit events")
	}
	encoded, _ := json.Marshal(events)
	haystack := f.logs.String() + string(encoded)

	needles := append([]string{testPassword, "N3w-passw0rd", secret, raw}, backup...)
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			t.Fatalf("secret %q leaked into logs or audit events", n)
		}
	}
	for _, ev := range events {
		if ev.ID == "" || ev.OperationID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("incomplete audit event %+v", ev)
		}
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) {
		c.Session.RetentionWindow = 24 * time.Hour
	}))
	ctx := context.Background()

	res, err := f.login(ctx, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := f.engine.Logout(ctx, res.Session.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := f.engine.RequestPasswordReset(ctx, testTenant, testEmail); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	live, err := f.login(ctx, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	f.clock.Advance(26 * time.Hour)
	report, err := f.engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if report.Sessions != 1 || report.ResetTokens != 1 {
		t.Fatalf("unexpected cleanup report %+v", report)
	}
	if _, err := f.engine.GetSession(ctx, res.Session.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected purged session, got %v", err)
	}
	if _, err := f.engine.ValidateSession(ctx, live.Session.SessionID); err != nil {
		t.Fatalf("live session must survive cleanup: %v", err)
	}
}

func TestBuildRequiresIdentityProvider(t *testing.T) {
	if _, err := New().WithConfig(testConfig()).Build(); err == nil {
		t.Fatal("expected error without identity provider")
	}
	b := New().WithConfig(testConfig()).WithIdentityProvider(testIdentities())
	e, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer e.Close()
	if _, err := b.Build(); err == nil {
		t.Fatal("expected builder reuse to fail")
	}
	if err := e.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSecurityReportReflectsConfig(t *testing.T) {
	f := newFixture(t, withConfig(func(c *Config) {
		c.TwoFactor.SMSThrottleInterval = 0
	}))
	r := f.engine.SecurityReport()
	if r.SigningAlgorithm != "hs256" {
		t.Fatalf("SigningAlgorithm = %q", r.SigningAlgorithm)
	}
	if !slices.Contains(r.RateLimited, "login") || !slices.Contains(r.RateLimited, "2fa") {
		t.Fatalf("RateLimited = %v", r.RateLimited)
	}
	if !slices.Contains(r.Warnings, "sms sends are not throttled per number") {
		t.Fatalf("Warnings = %v", r.Warnings)
	}
	for _, w := range r.Warnings {
		if strings.Contains(w, testSecret) {
			t.Fatal("report leaks the signing secret")
		}
	}
}
