package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Torutesu/tenantauth"
	"github.com/Torutesu/tenantauth/ratelimit"
)

const testPassword = "P@ss1234"

func newEngine(t *testing.T) *tenantauth.Engine {
	t.Helper()
	cfg := tenantauth.DefaultConfig()
	cfg.JWT.Secret = "middleware-secret-middleware-secret"
	cfg.RateLimit.Policies = map[ratelimit.LimitType]ratelimit.Policy{
		ratelimit.APICall: {MaxAttempts: 2, Window: time.Minute, BlockDuration: time.Minute},
	}

	ids := tenantauth.NewMemoryIdentities(
		tenantauth.Identity{UserID: "u-1", TenantID: "acme", Email: "ann@example.com", Roles: []string{"editor"}},
		tenantauth.Identity{UserID: "u-2", TenantID: "acme", Email: "ben@example.com", Roles: []string{"viewer"}},
	)
	e, err := tenantauth.New().
		WithConfig(cfg).
		WithIdentityProvider(ids).
		WithRoles(map[string][]string{"editor": {"docs.write"}, "viewer": {"docs.read"}}).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })

	for _, u := range []string{"u-1", "u-2"} {
		if err := e.SetPassword(context.Background(), u, testPassword); err != nil {
			t.Fatalf("SetPassword: %v", err)
		}
	}
	return e
}

func login(t *testing.T, e *tenantauth.Engine, email string) *tenantauth.LoginResult {
	t.Helper()
	res, err := e.Login(context.Background(), tenantauth.LoginRequest{TenantID: "acme", Email: email, Password: testPassword})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	return res
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := tenantauth.ClaimsFromContext(r.Context()); !ok {
			http.Error(w, "no claims", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(h http.Handler, token string, header map[string]string) int {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRequireAuth(t *testing.T) {
	e := newEngine(t)
	res := login(t, e, "ann@example.com")
	h := RequireAuth(e)(okHandler())

	if code := serve(h, "", nil); code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", code)
	}
	if code := serve(h, "garbage", nil); code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d", code)
	}
	if code := serve(h, res.Tokens.RefreshToken, nil); code != http.StatusUnauthorized {
		t.Fatalf("refresh token: got %d", code)
	}
	if code := serve(h, res.Tokens.AccessToken, nil); code != http.StatusNoContent {
		t.Fatalf("valid token: got %d", code)
	}

	if _, err := e.Logout(context.Background(), res.Session.SessionID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if code := serve(h, res.Tokens.AccessToken, nil); code != http.StatusUnauthorized {
		t.Fatalf("token of ended session: got %d", code)
	}
}

func TestRequireTenant(t *testing.T) {
	e := newEngine(t)
	res := login(t, e, "ann@example.com")
	h := RequireAuth(e)(RequireTenant(okHandler()))

	if code := serve(h, res.Tokens.AccessToken, map[string]string{TenantHeader: "acme"}); code != http.StatusNoContent {
		t.Fatalf("same tenant: got %d", code)
	}
	if code := serve(h, res.Tokens.AccessToken, map[string]string{TenantHeader: "globex"}); code != http.StatusForbidden {
		t.Fatalf("other tenant: got %d", code)
	}
}

func TestRequireRoleAndPermission(t *testing.T) {
	e := newEngine(t)
	editor := login(t, e, "ann@example.com")
	viewer := login(t, e, "ben@example.com")

	byRole := RequireAuth(e)(RequireRole("editor", "admin")(okHandler()))
	byPerm := RequireAuth(e)(RequirePermission(e, "docs.write")(okHandler()))

	for name, h := range map[string]http.Handler{"role": byRole, "permission": byPerm} {
		if code := serve(h, editor.Tokens.AccessToken, nil); code != http.StatusNoContent {
			t.Fatalf("%s editor: got %d", name, code)
		}
		if code := serve(h, viewer.Tokens.AccessToken, nil); code != http.StatusForbidden {
			t.Fatalf("%s viewer: got %d", name, code)
		}
	}
}

func TestRateLimit(t *testing.T) {
	e := newEngine(t)
	h := ClientInfo(RateLimit(e)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	for i := 0; i < 2; i++ {
		if code := serve(h, "", nil); code != http.StatusNoContent {
			t.Fatalf("request %d: got %d", i+1, code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}
