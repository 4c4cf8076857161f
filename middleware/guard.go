package middleware

import (
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"

	"github.com/Torutesu/tenantauth"
	"github.com/Torutesu/tenantauth/jwt"
	"github.com/Torutesu/tenantauth/ratelimit"
)

// TenantHeader carries the tenant a request targets.
const TenantHeader = "X-Tenant-ID"

// ClientInfo records RemoteAddr and User-Agent for the engine. It trusts
// RemoteAddr as is; put a real-IP middleware in front of it behind a proxy.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		ctx := tenantauth.WithClientIP(r.Context(), ip)
		if ua := r.UserAgent(); ua != "" {
			ctx = tenantauth.WithUserAgent(ctx, ua)
		}
		if tenant := r.Header.Get(TenantHeader); tenant != "" {
			ctx = tenantauth.WithTenantID(ctx, tenant)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAuth admits requests with a valid access token whose session is
// still active. The claims are available through
// tenantauth.ClaimsFromContext.
func RequireAuth(engine *tenantauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := jwt.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.VerifyAccessToken(r.Context(), token)
			if errors.Is(err, tenantauth.ErrStoreUnavailable) {
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := tenantauth.WithClaims(r.Context(), claims)
			ctx = tenantauth.WithTenantID(ctx, claims.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireTenant rejects requests whose TenantHeader names another tenant
// than the token. A missing header passes. Must run after RequireAuth.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := tenantauth.ClaimsFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if tenant := r.Header.Get(TenantHeader); tenant != "" && tenant != claims.TenantID {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole admits callers holding any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := tenantauth.ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !slices.ContainsFunc(roles, claims.HasRole) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequirePermission admits callers whose token carries perm or whose roles
// grant it in the engine's role table.
func RequirePermission(engine *tenantauth.Engine, perm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := tenantauth.ClaimsFromContext(r.Context())
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.HasPermission(perm) && !engine.Allows(claims.Roles, perm) {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimit charges each request to the api_call budget of the
// authenticated user, or of the client address for anonymous requests.
// Blocked callers get 429 with Retry-After. Store failures let the request
// through.
func RateLimit(engine *tenantauth.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := "ip:" + clientAddr(r)
			if claims, ok := tenantauth.ClaimsFromContext(ctx); ok {
				key = "user:" + claims.TenantID + ":" + claims.UserID()
			}

			_, err := engine.CheckRateLimit(ctx, key, ratelimit.APICall)
			if wait, limited := tenantauth.RetryAfter(err); limited {
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			_, _ = engine.RecordAttempt(ctx, key, ratelimit.APICall, false)
			next.ServeHTTP(w, r)
		})
	}
}

func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
