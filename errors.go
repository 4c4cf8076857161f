package tenantauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/jwt"
	"github.com/Torutesu/tenantauth/mfa"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/reset"
	"github.com/Torutesu/tenantauth/session"
)

var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrTokenExpired           = errors.New("token expired")
	ErrTokenInvalid           = errors.New("invalid token")
	ErrWrongTokenType         = errors.New("wrong token type")
	ErrTwoFactorInvalid       = errors.New("invalid two-factor code")
	ErrTwoFactorRequired      = errors.New("two-factor code required")
	ErrTwoFactorNotConfigured = errors.New("two-factor not configured")
	ErrInvalidPhone           = errors.New("invalid phone number")
	ErrInvalidEmail           = errors.New("invalid email")
	ErrRateLimited            = ratelimit.ErrRateLimited
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session expired")
	ErrSessionInactive        = errors.New("session inactive")
	ErrResetTokenInvalid      = errors.New("invalid or expired reset token")
	ErrStoreUnavailable       = errors.New("store unavailable")
	ErrNotificationFailed     = errors.New("notification failed")
	ErrPasswordPolicy         = errors.New("password policy violation")
	ErrPasswordReuse          = errors.New("new password must be different from current password")
	ErrIdentityNotFound       = errors.New("identity not found")
	ErrPermissionDenied       = errors.New("permission denied")
	ErrEngineNotReady         = errors.New("engine not initialized")
)

// RateLimitError carries the wait time of a rejected attempt. It matches
// ErrRateLimited with errors.Is.
type RateLimitError = ratelimit.ExceededError

// RetryAfter extracts the wait time from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	return ratelimit.RetryAfter(err)
}

// mapError translates component errors into the root taxonomy. The original
// error stays in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var root error
	switch {
	case errors.Is(err, ErrRateLimited):
		// keep *RateLimitError reachable through errors.As
		return err
	case errors.Is(err, kv.ErrUnavailable),
		errors.Is(err, session.ErrUnavailable),
		errors.Is(err, mfa.ErrUnavailable),
		errors.Is(err, reset.ErrUnavailable),
		errors.Is(err, ratelimit.ErrUnavailable):
		root = ErrStoreUnavailable
	case errors.Is(err, jwt.ErrTokenExpired):
		root = ErrTokenExpired
	case errors.Is(err, jwt.ErrWrongTokenType):
		root = ErrWrongTokenType
	case errors.Is(err, jwt.ErrTokenInvalid):
		root = ErrTokenInvalid
	case errors.Is(err, session.ErrSessionNotFound):
		root = ErrSessionNotFound
	case errors.Is(err, session.ErrSessionExpired):
		root = ErrSessionExpired
	case errors.Is(err, session.ErrSessionInactive):
		root = ErrSessionInactive
	case errors.Is(err, mfa.ErrInvalidCode):
		root = ErrTwoFactorInvalid
	case errors.Is(err, mfa.ErrNotConfigured), errors.Is(err, mfa.ErrNotEnabled):
		root = ErrTwoFactorNotConfigured
	case errors.Is(err, mfa.ErrInvalidPhone):
		root = ErrInvalidPhone
	case errors.Is(err, mfa.ErrDispatchFailed), errors.Is(err, reset.ErrDispatchFailed):
		root = ErrNotificationFailed
	case errors.Is(err, reset.ErrTokenInvalid):
		root = ErrResetTokenInvalid
	case errors.Is(err, reset.ErrInvalidEmail):
		root = ErrInvalidEmail
	default:
		return err
	}
	if errors.Is(err, root) {
		return err
	}
	return fmt.Errorf("%w: %w", root, err)
}
