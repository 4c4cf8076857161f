package tenantauth

import (
	"context"
	"errors"
	"strings"

	"github.com/Torutesu/tenantauth/mfa"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/session"
)

// LoginRequest carries one sign-in attempt. TenantID falls back to the
// tenant in the context. TwoFactorMethod may be empty to use the fallback
// order.
type LoginRequest struct {
	TenantID        string
	Email           string
	Password        string
	TwoFactorCode   string
	TwoFactorMethod mfa.Method
	Device          *session.DeviceInfo
}

type LoginResult struct {
	UserID   string
	TenantID string
	Tokens   *TokenPair
	Session  *session.Record
	// TwoFactorMethod is the factor that matched, empty when the user has
	// no second factor.
	TwoFactorMethod mfa.Method
}

// Login checks the login budget of the address, the password and, when the
// user has a second factor, the code in the request. It then opens a
// session and issues tokens bound to it.
//
// A user with a second factor who sends no code gets ErrTwoFactorRequired;
// that answer does not spend login budget, so clients can retry with a
// code. Wrong codes spend both the login and the 2fa budget.
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if req.TenantID == "" {
		req.TenantID = tenantIDFromContext(ctx)
	}
	req.Email = strings.TrimSpace(req.Email)

	op := newOperation("login").
		withUser("", req.TenantID).
		withLimit(ratelimit.Login, loginKey(req.TenantID, req.Email)).
		withAudit(auditEventLogin).
		withMetrics(MetricLoginSuccess, MetricLoginFailure)
	op.neutral = func(err error) bool {
		return errors.Is(err, ErrTwoFactorRequired)
	}

	var result *LoginResult
	err := e.run(ctx, op, func(ctx context.Context) error {
		result = nil
		id, err := e.identities.IdentityByEmail(ctx, req.TenantID, req.Email)
		if errors.Is(err, ErrIdentityNotFound) {
			e.passwords.Verify(req.Password, e.dummyHash)
			return ErrInvalidCredentials
		}
		if err != nil {
			return err
		}
		op.UserID = id.UserID

		if err := e.verifyPassword(ctx, id.UserID, req.Password); err != nil {
			return err
		}

		var matched mfa.Method
		enabled, err := e.mfa.IsEnabled(ctx, id.UserID)
		if err != nil {
			return err
		}
		if enabled {
			if req.TwoFactorCode == "" {
				return ErrTwoFactorRequired
			}
			err := e.guard(ctx, ratelimit.TwoFactor, id.UserID, nil, func() error {
				var err error
				matched, err = e.verifySecondFactor(ctx, op, id.UserID, req.TwoFactorCode, req.TwoFactorMethod)
				return err
			})
			if err != nil {
				e.metrics.Inc(MetricTwoFactorFailure)
				return err
			}
			e.metrics.Inc(MetricTwoFactorSuccess)
		}

		rec, err := e.sessions.CreateSession(ctx, id.UserID, id.TenantID, deviceFromContext(ctx, req.Device), true)
		if err != nil {
			return err
		}
		op.SessionID = rec.SessionID
		e.metrics.Inc(MetricSessionCreated)

		pair, err := e.issueTokens(id, rec.SessionID)
		if err != nil {
			return err
		}
		e.metrics.Inc(MetricTokenIssued)

		result = &LoginResult{
			UserID:          id.UserID,
			TenantID:        id.TenantID,
			Tokens:          pair,
			Session:         rec,
			TwoFactorMethod: matched,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
