package tenantauth

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/Torutesu/tenantauth/notify"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/reset"
	"github.com/Torutesu/tenantauth/session"
)

// RequestPasswordReset emails a reset link to the account registered under
// email in tenantID. Unknown addresses succeed silently so callers cannot
// probe for accounts; every request, known or not, is charged to the
// password_reset budget of the address.
func (e *Engine) RequestPasswordReset(ctx context.Context, tenantID, email string) error {
	email = strings.TrimSpace(email)
	op := newOperation("request_password_reset").
		withUser("", tenantID).
		withLimit(ratelimit.PasswordReset, loginKey(tenantID, email)).
		withAudit(auditEventPasswordResetRequest).
		withMetrics(MetricPasswordResetRequest, metricNone)
	op.neutral = func(err error) bool { return errors.Is(err, ErrInvalidEmail) }

	return e.run(ctx, op, func(ctx context.Context) error {
		if err := e.validate.Var(email, "required,email"); err != nil {
			return ErrInvalidEmail
		}

		id, err := e.identities.IdentityByEmail(ctx, tenantID, email)
		if errors.Is(err, ErrIdentityNotFound) {
			e.logger.InfoContext(ctx, "password reset for unknown address",
				slog.String("tenant_id", tenantID),
				slog.String("email", notify.MaskRecipient(email)),
			)
			return nil
		}
		if err != nil {
			return err
		}
		op.UserID = id.UserID
		return e.resets.RequestReset(ctx, id.UserID, id.Email)
	})
}

// ValidateResetToken reports whether raw is a usable reset token without
// consuming it.
func (e *Engine) ValidateResetToken(ctx context.Context, raw string) (*reset.Token, error) {
	tok, err := e.resets.ValidateToken(ctx, raw)
	if err != nil {
		return nil, mapError(err)
	}
	return tok, nil
}

// ResetPassword redeems raw and sets newPw as the user's password. Every
// session of the user is invalidated and the login lockout for the account
// is lifted. A token can be redeemed once.
func (e *Engine) ResetPassword(ctx context.Context, raw, newPw string) error {
	op := newOperation("reset_password").
		withAudit(auditEventPasswordReset).
		withMetrics(MetricPasswordResetSuccess, MetricPasswordResetFailure)

	return e.run(ctx, op, func(ctx context.Context) error {
		if err := e.checkPasswordPolicy(newPw); err != nil {
			return err
		}
		res, err := e.resets.ResetPassword(ctx, raw, newPw, e.passwords.Hash)
		if err != nil {
			return err
		}
		op.UserID = res.UserID

		if err := e.storeCredential(ctx, res.UserID, res.PasswordHash); err != nil {
			return err
		}
		n, err := e.sessions.InvalidateAllUserSessions(ctx, res.UserID, "", session.ReasonPasswordReset)
		if err != nil {
			return err
		}
		op.set("sessions_invalidated", strconv.Itoa(n))

		if id, err := e.identity(ctx, res.UserID); err == nil {
			op.TenantID = id.TenantID
			if err := e.limiter.Reset(ctx, loginKey(id.TenantID, id.Email), ratelimit.Login); err != nil {
				e.logger.WarnContext(ctx, "login lockout not cleared after reset",
					slog.String("user_id", res.UserID),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	})
}

// CancelPasswordReset invalidates the user's pending reset token, if any.
func (e *Engine) CancelPasswordReset(ctx context.Context, userID string) (bool, error) {
	op := newOperation("cancel_password_reset").
		withUser(userID, "").
		withAudit(auditEventPasswordResetCanceled)

	var cancelled bool
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		cancelled, err = e.resets.CancelReset(ctx, userID)
		return err
	})
	return cancelled, err
}

// HasPendingPasswordReset reports whether userID holds a usable token.
func (e *Engine) HasPendingPasswordReset(ctx context.Context, userID string) (bool, error) {
	tok, err := e.resets.ActiveToken(ctx, userID)
	if err != nil {
		return false, mapError(err)
	}
	return tok != nil, nil
}

func loginKey(tenantID, email string) string {
	return tenantID + ":" + normalizeEmail(email)
}
