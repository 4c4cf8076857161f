package tenantauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/password"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/session"
)

const (
	credentialPrefix = "cred:"
	// maxPasswordBytes bounds hashing cost for hostile input.
	maxPasswordBytes = 1024
)

// Credential is the persisted password record. Salt and Iterations mirror
// the encoded PBKDF2 hash so operators can audit work factors without
// parsing it; PasswordHash stays authoritative.
type Credential struct {
	UserID       string    `json:"user_id"`
	PasswordHash string    `json:"password_hash"`
	Salt         string    `json:"salt,omitempty"`
	Iterations   int       `json:"iterations,omitempty"`
	Algorithm    string    `json:"algorithm"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func credentialKey(userID string) string { return credentialPrefix + userID }

func isNotFound(err error) bool { return errors.Is(err, kv.ErrNotFound) }

func (e *Engine) newCredential(userID, encoded string) *Credential {
	c := &Credential{
		UserID:       userID,
		PasswordHash: encoded,
		Algorithm:    password.Identify(encoded),
		UpdatedAt:    e.now(),
	}
	if salt, iter, ok := password.Components(encoded); ok {
		c.Salt = salt
		c.Iterations = iter
	}
	return c
}

func (e *Engine) checkPasswordPolicy(pw string) error {
	if n := utf8.RuneCountInString(pw); n < e.config.Password.MinLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrPasswordPolicy, e.config.Password.MinLength)
	}
	if len(pw) > maxPasswordBytes {
		return fmt.Errorf("%w: must be at most %d bytes", ErrPasswordPolicy, maxPasswordBytes)
	}
	return nil
}

// SetPassword hashes pw and stores it as the user's credential, replacing
// any previous one. It is meant for registration and administrative resets.
func (e *Engine) SetPassword(ctx context.Context, userID, pw string) error {
	op := newOperation("set_password").
		withUser(userID, "").
		withAudit(auditEventPasswordSet).
		withMetrics(MetricPasswordSet, metricNone)

	return e.run(ctx, op, func(ctx context.Context) error {
		if userID == "" {
			return ErrIdentityNotFound
		}
		if err := e.checkPasswordPolicy(pw); err != nil {
			return err
		}
		encoded, err := e.passwords.Hash(pw)
		if err != nil {
			return err
		}
		return e.storeCredential(ctx, userID, encoded)
	})
}

// VerifyPassword checks pw against the stored credential. Unknown users and
// wrong passwords both yield ErrInvalidCredentials after comparable work.
func (e *Engine) VerifyPassword(ctx context.Context, userID, pw string) error {
	op := newOperation("verify_password").withUser(userID, "")
	return e.run(ctx, op, func(ctx context.Context) error {
		return e.verifyPassword(ctx, userID, pw)
	})
}

// HasPassword reports whether a credential is stored for userID.
func (e *Engine) HasPassword(ctx context.Context, userID string) (bool, error) {
	_, err := e.store.Get(ctx, credentialKey(userID))
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, mapError(err)
	}
}

// ChangePassword replaces the password after checking the old one. Every
// other session of the user is invalidated; the session of the calling
// access token (see WithClaims) survives. A pending reset token is
// cancelled.
func (e *Engine) ChangePassword(ctx context.Context, userID, oldPw, newPw string) error {
	op := newOperation("change_password").
		withUser(userID, "").
		withLimit(ratelimit.Login, "password_change:"+userID).
		withAudit(auditEventPasswordChange).
		withMetrics(MetricPasswordChangeSuccess, metricNone)
	op.neutral = func(err error) bool {
		return errors.Is(err, ErrPasswordPolicy) || errors.Is(err, ErrPasswordReuse)
	}

	return e.run(ctx, op, func(ctx context.Context) error {
		if err := e.checkPasswordPolicy(newPw); err != nil {
			return err
		}
		if err := e.verifyPassword(ctx, userID, oldPw); err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				e.metrics.Inc(MetricPasswordChangeInvalidOld)
			}
			return err
		}
		if newPw == oldPw {
			e.metrics.Inc(MetricPasswordChangeReuseRejected)
			return ErrPasswordReuse
		}

		encoded, err := e.passwords.Hash(newPw)
		if err != nil {
			return err
		}
		if err := e.storeCredential(ctx, userID, encoded); err != nil {
			return err
		}

		except := ""
		if claims, ok := ClaimsFromContext(ctx); ok && claims.Subject == userID {
			except = claims.SessionID
			op.SessionID = except
		}
		n, err := e.sessions.InvalidateAllUserSessions(ctx, userID, except, session.ReasonPasswordChanged)
		if err != nil {
			return err
		}
		op.set("sessions_invalidated", strconv.Itoa(n))

		if _, err := e.resets.CancelReset(ctx, userID); err != nil {
			e.logger.WarnContext(ctx, "pending reset not cancelled after password change",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
}

func (e *Engine) verifyPassword(ctx context.Context, userID, pw string) error {
	if len(pw) > maxPasswordBytes {
		return ErrInvalidCredentials
	}
	cred, err := kv.GetJSON[Credential](ctx, e.store, credentialKey(userID))
	if isNotFound(err) {
		e.passwords.Verify(pw, e.dummyHash)
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	ok, rehash := e.passwords.Verify(pw, cred.PasswordHash)
	if !ok {
		return ErrInvalidCredentials
	}
	if rehash && e.config.Password.UpgradeOnLogin {
		e.upgradeCredential(ctx, cred, pw)
	}
	return nil
}

// upgradeCredential rewrites a hash produced with old parameters. It only
// replaces the exact hash it verified against, so a concurrent password
// change wins. Failures are logged and otherwise ignored.
func (e *Engine) upgradeCredential(ctx context.Context, cred *Credential, pw string) {
	encoded, err := e.passwords.Hash(pw)
	if err != nil {
		e.logger.WarnContext(ctx, "password rehash failed", slog.String("user_id", cred.UserID), slog.String("error", err.Error()))
		return
	}

	var upgraded bool
	err = kv.UpdateJSON(ctx, e.store, credentialKey(cred.UserID), func(cur *Credential) (*Credential, bool, time.Duration, error) {
		upgraded = false
		if cur == nil || cur.PasswordHash != cred.PasswordHash {
			return nil, false, 0, nil
		}
		upgraded = true
		return e.newCredential(cred.UserID, encoded), true, 0, nil
	})
	if err != nil {
		e.logger.WarnContext(ctx, "password rehash not stored", slog.String("user_id", cred.UserID), slog.String("error", err.Error()))
		return
	}
	if upgraded {
		e.metrics.Inc(MetricPasswordRehashed)
		e.logger.InfoContext(ctx, "password rehashed",
			slog.String("user_id", cred.UserID),
			slog.String("from", cred.Algorithm),
			slog.String("to", e.passwords.Primary().Algorithm()),
		)
	}
}

func (e *Engine) storeCredential(ctx context.Context, userID, encoded string) error {
	return kv.PutJSON(ctx, e.store, credentialKey(userID), e.newCredential(userID, encoded), 0)
}
