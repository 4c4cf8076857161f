package mfa

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod = 30
	totpSkew   = 1
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// SetupTOTP generates a new secret and stores it as pending. An already
// enabled TOTP secret keeps working until VerifyTOTPSetup confirms the new
// one.
func (m *Manager) SetupTOTP(ctx context.Context, userID, email string) (*TOTPSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.settings.Issuer,
		AccountName: email,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("mfa: generate totp secret: %w", err)
	}

	err = m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		next := newConfig(userID, now)
		if cur != nil {
			c := *cur
			next = &c
		}
		next.PendingTOTPSecret = key.Secret()
		next.UpdatedAt = now
		return next, true, nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "totp setup started", slog.String("user_id", userID))
	return &TOTPSetup{Secret: key.Secret(), ProvisioningURI: key.URL()}, nil
}

// VerifyTOTPSetup confirms the pending secret with a code from the
// authenticator and enables TOTP. Backup codes are generated when the user
// has none and returned exactly once; otherwise the result is nil.
func (m *Manager) VerifyTOTPSetup(ctx context.Context, userID, code string) ([]string, error) {
	var (
		codes   []string
		pending bool
		valid   bool
	)
	err := m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		codes, pending, valid = nil, false, false
		if cur == nil || cur.PendingTOTPSecret == "" {
			return nil, false, nil
		}
		pending = true
		if !validTOTP(code, cur.PendingTOTPSecret, now) {
			return nil, false, nil
		}
		valid = true

		next := *cur
		next.TOTPSecret = cur.PendingTOTPSecret
		next.PendingTOTPSecret = ""
		next.TOTPEnabled = true
		next.TOTPVerifiedAt = now
		next.UpdatedAt = now
		if next.PreferredMethod == "" {
			next.PreferredMethod = MethodTOTP
		}
		if len(next.BackupCodes) == 0 {
			plain, hashes, err := m.newBackupCodes(userID)
			if err != nil {
				return nil, false, err
			}
			codes, next.BackupCodes = plain, hashes
		}
		return &next, true, nil
	})
	if err != nil {
		return nil, err
	}
	if !pending {
		return nil, ErrNotConfigured
	}
	if !valid {
		m.logger.WarnContext(ctx, "totp setup verification failed", slog.String("user_id", userID))
		return nil, ErrInvalidCode
	}

	m.logger.InfoContext(ctx, "totp enabled",
		slog.String("user_id", userID),
		slog.Bool("backup_codes_issued", codes != nil),
	)
	return codes, nil
}

// VerifyTOTP reports whether code matches the enabled secret within one
// step of clock skew. A user without TOTP enabled never verifies.
func (m *Manager) VerifyTOTP(ctx context.Context, userID, code string) (bool, error) {
	cfg, err := m.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if cfg == nil || !cfg.TOTPEnabled || cfg.TOTPSecret == "" {
		return false, nil
	}
	return validTOTP(code, cfg.TOTPSecret, m.now()), nil
}

// DisableTOTP clears the secret. The preferred method falls back to SMS
// when that is enabled.
func (m *Manager) DisableTOTP(ctx context.Context, userID string) (bool, error) {
	var changed bool
	err := m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		changed = false
		if cur == nil || (!cur.TOTPEnabled && cur.TOTPSecret == "" && cur.PendingTOTPSecret == "") {
			return nil, false, nil
		}
		changed = true
		next := *cur
		next.TOTPEnabled = false
		next.TOTPSecret = ""
		next.PendingTOTPSecret = ""
		next.TOTPVerifiedAt = time.Time{}
		next.UpdatedAt = now
		if next.PreferredMethod == MethodTOTP {
			next.PreferredMethod = ""
			if next.SMSEnabled {
				next.PreferredMethod = MethodSMS
			}
		}
		return &next, true, nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		m.logger.InfoContext(ctx, "totp disabled", slog.String("user_id", userID))
	}
	return changed, nil
}

func validTOTP(code, secret string, at time.Time) bool {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if len(code) != 6 {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at, totpValidateOpts)
	return err == nil && ok
}
