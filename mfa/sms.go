package mfa

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Torutesu/tenantauth/internal"
	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/notify"
)

// SetupSMS stores phone as pending and sends a code to it. The code is
// persisted before dispatch; when the provider rejects the message the
// stored state stays and ErrDispatchFailed is returned, so a resend can
// follow.
func (m *Manager) SetupSMS(ctx context.Context, userID, phone string) error {
	phone = strings.TrimSpace(phone)
	if err := m.validate.Var(phone, "required,startswith=+,e164"); err != nil {
		return ErrInvalidPhone
	}

	err := m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		next := newConfig(userID, now)
		if cur != nil {
			c := *cur
			next = &c
		}
		next.PendingPhoneNumber = phone
		next.UpdatedAt = now
		return next, true, nil
	})
	if err != nil {
		return err
	}

	if err := m.issueOTP(ctx, userID, phone); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "sms setup started",
		slog.String("user_id", userID),
		slog.String("phone", notify.MaskRecipient(phone)),
	)
	return nil
}

// SendSMSOTP sends a login code to the verified phone number.
func (m *Manager) SendSMSOTP(ctx context.Context, userID string) error {
	cfg, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.SMSEnabled || cfg.PhoneNumber == "" {
		return ErrNotEnabled
	}
	return m.issueOTP(ctx, userID, cfg.PhoneNumber)
}

// VerifySMSSetup confirms the pending phone number and enables SMS. Backup
// codes are generated and returned when the user has none.
func (m *Manager) VerifySMSSetup(ctx context.Context, userID, code string) ([]string, error) {
	cfg, err := m.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.PendingPhoneNumber == "" {
		return nil, ErrNotConfigured
	}
	phone := cfg.PendingPhoneNumber

	ok, err := m.consumeOTP(ctx, userID, code, phone)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logger.WarnContext(ctx, "sms setup verification failed", slog.String("user_id", userID))
		return nil, ErrInvalidCode
	}

	var (
		codes    []string
		replaced bool
	)
	err = m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		codes, replaced = nil, false
		// a concurrent SetupSMS moved to another number
		if cur == nil || cur.PendingPhoneNumber != phone {
			replaced = true
			return nil, false, nil
		}
		next := *cur
		next.PhoneNumber = phone
		next.PendingPhoneNumber = ""
		next.SMSEnabled = true
		next.SMSVerifiedAt = now
		next.UpdatedAt = now
		if next.PreferredMethod == "" {
			next.PreferredMethod = MethodSMS
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
	if replaced {
		return nil, ErrInvalidCode
	}

	m.logger.InfoContext(ctx, "sms enabled",
		slog.String("user_id", userID),
		slog.Bool("backup_codes_issued", codes != nil),
	)
	return codes, nil
}

// VerifySMSOTP checks a login code. The code is single use; a mismatch
// leaves it in place until it expires.
func (m *Manager) VerifySMSOTP(ctx context.Context, userID, code string) (bool, error) {
	cfg, err := m.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if cfg == nil || !cfg.SMSEnabled || cfg.PhoneNumber == "" {
		return false, nil
	}
	return m.consumeOTP(ctx, userID, code, cfg.PhoneNumber)
}

// DisableSMS clears the phone number and any outstanding code. It reports
// false when SMS was never enabled or configured.
func (m *Manager) DisableSMS(ctx context.Context, userID string) (bool, error) {
	var changed bool
	err := m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		changed = false
		if cur == nil || (!cur.SMSEnabled && cur.PhoneNumber == "" && cur.PendingPhoneNumber == "") {
			return nil, false, nil
		}
		changed = true
		next := *cur
		next.SMSEnabled = false
		next.PhoneNumber = ""
		next.PendingPhoneNumber = ""
		next.SMSVerifiedAt = time.Time{}
		next.UpdatedAt = now
		if next.PreferredMethod == MethodSMS {
			next.PreferredMethod = ""
			if next.TOTPEnabled {
				next.PreferredMethod = MethodTOTP
			}
		}
		return &next, true, nil
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if _, err := m.store.Delete(ctx, otpKey(userID)); err != nil {
		return true, m.wrap(err)
	}
	m.logger.InfoContext(ctx, "sms disabled", slog.String("user_id", userID))
	return true, nil
}

// issueOTP replaces the user's outstanding code and dispatches the new one.
func (m *Manager) issueOTP(ctx context.Context, userID, phone string) error {
	code, err := internal.NewOTP(m.settings.OTPLength)
	if err != nil {
		return fmt.Errorf("mfa: generate otp: %w", err)
	}
	now := m.now()
	rec := smsOTP{
		UserID:    userID,
		CodeHash:  hashOTP(userID, code),
		Phone:     phone,
		ExpiresAt: now.Add(m.settings.OTPTTL),
	}
	if err := kv.PutJSON(ctx, m.store, otpKey(userID), rec, m.settings.OTPTTL); err != nil {
		return m.wrap(err)
	}

	minutes := int(m.settings.OTPTTL / time.Minute)
	msg := notify.Message{
		Kind: "sms_otp",
		Body: fmt.Sprintf("Your %s verification code is: %s. Valid for %d minutes.", m.settings.Issuer, code, minutes),
	}
	if err := m.notifier.Send(ctx, notify.ChannelSMS, phone, msg); err != nil {
		m.logger.WarnContext(ctx, "sms otp dispatch failed",
			slog.String("user_id", userID),
			slog.String("phone", notify.MaskRecipient(phone)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}
	return nil
}

// consumeOTP atomically checks and deletes the outstanding code. Expired
// codes are removed; mismatches keep the record.
func (m *Manager) consumeOTP(ctx context.Context, userID, code, phone string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	want := hashOTP(userID, code)

	var ok bool
	err := kv.UpdateJSON(ctx, m.store, otpKey(userID), func(cur *smsOTP) (*smsOTP, bool, time.Duration, error) {
		ok = false
		if cur == nil {
			return nil, false, 0, nil
		}
		if !m.now().Before(cur.ExpiresAt) {
			return nil, true, 0, nil
		}
		if cur.Phone != phone || subtle.ConstantTimeCompare([]byte(cur.CodeHash), []byte(want)) != 1 {
			return nil, false, 0, nil
		}
		ok = true
		return nil, true, 0, nil
	})
	if err != nil {
		return false, m.wrap(err)
	}
	return ok, nil
}

func hashOTP(userID, code string) string {
	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}
