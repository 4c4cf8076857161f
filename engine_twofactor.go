package tenantauth

import (
	"context"
	"strconv"

	"github.com/Torutesu/tenantauth/mfa"
	"github.com/Torutesu/tenantauth/ratelimit"
)

// SetupTOTP starts TOTP enrollment. The secret stays pending, and any
// active TOTP factor keeps working, until VerifyTOTPSetup confirms a code.
// The provisioning URI is labelled with the identity's email.
func (e *Engine) SetupTOTP(ctx context.Context, userID string) (*mfa.TOTPSetup, error) {
	op := newOperation("setup_totp").
		withUser(userID, "").
		withAudit(auditEventTOTPSetupRequested)

	var setup *mfa.TOTPSetup
	err := e.run(ctx, op, func(ctx context.Context) error {
		id, err := e.identity(ctx, userID)
		if err != nil {
			return err
		}
		op.TenantID = id.TenantID
		setup, err = e.mfa.SetupTOTP(ctx, userID, id.Email)
		return err
	})
	if err != nil {
		return nil, err
	}
	return setup, nil
}

// VerifyTOTPSetup activates the pending secret. Backup codes are returned
// the first time any factor is enabled and never again; later calls return
// nil codes.
func (e *Engine) VerifyTOTPSetup(ctx context.Context, userID, code string) ([]string, error) {
	op := newOperation("verify_totp_setup").
		withUser(userID, "").
		withLimit(ratelimit.TwoFactor, userID).
		withAudit(auditEventTOTPEnabled).
		withMetrics(MetricTwoFactorEnabled, MetricTwoFactorFailure)

	var codes []string
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		codes, err = e.mfa.VerifyTOTPSetup(ctx, userID, code)
		if len(codes) > 0 {
			op.set("backup_codes_issued", strconv.Itoa(len(codes)))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// DisableTOTP removes the TOTP factor. It reports false when TOTP was never
// configured.
func (e *Engine) DisableTOTP(ctx context.Context, userID string) (bool, error) {
	op := newOperation("disable_totp").
		withUser(userID, "").
		withAudit(auditEventTOTPDisabled)

	var disabled bool
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		disabled, err = e.mfa.DisableTOTP(ctx, userID)
		if disabled {
			e.metrics.Inc(MetricTwoFactorDisabled)
		}
		return err
	})
	return disabled, err
}

// SetupSMS registers phone as pending and texts it a setup code. Sends are
// charged to the otp_send budget of the user.
func (e *Engine) SetupSMS(ctx context.Context, userID, phone string) error {
	op := newOperation("setup_sms").
		withUser(userID, "").
		withLimit(ratelimit.OTPSend, userID).
		withAudit(auditEventSMSSetupRequested).
		withMetrics(MetricOTPSent, MetricOTPDispatchFailed)

	return e.run(ctx, op, func(ctx context.Context) error {
		return e.mfa.SetupSMS(ctx, userID, phone)
	})
}

// SendSMSOTP texts a login code to the user's confirmed number.
func (e *Engine) SendSMSOTP(ctx context.Context, userID string) error {
	op := newOperation("send_sms_otp").
		withUser(userID, "").
		withLimit(ratelimit.OTPSend, userID).
		withAudit(auditEventOTPSent).
		withMetrics(MetricOTPSent, MetricOTPDispatchFailed)

	return e.run(ctx, op, func(ctx context.Context) error {
		return e.mfa.SendSMSOTP(ctx, userID)
	})
}

// VerifySMSSetup confirms the pending phone with the code sent to it.
func (e *Engine) VerifySMSSetup(ctx context.Context, userID, code string) ([]string, error) {
	op := newOperation("verify_sms_setup").
		withUser(userID, "").
		withLimit(ratelimit.TwoFactor, userID).
		withAudit(auditEventSMSEnabled).
		withMetrics(MetricTwoFactorEnabled, MetricTwoFactorFailure)

	var codes []string
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		codes, err = e.mfa.VerifySMSSetup(ctx, userID, code)
		if len(codes) > 0 {
			op.set("backup_codes_issued", strconv.Itoa(len(codes)))
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// DisableSMS removes the SMS factor. It reports false when SMS was never
// configured.
func (e *Engine) DisableSMS(ctx context.Context, userID string) (bool, error) {
	op := newOperation("disable_sms").
		withUser(userID, "").
		withAudit(auditEventSMSDisabled)

	var disabled bool
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		disabled, err = e.mfa.DisableSMS(ctx, userID)
		if disabled {
			e.metrics.Inc(MetricTwoFactorDisabled)
		}
		return err
	})
	return disabled, err
}

// VerifyTwoFactor checks code against the user's factors. With an empty
// method the preferred factor is tried first, then the other enabled one,
// then backup codes. The matching method is returned.
func (e *Engine) VerifyTwoFactor(ctx context.Context, userID, code string, method mfa.Method) (mfa.Method, error) {
	op := e.twoFactorOp("verify_two_factor", userID)

	var matched mfa.Method
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		matched, err = e.verifySecondFactor(ctx, op, userID, code, method)
		return err
	})
	if err != nil {
		return "", err
	}
	return matched, nil
}

// VerifyTOTP checks a TOTP code only.
func (e *Engine) VerifyTOTP(ctx context.Context, userID, code string) error {
	op := e.twoFactorOp("verify_totp", userID)
	return e.run(ctx, op, func(ctx context.Context) error {
		return codeResult(e.mfa.VerifyTOTP(ctx, userID, code))
	})
}

// VerifySMSOTP checks and consumes an SMS login code.
func (e *Engine) VerifySMSOTP(ctx context.Context, userID, code string) error {
	op := e.twoFactorOp("verify_sms_otp", userID)
	return e.run(ctx, op, func(ctx context.Context) error {
		return codeResult(e.mfa.VerifySMSOTP(ctx, userID, code))
	})
}

// VerifyBackupCode consumes one backup code. Each code works exactly once,
// also under concurrent use.
func (e *Engine) VerifyBackupCode(ctx context.Context, userID, code string) error {
	op := newOperation("verify_backup_code").
		withUser(userID, "").
		withLimit(ratelimit.TwoFactor, userID).
		withAudit(auditEventBackupCodeUsed).
		withMetrics(MetricBackupCodeUsed, MetricTwoFactorFailure)

	return e.run(ctx, op, func(ctx context.Context) error {
		return codeResult(e.mfa.VerifyBackupCode(ctx, userID, code))
	})
}

// RegenerateBackupCodes replaces every backup code. The new codes are
// returned once and are not retrievable afterwards.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	op := newOperation("regenerate_backup_codes").
		withUser(userID, "").
		withAudit(auditEventBackupCodesGenerated).
		withMetrics(MetricBackupCodeRegenerated, metricNone)

	var codes []string
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		codes, err = e.mfa.RegenerateBackupCodes(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

func (e *Engine) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	n, err := e.mfa.RemainingBackupCodes(ctx, userID)
	return n, mapError(err)
}

// TwoFactorConfig returns the user's factor configuration with secrets
// removed. A user who never enrolled gets ErrTwoFactorNotConfigured.
func (e *Engine) TwoFactorConfig(ctx context.Context, userID string) (*mfa.UserConfig, error) {
	cfg, err := e.mfa.GetConfig(ctx, userID)
	if err != nil {
		return nil, mapError(err)
	}
	if cfg == nil {
		return nil, ErrTwoFactorNotConfigured
	}
	return cfg, nil
}

func (e *Engine) IsTwoFactorEnabled(ctx context.Context, userID string) (bool, error) {
	ok, err := e.mfa.IsEnabled(ctx, userID)
	return ok, mapError(err)
}

func (e *Engine) EnabledTwoFactorMethods(ctx context.Context, userID string) ([]mfa.Method, error) {
	methods, err := e.mfa.EnabledMethods(ctx, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return methods, nil
}

// SetPreferredTwoFactorMethod picks the factor tried first. It must be
// enabled.
func (e *Engine) SetPreferredTwoFactorMethod(ctx context.Context, userID string, method mfa.Method) error {
	op := newOperation("set_preferred_two_factor").withUser(userID, "")
	op.set("method", string(method))
	return e.run(ctx, op, func(ctx context.Context) error {
		return e.mfa.SetPreferredMethod(ctx, userID, method)
	})
}

func (e *Engine) twoFactorOp(name, userID string) *Operation {
	return newOperation(name).
		withUser(userID, "").
		withLimit(ratelimit.TwoFactor, userID).
		withAudit(auditEventTwoFactorVerify).
		withMetrics(MetricTwoFactorSuccess, MetricTwoFactorFailure)
}

// verifySecondFactor runs the fallback order and records which factor
// matched. It does not charge any rate limit budget itself.
func (e *Engine) verifySecondFactor(ctx context.Context, op *Operation, userID, code string, method mfa.Method) (mfa.Method, error) {
	matched, err := e.mfa.Verify(ctx, userID, code, method)
	if err != nil {
		return "", err
	}
	op.set("method", string(matched))
	if matched == mfa.MethodBackup {
		e.metrics.Inc(MetricBackupCodeUsed)
	}
	return matched, nil
}

func codeResult(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return mfa.ErrInvalidCode
	}
	return nil
}
