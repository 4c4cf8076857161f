package tenantauth

import (
	"github.com/Torutesu/tenantauth/internal/security"
	"github.com/Torutesu/tenantauth/ratelimit"
)

// SecurityReport describes the protections the engine runs with, plus
// warnings for settings below the recommended baseline.
type SecurityReport = security.Report

func (e *Engine) SecurityReport() SecurityReport {
	cfg := e.config
	limited := make(map[string]bool)
	for _, t := range []ratelimit.LimitType{ratelimit.Login, ratelimit.TwoFactor, ratelimit.PasswordReset, ratelimit.OTPSend, ratelimit.APICall} {
		p, ok := e.limiter.Policy(t)
		limited[string(t)] = ok && p.MaxAttempts > 0 && p.BlockDuration > 0
	}

	return security.BuildReport(security.ReportInput{
		SigningAlgorithm:    cfg.JWT.SigningMethod,
		AccessTTL:           cfg.JWT.AccessTTL,
		RefreshTTL:          cfg.JWT.RefreshTTL,
		PasswordAlgorithm:   cfg.Password.Algorithm,
		PasswordIterations:  cfg.Password.Iterations,
		PasswordMinLength:   cfg.Password.MinLength,
		RehashOnLogin:       cfg.Password.UpgradeOnLogin,
		SessionTTL:          cfg.Session.TTL,
		MaxSessionsPerUser:  cfg.Session.MaxSessionsPerUser,
		BackupCodeCount:     cfg.TwoFactor.BackupCodeCount,
		SMSThrottleInterval: cfg.TwoFactor.SMSThrottleInterval,
		ResetTokenTTL:       cfg.PasswordReset.TTL,
		RateLimited:         limited,
		AuditEnabled:        cfg.Audit.Enabled,
	})
}
