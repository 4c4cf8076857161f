package security

import (
	"slices"
	"time"
)

// Report summarizes the protections a configuration turns on. It carries
// no secrets and is safe to expose to operators.
type Report struct {
	SigningAlgorithm   string        `json:"signing_algorithm"`
	AccessTTL          time.Duration `json:"access_ttl"`
	RefreshTTL         time.Duration `json:"refresh_ttl"`
	PasswordAlgorithm  string        `json:"password_algorithm"`
	PasswordIterations int           `json:"password_iterations,omitempty"`
	PasswordMinLength  int           `json:"password_min_length"`
	RehashOnLogin      bool          `json:"rehash_on_login"`
	SessionTTL         time.Duration `json:"session_ttl"`
	MaxSessionsPerUser int           `json:"max_sessions_per_user"`
	BackupCodeCount    int           `json:"backup_code_count"`
	SMSThrottleActive  bool          `json:"sms_throttle_active"`
	ResetTokenTTL      time.Duration `json:"reset_token_ttl"`
	RateLimited        []string      `json:"rate_limited"`
	AuditEnabled       bool          `json:"audit_enabled"`
	// Warnings lists settings weaker than the recommended baseline.
	Warnings []string `json:"warnings,omitempty"`
}

type ReportInput struct {
	SigningAlgorithm    string
	AccessTTL           time.Duration
	RefreshTTL          time.Duration
	PasswordAlgorithm   string
	PasswordIterations  int
	PasswordMinLength   int
	RehashOnLogin       bool
	SessionTTL          time.Duration
	MaxSessionsPerUser  int
	BackupCodeCount     int
	SMSThrottleInterval time.Duration
	ResetTokenTTL       time.Duration
	// RateLimited maps limit types to whether their policy blocks at all.
	RateLimited  map[string]bool
	AuditEnabled bool
}

const (
	minPBKDF2Iterations = 600_000
	maxAccessTTL        = time.Hour
	maxResetTokenTTL    = 2 * time.Hour
)

func BuildReport(in ReportInput) Report {
	r := Report{
		SigningAlgorithm:   in.SigningAlgorithm,
		AccessTTL:          in.AccessTTL,
		RefreshTTL:         in.RefreshTTL,
		PasswordAlgorithm:  in.PasswordAlgorithm,
		PasswordIterations: in.PasswordIterations,
		PasswordMinLength:  in.PasswordMinLength,
		RehashOnLogin:      in.RehashOnLogin,
		SessionTTL:         in.SessionTTL,
		MaxSessionsPerUser: in.MaxSessionsPerUser,
		BackupCodeCount:    in.BackupCodeCount,
		SMSThrottleActive:  in.SMSThrottleInterval > 0,
		ResetTokenTTL:      in.ResetTokenTTL,
		AuditEnabled:       in.AuditEnabled,
	}
	for name, on := range in.RateLimited {
		if on {
			r.RateLimited = append(r.RateLimited, name)
		}
	}
	slices.Sort(r.RateLimited)

	if in.PasswordAlgorithm == "pbkdf2_sha256" && in.PasswordIterations < minPBKDF2Iterations {
		r.Warnings = append(r.Warnings, "pbkdf2 iterations below 600000")
	}
	if in.AccessTTL > maxAccessTTL {
		r.Warnings = append(r.Warnings, "access tokens live longer than an hour")
	}
	if in.ResetTokenTTL > maxResetTokenTTL {
		r.Warnings = append(r.Warnings, "reset tokens live longer than two hours")
	}
	if !r.SMSThrottleActive {
		r.Warnings = append(r.Warnings, "sms sends are not throttled per number")
	}
	if !in.AuditEnabled {
		r.Warnings = append(r.Warnings, "audit events are disabled")
	}
	for _, name := range []string{"login", "2fa", "password_reset"} {
		if !in.RateLimited[name] {
			r.Warnings = append(r.Warnings, name+" is not rate limited")
		}
	}
	return r
}
