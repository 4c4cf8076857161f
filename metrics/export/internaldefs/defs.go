package internaldefs

import (
	"github.com/Torutesu/tenantauth"
)

type CounterDef struct {
	ID   tenantauth.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   tenantauth.MetricID
	Name string
	Help string
}

// CounterDefs fixes the exported name of every engine counter. Names are
// part of the dashboard contract; add, never rename.
var CounterDefs = []CounterDef{
	{ID: tenantauth.MetricLoginSuccess, Name: "tenantauth_login_success_total", Help: "Successful logins."},
	{ID: tenantauth.MetricLoginFailure, Name: "tenantauth_login_failure_total", Help: "Failed logins, including rate limited ones."},
	{ID: tenantauth.MetricLoginTwoFactorRequired, Name: "tenantauth_login_two_factor_required_total", Help: "Logins answered with a second factor challenge."},
	{ID: tenantauth.MetricRateLimitHit, Name: "tenantauth_rate_limit_hit_total", Help: "Attempts rejected by an active block."},
	{ID: tenantauth.MetricTokenIssued, Name: "tenantauth_token_issued_total", Help: "Token pairs issued."},
	{ID: tenantauth.MetricTokenRefreshed, Name: "tenantauth_token_refreshed_total", Help: "Access tokens minted from a refresh token."},
	{ID: tenantauth.MetricTokenRejected, Name: "tenantauth_token_rejected_total", Help: "Tokens that failed verification."},
	{ID: tenantauth.MetricTwoFactorSuccess, Name: "tenantauth_two_factor_success_total", Help: "Accepted second factor codes."},
	{ID: tenantauth.MetricTwoFactorFailure, Name: "tenantauth_two_factor_failure_total", Help: "Rejected second factor codes."},
	{ID: tenantauth.MetricTwoFactorEnabled, Name: "tenantauth_two_factor_enabled_total", Help: "Second factors confirmed."},
	{ID: tenantauth.MetricTwoFactorDisabled, Name: "tenantauth_two_factor_disabled_total", Help: "Second factors removed."},
	{ID: tenantauth.MetricBackupCodeUsed, Name: "tenantauth_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: tenantauth.MetricBackupCodeRegenerated, Name: "tenantauth_backup_code_regenerated_total", Help: "Backup code sets regenerated."},
	{ID: tenantauth.MetricOTPSent, Name: "tenantauth_otp_sent_total", Help: "SMS codes handed to the provider."},
	{ID: tenantauth.MetricOTPDispatchFailed, Name: "tenantauth_otp_dispatch_failed_total", Help: "SMS codes the provider did not accept."},
	{ID: tenantauth.MetricSessionCreated, Name: "tenantauth_session_created_total", Help: "Sessions opened."},
	{ID: tenantauth.MetricSessionInvalidated, Name: "tenantauth_session_invalidated_total", Help: "Sessions ended before expiry."},
	{ID: tenantauth.MetricSessionRejected, Name: "tenantauth_session_rejected_total", Help: "Session validations that failed."},
	{ID: tenantauth.MetricPasswordSet, Name: "tenantauth_password_set_total", Help: "Passwords set administratively."},
	{ID: tenantauth.MetricPasswordChangeSuccess, Name: "tenantauth_password_change_success_total", Help: "Successful password changes."},
	{ID: tenantauth.MetricPasswordChangeInvalidOld, Name: "tenantauth_password_change_invalid_old_total", Help: "Password changes with a wrong current password."},
	{ID: tenantauth.MetricPasswordChangeReuseRejected, Name: "tenantauth_password_change_reuse_rejected_total", Help: "Password changes rejected for reuse."},
	{ID: tenantauth.MetricPasswordRehashed, Name: "tenantauth_password_rehashed_total", Help: "Credentials upgraded to current hash parameters."},
	{ID: tenantauth.MetricPasswordResetRequest, Name: "tenantauth_password_reset_request_total", Help: "Password reset requests."},
	{ID: tenantauth.MetricPasswordResetSuccess, Name: "tenantauth_password_reset_success_total", Help: "Completed password resets."},
	{ID: tenantauth.MetricPasswordResetFailure, Name: "tenantauth_password_reset_failure_total", Help: "Failed password reset confirmations."},
	{ID: tenantauth.MetricCleanupRemoved, Name: "tenantauth_cleanup_removed_total", Help: "Records purged by cleanup."},
	{ID: tenantauth.MetricOperationError, Name: "tenantauth_operation_error_total", Help: "Operations that failed on a backend."},
}

var HistogramDefs = []HistogramDef{
	{ID: tenantauth.MetricOperationLatency, Name: "tenantauth_operation_latency_seconds", Help: "Engine operation latency."},
}

// HistogramBounds matches the engine's fixed latency buckets.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix is HistogramBounds in a form usable inside names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
