package tenantauth

import (
	"context"
	"errors"
)

const (
	auditEventLogin                 = "login"
	auditEventTokenRefresh          = "token_refresh"
	auditEventSessionInvalidated    = "session_invalidated"
	auditEventSessionsInvalidated   = "sessions_invalidated"
	auditEventPasswordSet           = "password_set"
	auditEventPasswordChange        = "password_change"
	auditEventPasswordResetRequest  = "password_reset_request"
	auditEventPasswordReset         = "password_reset"
	auditEventPasswordResetCanceled = "password_reset_canceled"
	auditEventTOTPSetupRequested    = "totp_setup_requested"
	auditEventTOTPEnabled           = "totp_enabled"
	auditEventTOTPDisabled          = "totp_disabled"
	auditEventSMSSetupRequested     = "sms_setup_requested"
	auditEventSMSEnabled            = "sms_enabled"
	auditEventSMSDisabled           = "sms_disabled"
	auditEventOTPSent               = "otp_sent"
	auditEventTwoFactorVerify       = "two_factor_verify"
	auditEventBackupCodeUsed        = "backup_code_used"
	auditEventBackupCodesGenerated  = "backup_codes_generated"
	auditEventRateLimitReset        = "rate_limit_reset"
)

// AuditErrorCode is the stable failure label written to AuditEvent.Error.
type AuditErrorCode string

const (
	auditErrInvalidCredentials AuditErrorCode = "invalid_credentials"
	auditErrRateLimited        AuditErrorCode = "rate_limited"
	auditErrInvalidToken       AuditErrorCode = "invalid_token"
	auditErrSessionNotFound    AuditErrorCode = "session_not_found"
	auditErrSessionInactive    AuditErrorCode = "session_inactive"
	auditErrIdentityNotFound   AuditErrorCode = "identity_not_found"
	auditErrPasswordPolicy     AuditErrorCode = "password_policy"
	auditErrPasswordReuse      AuditErrorCode = "password_reuse"
	auditErrTwoFactorRequired  AuditErrorCode = "two_factor_required"
	auditErrTwoFactorInvalid   AuditErrorCode = "two_factor_invalid"
	auditErrTwoFactorMissing   AuditErrorCode = "two_factor_not_configured"
	auditErrInvalidInput       AuditErrorCode = "invalid_input"
	auditErrResetTokenInvalid  AuditErrorCode = "reset_token_invalid"
	auditErrDispatchFailed     AuditErrorCode = "dispatch_failed"
	auditErrPermissionDenied   AuditErrorCode = "permission_denied"
	auditErrUnavailable        AuditErrorCode = "backend_unavailable"
	auditErrInternal           AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(ctx context.Context, op *Operation, err error) {
	if e == nil || e.audit == nil || op == nil || op.AuditEvent == "" {
		return
	}

	tenantID := op.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	event := AuditEvent{
		EventType:   op.AuditEvent,
		OperationID: op.ID,
		UserID:      op.UserID,
		TenantID:    tenantID,
		SessionID:   op.SessionID,
		IP:          clientIPFromContext(ctx),
		Success:     err == nil,
		Metadata:    op.Metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}
	e.audit.Emit(ctx, event)
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	case errors.Is(err, ErrInvalidCredentials):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenInvalid), errors.Is(err, ErrWrongTokenType):
		return auditErrInvalidToken
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrSessionInactive):
		return auditErrSessionInactive
	case errors.Is(err, ErrIdentityNotFound):
		return auditErrIdentityNotFound
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrTwoFactorRequired):
		return auditErrTwoFactorRequired
	case errors.Is(err, ErrTwoFactorInvalid):
		return auditErrTwoFactorInvalid
	case errors.Is(err, ErrTwoFactorNotConfigured):
		return auditErrTwoFactorMissing
	case errors.Is(err, ErrInvalidPhone), errors.Is(err, ErrInvalidEmail):
		return auditErrInvalidInput
	case errors.Is(err, ErrResetTokenInvalid):
		return auditErrResetTokenInvalid
	case errors.Is(err, ErrNotificationFailed):
		return auditErrDispatchFailed
	case errors.Is(err, ErrPermissionDenied):
		return auditErrPermissionDenied
	default:
		return auditErrInternal
	}
}
