package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Torutesu/tenantauth"
	"github.com/Torutesu/tenantauth/jwt"
	"github.com/Torutesu/tenantauth/mfa"
	"github.com/Torutesu/tenantauth/notify"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/session"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type handler struct {
	engine *tenantauth.Engine
	logger *slog.Logger
}

// messageEnvelope is the generic response wrapper.
type messageEnvelope struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type loginRequest struct {
	TenantID        string `json:"tenant_id"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required"`
	TwoFactorCode   string `json:"two_factor_code"`
	TwoFactorMethod string `json:"two_factor_method" validate:"omitempty,oneof=totp sms backup_code"`
	DeviceName      string `json:"device_name" validate:"max=128"`
}

type authEnvelope struct {
	*tenantauth.TokenPair
	UserID          string          `json:"user_id"`
	TenantID        string          `json:"tenant_id"`
	TwoFactorMethod mfa.Method      `json:"two_factor_method,omitempty"`
	Session         *session.Record `json:"session,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type resetRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email" validate:"required"`
}

type resetConfirmRequest struct {
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required"`
}

type codeRequest struct {
	Code string `json:"code" validate:"required,max=32"`
}

type phoneRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required"`
}

type preferredRequest struct {
	Method string `json:"method" validate:"required,oneof=totp sms backup_code"`
}

type backupCodesEnvelope struct {
	BackupCodes []string `json:"backup_codes"`
}

// twoFactorView is what a user may see of their own factor configuration.
// Secrets and backup code hashes stay server side.
type twoFactorView struct {
	Enabled              bool         `json:"enabled"`
	Methods              []mfa.Method `json:"methods"`
	PreferredMethod      mfa.Method   `json:"preferred_method,omitempty"`
	TOTPEnabled          bool         `json:"totp_enabled"`
	TOTPPending          bool         `json:"totp_pending"`
	SMSEnabled           bool         `json:"sms_enabled"`
	PhoneNumber          string       `json:"phone_number,omitempty"`
	PendingPhoneNumber   string       `json:"pending_phone_number,omitempty"`
	RemainingBackupCodes int          `json:"remaining_backup_codes"`
}

type rateLimitView struct {
	Attempts          int   `json:"attempts"`
	Remaining         int   `json:"remaining"`
	Blocked           bool  `json:"blocked"`
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, messageEnvelope{Message: "ok"})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Ping(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "readiness check failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, messageEnvelope{Message: "ready"})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decode(w, r, &req) {
		return
	}

	var device *session.DeviceInfo
	if req.DeviceName != "" {
		device = &session.DeviceInfo{DeviceName: req.DeviceName}
	}
	res, err := h.engine.Login(r.Context(), tenantauth.LoginRequest{
		TenantID:        req.TenantID,
		Email:           req.Email,
		Password:        req.Password,
		TwoFactorCode:   req.TwoFactorCode,
		TwoFactorMethod: mfa.Method(req.TwoFactorMethod),
		Device:          device,
	})
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authEnvelope{
		TokenPair:       res.Tokens,
		UserID:          res.UserID,
		TenantID:        res.TenantID,
		TwoFactorMethod: res.TwoFactorMethod,
		Session:         res.Session,
	})
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	pair, err := h.engine.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// requestReset answers the same way whether or not the address has an
// account.
func (h *handler) requestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.RequestPasswordReset(r.Context(), req.TenantID, req.Email); err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageEnvelope{Message: "if the account exists, a reset link has been sent"})
}

func (h *handler) confirmReset(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageEnvelope{Message: "password updated"})
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	recs, err := h.engine.ListUserSessions(r.Context(), claims.UserID(), all)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	for _, rec := range recs {
		rec.Current = rec.SessionID == claims.SessionID
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": recs})
}

func (h *handler) sessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.SessionStatistics(r.Context(), mustClaims(r).UserID())
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	if _, err := h.engine.Logout(r.Context(), mustClaims(r).SessionID); err != nil {
		h.httpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) logoutAll(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	except := claims.SessionID
	if keep, err := strconv.ParseBool(r.URL.Query().Get("include_current")); err == nil && keep {
		except = ""
	}
	n, err := h.engine.InvalidateAllUserSessions(r.Context(), claims.UserID(), except, session.ReasonLogoutAll)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

// revokeSession ends one of the caller's own sessions. Sessions of other
// users look like missing ones.
func (h *handler) revokeSession(w http.ResponseWriter, r *http.Request) {
	claims := mustClaims(r)
	rec, err := h.engine.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	if rec.UserID != claims.UserID() {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if _, err := h.engine.InvalidateSession(r.Context(), rec.SessionID, session.ReasonLogout); err != nil {
		h.httpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.ChangePassword(r.Context(), mustClaims(r).UserID(), req.CurrentPassword, req.NewPassword); err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messageEnvelope{Message: "password updated"})
}

func (h *handler) twoFactorConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mustClaims(r).UserID()

	cfg, err := h.engine.TwoFactorConfig(ctx, userID)
	if errors.Is(err, tenantauth.ErrTwoFactorNotConfigured) {
		writeJSON(w, http.StatusOK, twoFactorView{Methods: []mfa.Method{}})
		return
	}
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	methods, err := h.engine.EnabledTwoFactorMethods(ctx, userID)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	view := twoFactorView{
		Enabled:              len(methods) > 0,
		Methods:              append([]mfa.Method{}, methods...),
		PreferredMethod:      cfg.PreferredMethod,
		TOTPEnabled:          cfg.TOTPEnabled,
		TOTPPending:          cfg.PendingTOTPSecret != "",
		SMSEnabled:           cfg.SMSEnabled,
		RemainingBackupCodes: len(cfg.BackupCodes),
	}
	if cfg.PhoneNumber != "" {
		view.PhoneNumber = notify.MaskRecipient(cfg.PhoneNumber)
	}
	if cfg.PendingPhoneNumber != "" {
		view.PendingPhoneNumber = notify.MaskRecipient(cfg.PendingPhoneNumber)
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) setPreferred(w http.ResponseWriter, r *http.Request) {
	var req preferredRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SetPreferredTwoFactorMethod(r.Context(), mustClaims(r).UserID(), mfa.Method(req.Method)); err != nil {
		h.httpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setupTOTP(w http.ResponseWriter, r *http.Request) {
	setup, err := h.engine.SetupTOTP(r.Context(), mustClaims(r).UserID())
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

func (h *handler) verifyTOTPSetup(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	codes, err := h.engine.VerifyTOTPSetup(r.Context(), mustClaims(r).UserID(), req.Code)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesEnvelope{BackupCodes: codes})
}

func (h *handler) disableTOTP(w http.ResponseWriter, r *http.Request) {
	h.disable(w, r, h.engine.DisableTOTP)
}

func (h *handler) setupSMS(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SetupSMS(r.Context(), mustClaims(r).UserID(), req.PhoneNumber); err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageEnvelope{Message: "verification code sent"})
}

func (h *handler) sendSMS(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.SendSMSOTP(r.Context(), mustClaims(r).UserID()); err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, messageEnvelope{Message: "code sent"})
}

func (h *handler) verifySMSSetup(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if !decode(w, r, &req) {
		return
	}
	codes, err := h.engine.VerifySMSSetup(r.Context(), mustClaims(r).UserID(), req.Code)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesEnvelope{BackupCodes: codes})
}

func (h *handler) disableSMS(w http.ResponseWriter, r *http.Request) {
	h.disable(w, r, h.engine.DisableSMS)
}

func (h *handler) disable(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID string) (bool, error)) {
	ok, err := fn(r.Context(), mustClaims(r).UserID())
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "factor not configured")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) regenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.engine.RegenerateBackupCodes(r.Context(), mustClaims(r).UserID())
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, backupCodesEnvelope{BackupCodes: codes})
}

func (h *handler) securityReport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.SecurityReport())
}

func (h *handler) rateLimitStatus(w http.ResponseWriter, r *http.Request) {
	limit, identifier, ok := limitParams(w, r)
	if !ok {
		return
	}
	st, err := h.engine.RateLimitStatus(r.Context(), identifier, limit)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rateLimitView{
		Attempts:          st.Attempts,
		Remaining:         st.Remaining,
		Blocked:           st.Blocked,
		RetryAfterSeconds: retrySeconds(st.RetryAfter),
	})
}

func (h *handler) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	limit, identifier, ok := limitParams(w, r)
	if !ok {
		return
	}
	if err := h.engine.ResetRateLimit(r.Context(), identifier, limit); err != nil {
		h.httpError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) revokeUserSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.InvalidateAllUserSessions(r.Context(), chi.URLParam(r, "id"), "", session.ReasonSecurity)
	if err != nil {
		h.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}

func limitParams(w http.ResponseWriter, r *http.Request) (ratelimit.LimitType, string, bool) {
	limit := ratelimit.LimitType(chi.URLParam(r, "type"))
	switch limit {
	case ratelimit.Login, ratelimit.TwoFactor, ratelimit.PasswordReset, ratelimit.OTPSend, ratelimit.APICall:
	default:
		writeError(w, http.StatusBadRequest, "unknown limit type")
		return "", "", false
	}
	identifier := chi.URLParam(r, "identifier")
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier required")
		return "", "", false
	}
	return limit, identifier, true
}

// mustClaims is only called behind middleware.RequireAuth.
func mustClaims(r *http.Request) *jwt.Claims {
	claims, ok := tenantauth.ClaimsFromContext(r.Context())
	if !ok {
		panic("tenantauthd: handler mounted without RequireAuth")
	}
	return claims
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusUnprocessableEntity, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// httpError maps engine errors to status codes. Anything unknown is logged
// and reported as a 500 without detail.
func (h *handler) httpError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenantauth.ErrRateLimited):
		if wait, ok := tenantauth.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds(wait), 10))
		}
		writeJSON(w, http.StatusTooManyRequests, messageEnvelope{Error: "too many attempts", Code: "rate_limited"})
	case errors.Is(err, tenantauth.ErrTwoFactorRequired):
		writeJSON(w, http.StatusUnauthorized, messageEnvelope{Error: "two-factor code required", Code: "two_factor_required"})
	case errors.Is(err, tenantauth.ErrInvalidCredentials),
		errors.Is(err, tenantauth.ErrTwoFactorInvalid),
		errors.Is(err, tenantauth.ErrTokenInvalid),
		errors.Is(err, tenantauth.ErrTokenExpired),
		errors.Is(err, tenantauth.ErrWrongTokenType),
		errors.Is(err, tenantauth.ErrSessionExpired),
		errors.Is(err, tenantauth.ErrSessionInactive):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, tenantauth.ErrResetTokenInvalid):
		writeError(w, http.StatusBadRequest, "invalid or expired reset token")
	case errors.Is(err, tenantauth.ErrPasswordPolicy),
		errors.Is(err, tenantauth.ErrPasswordReuse),
		errors.Is(err, tenantauth.ErrInvalidPhone),
		errors.Is(err, tenantauth.ErrInvalidEmail):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, tenantauth.ErrTwoFactorNotConfigured):
		writeError(w, http.StatusConflict, "two-factor not configured")
	case errors.Is(err, tenantauth.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, tenantauth.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, tenantauth.ErrNotificationFailed):
		writeError(w, http.StatusBadGateway, "could not deliver message")
	case errors.Is(err, tenantauth.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func retrySeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageEnvelope{Error: msg})
}
