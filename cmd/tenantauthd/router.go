package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/Torutesu/tenantauth"
	"github.com/Torutesu/tenantauth/metrics/export/prometheus"
	"github.com/Torutesu/tenantauth/middleware"
)

// adminPermission guards the operator endpoints.
const adminPermission = "auth.admin"

func newRouter(engine *tenantauth.Engine, logger *slog.Logger) http.Handler {
	h := &handler{engine: engine, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.ClientInfo)

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.ready)
	if engine.Config().Metrics.Enabled {
		r.Handle("/metrics", prometheus.NewPrometheusExporter(engine).Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		// ── Public routes ────────────────────────────────────────────────────
		r.Post("/sessions/login", h.login)
		r.Post("/sessions/refresh", h.refresh)
		r.Post("/password-reset/request", h.requestReset)
		r.Post("/password-reset/confirm", h.confirmReset)

		// ── Authenticated routes ─────────────────────────────────────────────
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(engine))
			r.Use(middleware.RequireTenant)
			r.Use(middleware.RateLimit(engine))

			r.Get("/sessions", h.listSessions)
			r.Get("/sessions/stats", h.sessionStats)
			r.Post("/sessions/logout", h.logout)
			r.Post("/sessions/logout-all", h.logoutAll)
			r.Delete("/sessions/{id}", h.revokeSession)

			r.Post("/password/change", h.changePassword)

			r.Get("/2fa", h.twoFactorConfig)
			r.Put("/2fa/preferred", h.setPreferred)
			r.Post("/2fa/totp/setup", h.setupTOTP)
			r.Post("/2fa/totp/verify", h.verifyTOTPSetup)
			r.Delete("/2fa/totp", h.disableTOTP)
			r.Post("/2fa/sms/setup", h.setupSMS)
			r.Post("/2fa/sms/send", h.sendSMS)
			r.Post("/2fa/sms/verify", h.verifySMSSetup)
			r.Delete("/2fa/sms", h.disableSMS)
			r.Post("/2fa/backup-codes", h.regenerateBackupCodes)

			// Operator routes
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequirePermission(engine, adminPermission))

				r.Get("/admin/security-report", h.securityReport)
				r.Get("/admin/rate-limits/{type}/{identifier}", h.rateLimitStatus)
				r.Delete("/admin/rate-limits/{type}/{identifier}", h.resetRateLimit)
				r.Post("/admin/users/{id}/revoke-sessions", h.revokeUserSessions)
			})
		})
	})

	return r
}
