package tenantauth

import (
	"context"
	"log/slog"

	"github.com/Torutesu/tenantauth/jwt"
	"github.com/Torutesu/tenantauth/session"
)

// TokenPair is what a successful login or refresh hands to the client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64  `json:"expires_in"`
	SessionID string `json:"session_id,omitempty"`
}

// IssueTokens mints an access and refresh token for userID. Roles, email
// and permissions come from the IdentityProvider. A non-empty sessionID
// must name an active session of the same user and is bound to both tokens.
func (e *Engine) IssueTokens(ctx context.Context, userID, sessionID string) (*TokenPair, error) {
	op := newOperation("issue_tokens").
		withUser(userID, "").
		withMetrics(MetricTokenIssued, metricNone)
	op.SessionID = sessionID

	var pair *TokenPair
	err := e.run(ctx, op, func(ctx context.Context) error {
		pair = nil
		id, err := e.identity(ctx, userID)
		if err != nil {
			return err
		}
		op.TenantID = id.TenantID

		if sessionID != "" {
			rec, err := e.sessions.GetSession(ctx, sessionID)
			if err != nil {
				return err
			}
			if rec.UserID != userID {
				return session.ErrSessionNotFound
			}
			if err := e.checkSessionLive(ctx, rec); err != nil {
				return err
			}
		}

		pair, err = e.issueTokens(id, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

func (e *Engine) issueTokens(id *Identity, sessionID string) (*TokenPair, error) {
	access, err := e.tokens.CreateAccessToken(id.UserID, id.TenantID, id.Email, id.Roles, e.permissionsFor(id), jwt.WithSessionID(sessionID))
	if err != nil {
		return nil, err
	}
	refresh, err := e.tokens.CreateRefreshToken(id.UserID, id.TenantID, jwt.WithSessionID(sessionID))
	if err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(e.tokens.AccessTTL().Seconds()),
		SessionID:    sessionID,
	}, nil
}

// VerifyToken checks signature, expiry, issuer and audience. Tokens bound to
// a session are rejected once that session is invalidated or expired. It
// does not run the interceptor chain since it sits on every request path.
func (e *Engine) VerifyToken(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := e.verifyToken(ctx, token)
	if err != nil {
		e.metrics.Inc(MetricTokenRejected)
		return nil, mapError(err)
	}
	return claims, nil
}

// VerifyAccessToken is VerifyToken restricted to access tokens.
func (e *Engine) VerifyAccessToken(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := e.VerifyToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != jwt.TokenTypeAccess {
		e.metrics.Inc(MetricTokenRejected)
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

func (e *Engine) verifyToken(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, err := e.tokens.VerifyToken(token)
	if err != nil {
		return nil, err
	}
	if claims.SessionID == "" {
		return claims, nil
	}
	rec, err := e.sessions.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != claims.Subject || rec.TenantID != claims.TenantID {
		return nil, jwt.ErrTokenInvalid
	}
	if err := e.checkSessionLive(ctx, rec); err != nil {
		return nil, err
	}
	return claims, nil
}

// RefreshAccessToken mints a new access token from a refresh token. The
// identity is fetched again so role and permission changes take effect,
// and a bound session has its activity bumped. The refresh token is
// returned unchanged.
func (e *Engine) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	op := newOperation("refresh_token").
		withAudit(auditEventTokenRefresh).
		withMetrics(MetricTokenRefreshed, MetricTokenRejected)

	var pair *TokenPair
	err := e.run(ctx, op, func(ctx context.Context) error {
		pair = nil
		claims, err := e.tokens.VerifyToken(refreshToken)
		if err != nil {
			return err
		}
		if claims.TokenType != jwt.TokenTypeRefresh {
			return jwt.ErrWrongTokenType
		}
		op.UserID = claims.Subject
		op.TenantID = claims.TenantID
		op.SessionID = claims.SessionID

		if claims.SessionID != "" {
			rec, err := e.sessions.ValidateSession(ctx, claims.SessionID)
			if err != nil {
				return err
			}
			if rec.UserID != claims.Subject {
				return jwt.ErrTokenInvalid
			}
		}

		id, err := e.identity(ctx, claims.Subject)
		if err != nil {
			return err
		}
		if id.TenantID != claims.TenantID {
			return jwt.ErrTokenInvalid
		}

		access, _, err := e.tokens.RefreshAccessToken(refreshToken, jwt.WithIdentity(id.Email, id.Roles, e.permissionsFor(id)))
		if err != nil {
			return err
		}
		pair = &TokenPair{
			AccessToken:  access,
			RefreshToken: refreshToken,
			TokenType:    "Bearer",
			ExpiresIn:    int64(e.tokens.AccessTTL().Seconds()),
			SessionID:    claims.SessionID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// checkSessionLive rejects inactive or expired sessions. An expired session
// that is still marked active is invalidated with ReasonExpired.
func (e *Engine) checkSessionLive(ctx context.Context, rec *session.Record) error {
	if !rec.Active {
		return session.ErrSessionInactive
	}
	if rec.ExpiredAt(e.now()) {
		if _, err := e.sessions.InvalidateSession(ctx, rec.SessionID, session.ReasonExpired); err != nil {
			e.logger.WarnContext(ctx, "expire session failed", slog.String("session_id", rec.SessionID), slog.Any("error", err))
		}
		return session.ErrSessionExpired
	}
	return nil
}
