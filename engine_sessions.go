package tenantauth

import (
	"context"
	"strconv"
	"time"

	"github.com/Torutesu/tenantauth/session"
)

// CreateSession opens a session for userID. Device fields left empty are
// filled from the request context (WithClientIP, WithUserAgent). When the
// user is over the session limit the least recently active sessions are
// invalidated.
func (e *Engine) CreateSession(ctx context.Context, userID, tenantID string, device *session.DeviceInfo) (*session.Record, error) {
	op := newOperation("create_session").
		withUser(userID, tenantID).
		withMetrics(MetricSessionCreated, metricNone)

	var rec *session.Record
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		rec, err = e.sessions.CreateSession(ctx, userID, tenantID, deviceFromContext(ctx, device), true)
		if err == nil {
			op.SessionID = rec.SessionID
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetSession returns the record without touching its activity.
func (e *Engine) GetSession(ctx context.Context, sessionID string) (*session.Record, error) {
	rec, err := e.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, mapError(err)
	}
	return rec, nil
}

// ValidateSession checks that a session is usable and records activity.
func (e *Engine) ValidateSession(ctx context.Context, sessionID string) (*session.Record, error) {
	op := newOperation("validate_session").withMetrics(metricNone, MetricSessionRejected)
	op.SessionID = sessionID

	var rec *session.Record
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		rec, err = e.sessions.ValidateSession(ctx, sessionID)
		if err == nil {
			op.UserID = rec.UserID
			op.TenantID = rec.TenantID
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// InvalidateSession ends one session. The result is false when the session
// did not exist or was already inactive. An empty reason means logout.
func (e *Engine) InvalidateSession(ctx context.Context, sessionID string, reason session.Reason) (bool, error) {
	if reason == "" {
		reason = session.ReasonLogout
	}
	op := newOperation("invalidate_session").
		withAudit(auditEventSessionInvalidated).
		withMetrics(MetricSessionInvalidated, metricNone)
	op.SessionID = sessionID
	op.set("reason", string(reason))

	var changed bool
	err := e.run(ctx, op, func(ctx context.Context) error {
		if rec, err := e.sessions.GetSession(ctx, sessionID); err == nil {
			op.UserID = rec.UserID
			op.TenantID = rec.TenantID
		}
		var err error
		changed, err = e.sessions.InvalidateSession(ctx, sessionID, reason)
		return err
	})
	return changed, err
}

// Logout is InvalidateSession with the logout reason.
func (e *Engine) Logout(ctx context.Context, sessionID string) (bool, error) {
	return e.InvalidateSession(ctx, sessionID, session.ReasonLogout)
}

// InvalidateAllUserSessions ends every active session of userID except
// exceptID, which may be empty.
func (e *Engine) InvalidateAllUserSessions(ctx context.Context, userID, exceptID string, reason session.Reason) (int, error) {
	if reason == "" {
		reason = session.ReasonLogoutAll
	}
	op := newOperation("invalidate_all_sessions").
		withUser(userID, "").
		withAudit(auditEventSessionsInvalidated)
	op.SessionID = exceptID
	op.set("reason", string(reason))

	var n int
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = e.sessions.InvalidateAllUserSessions(ctx, userID, exceptID, reason)
		op.set("count", strconv.Itoa(n))
		return err
	})
	return n, err
}

// ListUserSessions returns sessions most recently active first.
func (e *Engine) ListUserSessions(ctx context.Context, userID string, includeInactive bool) ([]*session.Record, error) {
	recs, err := e.sessions.ListUserSessions(ctx, userID, includeInactive)
	if err != nil {
		return nil, mapError(err)
	}
	return recs, nil
}

func (e *Engine) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	n, err := e.sessions.ActiveSessionCount(ctx, userID)
	return n, mapError(err)
}

// RefreshSession extends a live session by extend, or by the session TTL
// when extend is zero.
func (e *Engine) RefreshSession(ctx context.Context, sessionID string, extend time.Duration) (bool, error) {
	op := newOperation("refresh_session")
	op.SessionID = sessionID

	var ok bool
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		ok, err = e.sessions.RefreshSession(ctx, sessionID, extend)
		return err
	})
	return ok, err
}

// CleanupExpiredSessions purges records that ended more than retention ago.
// A zero retention uses the configured window.
func (e *Engine) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int, error) {
	op := newOperation("cleanup_sessions")

	var n int
	err := e.run(ctx, op, func(ctx context.Context) error {
		var err error
		n, err = e.sessions.CleanupExpiredSessions(ctx, retention)
		return err
	})
	return n, err
}

func (e *Engine) SessionStatistics(ctx context.Context, userID string) (*session.Statistics, error) {
	stats, err := e.sessions.Statistics(ctx, userID)
	if err != nil {
		return nil, mapError(err)
	}
	return stats, nil
}

func deviceFromContext(ctx context.Context, device *session.DeviceInfo) *session.DeviceInfo {
	var d session.DeviceInfo
	if device != nil {
		d = *device
	}
	if d.IPAddress == "" {
		d.IPAddress = clientIPFromContext(ctx)
	}
	if d.UserAgent == "" {
		d.UserAgent = userAgentFromContext(ctx)
	}
	if d == (session.DeviceInfo{}) {
		return nil
	}
	return &d
}
