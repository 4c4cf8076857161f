package session

import "time"

// Reason records why a session stopped being active.
type Reason string

const (
	ReasonLogout          Reason = "logout"
	ReasonLogoutAll       Reason = "logout_all"
	ReasonExpired         Reason = "expired"
	ReasonLimitExceeded   Reason = "session_limit_exceeded"
	ReasonPasswordChanged Reason = "password_changed"
	ReasonPasswordReset   Reason = "password_reset"
	ReasonSecurity        Reason = "security"
)

// DeviceInfo describes the client that opened a session. Every field is
// optional.
type DeviceInfo struct {
	UserAgent  string `json:"user_agent,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	OS         string `json:"os,omitempty"`
	Browser    string `json:"browser,omitempty"`
	Location   string `json:"location,omitempty"`
}

// Record is the persisted session. Records are never deleted on
// invalidation; they stay inactive until CleanupExpiredSessions purges them
// after the retention window.
type Record struct {
	SessionID      string     `json:"session_id"`
	UserID         string     `json:"user_id"`
	TenantID       string     `json:"tenant_id"`
	Device         DeviceInfo `json:"device"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Active         bool       `json:"active"`
	Current        bool       `json:"current"`
	InvalidatedAt  time.Time  `json:"invalidated_at,omitzero"`
	Reason         Reason     `json:"reason,omitempty"`
}

func (r *Record) ExpiredAt(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Duration is the time between creation and the last recorded activity.
func (r *Record) Duration() time.Duration {
	return r.LastActivityAt.Sub(r.CreatedAt)
}

func (r *Record) invalidate(reason Reason, now time.Time) {
	r.Active = false
	r.InvalidatedAt = now
	r.Reason = reason
}

// terminatedAt returns when the session stopped being usable, or false if
// it is still live.
func (r *Record) terminatedAt(now time.Time) (time.Time, bool) {
	if !r.Active && !r.InvalidatedAt.IsZero() {
		return r.InvalidatedAt, true
	}
	if r.ExpiredAt(now) {
		return r.ExpiresAt, true
	}
	return time.Time{}, false
}

// Statistics summarizes every session a user still has on record.
type Statistics struct {
	TotalSessions        int      `json:"total_sessions"`
	ActiveSessions       int      `json:"active_sessions"`
	ExpiredSessions      int      `json:"expired_sessions"`
	InvalidatedSessions  int      `json:"invalidated_sessions"`
	AverageDurationHours float64  `json:"average_duration_hours"`
	Devices              []string `json:"devices"`
	Locations            []string `json:"locations"`
}
