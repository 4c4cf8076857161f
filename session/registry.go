package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/Torutesu/tenantauth/internal"
	"github.com/Torutesu/tenantauth/internal/kv"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session inactive")
	ErrSessionExpired  = errors.New("session expired")
	ErrUnavailable     = errors.New("session store unavailable")
	ErrInvalidConfig   = errors.New("invalid session configuration")
)

const (
	recordPrefix = "sess:"
	indexPrefix  = "sessu:"

	DefaultTTL                = 168 * time.Hour
	DefaultMaxSessionsPerUser = 10
	DefaultRetention          = 720 * time.Hour

	// backstopSlack keeps the storage TTL behind the retention window so
	// cleanup, not expiry, normally removes records.
	backstopSlack = 24 * time.Hour
)

type Config struct {
	TTL                time.Duration `toml:"ttl"`
	MaxSessionsPerUser int           `toml:"max_sessions_per_user"`
	// RetentionWindow is how long terminated records are kept for listing
	// and statistics before cleanup purges them.
	RetentionWindow time.Duration `toml:"retention_window"`
}

func DefaultConfig() Config {
	return Config{
		TTL:                DefaultTTL,
		MaxSessionsPerUser: DefaultMaxSessionsPerUser,
		RetentionWindow:    DefaultRetention,
	}
}

func (c Config) Validate() error {
	switch {
	case c.TTL <= 0:
		return fmt.Errorf("%w: TTL must be > 0", ErrInvalidConfig)
	case c.MaxSessionsPerUser <= 0:
		return fmt.Errorf("%w: MaxSessionsPerUser must be > 0", ErrInvalidConfig)
	case c.RetentionWindow < 0:
		return fmt.Errorf("%w: RetentionWindow must be >= 0", ErrInvalidConfig)
	}
	return nil
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry tracks sessions per user. Each record change is a single atomic
// store update. Sequences that touch several records of one user (creation
// with eviction, logout-all, index pruning) hold that user's lock.
type Registry struct {
	store  kv.Store
	locks  kv.Locker
	config Config
	now    func() time.Time
	logger *slog.Logger
}

func NewRegistry(store kv.Store, cfg Config, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("session: store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		store:  store,
		config: cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) Config() Config { return r.config }

// CreateSession opens a session and then invalidates the user's least
// recently active sessions until at most MaxSessionsPerUser stay active.
// The new session is never evicted.
func (r *Registry) CreateSession(ctx context.Context, userID, tenantID string, device *DeviceInfo, current bool) (*Record, error) {
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	id, err := internal.NewSessionID()
	if err != nil {
		return nil, err
	}

	now := r.now()
	rec := &Record{
		SessionID:      id,
		UserID:         userID,
		TenantID:       tenantID,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(r.config.TTL),
		Active:         true,
		Current:        current,
	}
	if device != nil {
		rec.Device = *device
		rec.Device.fillFromUserAgent()
	}

	err = kv.UpdateJSON(ctx, r.store, recordKey(id), func(cur *Record) (*Record, bool, time.Duration, error) {
		if cur != nil {
			return nil, false, 0, errors.New("session: id collision")
		}
		return rec, true, r.recordTTL(rec, now), nil
	})
	if err != nil {
		return nil, r.wrap(err)
	}

	if err := r.updateIndex(ctx, userID, func(ids []string) []string {
		return append(ids, id)
	}); err != nil {
		r.discard(ctx, userID, id, false)
		return nil, err
	}

	evicted, err := r.enforceLimit(ctx, userID, id)
	if err != nil {
		r.discard(ctx, userID, id, true)
		return nil, err
	}

	r.logger.InfoContext(ctx, "session created",
		slog.String("session_id", id),
		slog.String("user_id", userID),
		slog.String("tenant_id", tenantID),
		slog.Time("expires_at", rec.ExpiresAt),
		slog.Int("evicted", evicted),
	)
	return rec, nil
}

// discard removes a session whose creation failed half way. When the
// record cannot be deleted it is invalidated instead, so it never counts
// as active.
func (r *Registry) discard(ctx context.Context, userID, id string, indexed bool) {
	ctx = context.WithoutCancel(ctx)
	if _, err := r.store.Delete(ctx, recordKey(id)); err != nil {
		r.logger.WarnContext(ctx, "session rollback failed",
			slog.String("session_id", id),
			slog.Any("error", err),
		)
		_, _ = r.invalidate(ctx, id, ReasonSecurity)
	}
	if !indexed {
		return
	}
	if err := r.updateIndex(ctx, userID, func(ids []string) []string {
		return slices.DeleteFunc(ids, func(s string) bool { return s == id })
	}); err != nil {
		r.logger.WarnContext(ctx, "session index rollback failed",
			slog.String("session_id", id),
			slog.Any("error", err),
		)
	}
}

func (r *Registry) enforceLimit(ctx context.Context, userID, keepID string) (int, error) {
	records, err := r.userRecords(ctx, userID)
	if err != nil {
		return 0, err
	}

	candidates := make([]*Record, 0, len(records))
	active := 0
	for _, rec := range records {
		if !rec.Active {
			continue
		}
		active++
		if rec.SessionID != keepID {
			candidates = append(candidates, rec)
		}
	}

	excess := active - r.config.MaxSessionsPerUser
	if excess <= 0 {
		return 0, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastActivityAt.Before(candidates[j].LastActivityAt)
	})

	evicted := 0
	for _, rec := range candidates {
		if evicted >= excess {
			break
		}
		ok, err := r.invalidate(ctx, rec.SessionID, ReasonLimitExceeded)
		if err != nil {
			return evicted, err
		}
		if ok {
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.InfoContext(ctx, "session limit enforced",
			slog.String("user_id", userID),
			slog.Int("invalidated", evicted),
		)
	}
	return evicted, nil
}

// GetSession returns the record without touching its activity timestamp.
func (r *Registry) GetSession(ctx context.Context, sessionID string) (*Record, error) {
	if !internal.ValidSessionID(sessionID) {
		return nil, ErrSessionNotFound
	}
	rec, err := kv.GetJSON[Record](ctx, r.store, recordKey(sessionID))
	if err != nil {
		return nil, r.wrap(err)
	}
	return rec, nil
}

// ValidateSession checks that the session is active and unexpired and bumps
// its last activity. An expired session is invalidated with ReasonExpired.
func (r *Registry) ValidateSession(ctx context.Context, sessionID string) (*Record, error) {
	if !internal.ValidSessionID(sessionID) {
		return nil, ErrSessionNotFound
	}

	var (
		out     *Record
		outcome error
	)
	err := kv.UpdateJSON(ctx, r.store, recordKey(sessionID), func(cur *Record) (*Record, bool, time.Duration, error) {
		out, outcome = nil, nil
		if cur == nil {
			return nil, false, 0, ErrSessionNotFound
		}
		if !cur.Active {
			return nil, false, 0, ErrSessionInactive
		}

		now := r.now()
		next := *cur
		if next.ExpiredAt(now) {
			next.invalidate(ReasonExpired, now)
			outcome = ErrSessionExpired
			return &next, true, r.recordTTL(&next, now), nil
		}

		next.LastActivityAt = now
		out = &next
		return &next, true, r.recordTTL(&next, now), nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionInactive) {
			r.logger.WarnContext(ctx, "session inactive", slog.String("session_id", sessionID))
		}
		return nil, r.wrap(err)
	}
	if outcome != nil {
		r.logger.WarnContext(ctx, "session expired", slog.String("session_id", sessionID))
		return nil, outcome
	}
	return out, nil
}

// InvalidateSession deactivates a session. It reports false when the session
// is missing or already inactive.
func (r *Registry) InvalidateSession(ctx context.Context, sessionID string, reason Reason) (bool, error) {
	if !internal.ValidSessionID(sessionID) {
		return false, nil
	}
	if reason == "" {
		reason = ReasonLogout
	}
	ok, err := r.invalidate(ctx, sessionID, reason)
	if err != nil {
		return false, err
	}
	if ok {
		r.logger.InfoContext(ctx, "session invalidated",
			slog.String("session_id", sessionID),
			slog.String("reason", string(reason)),
		)
	}
	return ok, nil
}

func (r *Registry) invalidate(ctx context.Context, sessionID string, reason Reason) (bool, error) {
	changed := false
	err := kv.UpdateJSON(ctx, r.store, recordKey(sessionID), func(cur *Record) (*Record, bool, time.Duration, error) {
		changed = false
		if cur == nil || !cur.Active {
			return nil, false, 0, nil
		}
		now := r.now()
		next := *cur
		next.invalidate(reason, now)
		changed = true
		return &next, true, r.recordTTL(&next, now), nil
	})
	if err != nil {
		return false, r.wrap(err)
	}
	return changed, nil
}

// InvalidateAllUserSessions deactivates every active session of userID
// except exceptID and returns how many changed.
func (r *Registry) InvalidateAllUserSessions(ctx context.Context, userID, exceptID string, reason Reason) (int, error) {
	if reason == "" {
		reason = ReasonLogoutAll
	}

	unlock := r.locks.Lock(userID)
	defer unlock()

	ids, err := r.index(ctx, userID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		if id == exceptID {
			continue
		}
		ok, err := r.invalidate(ctx, id, reason)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}

	r.logger.InfoContext(ctx, "user sessions invalidated",
		slog.String("user_id", userID),
		slog.Int("count", count),
		slog.String("reason", string(reason)),
	)
	return count, nil
}

// ListUserSessions returns the user's sessions, most recently active first.
func (r *Registry) ListUserSessions(ctx context.Context, userID string, includeInactive bool) ([]*Record, error) {
	records, err := r.userRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, rec := range records {
		if includeInactive || rec.Active {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// ActiveSessionCount counts active sessions that have not yet expired.
func (r *Registry) ActiveSessionCount(ctx context.Context, userID string) (int, error) {
	records, err := r.userRecords(ctx, userID)
	if err != nil {
		return 0, err
	}
	now := r.now()
	n := 0
	for _, rec := range records {
		if rec.Active && !rec.ExpiredAt(now) {
			n++
		}
	}
	return n, nil
}

// RefreshSession pushes the expiry out by extend, or by the configured TTL
// when extend is zero. Inactive and expired sessions are not refreshed.
func (r *Registry) RefreshSession(ctx context.Context, sessionID string, extend time.Duration) (bool, error) {
	if !internal.ValidSessionID(sessionID) {
		return false, nil
	}
	if extend <= 0 {
		extend = r.config.TTL
	}

	refreshed := false
	err := kv.UpdateJSON(ctx, r.store, recordKey(sessionID), func(cur *Record) (*Record, bool, time.Duration, error) {
		refreshed = false
		now := r.now()
		if cur == nil || !cur.Active || cur.ExpiredAt(now) {
			return nil, false, 0, nil
		}
		next := *cur
		next.ExpiresAt = now.Add(extend)
		next.LastActivityAt = now
		refreshed = true
		return &next, true, r.recordTTL(&next, now), nil
	})
	if err != nil {
		return false, r.wrap(err)
	}
	if refreshed {
		r.logger.InfoContext(ctx, "session refreshed", slog.String("session_id", sessionID))
	}
	return refreshed, nil
}

// CleanupExpiredSessions purges records terminated longer than retention
// ago. A zero retention uses the configured window.
func (r *Registry) CleanupExpiredSessions(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = r.config.RetentionWindow
	}

	var candidates []string
	err := r.store.Scan(ctx, recordPrefix, func(key string, _ []byte) error {
		candidates = append(candidates, key)
		return nil
	})
	if err != nil {
		return 0, r.wrap(err)
	}

	removed := 0
	byUser := make(map[string][]string)
	for _, key := range candidates {
		var purged *Record
		err := kv.UpdateJSON(ctx, r.store, key, func(cur *Record) (*Record, bool, time.Duration, error) {
			purged = nil
			if cur == nil {
				return nil, false, 0, nil
			}
			now := r.now()
			ended, ok := cur.terminatedAt(now)
			if !ok || now.Sub(ended) <= retention {
				return nil, false, 0, nil
			}
			purged = cur
			return nil, true, 0, nil
		})
		if err != nil {
			return removed, r.wrap(err)
		}
		if purged != nil {
			removed++
			byUser[purged.UserID] = append(byUser[purged.UserID], purged.SessionID)
		}
	}

	for userID, ids := range byUser {
		if err := r.pruneIndex(ctx, userID, ids); err != nil {
			return removed, err
		}
	}

	if removed > 0 {
		r.logger.InfoContext(ctx, "cleaned up expired sessions", slog.Int("count", removed))
	}
	return removed, nil
}

func (r *Registry) pruneIndex(ctx context.Context, userID string, ids []string) error {
	unlock := r.locks.Lock(userID)
	defer unlock()
	return r.updateIndex(ctx, userID, func(cur []string) []string {
		return slices.DeleteFunc(cur, func(id string) bool {
			return slices.Contains(ids, id)
		})
	})
}

// Statistics aggregates over every record the user still has on file.
func (r *Registry) Statistics(ctx context.Context, userID string) (*Statistics, error) {
	records, err := r.userRecords(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	stats := &Statistics{
		TotalSessions: len(records),
		Devices:       []string{},
		Locations:     []string{},
	}
	var total time.Duration
	for _, rec := range records {
		expired := rec.ExpiredAt(now)
		switch {
		case expired:
			stats.ExpiredSessions++
		case rec.Active:
			stats.ActiveSessions++
		default:
			stats.InvalidatedSessions++
		}
		total += rec.Duration()
		if d := rec.Device.DeviceType; d != "" && !slices.Contains(stats.Devices, d) {
			stats.Devices = append(stats.Devices, d)
		}
		if l := rec.Device.Location; l != "" && !slices.Contains(stats.Locations, l) {
			stats.Locations = append(stats.Locations, l)
		}
	}
	if len(records) > 0 {
		hours := total.Hours() / float64(len(records))
		stats.AverageDurationHours = math.Round(hours*100) / 100
	}
	slices.Sort(stats.Devices)
	slices.Sort(stats.Locations)
	return stats, nil
}

// userRecords loads every record listed in the user's index. Ids whose
// record is gone are skipped.
func (r *Registry) userRecords(ctx context.Context, userID string) ([]*Record, error) {
	ids, err := r.index(ctx, userID)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := kv.GetJSON[Record](ctx, r.store, recordKey(id))
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, r.wrap(err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func (r *Registry) index(ctx context.Context, userID string) ([]string, error) {
	ids, err := kv.GetJSON[[]string](ctx, r.store, indexKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap(err)
	}
	return *ids, nil
}

func (r *Registry) updateIndex(ctx context.Context, userID string, fn func([]string) []string) error {
	err := kv.UpdateJSON(ctx, r.store, indexKey(userID), func(cur *[]string) (*[]string, bool, time.Duration, error) {
		var ids []string
		if cur != nil {
			ids = slices.Clone(*cur)
		}
		ids = fn(ids)
		if len(ids) == 0 {
			return nil, true, 0, nil
		}
		return &ids, true, 0, nil
	})
	return r.wrap(err)
}

// recordTTL is a storage backstop so abandoned records disappear even if
// cleanup never runs.
func (r *Registry) recordTTL(rec *Record, now time.Time) time.Duration {
	end := rec.ExpiresAt
	if !rec.Active && !rec.InvalidatedAt.IsZero() {
		end = rec.InvalidatedAt
	}
	ttl := end.Sub(now) + r.config.RetentionWindow + backstopSlack
	if ttl <= 0 {
		return time.Second
	}
	return ttl
}

func (r *Registry) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kv.ErrNotFound):
		return ErrSessionNotFound
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionInactive), errors.Is(err, ErrSessionExpired):
		return err
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, kv.ErrConflict):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

func recordKey(id string) string  { return recordPrefix + id }
func indexKey(user string) string { return indexPrefix + user }
