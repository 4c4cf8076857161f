package reset

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Torutesu/tenantauth/internal"
	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/notify"
)

const (
	tokenPrefix = "rst:tok:"
	userPrefix  = "rst:user:"

	// records outlive their expiry so CleanupExpiredTokens can account for
	// them; the kv TTL is only a backstop
	retention = 24 * time.Hour
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultTokenBytes = 32
	DefaultBaseURL    = "http://localhost:3000"
	DefaultAppName    = "LLM-App-SaaS"
)

var (
	// ErrTokenInvalid covers unknown, used, and expired tokens alike.
	ErrTokenInvalid   = errors.New("reset: invalid or expired token")
	ErrInvalidEmail   = errors.New("reset: invalid email")
	ErrDispatchFailed = errors.New("reset: email dispatch failed")
	ErrUnavailable    = errors.New("reset: store unavailable")
	ErrInvalidConfig  = errors.New("reset: invalid configuration")
)

type Config struct {
	TTL        time.Duration `toml:"ttl"`
	TokenBytes int           `toml:"token_bytes"`
	BaseURL    string        `toml:"base_url"`
	AppName    string        `toml:"app_name"`
}

func DefaultConfig() Config {
	return Config{
		TTL:        DefaultTTL,
		TokenBytes: DefaultTokenBytes,
		BaseURL:    DefaultBaseURL,
		AppName:    DefaultAppName,
	}
}

func (c Config) Validate() error {
	if c.TTL < time.Minute {
		return fmt.Errorf("%w: ttl must be >= 1m", ErrInvalidConfig)
	}
	if c.TokenBytes < 16 {
		return fmt.Errorf("%w: token bytes must be >= 16", ErrInvalidConfig)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: base url must be absolute", ErrInvalidConfig)
	}
	return nil
}

// Token is the stored form of a reset token. The raw value exists only in
// the email link.
type Token struct {
	TokenHash string    `json:"token_hash"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
	UsedAt    time.Time `json:"used_at,omitzero"`
}

func (t *Token) usableAt(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// HashFunc derives the stored credential from a new password.
type HashFunc func(password string) (string, error)

// Result is handed back to the caller, which commits PasswordHash and
// revokes the user's sessions.
type Result struct {
	UserID       string
	Email        string
	PasswordHash string
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store issues and redeems single-use password reset tokens. At most one
// token per user is active; requesting a new one invalidates the previous.
type Store struct {
	kv       kv.Store
	notifier notify.Notifier
	config   Config
	validate *validator.Validate
	locks    kv.Locker
	now      func() time.Time
	logger   *slog.Logger
}

func NewStore(store kv.Store, notifier notify.Notifier, cfg Config, opts ...Option) (*Store, error) {
	if store == nil || notifier == nil {
		return nil, fmt.Errorf("%w: store and notifier are required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.AppName == "" {
		cfg.AppName = DefaultAppName
	}
	s := &Store{
		kv:       store,
		notifier: notifier,
		config:   cfg,
		validate: validator.New(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Config() Config { return s.config }

// RequestReset invalidates any active token for userID, stores a new one,
// and emails the reset link. When the email cannot be sent the token stays
// valid and ErrDispatchFailed is returned.
func (s *Store) RequestReset(ctx context.Context, userID, email string) error {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return ErrInvalidEmail
	}

	raw, err := internal.NewURLToken(s.config.TokenBytes)
	if err != nil {
		return fmt.Errorf("reset: generate token: %w", err)
	}
	now := s.now()
	tok := &Token{
		TokenHash: internal.HashToken(raw),
		UserID:    userID,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TTL),
	}

	if err := s.rotate(ctx, userID, tok); err != nil {
		return err
	}

	link := s.config.BaseURL + "/reset-password?token=" + url.QueryEscape(raw)
	if err := s.notifier.Send(ctx, notify.ChannelEmail, email, resetEmail(s.config.AppName, link, tok.ExpiresAt)); err != nil {
		s.logger.WarnContext(ctx, "password reset email failed",
			slog.String("user_id", userID),
			slog.String("email", notify.MaskRecipient(email)),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	s.logger.InfoContext(ctx, "password reset requested",
		slog.String("user_id", userID),
		slog.String("email", notify.MaskRecipient(email)),
	)
	return nil
}

// rotate replaces the user's active token under the user lock.
func (s *Store) rotate(ctx context.Context, userID string, tok *Token) error {
	unlock := s.locks.Lock(userKey(userID))
	defer unlock()

	if _, err := s.invalidateActive(ctx, userID); err != nil {
		return err
	}
	if err := kv.PutJSON(ctx, s.kv, tokenKey(tok.TokenHash), tok, s.recordTTL(tok)); err != nil {
		return s.wrap(err)
	}
	if err := s.kv.Put(ctx, userKey(userID), []byte(tok.TokenHash), s.recordTTL(tok)); err != nil {
		return s.wrap(err)
	}
	return nil
}

// ValidateToken returns the token when it is known, unused, and unexpired.
// It never mutates state.
func (s *Store) ValidateToken(ctx context.Context, raw string) (*Token, error) {
	if raw == "" {
		return nil, ErrTokenInvalid
	}
	tok, err := kv.GetJSON[Token](ctx, s.kv, tokenKey(internal.HashToken(raw)))
	if errors.Is(err, kv.ErrNotFound) {
		s.logger.WarnContext(ctx, "reset token rejected", slog.String("reason", "not_found"))
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	if tok.Used {
		s.logger.WarnContext(ctx, "reset token rejected",
			slog.String("reason", "used"),
			slog.String("user_id", tok.UserID),
		)
		return nil, ErrTokenInvalid
	}
	if !s.now().Before(tok.ExpiresAt) {
		s.logger.WarnContext(ctx, "reset token rejected",
			slog.String("reason", "expired"),
			slog.String("user_id", tok.UserID),
		)
		return nil, ErrTokenInvalid
	}
	return tok, nil
}

// ResetPassword redeems raw. The token is marked used with a compare and
// swap, so concurrent redemptions yield one success.
func (s *Store) ResetPassword(ctx context.Context, raw, newPassword string, hash HashFunc) (*Result, error) {
	tok, err := s.ValidateToken(ctx, raw)
	if err != nil {
		return nil, err
	}

	encoded, err := hash(newPassword)
	if err != nil {
		return nil, err
	}

	var redeemed bool
	err = kv.UpdateJSON(ctx, s.kv, tokenKey(tok.TokenHash), func(cur *Token) (*Token, bool, time.Duration, error) {
		redeemed = false
		now := s.now()
		if cur == nil || !cur.usableAt(now) {
			return nil, false, 0, nil
		}
		next := *cur
		next.Used = true
		next.UsedAt = now
		redeemed = true
		return &next, true, s.recordTTL(&next), nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	if !redeemed {
		return nil, ErrTokenInvalid
	}

	if err := s.clearPointer(ctx, tok.UserID, tok.TokenHash); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "password reset completed", slog.String("user_id", tok.UserID))

	if err := s.notifier.Send(ctx, notify.ChannelEmail, tok.Email, confirmationEmail(s.config.AppName)); err != nil {
		s.logger.WarnContext(ctx, "password reset confirmation email failed",
			slog.String("user_id", tok.UserID),
			slog.String("error", err.Error()),
		)
	}

	return &Result{UserID: tok.UserID, Email: tok.Email, PasswordHash: encoded}, nil
}

// CancelReset invalidates the user's active token. It reports whether one
// existed.
func (s *Store) CancelReset(ctx context.Context, userID string) (bool, error) {
	unlock := s.locks.Lock(userKey(userID))
	defer unlock()

	ok, err := s.invalidateActive(ctx, userID)
	if err != nil || !ok {
		return ok, err
	}
	s.logger.InfoContext(ctx, "password reset cancelled", slog.String("user_id", userID))
	return true, nil
}

// ActiveToken returns the user's usable token, or nil.
func (s *Store) ActiveToken(ctx context.Context, userID string) (*Token, error) {
	hash, err := s.kv.Get(ctx, userKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	tok, err := kv.GetJSON[Token](ctx, s.kv, tokenKey(string(hash)))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	if !tok.usableAt(s.now()) {
		return nil, nil
	}
	return tok, nil
}

// CleanupExpiredTokens deletes every expired token, used or not, and the
// active pointers that reference them.
func (s *Store) CleanupExpiredTokens(ctx context.Context) (int, error) {
	now := s.now()
	var expired []*Token
	err := s.kv.Scan(ctx, tokenPrefix, func(_ string, value []byte) error {
		var tok Token
		if err := json.Unmarshal(value, &tok); err != nil {
			return nil
		}
		if !now.Before(tok.ExpiresAt) {
			expired = append(expired, &tok)
		}
		return nil
	})
	if err != nil {
		return 0, s.wrap(err)
	}

	removed := 0
	for _, tok := range expired {
		ok, err := s.kv.Delete(ctx, tokenKey(tok.TokenHash))
		if err != nil {
			return removed, s.wrap(err)
		}
		if ok {
			removed++
		}
		if err := s.clearPointer(ctx, tok.UserID, tok.TokenHash); err != nil {
			return removed, err
		}
	}
	if removed > 0 {
		s.logger.InfoContext(ctx, "expired reset tokens removed", slog.Int("count", removed))
	}
	return removed, nil
}

// invalidateActive marks the current token used and drops the pointer.
// Callers hold the user lock.
func (s *Store) invalidateActive(ctx context.Context, userID string) (bool, error) {
	hash, err := s.kv.Get(ctx, userKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap(err)
	}

	err = kv.UpdateJSON(ctx, s.kv, tokenKey(string(hash)), func(cur *Token) (*Token, bool, time.Duration, error) {
		if cur == nil || cur.Used {
			return nil, false, 0, nil
		}
		next := *cur
		next.Used = true
		next.UsedAt = s.now()
		return &next, true, s.recordTTL(&next), nil
	})
	if err != nil {
		return false, s.wrap(err)
	}
	if _, err := s.kv.Delete(ctx, userKey(userID)); err != nil {
		return false, s.wrap(err)
	}
	return true, nil
}

// clearPointer removes the user's pointer only if it still names hash.
func (s *Store) clearPointer(ctx context.Context, userID, hash string) error {
	err := s.kv.Update(ctx, userKey(userID), func(cur []byte, exists bool) (kv.Mutation, error) {
		if exists && string(cur) == hash {
			return kv.Remove(), nil
		}
		return kv.Keep(), nil
	})
	return s.wrap(err)
}

func (s *Store) recordTTL(tok *Token) time.Duration {
	ttl := tok.ExpiresAt.Sub(s.now()) + retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *Store) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, kv.ErrConflict):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

func tokenKey(hash string) string  { return tokenPrefix + hash }
func userKey(userID string) string { return userPrefix + userID }
