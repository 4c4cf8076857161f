package mfa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/notify"
)

const (
	configPrefix = "mfa:cfg:"
	otpPrefix    = "mfa:otp:"
)

const (
	DefaultIssuer           = "LLM-App-SaaS"
	DefaultOTPLength        = 6
	DefaultOTPTTL           = 5 * time.Minute
	DefaultBackupCodeCount  = 10
	DefaultBackupCodeLength = 8
)

// Settings tunes the manager. Zero values take the defaults above.
type Settings struct {
	Issuer           string        `toml:"issuer"`
	OTPLength        int           `toml:"otp_length"`
	OTPTTL           time.Duration `toml:"otp_ttl"`
	BackupCodeCount  int           `toml:"backup_code_count"`
	BackupCodeLength int           `toml:"backup_code_length"`
}

func (s Settings) withDefaults() Settings {
	if s.Issuer == "" {
		s.Issuer = DefaultIssuer
	}
	if s.OTPLength == 0 {
		s.OTPLength = DefaultOTPLength
	}
	if s.OTPTTL == 0 {
		s.OTPTTL = DefaultOTPTTL
	}
	if s.BackupCodeCount == 0 {
		s.BackupCodeCount = DefaultBackupCodeCount
	}
	if s.BackupCodeLength == 0 {
		s.BackupCodeLength = DefaultBackupCodeLength
	}
	return s
}

func (s Settings) validate() error {
	switch {
	case s.OTPLength < 6 || s.OTPLength > 10:
		return fmt.Errorf("%w: otp length must be in [6,10]", ErrInvalidConfig)
	case s.OTPTTL < time.Minute:
		return fmt.Errorf("%w: otp ttl must be >= 1m", ErrInvalidConfig)
	case s.BackupCodeCount < 1:
		return fmt.Errorf("%w: backup code count must be >= 1", ErrInvalidConfig)
	case s.BackupCodeLength < 8 || s.BackupCodeLength%2 != 0:
		return fmt.Errorf("%w: backup code length must be even and >= 8", ErrInvalidConfig)
	}
	return nil
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager owns per-user two-factor state: TOTP enrollment, SMS OTP
// delivery, and backup codes. Every state change is a single compare and
// swap on the user's config record.
type Manager struct {
	store    kv.Store
	notifier notify.Notifier
	settings Settings
	validate *validator.Validate
	now      func() time.Time
	logger   *slog.Logger
}

func NewManager(store kv.Store, notifier notify.Notifier, settings Settings, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if notifier == nil {
		return nil, fmt.Errorf("%w: notifier is required", ErrInvalidConfig)
	}
	settings = settings.withDefaults()
	if err := settings.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:    store,
		notifier: notifier,
		settings: settings,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) Settings() Settings { return m.settings }

// GetConfig returns the user's configuration with secret material removed,
// or nil when the user never started enrollment.
func (m *Manager) GetConfig(ctx context.Context, userID string) (*UserConfig, error) {
	cfg, err := m.load(ctx, userID)
	if err != nil || cfg == nil {
		return nil, err
	}
	return cfg.redacted(), nil
}

func (m *Manager) IsEnabled(ctx context.Context, userID string) (bool, error) {
	cfg, err := m.load(ctx, userID)
	if err != nil || cfg == nil {
		return false, err
	}
	return cfg.Enabled(), nil
}

func (m *Manager) EnabledMethods(ctx context.Context, userID string) ([]Method, error) {
	cfg, err := m.load(ctx, userID)
	if err != nil || cfg == nil {
		return nil, err
	}
	return cfg.EnabledMethods(), nil
}

// SetPreferredMethod picks which enabled factor Verify tries first.
func (m *Manager) SetPreferredMethod(ctx context.Context, userID string, method Method) error {
	var found bool
	err := m.update(ctx, userID, func(cur *UserConfig, now time.Time) (*UserConfig, bool, error) {
		found = cur != nil
		if cur == nil {
			return nil, false, nil
		}
		if !cur.MethodEnabled(method) {
			return nil, false, fmt.Errorf("%w: %q is not enabled", ErrInvalidMethod, method)
		}
		next := *cur
		next.PreferredMethod = method
		next.UpdatedAt = now
		return &next, true, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return ErrNotConfigured
	}
	return nil
}

// Verify checks code against the user's factors. An explicit, enabled
// method (or MethodBackup) is the only one tried. Otherwise the preferred method goes first,
// then the other enabled method, then backup codes. The method that matched
// is returned.
func (m *Manager) Verify(ctx context.Context, userID, code string, method Method) (Method, error) {
	cfg, err := m.load(ctx, userID)
	if err != nil {
		return "", err
	}
	if cfg == nil || !cfg.Enabled() {
		return "", ErrNotEnabled
	}

	if method == MethodBackup || (method != "" && cfg.MethodEnabled(method)) {
		ok, err := m.verifyMethod(ctx, userID, code, method)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", ErrInvalidCode
		}
		return method, nil
	}

	order := make([]Method, 0, 3)
	if cfg.MethodEnabled(cfg.PreferredMethod) {
		order = append(order, cfg.PreferredMethod)
	}
	for _, mth := range cfg.EnabledMethods() {
		if mth != cfg.PreferredMethod {
			order = append(order, mth)
		}
	}
	order = append(order, MethodBackup)

	for _, mth := range order {
		ok, err := m.verifyMethod(ctx, userID, code, mth)
		if err != nil {
			return "", err
		}
		if ok {
			return mth, nil
		}
	}
	return "", ErrInvalidCode
}

func (m *Manager) verifyMethod(ctx context.Context, userID, code string, method Method) (bool, error) {
	switch method {
	case MethodTOTP:
		return m.VerifyTOTP(ctx, userID, code)
	case MethodSMS:
		return m.VerifySMSOTP(ctx, userID, code)
	case MethodBackup:
		return m.VerifyBackupCode(ctx, userID, code)
	default:
		return false, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
}

func (m *Manager) load(ctx context.Context, userID string) (*UserConfig, error) {
	cfg, err := kv.GetJSON[UserConfig](ctx, m.store, configKey(userID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, m.wrap(err)
	}
	return cfg, nil
}

// update runs fn as one CAS on the config record. fn may be retried.
func (m *Manager) update(ctx context.Context, userID string, fn func(cur *UserConfig, now time.Time) (*UserConfig, bool, error)) error {
	err := kv.UpdateJSON(ctx, m.store, configKey(userID), func(cur *UserConfig) (*UserConfig, bool, time.Duration, error) {
		next, write, err := fn(cur, m.now())
		return next, write, 0, err
	})
	return m.wrap(err)
}

func (m *Manager) wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kv.ErrUnavailable), errors.Is(err, kv.ErrConflict):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	default:
		return err
	}
}

func newConfig(userID string, now time.Time) *UserConfig {
	return &UserConfig{UserID: userID, CreatedAt: now, UpdatedAt: now}
}

func configKey(userID string) string { return configPrefix + userID }
func otpKey(userID string) string    { return otpPrefix + userID }
