package tenantauth

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/Torutesu/tenantauth/jwt"
	"github.com/Torutesu/tenantauth/mfa"
	"github.com/Torutesu/tenantauth/password"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/reset"
	"github.com/Torutesu/tenantauth/session"
)

// Config is the full engine configuration. Start from DefaultConfig and
// override what you need; LoadConfigFromEnv and LoadConfigFile do the same
// from the environment and TOML.
type Config struct {
	JWT           JWTConfig           `envPrefix:"JWT_" toml:"jwt"`
	Session       SessionConfig       `envPrefix:"SESSION_" toml:"session"`
	TwoFactor     TwoFactorConfig     `envPrefix:"TWO_FACTOR_" toml:"two_factor"`
	PasswordReset PasswordResetConfig `envPrefix:"PASSWORD_RESET_" toml:"password_reset"`
	Password      PasswordConfig      `envPrefix:"PASSWORD_" toml:"password"`
	RateLimit     RateLimitConfig     `envPrefix:"RATE_LIMIT_" toml:"rate_limit"`
	Audit         AuditConfig         `envPrefix:"AUDIT_" toml:"audit"`
	Metrics       MetricsConfig       `envPrefix:"METRICS_" toml:"metrics"`
	Permission    PermissionConfig    `envPrefix:"PERMISSION_" toml:"permission"`
	Store         StoreConfig         `envPrefix:"STORE_" toml:"store"`
	Janitor       JanitorConfig       `envPrefix:"JANITOR_" toml:"janitor"`
}

type JWTConfig struct {
	SigningMethod string        `env:"SIGNING_METHOD" toml:"signing_method"`
	Secret        string        `env:"SECRET" toml:"secret"`
	PrivateKey    []byte        `env:"-" toml:"-"`
	PublicKey     []byte        `env:"-" toml:"-"`
	Issuer        string        `env:"ISSUER" toml:"issuer"`
	Audience      string        `env:"AUDIENCE" toml:"audience"`
	AccessTTL     time.Duration `env:"ACCESS_TTL" toml:"access_ttl"`
	RefreshTTL    time.Duration `env:"REFRESH_TTL" toml:"refresh_ttl"`
	Leeway        time.Duration `env:"LEEWAY" toml:"leeway"`
	KeyID         string        `env:"KEY_ID" toml:"key_id"`
}

type SessionConfig struct {
	TTL                time.Duration `env:"TTL" toml:"ttl"`
	MaxSessionsPerUser int           `env:"MAX_PER_USER" toml:"max_per_user"`
	RetentionWindow    time.Duration `env:"RETENTION" toml:"retention"`
}

type TwoFactorConfig struct {
	Issuer           string        `env:"ISSUER" toml:"issuer"`
	OTPLength        int           `env:"OTP_LENGTH" toml:"otp_length"`
	OTPTTL           time.Duration `env:"OTP_TTL" toml:"otp_ttl"`
	BackupCodeCount  int           `env:"BACKUP_CODE_COUNT" toml:"backup_code_count"`
	BackupCodeLength int           `env:"BACKUP_CODE_LENGTH" toml:"backup_code_length"`
	// SMSThrottleInterval and SMSThrottleBurst cap provider sends per number.
	// A zero interval disables the throttle.
	SMSThrottleInterval time.Duration `env:"SMS_THROTTLE_INTERVAL" toml:"sms_throttle_interval"`
	SMSThrottleBurst    int           `env:"SMS_THROTTLE_BURST" toml:"sms_throttle_burst"`
}

type PasswordResetConfig struct {
	TTL        time.Duration `env:"TTL" toml:"ttl"`
	TokenBytes int           `env:"TOKEN_BYTES" toml:"token_bytes"`
	BaseURL    string        `env:"BASE_URL" toml:"base_url"`
	AppName    string        `env:"APP_NAME" toml:"app_name"`
}

type PasswordConfig struct {
	Algorithm  string `env:"ALGORITHM" toml:"algorithm"`
	Iterations int    `env:"ITERATIONS" toml:"iterations"`
	MinLength  int    `env:"MIN_LENGTH" toml:"min_length"`
	// UpgradeOnLogin rehashes credentials that use an old algorithm or
	// weaker parameters after a successful verification.
	UpgradeOnLogin bool   `env:"UPGRADE_ON_LOGIN" toml:"upgrade_on_login"`
	Argon2Memory   uint32 `env:"ARGON2_MEMORY" toml:"argon2_memory"`
	Argon2Time     uint32 `env:"ARGON2_TIME" toml:"argon2_time"`
	Argon2Threads  uint8  `env:"ARGON2_THREADS" toml:"argon2_threads"`
}

// RateLimitConfig overrides individual policies; missing types keep the
// defaults from ratelimit.DefaultPolicies.
type RateLimitConfig struct {
	Policies map[ratelimit.LimitType]ratelimit.Policy `env:"-" toml:"policies"`
}

type AuditConfig struct {
	Enabled    bool `env:"ENABLED" toml:"enabled"`
	BufferSize int  `env:"BUFFER_SIZE" toml:"buffer_size"`
	DropIfFull bool `env:"DROP_IF_FULL" toml:"drop_if_full"`
}

type MetricsConfig struct {
	Enabled                 bool `env:"ENABLED" toml:"enabled"`
	EnableLatencyHistograms bool `env:"LATENCY_HISTOGRAMS" toml:"latency_histograms"`
}

type PermissionConfig struct {
	MaxBits         int  `env:"MAX_BITS" toml:"max_bits"`
	RootBitReserved bool `env:"ROOT_BIT_RESERVED" toml:"root_bit_reserved"`
}

// StoreConfig selects the persistence backend used by cmd/tenantauthd.
// Library users pass a kv.Store to the Builder instead.
type StoreConfig struct {
	Backend      string `env:"BACKEND" toml:"backend"`
	RedisAddr    string `env:"REDIS_ADDR" toml:"redis_addr"`
	RedisPrefix  string `env:"REDIS_PREFIX" toml:"redis_prefix"`
	SQLitePath   string `env:"SQLITE_PATH" toml:"sqlite_path"`
	DynamoTable  string `env:"DYNAMO_TABLE" toml:"dynamo_table"`
	DynamoRegion string `env:"DYNAMO_REGION" toml:"dynamo_region"`
}

type JanitorConfig struct {
	Interval time.Duration `env:"INTERVAL" toml:"interval"`
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
	StoreDynamo = "dynamodb"
)

func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			SigningMethod: string(jwt.MethodHS256),
			Issuer:        jwt.DefaultIssuer,
			Audience:      jwt.DefaultAudience,
			AccessTTL:     jwt.DefaultAccessTTL,
			RefreshTTL:    jwt.DefaultRefreshTTL,
		},
		Session: SessionConfig{
			TTL:                session.DefaultTTL,
			MaxSessionsPerUser: session.DefaultMaxSessionsPerUser,
			RetentionWindow:    session.DefaultRetention,
		},
		TwoFactor: TwoFactorConfig{
			Issuer:              mfa.DefaultIssuer,
			OTPLength:           mfa.DefaultOTPLength,
			OTPTTL:              mfa.DefaultOTPTTL,
			BackupCodeCount:     mfa.DefaultBackupCodeCount,
			BackupCodeLength:    mfa.DefaultBackupCodeLength,
			SMSThrottleInterval: 30 * time.Second,
			SMSThrottleBurst:    3,
		},
		PasswordReset: PasswordResetConfig{
			TTL:        reset.DefaultTTL,
			TokenBytes: reset.DefaultTokenBytes,
			BaseURL:    reset.DefaultBaseURL,
			AppName:    reset.DefaultAppName,
		},
		Password: PasswordConfig{
			Algorithm:      password.AlgorithmPBKDF2,
			Iterations:     password.DefaultPBKDF2Iterations,
			MinLength:      8,
			UpgradeOnLogin: true,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Permission: PermissionConfig{
			MaxBits:         64,
			RootBitReserved: true,
		},
		Store: StoreConfig{
			Backend:     StoreMemory,
			RedisPrefix: "tenantauth",
			SQLitePath:  "tenantauth.db",
		},
		Janitor: JanitorConfig{
			Interval: 10 * time.Minute,
		},
	}
}

// Validate checks cross-field constraints. Component constructors validate
// their own sections again when the engine is built.
func (c *Config) Validate() error {
	switch jwt.SigningMethod(c.JWT.SigningMethod) {
	case jwt.MethodHS256, jwt.MethodHS384, jwt.MethodHS512:
		if len(c.JWT.Secret) < 32 {
			return errors.New("jwt secret must be at least 32 bytes for hs* methods")
		}
	case jwt.MethodEd25519:
		if len(c.JWT.PrivateKey) == 0 && len(c.JWT.PublicKey) == 0 {
			return errors.New("ed25519 signing requires a key")
		}
	default:
		return fmt.Errorf("unsupported jwt signing method %q", c.JWT.SigningMethod)
	}
	if c.JWT.AccessTTL <= 0 || c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return errors.New("jwt refresh ttl must exceed a positive access ttl")
	}

	if err := (session.Config{
		TTL:                c.Session.TTL,
		MaxSessionsPerUser: c.Session.MaxSessionsPerUser,
		RetentionWindow:    c.Session.RetentionWindow,
	}).Validate(); err != nil {
		return err
	}

	if c.Password.MinLength < 8 {
		return errors.New("password min length must be >= 8")
	}
	switch c.Password.Algorithm {
	case password.AlgorithmPBKDF2, password.AlgorithmArgon2id:
	default:
		return fmt.Errorf("%w: %q", password.ErrUnsupportedAlgorithm, c.Password.Algorithm)
	}
	if c.Password.Iterations < password.MinPBKDF2Iterations {
		return fmt.Errorf("pbkdf2 iterations must be >= %d", password.MinPBKDF2Iterations)
	}

	if c.TwoFactor.SMSThrottleInterval < 0 || (c.TwoFactor.SMSThrottleInterval > 0 && c.TwoFactor.SMSThrottleBurst < 1) {
		return errors.New("sms throttle needs a positive burst")
	}

	if err := c.resetConfig().Validate(); err != nil {
		return err
	}

	for t, p := range c.RateLimit.Policies {
		if p.MaxAttempts < 1 || p.Window <= 0 || p.BlockDuration <= 0 {
			return fmt.Errorf("%w: %s", ratelimit.ErrInvalidPolicy, t)
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize < 1 {
		return errors.New("audit buffer size must be >= 1")
	}

	switch c.Store.Backend {
	case "", StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("redis store requires an address")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("sqlite store requires a path")
		}
	case StoreDynamo:
		if c.Store.DynamoTable == "" {
			return errors.New("dynamodb store requires a table")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Janitor.Interval < 0 {
		return errors.New("janitor interval must not be negative")
	}
	return nil
}

func (c *Config) resetConfig() reset.Config {
	return reset.Config{
		TTL:        c.PasswordReset.TTL,
		TokenBytes: c.PasswordReset.TokenBytes,
		BaseURL:    c.PasswordReset.BaseURL,
		AppName:    c.PasswordReset.AppName,
	}
}

func (c *Config) jwtConfig() jwt.Config {
	return jwt.Config{
		SigningMethod: jwt.SigningMethod(c.JWT.SigningMethod),
		Secret:        []byte(c.JWT.Secret),
		PrivateKey:    cloneBytes(c.JWT.PrivateKey),
		PublicKey:     cloneBytes(c.JWT.PublicKey),
		Issuer:        c.JWT.Issuer,
		Audience:      c.JWT.Audience,
		AccessTTL:     c.JWT.AccessTTL,
		RefreshTTL:    c.JWT.RefreshTTL,
		Leeway:        c.JWT.Leeway,
		KeyID:         c.JWT.KeyID,
	}
}

func (c *Config) passwordConfig() password.Config {
	cfg := password.Config{
		Algorithm: c.Password.Algorithm,
		PBKDF2:    password.PBKDF2Config{Iterations: c.Password.Iterations},
	}
	if c.Password.Argon2Memory != 0 {
		cfg.Argon2 = password.DefaultArgon2Config()
		cfg.Argon2.Memory = c.Password.Argon2Memory
		if c.Password.Argon2Time != 0 {
			cfg.Argon2.Time = c.Password.Argon2Time
		}
		if c.Password.Argon2Threads != 0 {
			cfg.Argon2.Parallelism = c.Password.Argon2Threads
		}
	}
	return cfg
}

func (c *Config) mfaSettings() mfa.Settings {
	return mfa.Settings{
		Issuer:           c.TwoFactor.Issuer,
		OTPLength:        c.TwoFactor.OTPLength,
		OTPTTL:           c.TwoFactor.OTPTTL,
		BackupCodeCount:  c.TwoFactor.BackupCodeCount,
		BackupCodeLength: c.TwoFactor.BackupCodeLength,
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	if cfg.RateLimit.Policies != nil {
		out.RateLimit.Policies = maps.Clone(cfg.RateLimit.Policies)
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return slices.Clone(b)
}
