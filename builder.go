package tenantauth

import (
	"errors"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"

	"github.com/Torutesu/tenantauth/internal/audit"
	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/jwt"
	"github.com/Torutesu/tenantauth/mfa"
	"github.com/Torutesu/tenantauth/notify"
	"github.com/Torutesu/tenantauth/password"
	"github.com/Torutesu/tenantauth/permission"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/reset"
	"github.com/Torutesu/tenantauth/session"
)

// timingPassword is hashed once at build time. Lookups for unknown users
// verify against it so they cost as much as a real comparison.
const timingPassword = "tenantauth-timing-equalizer"

// Builder assembles an Engine. A Builder is single use.
type Builder struct {
	config Config
	store  kv.Store
	redis  redis.UniversalClient

	notifier   notify.Notifier
	identities IdentityProvider
	auditSink  AuditSink
	logger     *slog.Logger
	now        func() time.Time

	interceptors []Interceptor
	permissions  []string
	roles        map[string][]string

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the backing store. The caller keeps ownership and closes
// it after the engine.
func (b *Builder) WithStore(store kv.Store) *Builder {
	b.store = store
	return b
}

// WithRedis backs the engine with Redis under Config.Store.RedisPrefix.
// WithStore takes precedence.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithNotifier sets the email and SMS transport. Without one, messages are
// only logged (recipient masked, body omitted).
func (b *Builder) WithNotifier(n notify.Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithIdentityProvider(p IdentityProvider) *Builder {
	b.identities = p
	return b
}

// WithAuditSink enables audit events and sends them to sink.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithInterceptor appends interceptors after the built-in logging, metrics,
// audit and rate limit interceptors.
func (b *Builder) WithInterceptor(ics ...Interceptor) *Builder {
	for _, ic := range ics {
		if ic != nil {
			b.interceptors = append(b.interceptors, ic)
		}
	}
	return b
}

// WithPermissions registers permission names up front. Permissions that
// roles reference are registered automatically.
func (b *Builder) WithPermissions(perms []string) *Builder {
	b.permissions = slices.Clone(perms)
	return b
}

// WithRoles maps role names to the permissions they grant. The Wildcard
// permission makes a role root.
func (b *Builder) WithRoles(roles map[string][]string) *Builder {
	b.roles = roles
	return b
}

// WithClock replaces time.Now in every component. Meant for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.identities == nil {
		return nil, errors.New("identity provider required")
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		config:     cfg,
		identities: b.identities,
		logger:     logger,
		now:        now,
		metrics:    NewMetrics(cfg.Metrics),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}

	switch {
	case b.store != nil:
		e.store = b.store
	case b.redis != nil:
		e.store = kv.NewRedis(b.redis, cfg.Store.RedisPrefix)
	default:
		e.store = kv.NewMemory(kv.WithClock(now))
		e.ownsStore = true
	}

	notifier := b.notifier
	if notifier == nil {
		notifier = notify.Log{Logger: logger}
	}
	if cfg.TwoFactor.SMSThrottleInterval > 0 {
		notifier = notify.NewThrottle(notifier, cfg.TwoFactor.SMSThrottleInterval, cfg.TwoFactor.SMSThrottleBurst)
	}

	passwords, err := password.New(cfg.passwordConfig())
	if err != nil {
		return nil, err
	}
	e.passwords = passwords
	if e.dummyHash, err = passwords.Hash(timingPassword); err != nil {
		return nil, err
	}

	jwtCfg := cfg.jwtConfig()
	jwtCfg.Now = now
	if e.tokens, err = jwt.NewManager(jwtCfg); err != nil {
		return nil, err
	}

	e.sessions, err = session.NewRegistry(e.store, session.Config{
		TTL:                cfg.Session.TTL,
		MaxSessionsPerUser: cfg.Session.MaxSessionsPerUser,
		RetentionWindow:    cfg.Session.RetentionWindow,
	}, session.WithClock(now), session.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	if e.mfa, err = mfa.NewManager(e.store, notifier, cfg.mfaSettings(), mfa.WithClock(now), mfa.WithLogger(logger)); err != nil {
		return nil, err
	}
	if e.resets, err = reset.NewStore(e.store, notifier, cfg.resetConfig(), reset.WithClock(now), reset.WithLogger(logger)); err != nil {
		return nil, err
	}
	if e.limiter, err = ratelimit.New(e.store,
		ratelimit.WithClock(now),
		ratelimit.WithLogger(logger),
		ratelimit.WithPolicies(cfg.RateLimit.Policies),
	); err != nil {
		return nil, err
	}

	if len(b.roles) > 0 {
		if e.roles, err = buildRoles(cfg.Permission, b.permissions, b.roles); err != nil {
			return nil, err
		}
	}

	e.audit = audit.NewDispatcher(audit.Config{
		Enabled:    cfg.Audit.Enabled || b.auditSink != nil,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	e.interceptors = append(e.builtinInterceptors(), b.interceptors...)

	b.built = true
	return e, nil
}

func buildRoles(cfg PermissionConfig, perms []string, roles map[string][]string) (*permission.RoleManager, error) {
	registry, err := permission.NewRegistry(cfg.MaxBits, cfg.RootBitReserved)
	if err != nil {
		return nil, err
	}

	names := slices.Clone(perms)
	for _, list := range roles {
		names = append(names, list...)
	}
	names = slices.DeleteFunc(names, func(p string) bool {
		return p == "" || p == permission.Wildcard
	})
	sort.Strings(names)
	for _, p := range slices.Compact(names) {
		if _, err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	rm := permission.NewRoleManager(registry)
	roleNames := make([]string, 0, len(roles))
	for name := range roles {
		roleNames = append(roleNames, name)
	}
	sort.Strings(roleNames)
	for _, name := range roleNames {
		if err := rm.RegisterRole(name, roles[name]); err != nil {
			return nil, err
		}
	}
	rm.Freeze()
	return rm, nil
}
