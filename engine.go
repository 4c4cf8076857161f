package tenantauth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Torutesu/tenantauth/internal/audit"
	"github.com/Torutesu/tenantauth/internal/kv"
	"github.com/Torutesu/tenantauth/jwt"
	"github.com/Torutesu/tenantauth/mfa"
	"github.com/Torutesu/tenantauth/password"
	"github.com/Torutesu/tenantauth/permission"
	"github.com/Torutesu/tenantauth/ratelimit"
	"github.com/Torutesu/tenantauth/reset"
	"github.com/Torutesu/tenantauth/session"
)

// Engine ties the credential store, token service, two-factor engine,
// session registry, reset store and rate limiter together behind one
// tenant-aware API. Build one with New().Build(); it is safe for concurrent
// use and all state lives in its kv.Store.
type Engine struct {
	config     Config
	store      kv.Store
	ownsStore  bool
	passwords  *password.Set
	dummyHash  string
	tokens     *jwt.Manager
	sessions   *session.Registry
	mfa        *mfa.Manager
	resets     *reset.Store
	limiter    *ratelimit.Limiter
	identities IdentityProvider
	roles      *permission.RoleManager
	audit      *audit.Dispatcher
	metrics    *Metrics
	logger     *slog.Logger
	validate   *validator.Validate
	now        func() time.Time

	interceptors []Interceptor

	janitorMu   sync.Mutex
	janitorStop context.CancelFunc
	janitorDone chan struct{}
	closeOnce   sync.Once
}

// Config returns a copy of the configuration the engine was built with.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

// Close stops the janitor, drains the audit dispatcher and closes the store
// if the engine opened it.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	var err error
	e.closeOnce.Do(func() {
		e.stopJanitor()
		e.audit.Close()
		if e.ownsStore && e.store != nil {
			err = e.store.Close()
		}
	})
	return err
}

func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Ping reports whether the backing store answers.
func (e *Engine) Ping(ctx context.Context) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	if p, ok := e.store.(interface{ Ping(context.Context) error }); ok {
		return mapError(p.Ping(ctx))
	}
	_, err := e.store.Get(ctx, "health:probe")
	if err == nil || isNotFound(err) {
		return nil
	}
	return mapError(err)
}

func (e *Engine) identity(ctx context.Context, userID string) (*Identity, error) {
	if e.identities == nil {
		return nil, ErrEngineNotReady
	}
	id, err := e.identities.IdentityByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if id == nil {
		return nil, ErrIdentityNotFound
	}
	return id, nil
}

// permissionsFor merges the identity's explicit permissions with the ones
// granted through its roles.
func (e *Engine) permissionsFor(id *Identity) []string {
	if e.roles == nil {
		return id.Permissions
	}
	granted := e.roles.Resolve(id.Roles)
	if len(id.Permissions) == 0 {
		return granted
	}
	seen := make(map[string]struct{}, len(granted)+len(id.Permissions))
	out := make([]string, 0, len(granted)+len(id.Permissions))
	for _, list := range [][]string{id.Permissions, granted} {
		for _, p := range list {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Allows reports whether the roles grant perm. Without a role table it is
// always false.
func (e *Engine) Allows(roles []string, perm string) bool {
	if e == nil || e.roles == nil {
		return false
	}
	return e.roles.Allows(roles, perm)
}
