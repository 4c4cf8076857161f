package jwt

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod selects the JWS algorithm.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodHS384   SigningMethod = "hs384"
	MethodHS512   SigningMethod = "hs512"
	MethodEd25519 SigningMethod = "ed25519"
)

// TokenType is carried in the token_type claim.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

const (
	DefaultIssuer     = "llm-app-saas"
	DefaultAudience   = "llm-app-api"
	DefaultAccessTTL  = 30 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

var (
	ErrTokenExpired   = errors.New("jwt: token expired")
	ErrTokenInvalid   = errors.New("jwt: token invalid")
	ErrWrongTokenType = errors.New("jwt: wrong token type")
	ErrInvalidConfig  = errors.New("jwt: invalid configuration")
)

type Config struct {
	SigningMethod SigningMethod
	// Secret is the HMAC key for the hs* methods.
	Secret []byte
	// PrivateKey and PublicKey are raw or PEM ed25519 keys.
	PrivateKey   []byte
	PublicKey    []byte
	Issuer       string
	Audience     string
	AccessTTL    time.Duration
	RefreshTTL   time.Duration
	Leeway       time.Duration
	MaxFutureIAT time.Duration
	KeyID        string
	// VerifyKeys maps kid to a verification key during key rotation.
	VerifyKeys map[string][]byte
	Now        func() time.Time
}

// Claims is the payload of both access and refresh tokens. Refresh tokens
// leave Email, Roles and Permissions empty.
type Claims struct {
	TenantID    string    `json:"tenant_id"`
	Email       string    `json:"email,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	TokenType   TokenType `json:"token_type"`
	SessionID   string    `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) UserID() string { return c.Subject }

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if c.HasRole(r) {
			return true
		}
	}
	return false
}

func (c *Claims) HasPermission(permission string) bool {
	return slices.Contains(c.Permissions, permission)
}

// Option customizes a token at creation time.
type Option func(*tokenOptions)

type tokenOptions struct {
	sessionID   string
	email       string
	roles       []string
	permissions []string
	identitySet bool
}

// WithSessionID binds the token to a session through the sid claim.
func WithSessionID(id string) Option {
	return func(o *tokenOptions) { o.sessionID = id }
}

// WithIdentity supplies the email, roles and permissions embedded in an
// access token minted by RefreshAccessToken.
func WithIdentity(email string, roles, permissions []string) Option {
	return func(o *tokenOptions) {
		o.email = email
		o.roles = roles
		o.permissions = permissions
		o.identitySet = true
	}
}

// Manager issues and verifies tokens. It is immutable after NewManager and
// safe for concurrent use.
type Manager struct {
	config  Config
	method  jwt.SigningMethod
	signKey any
	parser  *jwt.Parser
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	if cfg.Audience == "" {
		cfg.Audience = DefaultAudience
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 {
		return nil, fmt.Errorf("%w: token TTLs must be positive", ErrInvalidConfig)
	}
	if cfg.RefreshTTL < cfg.AccessTTL {
		return nil, fmt.Errorf("%w: refresh TTL must be >= access TTL", ErrInvalidConfig)
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, fmt.Errorf("%w: leeway must be in [0, 2m]", ErrInvalidConfig)
	}
	if cfg.MaxFutureIAT < 0 || cfg.MaxFutureIAT > 24*time.Hour {
		return nil, fmt.Errorf("%w: invalid MaxFutureIAT", ErrInvalidConfig)
	}
	cfg.KeyID = strings.TrimSpace(cfg.KeyID)

	m := &Manager{config: cfg}

	switch cfg.SigningMethod {
	case MethodHS256, MethodHS384, MethodHS512:
		if len(cfg.Secret) < 32 {
			return nil, fmt.Errorf("%w: %s requires a secret of at least 32 bytes", ErrInvalidConfig, cfg.SigningMethod)
		}
		m.signKey = cfg.Secret
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			priv, err := parseEdPrivateKey(cfg.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			m.signKey = priv
		}
		if len(cfg.PublicKey) > 0 {
			if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
		}
		if len(cfg.VerifyKeys) == 0 && len(cfg.PublicKey) == 0 {
			return nil, fmt.Errorf("%w: ed25519 requires public key or verify key set", ErrInvalidConfig)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported signing method %q", ErrInvalidConfig, cfg.SigningMethod)
	}

	for kid, key := range cfg.VerifyKeys {
		if strings.TrimSpace(kid) == "" {
			return nil, fmt.Errorf("%w: verify key map contains empty kid", ErrInvalidConfig)
		}
		if _, err := m.verifyKeyFromBytes(key); err != nil {
			return nil, fmt.Errorf("%w: verify key for kid %q: %v", ErrInvalidConfig, kid, err)
		}
	}
	if cfg.KeyID != "" && len(cfg.VerifyKeys) > 0 {
		if _, ok := cfg.VerifyKeys[cfg.KeyID]; !ok {
			return nil, fmt.Errorf("%w: KeyID is not present in VerifyKeys", ErrInvalidConfig)
		}
	}

	m.method = methodFor(cfg.SigningMethod)
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{m.method.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	return m, nil
}

func (m *Manager) AccessTTL() time.Duration  { return m.config.AccessTTL }
func (m *Manager) RefreshTTL() time.Duration { return m.config.RefreshTTL }

func (m *Manager) CreateAccessToken(userID, tenantID, email string, roles, permissions []string, opts ...Option) (string, error) {
	o := collect(opts)
	return m.sign(Claims{
		TenantID:    tenantID,
		Email:       email,
		Roles:       roles,
		Permissions: permissions,
		TokenType:   TokenTypeAccess,
		SessionID:   o.sessionID,
	}, userID, m.config.AccessTTL)
}

func (m *Manager) CreateRefreshToken(userID, tenantID string, opts ...Option) (string, error) {
	o := collect(opts)
	return m.sign(Claims{
		TenantID:  tenantID,
		TokenType: TokenTypeRefresh,
		SessionID: o.sessionID,
	}, userID, m.config.RefreshTTL)
}

// VerifyToken checks signature, algorithm, issuer, audience and expiry.
// Expiry maps to ErrTokenExpired; every other failure maps to ErrTokenInvalid.
func (m *Manager) VerifyToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := m.parser.ParseWithClaims(token, claims, m.keyFunc)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if claims.TokenType != TokenTypeAccess && claims.TokenType != TokenTypeRefresh {
		return nil, fmt.Errorf("%w: unknown token_type", ErrTokenInvalid)
	}
	if claims.IssuedAt != nil && claims.IssuedAt.After(m.config.Now().Add(m.config.MaxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrTokenInvalid)
	}
	if claims.Roles == nil {
		claims.Roles = []string{}
	}
	if claims.Permissions == nil {
		claims.Permissions = []string{}
	}
	return claims, nil
}

// RefreshAccessToken mints a new access token for the subject and tenant of
// a valid refresh token. The session binding carries over unless overridden.
func (m *Manager) RefreshAccessToken(refreshToken string, opts ...Option) (string, *Claims, error) {
	claims, err := m.VerifyToken(refreshToken)
	if err != nil {
		return "", nil, err
	}
	if claims.TokenType != TokenTypeRefresh {
		return "", nil, ErrWrongTokenType
	}

	o := collect(opts)
	if o.sessionID == "" {
		o.sessionID = claims.SessionID
	}
	access, err := m.CreateAccessToken(claims.Subject, claims.TenantID, o.email, o.roles, o.permissions, WithSessionID(o.sessionID))
	if err != nil {
		return "", nil, err
	}
	return access, claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (m *Manager) sign(claims Claims, subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrTokenInvalid)
	}
	if m.signKey == nil {
		return "", fmt.Errorf("%w: no signing key configured", ErrInvalidConfig)
	}

	now := m.config.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    m.config.Issuer,
		Audience:  jwt.ClaimStrings{m.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(m.method, claims)
	if m.config.KeyID != "" {
		token.Header["kid"] = m.config.KeyID
	}
	return token.SignedString(m.signKey)
}

func (m *Manager) keyFunc(t *jwt.Token) (any, error) {
	if t.Method.Alg() != m.method.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}

	if len(m.config.VerifyKeys) > 0 {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, ok := m.config.VerifyKeys[kid]
		if !ok {
			return nil, errors.New("unknown kid")
		}
		return m.verifyKeyFromBytes(key)
	}

	if m.config.KeyID != "" {
		kid, _ := t.Header["kid"].(string)
		if kid != m.config.KeyID {
			return nil, errors.New("unknown kid")
		}
	}

	switch m.config.SigningMethod {
	case MethodEd25519:
		return parseEdPublicKey(m.config.PublicKey)
	default:
		return m.config.Secret, nil
	}
}

func (m *Manager) verifyKeyFromBytes(key []byte) (any, error) {
	if m.config.SigningMethod == MethodEd25519 {
		return parseEdPublicKey(key)
	}
	if len(key) == 0 {
		return nil, errors.New("empty hmac key")
	}
	return key, nil
}

func collect(opts []Option) tokenOptions {
	var o tokenOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func methodFor(m SigningMethod) jwt.SigningMethod {
	switch m {
	case MethodHS256:
		return jwt.SigningMethodHS256
	case MethodHS384:
		return jwt.SigningMethodHS384
	case MethodHS512:
		return jwt.SigningMethodHS512
	default:
		return jwt.SigningMethodEdDSA
	}
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("invalid ed25519 private key type")
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("invalid ed25519 public key type")
	}
	return edKey, nil
}
