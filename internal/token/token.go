// Package token is the gateway's Token Manager (spec §4.5): mint,
// verify, and refresh short-lived access tokens plus longer-lived
// refresh tokens, with refresh-token rotation and a supervised
// background proactive-refresh task. Grounded on
// infrastructure/middleware/serviceauth.go's TTL-cached-token /
// sync.Once-guarded background cleanup pattern, generalized from a
// service-identity RS256 cache into the spec's HS256 access+refresh
// pair (see DESIGN.md).
package token

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// Identity is the caller identity carried by an access token's claims.
type Identity struct {
	Subject string
	Scope   []string
}

// TokenPair is spec §3's access+refresh pair.
type TokenPair struct {
	AccessToken   string
	RefreshToken  string
	AccessExpiry  time.Time
	RefreshExpiry time.Time
}

type claims struct {
	Scope []string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Config carries the Token Manager's TTLs and signing key.
type Config struct {
	SigningKey         []byte
	AccessTTL          time.Duration // default 15m
	RefreshTTL         time.Duration // default 168h (7d)
	ClockSkewTolerance time.Duration // default 60s
	ProactiveWindow    time.Duration // default 2m
	Issuer             string
}

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.ClockSkewTolerance <= 0 {
		c.ClockSkewTolerance = 60 * time.Second
	}
	if c.ProactiveWindow <= 0 {
		c.ProactiveWindow = 2 * time.Minute
	}
	if c.Issuer == "" {
		c.Issuer = "aico-gateway"
	}
	return c
}

// Manager mints, verifies, and refreshes token pairs.
type Manager struct {
	cfg Config

	mu         sync.Mutex
	refreshJTI map[string]refreshRecord // valid, not-yet-consumed refresh token ids
}

type refreshRecord struct {
	subject string
	scope   []string
	expiry  time.Time
}

// NewManager validates the signing key length (matching
// cmd/gateway/main.go's fail-fast posture) and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if len(cfg.SigningKey) < 32 {
		return nil, fmt.Errorf("token: signing key must be at least 32 bytes")
	}
	if cfg.RefreshTTL <= cfg.AccessTTL {
		return nil, fmt.Errorf("token: refresh ttl must exceed access ttl")
	}
	return &Manager{cfg: cfg, refreshJTI: make(map[string]refreshRecord)}, nil
}

// Mint issues a fresh TokenPair for identity.
func (m *Manager) Mint(identity Identity) (*TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(m.cfg.AccessTTL)
	refreshExp := now.Add(m.cfg.RefreshTTL)

	access, err := m.sign(identity, now, accessExp)
	if err != nil {
		return nil, err
	}

	refreshID := uuid.NewString()
	refresh, err := m.signRefresh(identity.Subject, refreshID, now, refreshExp)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.refreshJTI[refreshID] = refreshRecord{subject: identity.Subject, scope: identity.Scope, expiry: refreshExp}
	m.mu.Unlock()

	return &TokenPair{
		AccessToken:   access,
		RefreshToken:  refresh,
		AccessExpiry:  accessExp,
		RefreshExpiry: refreshExp,
	}, nil
}

func (m *Manager) sign(identity Identity, issuedAt, expiry time.Time) (string, error) {
	c := claims{
		Scope: identity.Scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.Subject,
			ID:        uuid.NewString(),
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(m.cfg.SigningKey)
}

func (m *Manager) signRefresh(subject, jti string, issuedAt, expiry time.Time) (string, error) {
	c := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        jti,
		Issuer:    m.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(m.cfg.SigningKey)
}

// Verify checks signature, exp, nbf (within clock-skew tolerance) and
// returns the caller identity.
func (m *Manager) Verify(accessToken string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(accessToken, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("token: unexpected signing method %v", t.Header["alg"])
		}
		return m.cfg.SigningKey, nil
	}, jwt.WithLeeway(m.cfg.ClockSkewTolerance))
	if err != nil {
		return Identity{}, err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return Identity{}, fmt.Errorf("token: invalid claims")
	}
	return Identity{Subject: c.Subject, Scope: c.Scope}, nil
}

// Refresh validates refreshToken, rotates it (the old token's jti is
// consumed and can never refresh again), and mints a fresh TokenPair.
func (m *Manager) Refresh(refreshToken string) (*TokenPair, error) {
	parsed, err := jwt.ParseWithClaims(refreshToken, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("token: unexpected signing method %v", t.Header["alg"])
		}
		return m.cfg.SigningKey, nil
	}, jwt.WithLeeway(m.cfg.ClockSkewTolerance))
	if err != nil {
		return nil, err
	}
	c, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("token: invalid refresh claims")
	}

	m.mu.Lock()
	rec, exists := m.refreshJTI[c.ID]
	if exists {
		delete(m.refreshJTI, c.ID) // consume: cannot be reused
	}
	m.mu.Unlock()

	if !exists {
		return nil, fmt.Errorf("token: refresh token already used or unknown")
	}

	return m.Mint(Identity{Subject: rec.subject, Scope: rec.scope})
}

// Revoke removes a refresh token id from the valid set, e.g. on logout.
func (m *Manager) Revoke(refreshJTI string) {
	m.mu.Lock()
	delete(m.refreshJTI, refreshJTI)
	m.mu.Unlock()
}

// ActiveRefreshCount reports how many refresh tokens are currently
// valid and unconsumed, for health/metrics.
func (m *Manager) ActiveRefreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.refreshJTI)
}

// Refresher runs a supervised periodic task that proactively refreshes
// a held TokenPair before it expires — the server-side analogue of a
// client-side refresh loop (spec §4.5), used when the gateway itself
// holds a token pair for outbound calls to another internal service.
// Uses robfig/cron rather than a bare ticker: this is one of two places
// in the gateway where a fixed recurring schedule, not an event-driven
// sweep, is the right shape (see DESIGN.md).
type Refresher struct {
	mgr  *Manager
	log  *gwlog.Logger
	mu   sync.Mutex
	pair *TokenPair
	cron *cron.Cron
}

// NewRefresher starts a proactive-refresh loop for an initial pair,
// checking every checkInterval whether now+skew has entered the
// pre-refresh window before the access token's expiry. The check runs
// on cron's @every schedule, which rounds checkInterval down to whole
// seconds with a one-second minimum.
func NewRefresher(mgr *Manager, initial *TokenPair, checkInterval time.Duration, log *gwlog.Logger) (*Refresher, error) {
	if log == nil {
		log = gwlog.NewDefault("token-refresher")
	}
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	r := &Refresher{mgr: mgr, log: log, pair: initial, cron: cron.New()}
	spec := fmt.Sprintf("@every %s", checkInterval)
	if _, err := r.cron.AddFunc(spec, r.maybeRefresh); err != nil {
		return nil, fmt.Errorf("token: schedule refresher: %w", err)
	}
	r.cron.Start()
	return r, nil
}

func (r *Refresher) maybeRefresh() {
	r.mu.Lock()
	pair := r.pair
	r.mu.Unlock()
	if pair == nil {
		return
	}

	now := time.Now().Add(r.mgr.cfg.ClockSkewTolerance)
	if !now.After(pair.AccessExpiry.Add(-r.mgr.cfg.ProactiveWindow)) {
		return
	}

	fresh, err := r.mgr.Refresh(pair.RefreshToken)
	if err != nil {
		r.log.Warnf("proactive refresh failed: %v", err)
		return
	}
	r.mu.Lock()
	r.pair = fresh
	r.mu.Unlock()
}

// Current returns the Refresher's held TokenPair.
func (r *Refresher) Current() *TokenPair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pair
}

// Stop cancels the refresh schedule cleanly.
func (r *Refresher) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}
