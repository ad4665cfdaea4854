// Package session is the gateway's Session Manager (spec §4.4):
// per-client-id ephemeral key-exchange state, lookup, invalidation, and
// TTL sweeping. Grounded on the mutex-guarded, ticker-swept peer/pending
// maps in other_examples' SAGE handshake server — "store only public
// transcript material with an expiry, derive the shared secret only on
// completion" and its cleanupLoop/stopCleanup/cleanupDone shutdown
// discipline are carried over directly (see DESIGN.md).
package session

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	ecrypto "github.com/boeni-industries/aico-gateway/internal/crypto"
	"github.com/boeni-industries/aico-gateway/pkg/gwlog"
)

// Session is a per-client-id record holding the symmetric shared
// secret, the client's public key, and bookkeeping timestamps. At most
// one live Session exists per client id (spec §3 invariant).
type Session struct {
	ClientID     string
	SessionID    string
	Key          []byte // derived XChaCha20-Poly1305 key
	ClientPubRaw []byte
	CreatedAt    time.Time
	Generation   uint64

	mu           sync.Mutex
	lastUse      time.Time
	failureCount int
}

// touch records last-use under the record's own lock, matching spec
// §5's "writes serialized per client id" discipline.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastUse = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUse)
}

// recordFailure bumps the decrypt-failure counter and reports whether
// it has crossed limit.
func (s *Session) recordFailure(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	return s.failureCount >= limit
}

var (
	ErrNoSession = errors.New("session: no session for client id")
)

// Store optionally mirrors session state outside this process, for
// multi-replica deployments where a re-handshake on one gateway
// instance must be visible to requests landing on another. The
// in-memory map stays authoritative for the process that owns a
// session; Store is a best-effort side channel, not a second source of
// truth. Manager calls it synchronously (Save on handshake, Load on a
// local miss, Delete on invalidation); a Store error never fails the call.
type Store interface {
	Save(ctx context.Context, s *Session) error
	Load(ctx context.Context, clientID string) (*Session, error)
	Delete(ctx context.Context, clientID string) error
}

// Manager owns the concurrent client-id -> *Session map plus TTL and
// failure-threshold policy.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	store    Store

	idleTimeout    time.Duration
	absoluteTTL    time.Duration
	failureLimit   int

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}

	log *gwlog.Logger
}

// Config carries the Session Manager's TTL and failure-threshold knobs,
// defaulting to spec §4.4's stated defaults.
type Config struct {
	IdleTimeout    time.Duration // default 30m
	AbsoluteTTL    time.Duration // default 24h
	FailureLimit   int           // default 5
	SweepInterval  time.Duration // default 1m
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.AbsoluteTTL <= 0 {
		c.AbsoluteTTL = 24 * time.Hour
	}
	if c.FailureLimit <= 0 {
		c.FailureLimit = 5
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// NewManager builds a Manager and starts its periodic sweep loop.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		sessions:      make(map[string]*Session),
		idleTimeout:   cfg.IdleTimeout,
		absoluteTTL:   cfg.AbsoluteTTL,
		failureLimit:  cfg.FailureLimit,
		cleanupTicker: time.NewTicker(cfg.SweepInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
		log:           gwlog.NewDefault("session"),
	}
	go m.sweepLoop()
	return m
}

// WithStore attaches a remote Store for cross-process session
// visibility, returning the Manager for chaining at construction time.
// Store failures are logged and otherwise ignored: the local map
// remains authoritative for this process regardless of Store health.
func (m *Manager) WithStore(store Store) *Manager {
	m.store = store
	return m
}

func (m *Manager) sweepLoop() {
	defer close(m.cleanupDone)
	for {
		select {
		case <-m.cleanupTicker.C:
			m.SweepExpired(time.Now())
		case <-m.stopCleanup:
			return
		}
	}
}

// Close stops the periodic sweep loop, waiting for it to exit.
func (m *Manager) Close() {
	m.cleanupTicker.Stop()
	close(m.stopCleanup)
	<-m.cleanupDone
}

// HandshakeResult is returned by BeginHandshake.
type HandshakeResult struct {
	ServerPubRaw []byte
	SessionID    string
	Generation   uint64
}

// BeginHandshake derives a fresh server ephemeral key pair, computes
// the shared session key against the client's public key, and
// atomically replaces any prior session for clientID — the old session
// remains observable by concurrent readers until the new one is fully
// installed, and never both at once (spec §3/§8 property 3).
func (m *Manager) BeginHandshake(clientID string, clientPubRaw []byte) (*HandshakeResult, error) {
	clientPub, err := ecrypto.ParseX25519PublicKey(clientPubRaw)
	if err != nil {
		return nil, err
	}
	serverPriv, err := ecrypto.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	key, err := ecrypto.DeriveSharedKey(serverPriv, clientPub, nil, []byte("aico-gateway-session:"+clientID))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sessionID := uuid.NewString()

	m.mu.Lock()
	var generation uint64 = 1
	if old, ok := m.sessions[clientID]; ok {
		generation = old.Generation + 1
	}
	newSession := &Session{
		ClientID:     clientID,
		SessionID:    sessionID,
		Key:          key,
		ClientPubRaw: append([]byte(nil), clientPubRaw...),
		CreatedAt:    now,
		Generation:   generation,
		lastUse:      now,
	}
	m.sessions[clientID] = newSession
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(context.Background(), newSession); err != nil {
			m.log.WithField("client_id", clientID).Warnf("session: store save failed: %v", err)
		}
	}

	return &HandshakeResult{
		ServerPubRaw: publicKeyBytes(serverPriv.PublicKey()),
		SessionID:    sessionID,
		Generation:   generation,
	}, nil
}

func publicKeyBytes(pub *ecdh.PublicKey) []byte { return pub.Bytes() }

// Get returns the live session for clientID, applying lazy idle/absolute
// expiry. A session past either TTL is removed and ErrNoSession reported
// as if it never existed.
func (m *Manager) Get(clientID string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		if m.store == nil {
			return nil, ErrNoSession
		}
		remote, err := m.store.Load(context.Background(), clientID)
		if err != nil || remote == nil {
			return nil, ErrNoSession
		}
		m.mu.Lock()
		m.sessions[clientID] = remote
		m.mu.Unlock()
		s = remote
	}

	now := time.Now()
	if now.Sub(s.CreatedAt) > m.absoluteTTL || s.idleFor(now) > m.idleTimeout {
		m.Invalidate(clientID)
		return nil, ErrNoSession
	}
	s.touch()
	return s, nil
}

// Invalidate removes clientID's session unconditionally.
func (m *Manager) Invalidate(clientID string) {
	m.mu.Lock()
	delete(m.sessions, clientID)
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Delete(context.Background(), clientID); err != nil {
			m.log.WithField("client_id", clientID).Warnf("session: store delete failed: %v", err)
		}
	}
}

// RecordDecryptFailure bumps clientID's failure counter and invalidates
// the session once it reaches the configured threshold, returning
// whether invalidation happened.
func (m *Manager) RecordDecryptFailure(clientID string) bool {
	m.mu.RLock()
	s, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if s.recordFailure(m.failureLimit) {
		m.Invalidate(clientID)
		return true
	}
	return false
}

// SweepExpired removes every session whose idle or absolute TTL has
// elapsed as of now, returning the count removed.
func (m *Manager) SweepExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for clientID, s := range m.sessions {
		if now.Sub(s.CreatedAt) > m.absoluteTTL || s.idleFor(now) > m.idleTimeout {
			delete(m.sessions, clientID)
			removed++
		}
	}
	return removed
}

// Count returns the number of live sessions, for health/metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// EncodeB64/DecodeB64 are small wire-format helpers for the handshake
// envelope's base64 public-key fields (spec §6).
func EncodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
func DecodeB64(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
