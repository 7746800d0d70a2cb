// Package auth authenticates the parent and issues short-lived session
// tokens that administrative calls present.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SoarinFerret/FamilyWarden/internal/clock"
	"github.com/SoarinFerret/FamilyWarden/internal/errs"
	"github.com/SoarinFerret/FamilyWarden/internal/logger"
)

var (
	// ErrAuthFailed is the only error a failed login ever returns.
	ErrAuthFailed = &errs.Error{Kind: errs.KindUnauthorized, Msg: "authentication failed"}
	ErrExpired    = &errs.Error{Kind: errs.KindUnauthorized, Msg: "session expired"}
	ErrInvalid    = &errs.Error{Kind: errs.KindUnauthorized, Msg: "invalid session"}
)

const (
	tokenBytes = 32
	actorAuth  = "parent"
)

// Auditor records authentication events in the audit log.
type Auditor interface {
	AppendAudit(ctx context.Context, actor, action, resource, resourceID string, success bool, details any) error
}

type Options struct {
	PasswordHash    string
	TokenTTL        time.Duration
	MaxFailures     int
	FailureWindow   time.Duration
	HashConcurrency int64
	Clock           clock.Clock
	Logger          *zap.Logger
	Audit           Auditor
}

type Session struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Manager struct {
	hash  string
	ttl   time.Duration
	clock clock.Clock
	log   *zap.Logger
	audit Auditor

	tokens *gocache.Cache
	hashes *semaphore.Weighted

	mu          sync.Mutex
	failures    []time.Time
	maxFailures int
	window      time.Duration
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		hash:        opts.PasswordHash,
		ttl:         opts.TokenTTL,
		clock:       opts.Clock,
		log:         logger.OrNop(opts.Logger).Named("auth"),
		audit:       opts.Audit,
		maxFailures: opts.MaxFailures,
		window:      opts.FailureWindow,
	}
	if m.ttl <= 0 {
		m.ttl = 15 * time.Minute
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.maxFailures <= 0 {
		m.maxFailures = 5
	}
	if m.window <= 0 {
		m.window = 15 * time.Minute
	}
	n := opts.HashConcurrency
	if n <= 0 {
		n = 2
	}
	m.hashes = semaphore.NewWeighted(n)
	// The cache only bounds memory; expiry is decided against m.clock.
	m.tokens = gocache.New(m.ttl+time.Minute, 5*time.Minute)
	if m.hash == "" {
		m.log.Warn("no parent password hash configured, authentication will always fail")
	} else if err := ValidateHash(m.hash); err != nil {
		m.log.Error("configured parent password hash is unusable", logger.Err(err))
	}
	return m
}

// Authenticate verifies password and issues a new session token.
func (m *Manager) Authenticate(ctx context.Context, password string) (*Session, error) {
	if m.throttled() {
		m.log.Warn("authentication rejected, too many recent failures")
		m.record(ctx, "authenticate", false, map[string]any{"reason": "rate_limited"})
		return nil, ErrAuthFailed
	}

	if err := m.hashes.Acquire(ctx, 1); err != nil {
		return nil, errs.Transient(err, "authentication unavailable")
	}
	ok := m.hash != "" && VerifyPassword(password, m.hash)
	m.hashes.Release(1)

	if !ok {
		m.fail()
		m.log.Info("authentication failed")
		m.record(ctx, "authenticate", false, nil)
		return nil, ErrAuthFailed
	}

	token, err := newToken()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "generating token")
	}
	now := m.clock.Now()
	s := &Session{Token: token, IssuedAt: now, ExpiresAt: now.Add(m.ttl)}
	m.tokens.Set(token, *s, gocache.DefaultExpiration)
	m.resetFailures()

	m.log.Info("parent authenticated", zap.Time("expires_at", s.ExpiresAt))
	m.record(ctx, "authenticate", true, map[string]any{"expires_at": s.ExpiresAt.Unix()})
	return s, nil
}

// Validate checks token. A token is valid up to and including its expiry
// instant.
func (m *Manager) Validate(token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalid
	}
	v, found := m.tokens.Get(token)
	if !found {
		return nil, ErrInvalid
	}
	s := v.(Session)
	if m.clock.Now().After(s.ExpiresAt) {
		m.tokens.Delete(token)
		return nil, ErrExpired
	}
	return &s, nil
}

// Revoke drops token. Revoking an unknown token succeeds.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	_, found := m.tokens.Get(token)
	m.tokens.Delete(token)
	m.record(ctx, "revoke_session", true, map[string]any{"known": found})
	return nil
}

func (m *Manager) record(ctx context.Context, action string, success bool, details any) {
	if m.audit == nil {
		return
	}
	if err := m.audit.AppendAudit(ctx, actorAuth, action, "auth_session", "", success, details); err != nil {
		m.log.Error("writing audit entry", logger.Op(action), logger.Err(err))
	}
}

func (m *Manager) throttled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return len(m.failures) >= m.maxFailures
}

func (m *Manager) fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	m.failures = append(m.failures, m.clock.Now())
}

func (m *Manager) resetFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = nil
}

func (m *Manager) pruneLocked() {
	cutoff := m.clock.Now().Add(-m.window)
	i := 0
	for i < len(m.failures) && !m.failures[i].After(cutoff) {
		i++
	}
	m.failures = m.failures[i:]
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
