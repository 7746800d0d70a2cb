package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SoarinFerret/FamilyWarden/internal/clock"
	"github.com/SoarinFerret/FamilyWarden/internal/errs"
)

var testParams = Params{Memory: 1024, Time: 1, Parallelism: 1, KeyLen: 32}

type auditRecord struct {
	action  string
	success bool
}

type fakeAuditor struct {
	mu      sync.Mutex
	records []auditRecord
}

func (f *fakeAuditor) AppendAudit(_ context.Context, _, action, _, _ string, success bool, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, auditRecord{action, success})
	return nil
}

func newTestManager(t *testing.T) (*Manager, *clock.Fake, *fakeAuditor) {
	t.Helper()
	hash, err := HashPassword(testParams, "correct horse")
	require.NoError(t, err)
	clk := clock.NewFake(time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC))
	audit := &fakeAuditor{}
	m := NewManager(Options{
		PasswordHash: hash,
		TokenTTL:     15 * time.Minute,
		Clock:        clk,
		Audit:        audit,
	})
	return m, clk, audit
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword(testParams, "hunter2")
	require.NoError(t, err)
	assert.NoError(t, ValidateHash(hash))
	assert.True(t, VerifyPassword("hunter2", hash))
	assert.False(t, VerifyPassword("hunter3", hash))

	other, err := HashPassword(testParams, "hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts differ")

	_, err = HashPassword(testParams, "")
	assert.Error(t, err)
}

func TestParsePHCRejectsMalformed(t *testing.T) {
	tests := []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=16$m=1024,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=0,t=1,p=1$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$",
	}
	for _, tt := range tests {
		assert.Error(t, ValidateHash(tt), tt)
		assert.False(t, VerifyPassword("x", tt))
	}
}

func TestAuthenticate(t *testing.T) {
	m, _, audit := newTestManager(t)
	ctx := context.Background()

	s, err := m.Authenticate(ctx, "correct horse")
	require.NoError(t, err)
	assert.Len(t, s.Token, 64)
	assert.Equal(t, 15*time.Minute, s.ExpiresAt.Sub(s.IssuedAt))

	_, err = m.Authenticate(ctx, "wrong")
	assert.Equal(t, ErrAuthFailed, err)
	assert.True(t, errors.Is(err, errs.ErrUnauthorized))

	require.Len(t, audit.records, 2)
	assert.Equal(t, auditRecord{"authenticate", true}, audit.records[0])
	assert.Equal(t, auditRecord{"authenticate", false}, audit.records[1])
}

func TestValidateExpiryBoundary(t *testing.T) {
	m, clk, _ := newTestManager(t)
	s, err := m.Authenticate(context.Background(), "correct horse")
	require.NoError(t, err)

	clk.Set(s.ExpiresAt)
	_, err = m.Validate(s.Token)
	assert.NoError(t, err, "valid at exactly the expiry instant")

	clk.Advance(time.Nanosecond)
	_, err = m.Validate(s.Token)
	assert.Equal(t, ErrExpired, err)

	_, err = m.Validate(s.Token)
	assert.Equal(t, ErrInvalid, err, "expired tokens are dropped")

	_, err = m.Validate("")
	assert.Equal(t, ErrInvalid, err)
	_, err = m.Validate("deadbeef")
	assert.Equal(t, ErrInvalid, err)
}

func TestRevoke(t *testing.T) {
	m, _, audit := newTestManager(t)
	ctx := context.Background()
	s, err := m.Authenticate(ctx, "correct horse")
	require.NoError(t, err)

	require.NoError(t, m.Revoke(ctx, s.Token))
	require.NoError(t, m.Revoke(ctx, s.Token))
	_, err = m.Validate(s.Token)
	assert.Equal(t, ErrInvalid, err)
	assert.Len(t, audit.records, 3)
}

func TestFailureThrottle(t *testing.T) {
	m, clk, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := m.Authenticate(ctx, "nope")
		require.Equal(t, ErrAuthFailed, err)
	}

	// the right password is refused with the same error while throttled
	_, err := m.Authenticate(ctx, "correct horse")
	assert.Equal(t, ErrAuthFailed, err)

	clk.Advance(15 * time.Minute)
	s, err := m.Authenticate(ctx, "correct horse")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Token)
}

func TestAuthenticateWithoutConfiguredHash(t *testing.T) {
	m := NewManager(Options{})
	_, err := m.Authenticate(context.Background(), "")
	assert.Equal(t, ErrAuthFailed, err)
}

func TestAuthenticateCancelledWhileWaiting(t *testing.T) {
	m, _, _ := newTestManager(t)
	require.True(t, m.hashes.TryAcquire(2))
	defer m.hashes.Release(2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Authenticate(ctx, "correct horse")
	assert.True(t, errors.Is(err, errs.ErrTransient))
}
