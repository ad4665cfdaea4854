package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		SigningKey: []byte("01234567890123456789012345678901"),
		AccessTTL:  100 * time.Millisecond,
		RefreshTTL: time.Hour,
	})
	require.NoError(t, err)
	return m
}

func TestMintAndVerify(t *testing.T) {
	m := testManager(t)
	pair, err := m.Mint(Identity{Subject: "user-1", Scope: []string{"chat"}})
	require.NoError(t, err)

	id, err := m.Verify(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.Subject)
	assert.Equal(t, []string{"chat"}, id.Scope)
}

func TestExpiredAccessTokenFails(t *testing.T) {
	m := testManager(t)
	m.cfg.ClockSkewTolerance = 100 * time.Millisecond
	pair, err := m.Mint(Identity{Subject: "user-1"})
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond) // past TTL + skew tolerance

	_, err = m.Verify(pair.AccessToken)
	assert.Error(t, err)
}

func TestRefreshRotatesAndConsumesOldToken(t *testing.T) {
	m := testManager(t)
	pair, err := m.Mint(Identity{Subject: "user-1"})
	require.NoError(t, err)

	fresh, err := m.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, fresh.AccessToken)

	_, err = m.Refresh(pair.RefreshToken)
	assert.Error(t, err, "a consumed refresh token must not refresh again")
}

func TestNewAccessTokenAfterRefreshVerifies(t *testing.T) {
	m := testManager(t)
	pair, err := m.Mint(Identity{Subject: "user-1"})
	require.NoError(t, err)

	fresh, err := m.Refresh(pair.RefreshToken)
	require.NoError(t, err)

	_, err = m.Verify(fresh.AccessToken)
	assert.NoError(t, err)
}

func TestSigningKeyTooShortRejected(t *testing.T) {
	_, err := NewManager(Config{SigningKey: []byte("short")})
	assert.Error(t, err)
}

func TestRefreshTTLMustExceedAccessTTL(t *testing.T) {
	_, err := NewManager(Config{
		SigningKey: []byte("01234567890123456789012345678901"),
		AccessTTL:  time.Hour,
		RefreshTTL: time.Minute,
	})
	assert.Error(t, err)
}

func TestProactiveRefresherRotatesBeforeExpiry(t *testing.T) {
	m, err := NewManager(Config{
		SigningKey:      []byte("01234567890123456789012345678901"),
		AccessTTL:       150 * time.Millisecond,
		RefreshTTL:      time.Hour,
		ProactiveWindow: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	pair, err := m.Mint(Identity{Subject: "user-1"})
	require.NoError(t, err)

	r, err := NewRefresher(m, pair, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Current().AccessToken != pair.AccessToken
	}, time.Second, 10*time.Millisecond)
}
