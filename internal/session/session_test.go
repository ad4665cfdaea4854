package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecrypto "github.com/boeni-industries/aico-gateway/internal/crypto"
)

func clientKeypair(t *testing.T) (pub []byte) {
	t.Helper()
	priv, err := ecrypto.GenerateX25519Keypair()
	require.NoError(t, err)
	return priv.PublicKey().Bytes()
}

func TestBeginHandshakeCreatesSession(t *testing.T) {
	m := NewManager(Config{SweepInterval: time.Hour})
	defer m.Close()

	pub := clientKeypair(t)
	res, err := m.BeginHandshake("c_abc", pub)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Generation)
	assert.NotEmpty(t, res.SessionID)

	got, err := m.Get("c_abc")
	require.NoError(t, err)
	assert.Equal(t, "c_abc", got.ClientID)
}

func TestRehandshakeBumpsGenerationAndReplacesAtomically(t *testing.T) {
	m := NewManager(Config{SweepInterval: time.Hour})
	defer m.Close()

	pub := clientKeypair(t)
	first, err := m.BeginHandshake("c_abc", pub)
	require.NoError(t, err)

	second, err := m.BeginHandshake("c_abc", pub)
	require.NoError(t, err)
	assert.Equal(t, first.Generation+1, second.Generation)

	got, err := m.Get("c_abc")
	require.NoError(t, err)
	assert.Equal(t, second.Generation, got.Generation)
}

func TestConcurrentHandshakesYieldExactlyOneWinningSession(t *testing.T) {
	m := NewManager(Config{SweepInterval: time.Hour})
	defer m.Close()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub := clientKeypair(t)
			_, _ = m.BeginHandshake("c_concurrent", pub)
		}()
	}
	wg.Wait()

	got, err := m.Get("c_concurrent")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Generation, uint64(1))
	assert.LessOrEqual(t, got.Generation, uint64(n))
	assert.Equal(t, 1, m.Count())
}

func TestInvalidateRemovesSession(t *testing.T) {
	m := NewManager(Config{SweepInterval: time.Hour})
	defer m.Close()

	pub := clientKeypair(t)
	_, err := m.BeginHandshake("c_abc", pub)
	require.NoError(t, err)

	m.Invalidate("c_abc")
	_, err = m.Get("c_abc")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestDecryptFailureThresholdInvalidates(t *testing.T) {
	m := NewManager(Config{SweepInterval: time.Hour, FailureLimit: 3})
	defer m.Close()

	pub := clientKeypair(t)
	_, err := m.BeginHandshake("c_abc", pub)
	require.NoError(t, err)

	assert.False(t, m.RecordDecryptFailure("c_abc"))
	assert.False(t, m.RecordDecryptFailure("c_abc"))
	assert.True(t, m.RecordDecryptFailure("c_abc"))

	_, err = m.Get("c_abc")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSweepExpiredRemovesIdleSessions(t *testing.T) {
	m := NewManager(Config{SweepInterval: time.Hour, IdleTimeout: time.Millisecond})
	defer m.Close()

	pub := clientKeypair(t)
	_, err := m.BeginHandshake("c_abc", pub)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	removed := m.SweepExpired(time.Now())
	assert.Equal(t, 1, removed)

	_, err = m.Get("c_abc")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestGetUnknownClientReturnsNoSession(t *testing.T) {
	m := NewManager(Config{SweepInterval: time.Hour})
	defer m.Close()

	_, err := m.Get("never-seen")
	assert.ErrorIs(t, err, ErrNoSession)
}
