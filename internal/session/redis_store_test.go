package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	store := NewRedisStore(mr.Addr(), time.Hour)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStoreSaveLoadRoundTrips(t *testing.T) {
	store := newTestRedisStore(t)
	s := &Session{
		ClientID:     "c_abc",
		SessionID:    "sess-1",
		Key:          []byte("0123456789abcdef0123456789abcdef"),
		ClientPubRaw: []byte("pubkeybytes"),
		CreatedAt:    time.Now().Truncate(time.Second),
		Generation:   1,
	}

	require.NoError(t, store.Save(context.Background(), s))

	loaded, err := store.Load(context.Background(), "c_abc")
	require.NoError(t, err)
	require.Equal(t, s.ClientID, loaded.ClientID)
	require.Equal(t, s.SessionID, loaded.SessionID)
	require.Equal(t, s.Key, loaded.Key)
	require.Equal(t, s.Generation, loaded.Generation)
}

func TestRedisStoreLoadMissReportsErrNoSession(t *testing.T) {
	store := newTestRedisStore(t)
	_, err := store.Load(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestRedisStoreDeleteRemovesRecord(t *testing.T) {
	store := newTestRedisStore(t)
	s := &Session{ClientID: "c_del", SessionID: "sess-2", Key: []byte("k"), CreatedAt: time.Now()}
	require.NoError(t, store.Save(context.Background(), s))

	require.NoError(t, store.Delete(context.Background(), "c_del"))

	_, err := store.Load(context.Background(), "c_del")
	require.ErrorIs(t, err, ErrNoSession)
}

func TestManagerFallsBackToStoreOnLocalMiss(t *testing.T) {
	store := newTestRedisStore(t)
	remoteSession := &Session{ClientID: "c_remote", SessionID: "sess-3", Key: []byte("k"), CreatedAt: time.Now()}
	require.NoError(t, store.Save(context.Background(), remoteSession))

	mgr := NewManager(Config{IdleTimeout: time.Hour, AbsoluteTTL: 24 * time.Hour}).WithStore(store)
	defer mgr.Close()

	got, err := mgr.Get("c_remote")
	require.NoError(t, err)
	require.Equal(t, "sess-3", got.SessionID)
}
