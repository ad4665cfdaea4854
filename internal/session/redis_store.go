package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStore mirrors session records into Redis so a re-handshake
// observed by one gateway replica is visible to requests landing on
// another, per spec §5's note that the session map is process-local
// "by default" — this is the opt-in alternative. Grounded on no single
// retrieved file (the teacher declares go-redis in its go.mod but never
// imports it in any retrieved source); the shape here is a plain
// marshal-then-SETEX, the simplest idiom the client library supports.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// wireSession is RedisStore's JSON wire shape: Session's unexported
// bookkeeping fields (mutex, lastUse, failureCount) never leave this
// process, only the public fields needed to reconstruct a usable
// Session on another replica.
type wireSession struct {
	ClientID     string    `json:"client_id"`
	SessionID    string    `json:"session_id"`
	Key          []byte    `json:"key"`
	ClientPubRaw []byte    `json:"client_pub_raw"`
	CreatedAt    time.Time `json:"created_at"`
	Generation   uint64    `json:"generation"`
}

// NewRedisStore dials addr and returns a Store mirroring records under
// ttl, matching the Session Manager's own absolute TTL by convention
// (callers should pass the same duration as Config.AbsoluteTTL).
func NewRedisStore(addr string, ttl time.Duration) *RedisStore {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl, prefix: "aico:session:"}
}

func (r *RedisStore) key(clientID string) string { return r.prefix + clientID }

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	wire := wireSession{
		ClientID:     s.ClientID,
		SessionID:    s.SessionID,
		Key:          s.Key,
		ClientPubRaw: s.ClientPubRaw,
		CreatedAt:    s.CreatedAt,
		Generation:   s.Generation,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("session: marshal for redis: %w", err)
	}
	return r.client.Set(ctx, r.key(s.ClientID), data, r.ttl).Err()
}

func (r *RedisStore) Load(ctx context.Context, clientID string) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(clientID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	var wire wireSession
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("session: unmarshal from redis: %w", err)
	}
	now := time.Now()
	return &Session{
		ClientID:     wire.ClientID,
		SessionID:    wire.SessionID,
		Key:          wire.Key,
		ClientPubRaw: wire.ClientPubRaw,
		CreatedAt:    wire.CreatedAt,
		Generation:   wire.Generation,
		lastUse:      now,
	}, nil
}

func (r *RedisStore) Delete(ctx context.Context, clientID string) error {
	return r.client.Del(ctx, r.key(clientID)).Err()
}

// Close releases the underlying Redis connection pool.
func (r *RedisStore) Close() error { return r.client.Close() }
