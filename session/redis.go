package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

// userSetPrefix namespaces the secondary per-user set index used by
// ListUserSessions, the same structural idea as the teacher's sorted-set
// rate-limit bookkeeping (ZAdd/ZRangeByScoreWithScores) repurposed here
// to index session ids by user rather than timestamps by key.
const (
	sessionKeyPrefix = "gw:session:"
	userSetPrefix    = "gw:user-sessions:"
	pingRetries      = uint(3)
)

// RedisStore persists each session as a JSON-encoded string value in Redis,
// generalized from the teacher's net.RedisRingClient (ring-backed client
// with a backoff-guarded Ping, used here for a single logical store
// rather than a client shared by multiple rate-limit callers).
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an already-constructed redis client. Construction
// of the client (single node vs cluster vs ring) is left to main, which
// is where the teacher's own RedisOptions translation happens too.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Get(ctx context.Context, sessionID string) (*Record, error) {
	raw, err := r.client.Get(ctx, sessionKeyPrefix+sessionID).Bytes()
	if err == redis.Nil {
		return nil, &ErrNotFound{SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("session: decode record: %w", err)
	}
	return &rec, nil
}

func (r *RedisStore) Put(ctx context.Context, rec *Record, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+rec.SessionID, raw, ttl)
	pipe.SAdd(ctx, userSetPrefix+rec.UserID, rec.SessionID)
	pipe.Expire(ctx, userSetPrefix+rec.UserID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis put: %w", err)
	}
	return nil
}

func (r *RedisStore) Revoke(ctx context.Context, sessionID string) error {
	rec, err := r.Get(ctx, sessionID)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			return nil
		}
		return err
	}
	rec.Revoked = true
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	ttl := r.client.TTL(ctx, sessionKeyPrefix+sessionID).Val()
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := r.client.Set(ctx, sessionKeyPrefix+sessionID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("session: redis revoke: %w", err)
	}
	return nil
}

func (r *RedisStore) Touch(ctx context.Context, sessionID string, lastAccess time.Time) error {
	rec, err := r.Get(ctx, sessionID)
	if err != nil {
		if _, ok := err.(*ErrNotFound); ok {
			return nil
		}
		return err
	}
	rec.LastAccess = lastAccess
	ttl := r.client.TTL(ctx, sessionKeyPrefix+sessionID).Val()
	return r.Put(ctx, rec, ttl)
}

func (r *RedisStore) ListUserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, userSetPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: redis list: %w", err)
	}
	return ids, nil
}

// Ping retries with an exponential backoff, matching the teacher's
// RingAvailable()'s bounded-retry ping before declaring the store down.
func (r *RedisStore) Ping(ctx context.Context) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.client.Ping(ctx).Err()
	}, backoff.WithMaxTries(pingRetries))
	return err
}

var _ Store = (*RedisStore)(nil)
