package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore keeps authorization state in Redis. Take deletes the value
// inside a WATCH transaction, so the delete only happens if the value read is
// still the one stored.
type RedisStateStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStateStore creates a state store over an existing client.
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: "storepay:"}
}

// Put stores value under key for ttl, replacing any earlier value.
func (s *RedisStateStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, s.prefix+key, value, ttl).Err()
}

// Take returns the value under key and deletes it when match accepts it.
func (s *RedisStateStore) Take(ctx context.Context, key string, match func(value []byte) bool) ([]byte, error) {
	key = s.prefix + key

	var value []byte
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrStateNotFound
		}
		if err != nil {
			return err
		}
		if !match(v) {
			return ErrStateMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		value = v
		return nil
	}, key)

	// another callback consumed or replaced the value between GET and DEL
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrStateNotFound
	}
	return value, err
}
