package dedup

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
)

const redisKeyPrefix = "JobTracker:Processed:"

// RedisStore shares processed keys between tracker replicas. Keys expire after a fixed duration.
type RedisStore struct {
	db     redis.UniversalClient
	expiry time.Duration
}

func NewRedisStore(db redis.UniversalClient, expiry time.Duration) *RedisStore {
	return &RedisStore{db: db, expiry: expiry}
}

func (s *RedisStore) Seen(_ context.Context, key string) (bool, error) {
	count, err := s.db.Exists(redisKeyPrefix + key).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return count > 0, nil
}

func (s *RedisStore) Mark(_ context.Context, key string) error {
	return errors.WithStack(s.db.Set(redisKeyPrefix+key, 1, s.expiry).Err())
}
