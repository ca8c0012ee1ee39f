package dedup

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps keys in process memory for a fixed expiry.
type MemoryStore struct {
	cache  *cache.Cache
	expiry time.Duration
}

func NewMemoryStore(expiry time.Duration) *MemoryStore {
	return &MemoryStore{
		cache:  cache.New(expiry, expiry),
		expiry: expiry,
	}
}

func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	_, found := s.cache.Get(key)
	return found, nil
}

func (s *MemoryStore) Mark(_ context.Context, key string) error {
	s.cache.Set(key, struct{}{}, s.expiry)
	return nil
}
