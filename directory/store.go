package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store persists the owner → address mapping so a restarted dispatcher keeps
// polling queues it created earlier.
type Store interface {
	Put(ctx context.Context, owner, address string) error
	Remove(ctx context.Context, owner string) error
	All(ctx context.Context) (map[string]string, error)
}

// MemoryStore keeps the mapping in process memory. It is the default.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]string)}
}

func (s *MemoryStore) Put(_ context.Context, owner, address string) error {
	s.mu.Lock()
	s.m[owner] = address
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, owner string) error {
	s.mu.Lock()
	delete(s.m, owner)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) All(_ context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.m))
	for k, v := range s.m {
		out[k] = v
	}
	return out, nil
}

// RedisStore keeps the mapping in a single Redis hash, field = owner.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore uses key as the hash name; an empty key falls back to
// "dispatcher:queues".
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if client == nil {
		panic("redis client is required")
	}
	if key == "" {
		key = "dispatcher:queues"
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Put(ctx context.Context, owner, address string) error {
	if err := s.client.HSet(ctx, s.key, owner, address).Err(); err != nil {
		return fmt.Errorf("redis hset %s owner=%q: %w", s.key, owner, err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, owner string) error {
	if err := s.client.HDel(ctx, s.key, owner).Err(); err != nil {
		return fmt.Errorf("redis hdel %s owner=%q: %w", s.key, owner, err)
	}
	return nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", s.key, err)
	}
	return m, nil
}
