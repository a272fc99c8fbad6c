package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/XCP/xcpfolio-bot/logging"
)

// cacheTTL bounds how stale a read-through cached envelope may be.
const cacheTTL = 5 * time.Second

// Store wraps Redis with JSON-typed values and a short in-process read
// cache on hot envelope keys. Writes from this process invalidate the
// cache; GetFresh bypasses it entirely.
type Store struct {
	client *redis.Client
	logger *logging.ComponentLogger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	data    []byte
	fetched time.Time
}

// New connects to Redis and verifies the connection.
func New(redisURL, password string, logger *logging.ComponentLogger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info().
		Str("addr", opts.Addr).
		Msg("Connected to state store")

	return &Store{
		client: client,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}, nil
}

// NewFromClient wraps an existing client. Used by tests and the admin CLI.
func NewFromClient(client *redis.Client, logger *logging.ComponentLogger) *Store {
	return &Store{
		client: client,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Get reads key into the given value. Returns false when the key does
// not exist. Reads within cacheTTL of a prior read or write of the same
// key are served from the in-process cache.
func (s *Store) Get(key string, into interface{}) (bool, error) {
	s.mu.Lock()
	entry, ok := s.cache[key]
	s.mu.Unlock()
	if ok && time.Since(entry.fetched) < cacheTTL {
		if entry.data == nil {
			return false, nil
		}
		return true, json.Unmarshal(entry.data, into)
	}
	return s.GetFresh(key, into)
}

// GetFresh reads key straight from Redis, bypassing the cache. Used for
// duplicate-prevention checks where stale reads would be unsafe.
func (s *Store) GetFresh(key string, into interface{}) (bool, error) {
	data, err := s.client.Get(key).Bytes()
	if err == redis.Nil {
		s.remember(key, nil)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	s.remember(key, data)
	if err := json.Unmarshal(data, into); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Set writes value as JSON under key with the given TTL. A zero TTL
// persists the key indefinitely.
func (s *Store) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.client.Set(key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.remember(key, data)
	return nil
}

// SetNX writes value only if key is absent. Returns whether the write
// happened. This is the lock-acquisition primitive.
func (s *Store) SetNX(key string, value interface{}, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}
	acquired, err := s.client.SetNX(key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	if acquired {
		s.remember(key, data)
	}
	return acquired, nil
}

// Del removes key.
func (s *Store) Del(key string) error {
	if err := s.client.Del(key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	s.forget(key)
	return nil
}

// Client exposes the underlying Redis client for collaborators that
// need list or hash operations (order history, locks).
func (s *Store) Client() *redis.Client {
	return s.client
}

func (s *Store) remember(key string, data []byte) {
	s.mu.Lock()
	s.cache[key] = cacheEntry{data: data, fetched: time.Now()}
	s.mu.Unlock()
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}
