package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "dbpilot:thread:"

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RedisStore keeps mappings in Redis, shared by every process of a
// deployment. A positive TTL expires idle mappings; Set refreshes it.
type RedisStore struct {
	client     goredis.UniversalClient
	keyPrefix  string
	ttl        time.Duration
	ownsClient bool
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("threads: redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("threads: connect to redis: %w", err)
	}

	store := NewRedisStoreFromClient(client, cfg.KeyPrefix, cfg.TTL)
	store.ownsClient = true
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client. Close leaves the client open.
func NewRedisStoreFromClient(client goredis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) key(userID string) string {
	return s.keyPrefix + userID
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, userID string) (*Thread, error) {
	data, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis: get thread: %w", err)
	}

	var thread Thread
	if err := json.Unmarshal(data, &thread); err != nil {
		return nil, fmt.Errorf("redis: unmarshal thread: %w", err)
	}
	return &thread, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, thread *Thread) error {
	if err := validateThread(thread); err != nil {
		return err
	}
	data, err := json.Marshal(thread)
	if err != nil {
		return fmt.Errorf("redis: marshal thread: %w", err)
	}
	if err := s.client.Set(ctx, s.key(thread.UserID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set thread: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis: delete thread: %w", err)
	}
	return nil
}

// Close closes the client if the store created it.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}
