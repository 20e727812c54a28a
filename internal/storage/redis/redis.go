// Package redis provides a storage.Store backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/benvon/mail-oauth-autoconfig/internal/storage"
	goredis "github.com/redis/go-redis/v9"
)

const scanBatchSize = 100

var _ storage.Store = (*Store)(nil)

// Client is the subset of the go-redis client the store uses
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	Del(ctx context.Context, keys ...string) *goredis.IntCmd
	Exists(ctx context.Context, keys ...string) *goredis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *goredis.ScanCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Store is a storage.Store over a Redis client
type Store struct {
	client Client
	raw    *goredis.Client
}

// New wraps an existing client
func New(client Client) *Store {
	s := &Store{client: client}
	if raw, ok := client.(*goredis.Client); ok {
		s.raw = raw
	}
	return s
}

// NewFromURL parses a redis:// URL, connects and pings
func NewFromURL(redisURL string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return New(client), nil
}

// Client returns the underlying go-redis client so other components (the rate limiter)
// can share the connection pool. Nil when the store wraps a non go-redis client.
func (s *Store) Client() *goredis.Client {
	return s.raw
}

// Get implements storage.Store
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return value, true, nil
}

// Set implements storage.Store; entries never expire since staleness is computed by the cache
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements storage.Store
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Exists implements storage.Store
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Keys implements storage.Store using SCAN so large keyspaces are not blocked
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := EscapeGlob(prefix) + "*"
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Ping implements storage.Store
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements storage.Store
func (s *Store) Close() error {
	return s.client.Close()
}

// EscapeGlob escapes Redis MATCH metacharacters so prefix is matched literally
func EscapeGlob(prefix string) string {
	var b strings.Builder
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
