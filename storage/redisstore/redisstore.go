// Package redisstore backs an mls.Engine with Redis, for deployments
// where group state must survive process restarts or be shared across
// replicas.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	mls "github.com/quietmesh/go-mls"
)

// Store keeps every record under a common key prefix. All values are
// opaque serialized blobs; Redis never sees structure.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ mls.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces all keys, so several engines can share one
// Redis database.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithTTL expires records after the given duration. Zero means no
// expiry. Group state is rewritten on every operation, which refreshes
// the TTL; only abandoned groups age out.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "mls/"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redisstore: %s: %w", key, mls.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) Write(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: write %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.client.Del(ctx, s.key(key)).Result()
	if err != nil {
		return fmt.Errorf("redisstore: delete %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("redisstore: %s: %w", key, mls.ErrNotFound)
	}
	return nil
}
