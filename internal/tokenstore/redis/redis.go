// Package redis stores tokens in Redis so that several client processes on
// one host can share a single sign-in.
package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bridgeaid/client/internal/tokenstore"
)

// DefaultPrefix namespaces token keys.
const DefaultPrefix = "bridgeaid:"

// Store implements tokenstore.Store on a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

// New wraps client. An empty prefix uses DefaultPrefix.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Connect parses a redis:// URL, opens a client and pings it.
func Connect(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return New(client, prefix), nil
}

func (s *Store) key(name string) string {
	return s.prefix + name
}

func (s *Store) Get(ctx context.Context, name string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", name, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, name, value string) error {
	if err := s.client.Set(ctx, s.key(name), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", name, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, name string) error {
	if err := s.client.Del(ctx, s.key(name)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", name, err)
	}
	return nil
}

// SetPair writes both tokens in one MULTI/EXEC transaction.
func (s *Store) SetPair(ctx context.Context, p tokenstore.Pair) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(tokenstore.AccessToken), p.Access, 0)
		pipe.Set(ctx, s.key(tokenstore.RefreshToken), p.Refresh, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set token pair: %w", err)
	}
	return nil
}

// ClearPair deletes both tokens with a single DEL.
func (s *Store) ClearPair(ctx context.Context) error {
	err := s.client.Del(ctx, s.key(tokenstore.AccessToken), s.key(tokenstore.RefreshToken)).Err()
	if err != nil {
		return fmt.Errorf("redis clear token pair: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
