package datasync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned by Cache.Load for unknown names.
var ErrCacheMiss = errors.New("sync cache: miss")

// Cache persists the last known rows of a registration locally, so a
// restart can hydrate before the backend answers.
type Cache interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Store(ctx context.Context, name string, payload []byte) error
	Remove(ctx context.Context, name string) error
}

// NopCache stores nothing.
type NopCache struct{}

func (NopCache) Load(context.Context, string) ([]byte, error) { return nil, ErrCacheMiss }
func (NopCache) Store(context.Context, string, []byte) error  { return nil }
func (NopCache) Remove(context.Context, string) error         { return nil }

// =============================================================================
// File cache
// =============================================================================

// FileCache keeps one JSON file per persist name under a directory.
type FileCache struct {
	dir string
}

// NewFileCache creates dir when needed.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

func (c *FileCache) path(name string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, name)
	return filepath.Join(c.dir, safe+".json")
}

// Load implements Cache.
func (c *FileCache) Load(_ context.Context, name string) ([]byte, error) {
	b, err := os.ReadFile(c.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrCacheMiss
	}
	return b, err
}

// Store implements Cache. The file is replaced atomically.
func (c *FileCache) Store(_ context.Context, name string, payload []byte) error {
	tmp, err := os.CreateTemp(c.dir, ".sync-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path(name))
}

// Remove implements Cache.
func (c *FileCache) Remove(_ context.Context, name string) error {
	err := os.Remove(c.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// =============================================================================
// Redis cache
// =============================================================================

// RedisCache stores payloads as redis strings under a key prefix.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache wraps client. A zero ttl keeps keys forever.
func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// DialRedisCache connects to addr and checks the connection.
func DialRedisCache(ctx context.Context, addr, prefix string, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return NewRedisCache(client, prefix, ttl), nil
}

// Load implements Cache.
func (c *RedisCache) Load(ctx context.Context, name string) ([]byte, error) {
	b, err := c.client.Get(ctx, c.prefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

// Store implements Cache.
func (c *RedisCache) Store(ctx context.Context, name string, payload []byte) error {
	return c.client.Set(ctx, c.prefix+name, payload, c.ttl).Err()
}

// Remove implements Cache.
func (c *RedisCache) Remove(ctx context.Context, name string) error {
	return c.client.Del(ctx, c.prefix+name).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
