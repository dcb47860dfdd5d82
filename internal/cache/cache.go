// Package cache provides the Redis-backed byte cache used by the pipeline:
// downloaded attachment bytes awaiting ingestion, and tool-produced files
// awaiting delivery.
//
// The cache is strictly opportunistic. A nil *Cache is valid and behaves as
// permanently empty, and Redis errors surface as misses where possible, so
// the pipeline works — more slowly — without Redis at all.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTooLarge is returned when a payload exceeds the configured size cap.
var ErrTooLarge = errors.New("cache: payload exceeds size cap")

// Config bounds the two cache families.
type Config struct {
	// FileBytesMaxSize caps one cached attachment. Defaults to 20 MiB.
	FileBytesMaxSize int64

	// FileBytesTTL is the attachment retention. Defaults to 1h.
	FileBytesTTL time.Duration

	// ExecFileMaxSize caps one tool-produced file. Defaults to 100 MiB.
	ExecFileMaxSize int64

	// ExecFileTTL is the tool-file retention. Defaults to 1h.
	ExecFileTTL time.Duration
}

func (c *Config) defaults() {
	if c.FileBytesMaxSize == 0 {
		c.FileBytesMaxSize = 20 << 20
	}
	if c.FileBytesTTL == 0 {
		c.FileBytesTTL = time.Hour
	}
	if c.ExecFileMaxSize == 0 {
		c.ExecFileMaxSize = 100 << 20
	}
	if c.ExecFileTTL == 0 {
		c.ExecFileTTL = time.Hour
	}
}

// Cache wraps a Redis client. The zero of *Cache (nil) is a valid, always-
// empty cache.
type Cache struct {
	rdb *redis.Client
	cfg Config
}

// New connects to Redis at addr and verifies the connection.
func New(ctx context.Context, addr, password string, db int, cfg Config) (*Cache, error) {
	cfg.defaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: ping %s: %w", addr, err)
	}
	return &Cache{rdb: rdb, cfg: cfg}, nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.rdb.Close()
}

func fileKey(id string) string { return "file:bytes:" + id }
func execKey(id string) string { return "exec:file:" + id }

// PutFileBytes caches downloaded attachment bytes under the platform file id.
// Oversized payloads return [ErrTooLarge] and are not cached.
func (c *Cache) PutFileBytes(ctx context.Context, id string, data []byte) error {
	if c == nil {
		return nil
	}
	if int64(len(data)) > c.cfg.FileBytesMaxSize {
		return ErrTooLarge
	}
	if err := c.rdb.Set(ctx, fileKey(id), data, c.cfg.FileBytesTTL).Err(); err != nil {
		return fmt.Errorf("cache: put file bytes: %w", err)
	}
	return nil
}

// GetFileBytes returns cached attachment bytes, or (nil, nil) on a miss.
func (c *Cache) GetFileBytes(ctx context.Context, id string) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.rdb.Get(ctx, fileKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get file bytes: %w", err)
	}
	return data, nil
}

// PutExecFile stores a tool-produced file awaiting delivery.
func (c *Cache) PutExecFile(ctx context.Context, id string, data []byte) error {
	if c == nil {
		return errors.New("cache: exec file storage requires redis")
	}
	if int64(len(data)) > c.cfg.ExecFileMaxSize {
		return ErrTooLarge
	}
	if err := c.rdb.Set(ctx, execKey(id), data, c.cfg.ExecFileTTL).Err(); err != nil {
		return fmt.Errorf("cache: put exec file: %w", err)
	}
	return nil
}

// TakeExecFile returns a tool-produced file and removes it, so each file is
// delivered at most once. Returns (nil, nil) when absent or already taken.
func (c *Cache) TakeExecFile(ctx context.Context, id string) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.rdb.GetDel(ctx, execKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: take exec file: %w", err)
	}
	return data, nil
}
