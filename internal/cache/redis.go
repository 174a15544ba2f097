package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/roach88/tally/internal/ir"
)

// DefaultRedisPrefix namespaces counter keys in a shared redis.
const DefaultRedisPrefix = "tally:counter:"

// defaultRedisTimeout bounds every call; the cache must never stall a resolution.
const defaultRedisTimeout = 250 * time.Millisecond

// Redis stores one plain numeric string per counter key.
type Redis struct {
	rdb     *goredis.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisPrefix overrides DefaultRedisPrefix.
func WithRedisPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// WithRedisTimeout overrides the per-call timeout.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.timeout = d }
}

// WithRedisLogger sets the logger for swallowed failures.
func WithRedisLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis connects to addr and verifies the connection with PING.
// Connection errors are returned here, at construction; after that the
// store is best effort like every other cache.
func NewRedis(ctx context.Context, addr string, opts ...RedisOption) (*Redis, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisFromClient(rdb, opts...), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(rdb *goredis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:     rdb,
		prefix:  DefaultRedisPrefix,
		timeout: defaultRedisTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "cache.redis")
	return r
}

func (r *Redis) key(k string) string {
	return r.prefix + ir.NormalizeKey(k)
}

// Read implements Store.
func (r *Redis) Read(key string) (int64, bool) {
	if r == nil || r.rdb == nil {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	raw, err := r.rdb.Get(ctx, r.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false
	}
	if err != nil {
		r.logger.Debug("cache read failed", "key", key, "error", err)
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		r.logger.Debug("cache entry is not a number", "key", key, "raw", raw)
		return 0, false
	}
	return v, true
}

// Write implements Store.
func (r *Redis) Write(key string, value int64) {
	if r == nil || r.rdb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.rdb.Set(ctx, r.key(key), strconv.FormatInt(value, 10), 0).Err(); err != nil {
		r.logger.Debug("cache write failed", "key", key, "error", err)
	}
}

// Close releases the client.
func (r *Redis) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
