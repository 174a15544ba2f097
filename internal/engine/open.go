package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/tally/internal/backend/httpapi"
	"github.com/roach88/tally/internal/backend/memory"
	"github.com/roach88/tally/internal/backend/pg"
	"github.com/roach88/tally/internal/cache"
	"github.com/roach88/tally/internal/config"
	"github.com/roach88/tally/internal/store"
)

// OpenCache opens the snapshot store selected by c. The returned close
// function is never nil.
func OpenCache(ctx context.Context, c config.Cache, logger *slog.Logger) (cache.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Kind {
	case config.CacheSQLite:
		s, err := store.Open(c.Path, store.WithLogger(logger))
		if err != nil {
			return nil, noop, &OpenError{Component: "cache", Kind: c.Kind, Err: err}
		}
		return s, s.Close, nil
	case config.CacheRedis:
		r, err := cache.NewRedis(ctx, c.RedisAddr, cache.WithRedisPrefix(c.RedisPrefix), cache.WithRedisLogger(logger))
		if err != nil {
			return nil, noop, &OpenError{Component: "cache", Kind: c.Kind, Err: err}
		}
		return r, r.Close, nil
	case config.CacheMemory:
		return cache.NewMemory(), noop, nil
	case config.CacheDisabled:
		return cache.Disabled{Logger: logger}, noop, nil
	default:
		return nil, noop, &OpenError{Component: "cache", Kind: c.Kind, Err: fmt.Errorf("unsupported cache kind")}
	}
}

// OpenBackend connects the server adapter selected by b. The returned
// value implements some subset of the backend capability interfaces.
func OpenBackend(ctx context.Context, b config.Backend, logger *slog.Logger) (any, func(), error) {
	noop := func() {}
	switch b.Kind {
	case config.BackendMemory:
		return memory.New(b.Seed), noop, nil
	case config.BackendHTTP:
		opts := []httpapi.Option{httpapi.WithLogger(logger)}
		if b.APIKey != "" {
			opts = append(opts, httpapi.WithAPIKey(b.APIKey))
		}
		c, err := httpapi.New(b.URL, opts...)
		if err != nil {
			return nil, noop, &OpenError{Component: "backend", Kind: b.Kind, Err: err}
		}
		return c, noop, nil
	case config.BackendPG:
		p, err := pg.Open(ctx, b.DSN, pg.WithLogger(logger))
		if err != nil {
			return nil, noop, &OpenError{Component: "backend", Kind: b.Kind, Err: err}
		}
		return p, p.Close, nil
	default:
		return nil, noop, &OpenError{Component: "backend", Kind: b.Kind, Err: fmt.Errorf("unsupported backend kind")}
	}
}
