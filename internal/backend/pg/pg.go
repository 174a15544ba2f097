// Package pg reads and increments counters directly in Postgres.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/tally/internal/backend"
)

// DefaultLiveMetricsTable holds one (name, value) row per live aggregate.
const DefaultLiveMetricsTable = "live_metrics"

// Backend is a pgx pool-backed implementation of every capability.
type Backend struct {
	pool      *pgxpool.Pool
	liveTable string
	logger    *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLiveMetricsTable overrides DefaultLiveMetricsTable.
func WithLiveMetricsTable(name string) Option {
	return func(b *Backend) {
		b.liveTable = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) {
		b.logger = logger
	}
}

var (
	_ backend.LiveMetricsReader = (*Backend)(nil)
	_ backend.ProcedureCaller   = (*Backend)(nil)
	_ backend.TableReader       = (*Backend)(nil)
	_ backend.Incrementer       = (*Backend)(nil)
)

// Open connects a pool to dsn and pings it.
func Open(ctx context.Context, dsn string, opts ...Option) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w: %w", backend.ErrUnavailable, err)
	}
	return New(pool, opts...), nil
}

// New wraps an existing pool. The caller keeps ownership of pool.
func New(pool *pgxpool.Pool, opts ...Option) *Backend {
	b := &Backend{pool: pool, liveTable: DefaultLiveMetricsTable, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "pg")
	return b
}

// Close closes the pool.
func (b *Backend) Close() {
	b.pool.Close()
}

// LiveMetrics implements backend.LiveMetricsReader.
func (b *Backend) LiveMetrics(ctx context.Context) (backend.Metrics, error) {
	q := fmt.Sprintf("SELECT name, value FROM %s", ident(b.liveTable))
	rows, err := b.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("live metrics: %w", err)
	}
	defer rows.Close()

	out := make(backend.Metrics)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("live metrics: scan: %w", err)
		}
		out[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("live metrics: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("live metrics: %w", backend.ErrEmpty)
	}
	return out, nil
}

// Call implements backend.ProcedureCaller for functions returning json,
// jsonb or a composite row.
func (b *Backend) Call(ctx context.Context, procedure string) (backend.Metrics, error) {
	op := "rpc " + procedure
	q := fmt.Sprintf("SELECT to_jsonb(r) FROM %s() AS r LIMIT 1", ident(procedure))
	return b.queryJSON(ctx, op, q)
}

// ReadRow implements backend.TableReader.
func (b *Backend) ReadRow(ctx context.Context, table string, columns []string) (backend.Metrics, error) {
	op := "table " + table
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = ident(c)
	}
	q := fmt.Sprintf("SELECT to_jsonb(t) FROM (SELECT %s FROM %s LIMIT 1) AS t",
		strings.Join(cols, ", "), ident(table))
	return b.queryJSON(ctx, op, q)
}

// Increment implements backend.Incrementer; counter names a function
// returning the new total.
func (b *Backend) Increment(ctx context.Context, counter string) (int64, error) {
	var total int64
	q := fmt.Sprintf("SELECT %s()", ident(counter))
	if err := b.pool.QueryRow(ctx, q).Scan(&total); err != nil {
		return 0, fmt.Errorf("increment %s: %w", counter, err)
	}
	b.logger.Debug("incremented", "counter", counter, "total", total)
	return total, nil
}

func (b *Backend) queryJSON(ctx context.Context, op, q string) (backend.Metrics, error) {
	var raw []byte
	if err := b.pool.QueryRow(ctx, q).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, backend.ErrEmpty)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("%s: %w", op, backend.ErrEmpty)
	}
	return m, nil
}

func decode(raw []byte) (backend.Metrics, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return backend.MetricsFromAny(obj), nil
}

// ident quotes a possibly schema-qualified identifier.
func ident(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
