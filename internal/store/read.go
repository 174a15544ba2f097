package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/tally/internal/ir"
)

// ReadSnapshot returns the cached value for key.
// Returns (snapshot, false, nil) when the key has never been written.
func (s *Store) ReadSnapshot(ctx context.Context, key string) (ir.CachedSnapshot, bool, error) {
	snap := ir.CachedSnapshot{Key: ir.NormalizeKey(key)}
	err := s.db.QueryRowContext(ctx, `SELECT value FROM snapshots WHERE key = ?`, snap.Key).Scan(&snap.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("read snapshot %q: %w", key, err)
	}
	return snap, true, nil
}

// Read implements cache.Store. Failures read as a miss.
func (s *Store) Read(key string) (int64, bool) {
	if s == nil || s.db == nil {
		return 0, false
	}
	snap, ok, err := s.ReadSnapshot(context.Background(), key)
	if err != nil {
		s.logger.Warn("cache read failed", "key", key, "error", err)
		return 0, false
	}
	return snap.Value, ok
}

// Snapshots returns every cached entry ordered by key.
// Returns an empty slice (not nil) when the cache is empty.
func (s *Store) Snapshots(ctx context.Context) ([]ir.CachedSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM snapshots ORDER BY key COLLATE BINARY ASC`)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := []ir.CachedSnapshot{}
	for rows.Next() {
		var snap ir.CachedSnapshot
		if err := rows.Scan(&snap.Key, &snap.Value); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}
