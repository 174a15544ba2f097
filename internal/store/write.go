package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tally/internal/ir"
)

// WriteSnapshot upserts one counter value.
func (s *Store) WriteSnapshot(ctx context.Context, snap ir.CachedSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`,
		ir.NormalizeKey(snap.Key),
		snap.Value,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write snapshot %q: %w", snap.Key, err)
	}
	return nil
}

// Write implements cache.Store. Failures are logged and dropped.
func (s *Store) Write(key string, value int64) {
	if s == nil || s.db == nil {
		return
	}
	if err := s.WriteSnapshot(context.Background(), ir.CachedSnapshot{Key: key, Value: value}); err != nil {
		s.logger.Warn("cache write dropped", "key", key, "error", err)
	}
}

// Clear removes every snapshot.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}
