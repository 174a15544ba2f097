package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tally/internal/cache"
)

//go:embed schema.sql
var schemaSQL string

// migrations upgrade a database one user_version at a time; migrations[i]
// moves version i to i+1. Append only.
var migrations = []func(*sql.Tx) error{
	addUpdatedAt,
}

var _ cache.Store = (*Store)(nil)

// Store is the SQLite snapshot cache. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for swallowed cache failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// dsn builds the go-sqlite3 connection string. The driver applies the
// pragmas to every connection it opens.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	return "file:" + path + "?" + q.Encode()
}

// Open opens the cache at path, creating and upgrading it as needed.
// ":memory:" gives a private in-memory cache.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	// One connection: a single writer, and ":memory:" stays one database.
	db.SetMaxOpenConns(1)

	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare cache %s: %w", path, err)
	}

	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cache.sqlite")
	return s, nil
}

// Close releases the database. Closing a zero Store is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func prepare(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for ; version < len(migrations); version++ {
		if err := migrate(db, version); err != nil {
			return err
		}
	}
	return nil
}

func migrate(db *sql.DB, from int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := migrations[from](tx); err != nil {
		return fmt.Errorf("migration %d: %w", from+1, err)
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", from+1)); err != nil {
		return fmt.Errorf("migration %d: %w", from+1, err)
	}
	return tx.Commit()
}

// addUpdatedAt records when each snapshot was written. The column is
// informational; entries never expire.
func addUpdatedAt(tx *sql.Tx) error {
	var n int
	err := tx.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('snapshots') WHERE name = 'updated_at'`).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = tx.Exec(`ALTER TABLE snapshots ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''`)
	return err
}
