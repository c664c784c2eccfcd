// Package store implements the durable, transactional Store of §4.1: a
// single-file embedded relational database over modernc.org/sqlite,
// providing the atomic claim/complete/fail_retry/expire_due/reclaim_stuck
// operations the Buffer and Janitor depend on. Grounded on the WAL-mode,
// BEGIN IMMEDIATE lease pattern used by the sqlite-backed queue in the
// retrieval pack, and on the FOR UPDATE-style atomic claim query from the
// gorm/raw-SQL outbox workers in the pack.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
)

// Store is the single-writer, embedded relational store backing the
// buffer. All write paths funnel through a single *sql.DB with one open
// connection, giving the serialized writer lane §4.1/§5 require; SQLite's
// WAL mode is enabled so long-lived readers never block a writer commit.
type Store struct {
	db    *sql.DB
	nowFn func() time.Time
}

// Option customizes Store construction.
type Option func(*Store)

// WithNowFunc overrides the clock, for deterministic tests.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// Open creates or opens the Store file at path, applying pragmas and
// running migrations. A sidecar lock file (§6.4) prevents two bridge
// processes from opening the same store concurrently.
func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, bridgeerr.Configuration("store: empty db path", nil)
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, bridgeerr.StoreUnavailable(err)
		}
	}

	if err := acquireLock(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, bridgeerr.StoreUnavailable(err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database handle and the sidecar lock.
func (s *Store) Close() error {
	err := s.db.Close()
	releaseLock()
	return err
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

func (s *Store) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return bridgeerr.StoreUnavailable(fmt.Errorf("set journal_mode=wal: %w", err))
	}
	if !strings.EqualFold(journalMode, "wal") {
		return bridgeerr.StoreUnavailable(fmt.Errorf("journal_mode=%q, want wal", journalMode))
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		return bridgeerr.StoreUnavailable(err)
	}

	return s.migrate(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(ctx, "ROLLBACK;")
		}
	}()

	var current int
	err = conn.QueryRowContext(ctx, "SELECT version FROM schema_meta LIMIT 1;").Scan(&current)
	if err != nil {
		if err != sql.ErrNoRows && !strings.Contains(err.Error(), "no such table") {
			return bridgeerr.Integrity("read schema_meta", err)
		}
		current = 0
	}

	if current < 1 {
		if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
			return bridgeerr.StoreUnavailable(fmt.Errorf("apply schema v1: %w", err))
		}
		if _, err := conn.ExecContext(ctx, "INSERT INTO schema_meta(version) VALUES (?);", schemaVersion); err != nil {
			return bridgeerr.StoreUnavailable(err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return bridgeerr.StoreUnavailable(err)
	}
	committed = true
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
