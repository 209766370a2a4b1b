// Package kvstore provides an embedded, transactional, ordered key-value store
// with named sub-databases ("tables") on top of a single SQLite file.
package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/kiln/internal/apperr"
)

// DefaultMaxTables bounds the number of sub-databases in one store file.
const DefaultMaxTables = 200

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv_tables (
	name     TEXT PRIMARY KEY,
	encoding TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS kv_entries (
	tbl   TEXT NOT NULL,
	key   TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (tbl, key)
) WITHOUT ROWID;
`

// Store is one open store file. It is safe for concurrent use; every table
// operation is a single statement and therefore atomic per key.
type Store struct {
	conn      *sql.DB
	path      string
	maxTables int

	mu     sync.Mutex
	tables map[string]*Table
	closed atomic.Bool
	refs   int // guarded by sharedMu
}

// Option configures a Store.
type Option func(*Store)

// WithMaxTables overrides DefaultMaxTables.
func WithMaxTables(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTables = n
		}
	}
}

// Open opens (or creates) the store at path. A file that fails the SQLite
// integrity probe is reported as an open error.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("kvstore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kvstore: ping: %w", err)
	}
	var check string
	if err := conn.QueryRow(`PRAGMA quick_check`).Scan(&check); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kvstore: integrity probe %s: %w", path, err)
	}
	if check != "ok" {
		conn.Close()
		return nil, fmt.Errorf("kvstore: store %s is corrupt: %s", path, check)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("kvstore: apply schema: %w", err)
	}

	s := &Store{
		conn:      conn,
		path:      path,
		maxTables: DefaultMaxTables,
		tables:    make(map[string]*Table),
		refs:      1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var (
	sharedMu sync.Mutex
	shared   = map[string]*Store{}
)

// Shared returns the process-wide store for path, opening it on first use.
// Paths are resolved to absolute form so aliases share one handle. Every
// successful call takes a reference that Close gives back. Options must agree
// with those of the open handle, otherwise Shared fails with ErrConflict.
func Shared(path string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: resolve path: %w", err)
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()

	if s, ok := shared[abs]; ok {
		want := &Store{maxTables: DefaultMaxTables}
		for _, opt := range opts {
			opt(want)
		}
		if want.maxTables != s.maxTables {
			return nil, fmt.Errorf("kvstore: %s is open with max tables %d, not %d: %w",
				abs, s.maxTables, want.maxTables, apperr.ErrConflict)
		}
		s.refs++
		return s, nil
	}
	s, err := Open(abs, opts...)
	if err != nil {
		return nil, err
	}
	shared[abs] = s
	return s, nil
}

// Path returns the on-disk location of the store.
func (s *Store) Path() string { return s.path }

// Table opens the named sub-database, creating it on first use. A table keeps
// the encoding it was created with; asking for another one is an error.
func (s *Store) Table(ctx context.Context, name string, enc Encoding) (*Table, error) {
	if s.closed.Load() {
		return nil, apperr.ErrClosed
	}
	if name == "" {
		return nil, errors.New("kvstore: table name is required")
	}
	if !enc.valid() {
		return nil, fmt.Errorf("kvstore: unknown encoding %q", enc)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[name]; ok {
		if t.enc != enc {
			return nil, fmt.Errorf("kvstore: table %q is %s, not %s: %w", name, t.enc, enc, apperr.ErrEncodingMismatch)
		}
		return t, nil
	}

	var existing string
	err := s.conn.QueryRowContext(ctx, `SELECT encoding FROM kv_tables WHERE name = ?`, name).Scan(&existing)
	switch {
	case err == nil:
		if Encoding(existing) != enc {
			return nil, fmt.Errorf("kvstore: table %q is %s, not %s: %w", name, existing, enc, apperr.ErrEncodingMismatch)
		}
	case errors.Is(err, sql.ErrNoRows):
		var count int
		if err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM kv_tables`).Scan(&count); err != nil {
			return nil, fmt.Errorf("kvstore: count tables: %w", err)
		}
		if count >= s.maxTables {
			return nil, fmt.Errorf("kvstore: table %q: limit %d reached: %w", name, s.maxTables, apperr.ErrTooManyTables)
		}
		if _, err := s.conn.ExecContext(ctx,
			`INSERT INTO kv_tables (name, encoding) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
			name, string(enc)); err != nil {
			return nil, fmt.Errorf("kvstore: create table %q: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("kvstore: lookup table %q: %w", name, err)
	}

	t := &Table{store: s, name: name, enc: enc}
	s.tables[name] = t
	return t, nil
}

// Tables lists the sub-databases in the store file.
func (s *Store) Tables(ctx context.Context) (map[string]Encoding, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT name, encoding FROM kv_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("kvstore: list tables: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Encoding)
	for rows.Next() {
		var name, enc string
		if err := rows.Scan(&name, &enc); err != nil {
			return nil, err
		}
		out[name] = Encoding(enc)
	}
	return out, rows.Err()
}

// Close gives back one reference. The last one releases the connection and
// drops the store from the shared registry.
func (s *Store) Close() error {
	sharedMu.Lock()
	if s.closed.Load() {
		sharedMu.Unlock()
		return nil
	}
	if s.refs--; s.refs > 0 {
		sharedMu.Unlock()
		return nil
	}
	s.closed.Store(true)
	for k, v := range shared {
		if v == s {
			delete(shared, k)
		}
	}
	sharedMu.Unlock()
	return s.conn.Close()
}
