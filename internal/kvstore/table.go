package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/kiln/internal/apperr"
)

// Table is a named sub-database. Keys are ordered lexically.
type Table struct {
	store *Store
	name  string
	enc   Encoding
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Encoding returns the value encoding the table was created with.
func (t *Table) Encoding() Encoding { return t.enc }

// Get returns the raw stored value for key.
func (t *Table) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if t.store.closed.Load() {
		return nil, false, apperr.ErrClosed
	}
	var v []byte
	err := t.store.conn.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE tbl = ? AND key = ?`, t.name, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: get %s/%s: %w", t.name, key, err)
	}
	return v, true, nil
}

// Put stores the raw value for key, replacing any previous value.
func (t *Table) Put(ctx context.Context, key string, value []byte) error {
	if t.store.closed.Load() {
		return apperr.ErrClosed
	}
	if value == nil {
		value = []byte{}
	}
	_, err := t.store.conn.ExecContext(ctx, `
		INSERT INTO kv_entries (tbl, key, value) VALUES (?, ?, ?)
		ON CONFLICT(tbl, key) DO UPDATE SET value = excluded.value
	`, t.name, key, value)
	if err != nil {
		return fmt.Errorf("kvstore: put %s/%s: %w", t.name, key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (t *Table) Remove(ctx context.Context, key string) error {
	if t.store.closed.Load() {
		return apperr.ErrClosed
	}
	if _, err := t.store.conn.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE tbl = ? AND key = ?`, t.name, key); err != nil {
		return fmt.Errorf("kvstore: remove %s/%s: %w", t.name, key, err)
	}
	return nil
}

// GetValue decodes the value for key into dst using the table encoding.
func (t *Table) GetValue(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := t.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := Decode(t.enc, raw, dst); err != nil {
		return false, fmt.Errorf("kvstore: decode %s/%s: %w", t.name, key, err)
	}
	return true, nil
}

// PutValue encodes value with the table encoding and stores it.
func (t *Table) PutValue(ctx context.Context, key string, value any) error {
	raw, err := Encode(t.enc, value)
	if err != nil {
		return fmt.Errorf("kvstore: encode %s/%s: %w", t.name, key, err)
	}
	return t.Put(ctx, key, raw)
}

// Iterate calls fn for every entry in key order. fn must not write to the
// same table; collect keys first if mutation is needed.
func (t *Table) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	if t.store.closed.Load() {
		return apperr.ErrClosed
	}
	rows, err := t.store.conn.QueryContext(ctx,
		`SELECT key, value FROM kv_entries WHERE tbl = ? ORDER BY key`, t.name)
	if err != nil {
		return fmt.Errorf("kvstore: iterate %s: %w", t.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Len returns the number of entries in the table.
func (t *Table) Len(ctx context.Context) (int, error) {
	var n int
	if err := t.store.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM kv_entries WHERE tbl = ?`, t.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("kvstore: len %s: %w", t.name, err)
	}
	return n, nil
}

// Clear removes every entry in the table.
func (t *Table) Clear(ctx context.Context) error {
	if _, err := t.store.conn.ExecContext(ctx, `DELETE FROM kv_entries WHERE tbl = ?`, t.name); err != nil {
		return fmt.Errorf("kvstore: clear %s: %w", t.name, err)
	}
	return nil
}
