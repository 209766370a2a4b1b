// Package cache provides durable, named caches over kvstore tables.
package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/starford/kiln/internal/kvstore"
)

// ResultHashes is the cache that maps query job ids to result hashes.
const ResultHashes = "query-result-hashes"

// PendingPageDataWrites holds pages whose page-data.json still has to be
// rewritten from a saved query result.
const PendingPageDataWrites = "pending-page-data-writes"

// Opener hands out sub-databases. *kvstore.Store satisfies it.
type Opener interface {
	Table(ctx context.Context, name string, enc kvstore.Encoding) (*kvstore.Table, error)
}

// Cache is a typed key/value cache backed by one sub-database. The table is
// opened on first access. There is no eviction: entries live until deleted.
type Cache[T any] struct {
	opener Opener
	name   string
	scope  string
	enc    kvstore.Encoding

	mu  sync.Mutex
	tbl *kvstore.Table
}

// Option configures a Cache.
type Option func(*settings)

type settings struct {
	scope string
}

// WithScope isolates the cache per build worker so parallel workers sharing
// one store file never read each other's entries.
func WithScope(scope string) Option {
	return func(s *settings) { s.scope = scope }
}

// New creates a cache named name. enc must match T: kvstore.EncodingString
// for string, kvstore.EncodingRaw for []byte, kvstore.EncodingJSON otherwise.
func New[T any](opener Opener, name string, enc kvstore.Encoding, opts ...Option) *Cache[T] {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	return &Cache[T]{opener: opener, name: name, scope: s.scope, enc: enc}
}

// Name returns the logical cache name.
func (c *Cache[T]) Name() string { return c.name }

// TableName returns the sub-database the cache lives in.
func (c *Cache[T]) TableName() string {
	if c.scope == "" {
		return c.name
	}
	return c.name + "@" + c.scope
}

func (c *Cache[T]) table(ctx context.Context) (*kvstore.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tbl != nil {
		return c.tbl, nil
	}
	if c.opener == nil {
		return nil, fmt.Errorf("cache %s: no store configured", c.name)
	}
	tbl, err := c.opener.Table(ctx, c.TableName(), c.enc)
	if err != nil {
		return nil, err
	}
	c.tbl = tbl
	return tbl, nil
}

// Get returns the cached value for key and whether it was present.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	tbl, err := c.table(ctx)
	if err != nil {
		return zero, false, err
	}
	var v T
	ok, err := tbl.GetValue(ctx, key, &v)
	if err != nil || !ok {
		return zero, false, err
	}
	return v, true, nil
}

// Set stores value under key and returns it.
func (c *Cache[T]) Set(ctx context.Context, key string, value T) (T, error) {
	tbl, err := c.table(ctx)
	if err != nil {
		return value, err
	}
	if err := tbl.PutValue(ctx, key, value); err != nil {
		return value, err
	}
	return value, nil
}

// Delete removes key.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	tbl, err := c.table(ctx)
	if err != nil {
		return err
	}
	return tbl.Remove(ctx, key)
}

// Keys returns every key in key order.
func (c *Cache[T]) Keys(ctx context.Context) ([]string, error) {
	tbl, err := c.table(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	err = tbl.Iterate(ctx, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}
