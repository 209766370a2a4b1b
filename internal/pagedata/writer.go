package pagedata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/starford/kiln/internal/cache"
	"github.com/starford/kiln/internal/logging"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/storage"
)

// PageData is the page-data.json document.
type PageData struct {
	ComponentChunkName string          `json:"componentChunkName,omitempty"`
	Path               string          `json:"path"`
	MatchPath          string          `json:"matchPath,omitempty"`
	Result             json.RawMessage `json:"result"`
}

// PageLookup resolves page metadata for page-data.json. It may be nil.
type PageLookup func(path string) (models.Page, bool)

// Writer persists query output under the site directory and tracks pages
// whose page-data.json is out of date.
type Writer struct {
	site    storage.Provider
	logger  *slog.Logger
	durable *cache.Cache[string]

	mu      sync.Mutex
	pending map[string]struct{}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithPendingCache records pending pages in c, so pages left unflushed by a
// crash or a failed flush are picked up again by Restore.
func WithPendingCache(c *cache.Cache[string]) WriterOption {
	return func(w *Writer) { w.durable = c }
}

// NewWriter creates a writer rooted at the site directory.
func NewWriter(site storage.Provider, logger *slog.Logger, opts ...WriterOption) *Writer {
	w := &Writer{site: site, logger: logging.Or(logger), pending: make(map[string]struct{})}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Restore loads the pending pages recorded by a previous run and returns
// how many were restored. Marks whose saved result is gone are dropped.
// Without a pending cache it does nothing.
func (w *Writer) Restore(ctx context.Context) (int, error) {
	if w.durable == nil {
		return 0, nil
	}
	paths, err := w.durable.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("pagedata: restore pending: %w", err)
	}
	restored := 0
	for _, p := range paths {
		ok, err := w.site.Exists(QueryResultPath(p))
		if err != nil {
			return restored, fmt.Errorf("pagedata: restore pending %s: %w", p, err)
		}
		if !ok {
			if err := w.durable.Delete(ctx, p); err != nil {
				return restored, fmt.Errorf("pagedata: restore pending %s: %w", p, err)
			}
			continue
		}
		w.mu.Lock()
		w.pending[p] = struct{}{}
		w.mu.Unlock()
		restored++
	}
	if restored > 0 {
		w.logger.Info("pagedata: restored pending page data", slog.Int("pages", restored))
	}
	return restored, nil
}

// PageDataExists reports whether pagePath's page-data.json is on disk.
func (w *Writer) PageDataExists(pagePath string) (bool, error) {
	return w.site.Exists(PageDataPath(pagePath))
}

// SavePageQueryResult stores a page query result until the next flush.
func (w *Writer) SavePageQueryResult(pagePath string, result []byte) error {
	if err := w.site.Write(QueryResultPath(pagePath), result); err != nil {
		return fmt.Errorf("pagedata: save result %s: %w", pagePath, err)
	}
	return nil
}

// WriteStaticQueryResult writes a static query result in place.
func (w *Writer) WriteStaticQueryResult(hash string, result []byte) error {
	if err := w.site.Write(StaticQueryPath(hash), result); err != nil {
		return fmt.Errorf("pagedata: write static query %s: %w", hash, err)
	}
	return nil
}

// AddPending marks pagePath's page-data.json for rewriting. The mark is
// durable before AddPending returns when a pending cache is configured.
func (w *Writer) AddPending(ctx context.Context, pagePath string) error {
	if w.durable != nil {
		if _, err := w.durable.Set(ctx, pagePath, pagePath); err != nil {
			return fmt.Errorf("pagedata: mark pending %s: %w", pagePath, err)
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[pagePath] = struct{}{}
	return nil
}

// Pending returns the sorted pending page paths.
func (w *Writer) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// FlushPending writes page-data.json for every pending page and returns
// how many were written. Pages that fail stay pending.
func (w *Writer) FlushPending(ctx context.Context, lookup PageLookup) (int, error) {
	written := 0
	for _, p := range w.Pending() {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := w.flush(p, lookup); err != nil {
			return written, err
		}
		if w.durable != nil {
			if err := w.durable.Delete(ctx, p); err != nil {
				return written, fmt.Errorf("pagedata: clear pending %s: %w", p, err)
			}
		}
		w.mu.Lock()
		delete(w.pending, p)
		w.mu.Unlock()
		written++
	}
	if written > 0 {
		w.logger.Info("pagedata: flushed page data", slog.Int("pages", written))
	}
	return written, nil
}

func (w *Writer) flush(pagePath string, lookup PageLookup) error {
	result, err := w.site.Read(QueryResultPath(pagePath))
	if err != nil {
		return fmt.Errorf("pagedata: flush %s: %w", pagePath, err)
	}
	doc := PageData{Path: pagePath, Result: result}
	if lookup != nil {
		if page, ok := lookup(pagePath); ok {
			doc.ComponentChunkName = ComponentChunkName(page.Component)
			doc.MatchPath = page.MatchPath
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("pagedata: encode %s: %w", pagePath, err)
	}
	if err := w.site.Write(PageDataPath(pagePath), data); err != nil {
		return fmt.Errorf("pagedata: flush %s: %w", pagePath, err)
	}
	w.logger.Debug("pagedata: wrote page data", slog.String("path", pagePath))
	return nil
}

// ReadPageData loads the page-data.json of pagePath.
func (w *Writer) ReadPageData(pagePath string) (PageData, error) {
	var doc PageData
	data, err := w.site.Read(PageDataPath(pagePath))
	if err != nil {
		return doc, fmt.Errorf("pagedata: read %s: %w", pagePath, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("pagedata: decode %s: %w", pagePath, err)
	}
	return doc, nil
}
