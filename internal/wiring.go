package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/starford/kiln/internal/cache"
	"github.com/starford/kiln/internal/checksum"
	"github.com/starford/kiln/internal/events"
	"github.com/starford/kiln/internal/graph"
	"github.com/starford/kiln/internal/kvstore"
	"github.com/starford/kiln/internal/logging"
	"github.com/starford/kiln/internal/metrics"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/pagedata"
	"github.com/starford/kiln/internal/plugin"
	"github.com/starford/kiln/internal/query"
	"github.com/starford/kiln/internal/query/jsonpath"
	"github.com/starford/kiln/internal/source/filesystem"
	"github.com/starford/kiln/internal/source/markdown"
	"github.com/starford/kiln/internal/sourcing"
	"github.com/starford/kiln/internal/storage"
)

// nodesTable is the sub-database the content graph persists into.
const nodesTable = "nodes"

type pluginFactory func(pc PluginConfig, site SiteConfig) (plugin.Plugin, error)

// catalog maps resolve names to the built-in plugins.
var catalog = map[string]pluginFactory{
	filesystem.PluginName: newFilesystemSource,
	markdown.PluginName:   newMarkdownTransformer,
}

type filesystemOptions struct {
	Path     string   `yaml:"path"`
	Patterns []string `yaml:"patterns"`
	Ignore   []string `yaml:"ignore"`
}

func newFilesystemSource(pc PluginConfig, site SiteConfig) (plugin.Plugin, error) {
	var o filesystemOptions
	if err := decodeOptions(pc, &o); err != nil {
		return nil, err
	}
	src, err := filesystem.New(filesystem.Options{
		Name:     pc.Name,
		Path:     site.Resolve(o.Path),
		Patterns: o.Patterns,
		Ignore:   o.Ignore,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

type markdownOptions struct {
	ExcerptLength int      `yaml:"excerpt_length"`
	Extensions    []string `yaml:"extensions"`
}

func newMarkdownTransformer(pc PluginConfig, _ SiteConfig) (plugin.Plugin, error) {
	var o markdownOptions
	if err := decodeOptions(pc, &o); err != nil {
		return nil, err
	}
	return markdown.New(markdown.Options{
		Name:          pc.Name,
		ExcerptLength: o.ExcerptLength,
		Extensions:    o.Extensions,
	}), nil
}

func decodeOptions(pc PluginConfig, dst any) error {
	if pc.Options.Kind == 0 {
		return nil
	}
	if err := pc.Options.Decode(dst); err != nil {
		return fmt.Errorf("plugin %s: options: %w", pc.Resolve, err)
	}
	return nil
}

// resolvePlugins builds the registry in configuration order.
func resolvePlugins(cfg *Config) (*plugin.Registry, []*filesystem.Source, error) {
	reg := plugin.NewRegistry()
	var sources []*filesystem.Source
	for _, pc := range cfg.Plugins {
		factory, ok := catalog[pc.Resolve]
		if !ok {
			return nil, nil, fmt.Errorf("plugin %s: unknown plugin", pc.Resolve)
		}
		p, err := factory(pc, cfg.Site)
		if err != nil {
			return nil, nil, err
		}
		if err := reg.Register(p, pc.Resolve); err != nil {
			return nil, nil, err
		}
		if src, ok := p.(*filesystem.Source); ok {
			sources = append(sources, src)
		}
	}
	return reg, sources, nil
}

// loadJobs turns configured pages and static queries into query jobs.
func loadJobs(cfg *Config) ([]query.Job, map[string]models.Page, error) {
	pages := make(map[string]models.Page, len(cfg.Pages))
	jobs := make([]query.Job, 0, len(cfg.Pages)+len(cfg.StaticQueries))

	for _, pc := range cfg.Pages {
		text, err := queryText(cfg.Site, pc.Query, pc.QueryFile)
		if err != nil {
			return nil, nil, fmt.Errorf("page %s: %w", pc.Path, err)
		}
		page := models.Page{
			Path:      pc.Path,
			Component: pc.Component,
			MatchPath: pc.MatchPath,
			Context:   pc.Context,
		}
		pages[page.Path] = page
		jobs = append(jobs, query.Job{
			ID:            page.Path,
			Hash:          hashQuery(text),
			Query:         text,
			ComponentPath: page.Component,
			Context:       pageJobContext(page),
			IsPage:        true,
		})
	}

	for _, sq := range cfg.StaticQueries {
		text, err := queryText(cfg.Site, sq.Query, sq.QueryFile)
		if err != nil {
			return nil, nil, fmt.Errorf("static query %s: %w", sq.ID, err)
		}
		jobs = append(jobs, query.Job{
			ID:            sq.ID,
			Hash:          hashQuery(text),
			Query:         text,
			ComponentPath: sq.Component,
		})
	}
	return jobs, pages, nil
}

// pageJobContext is the page record flattened with its own context, the
// way templates see it.
func pageJobContext(p models.Page) map[string]any {
	ctx := map[string]any{
		"path":               p.Path,
		"component":          p.Component,
		"componentChunkName": pagedata.ComponentChunkName(p.Component),
		"context":            p.Context,
	}
	if p.MatchPath != "" {
		ctx["matchPath"] = p.MatchPath
	}
	for k, v := range p.Context {
		ctx[k] = v
	}
	return ctx
}

func queryText(site SiteConfig, inline, file string) (string, error) {
	if file == "" {
		return inline, nil
	}
	data, err := os.ReadFile(site.Resolve(file))
	if err != nil {
		return "", fmt.Errorf("read query file: %w", err)
	}
	return string(data), nil
}

func hashQuery(text string) string {
	if text == "" {
		return ""
	}
	return checksum.PathHash(text)
}

// site is one opened build: store, graph, plugins and runners.
type site struct {
	cfg    *Config
	logger *slog.Logger

	root       *storage.FS
	kv         *kvstore.Store
	graph      *graph.Store
	registry   *plugin.Registry
	sources    []*filesystem.Source
	reconciler *sourcing.Reconciler
	exec       *jsonpath.Executor
	queries    *query.Runner
	writer     *pagedata.Writer
	bus        *events.Bus
	metrics    *metrics.Metrics

	jobs  []query.Job
	pages map[string]models.Page
}

func (s *site) component(name string) *slog.Logger {
	return logging.New(s.logger, name)
}

func openSite(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *site, err error) {
	s := &site{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	if s.root, err = storage.EnsureFS(cfg.Site.Directory); err != nil {
		return nil, fmt.Errorf("open site: %w", err)
	}
	if s.jobs, s.pages, err = loadJobs(cfg); err != nil {
		return nil, err
	}

	if s.kv, err = kvstore.Shared(cfg.Site.Resolve(cfg.Cache.Path), kvstore.WithMaxTables(cfg.Cache.MaxTables)); err != nil {
		return nil, err
	}
	nodes, err := s.kv.Table(ctx, nodesTable, kvstore.EncodingJSON)
	if err != nil {
		return nil, err
	}
	if s.graph, err = graph.Open(ctx, graph.WithPersistence(nodes), graph.WithLogger(s.component("graph"))); err != nil {
		return nil, err
	}

	if s.registry, s.sources, err = resolvePlugins(cfg); err != nil {
		return nil, err
	}

	s.metrics = metrics.New()
	s.bus = events.NewBus(cfg.Develop.EventThrottle)

	invoker := plugin.NewRunner(s.registry, s.graph, s.kv, s.component("plugin"))
	s.reconciler = sourcing.New(invoker, s.graph,
		sourcing.WithPublisher(s.bus),
		sourcing.WithMetrics(s.metrics),
		sourcing.WithLogger(s.component("sourcing")))

	pending := cache.New[string](s.kv, cache.PendingPageDataWrites, kvstore.EncodingString, cache.WithScope(cfg.Cache.WorkerID))
	s.writer = pagedata.NewWriter(s.root, s.component("pagedata"), pagedata.WithPendingCache(pending))
	if _, err = s.writer.Restore(ctx); err != nil {
		return nil, err
	}
	s.exec = jsonpath.New(s.graph)
	hashes := cache.New[string](s.kv, cache.ResultHashes, kvstore.EncodingString, cache.WithScope(cfg.Cache.WorkerID))
	s.queries = query.NewRunner(s.exec, hashes, s.writer,
		query.WithPublisher(s.bus),
		query.WithMetrics(s.metrics),
		query.WithLogger(s.component("query")),
		query.WithSlowThreshold(cfg.Query.SlowThreshold),
		query.WithSchemaMajorVersion(cfg.Query.SchemaMajorVersion))

	s.logger.Info("Site opened",
		slog.String("directory", cfg.Site.Directory),
		slog.String("store", s.kv.Path()),
		slog.Int("restored_nodes", s.graph.Len()),
		slog.Int("plugins", len(cfg.Plugins)),
		slog.Int("jobs", len(s.jobs)))
	return s, nil
}

// PassResult summarizes one sourcing and query pass.
type PassResult struct {
	TraceID string
	Stale   int
	Jobs    int
	Flushed int
}

// pass sources, runs every query job and flushes pending page data.
func (s *site) pass(ctx context.Context, opts sourcing.Options) (PassResult, error) {
	res, err := s.reconciler.Run(ctx, opts)
	out := PassResult{TraceID: res.TraceID, Stale: len(res.Stale)}
	if err != nil {
		return out, err
	}
	s.bus.NotifyGraphChanged()

	if err := s.queries.RunAll(ctx, s.jobs, s.cfg.Query.Concurrency); err != nil {
		return out, err
	}
	out.Jobs = len(s.jobs)

	flushed, err := s.writer.FlushPending(ctx, s.lookupPage)
	out.Flushed = flushed
	if err != nil {
		return out, err
	}
	return out, nil
}

func (s *site) lookupPage(path string) (models.Page, bool) {
	p, ok := s.pages[path]
	return p, ok
}

func (s *site) publicDir() string {
	return filepath.Join(s.root.Root(), "public")
}

// Close releases the site. Safe on a partially opened site.
func (s *site) Close() error {
	var errs []error
	if s.bus != nil {
		s.bus.Close()
	}
	if s.graph != nil {
		errs = append(errs, s.graph.Close())
	}
	if s.kv != nil {
		errs = append(errs, s.kv.Close())
	}
	return errors.Join(errs...)
}
