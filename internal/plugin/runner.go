package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/starford/kiln/internal/cache"
	"github.com/starford/kiln/internal/graph"
	"github.com/starford/kiln/internal/logging"
)

// InvokeOptions are passed through to every plugin of one invocation.
type InvokeOptions struct {
	TraceID string
	// WaitForCascadingActions makes Invoke return only after every node
	// creation triggered by the invocation, directly or via transformers,
	// has settled.
	WaitForCascadingActions bool
	WebhookBody             map[string]any
	// PluginName restricts the invocation to one plugin.
	PluginName string
}

// Runner dispatches node APIs across the registry.
type Runner struct {
	registry *Registry
	graph    *graph.Store
	caches   cache.Opener
	logger   *slog.Logger
}

// NewRunner creates a runner. caches backs per-plugin caches and may be nil
// when no plugin uses one.
func NewRunner(registry *Registry, g *graph.Store, caches cache.Opener, logger *slog.Logger) *Runner {
	return &Runner{
		registry: registry,
		graph:    g,
		caches:   caches,
		logger:   logging.Or(logger),
	}
}

// Registry returns the plugin registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Invoke runs apiName on every plugin that implements it, in registration
// order. Only sourceNodes can be invoked directly; onCreateNode runs as a
// cascade of node creation.
func (r *Runner) Invoke(ctx context.Context, apiName string, opts InvokeOptions) error {
	if apiName != APISourceNodes {
		return fmt.Errorf("plugin: invoke %s: not an invocable api", apiName)
	}
	if opts.WebhookBody == nil {
		opts.WebhookBody = map[string]any{}
	}

	targets := r.registry.sourcers(opts.PluginName)
	if opts.PluginName != "" && len(targets) == 0 {
		return fmt.Errorf("plugin: invoke %s: no sourcing plugin named %q", apiName, opts.PluginName)
	}

	g, gctx := errgroup.WithContext(ctx)
	inv := &invocation{
		runner:       r,
		group:        g,
		ctx:          gctx,
		opts:         opts,
		transformers: r.registry.transformers(),
	}

	for _, e := range targets {
		api := inv.api(e.desc)
		r.logger.Debug("plugin: running api",
			slog.String("api", apiName),
			slog.String("plugin", e.desc.Name),
			slog.String("trace_id", opts.TraceID))
		if err := e.plugin.(Sourcer).SourceNodes(gctx, api); err != nil {
			_ = g.Wait()
			return fmt.Errorf("plugin %s: %s: %w", e.desc.Name, apiName, err)
		}
	}

	if !opts.WaitForCascadingActions {
		go func() {
			if err := g.Wait(); err != nil {
				r.logger.Error("plugin: background actions failed",
					slog.String("api", apiName),
					slog.String("trace_id", opts.TraceID),
					slog.String("error", err.Error()))
			}
		}()
		return nil
	}
	return g.Wait()
}

type invocation struct {
	runner       *Runner
	group        *errgroup.Group
	ctx          context.Context
	opts         InvokeOptions
	transformers []entry
}

func (inv *invocation) api(desc Descriptor) *API {
	return &API{
		inv:    inv,
		desc:   desc,
		logger: inv.runner.logger.With(slog.String("plugin", desc.Name)),
	}
}
