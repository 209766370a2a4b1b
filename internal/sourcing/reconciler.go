// Package sourcing drives sourcing passes over the content graph and, on the
// first pass of a process, garbage-collects nodes left over from the
// previous build.
package sourcing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/kiln/internal/events"
	"github.com/starford/kiln/internal/graph"
	"github.com/starford/kiln/internal/logging"
	"github.com/starford/kiln/internal/metrics"
	"github.com/starford/kiln/internal/plugin"
)

// maxParentHops bounds the walk from a node to its root.
const maxParentHops = 100

// Invoker runs a node API across plugins.
type Invoker interface {
	Invoke(ctx context.Context, apiName string, opts plugin.InvokeOptions) error
	Registry() *plugin.Registry
}

// Publisher receives data-layer events.
type Publisher interface {
	Publish(events.Event)
}

// Options are the per-pass inputs.
type Options struct {
	WebhookBody map[string]any
	PluginName  string
}

// Result summarizes one pass.
type Result struct {
	TraceID string
	Initial bool
	// Stale holds the ids deleted by reconciliation, descendants included.
	Stale []string
}

// Reconciler owns the sourcing pass counter. Passes are serialized; it must
// run in a single coordinating process.
type Reconciler struct {
	invoker Invoker
	graph   *graph.Store
	pub     Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	initial bool
	count   int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option { return func(r *Reconciler) { r.pub = p } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Reconciler) { r.logger = l } }

// New creates a reconciler whose next pass is the initial one.
func New(inv Invoker, g *graph.Store, opts ...Option) *Reconciler {
	r := &Reconciler{invoker: inv, graph: g, initial: true}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Or(r.logger)
	return r
}

// Passes returns how many passes completed.
func (r *Reconciler) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Run executes one sourcing pass.
func (r *Reconciler) Run(ctx context.Context, opts Options) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{Initial: r.initial, TraceID: fmt.Sprintf("sourceNodes #%d", r.count)}
	if r.initial {
		res.TraceID = "initial-sourceNodes"
	}

	r.graph.ResetTouched()
	err := r.invoker.Invoke(ctx, plugin.APISourceNodes, plugin.InvokeOptions{
		TraceID:                 res.TraceID,
		WaitForCascadingActions: true,
		WebhookBody:             opts.WebhookBody,
		PluginName:              opts.PluginName,
	})
	if err != nil {
		return res, fmt.Errorf("sourcing: %s: %w", res.TraceID, err)
	}
	if err := r.graph.Ready(ctx); err != nil {
		return res, fmt.Errorf("sourcing: %s: wait for store: %w", res.TraceID, err)
	}

	if r.initial {
		r.warnPluginsWithoutNodes()
		stale, err := r.deleteStaleNodes()
		res.Stale = stale
		if err != nil {
			return res, err
		}
		if err := r.graph.Ready(ctx); err != nil {
			return res, fmt.Errorf("sourcing: %s: wait for store: %w", res.TraceID, err)
		}
		r.initial = false
	}

	if r.pub != nil {
		r.pub.Publish(events.Event{
			Type: events.TypeAPIFinished,
			Data: events.APIFinished{APIName: plugin.APISourceNodes},
		})
	}
	r.count++
	r.metrics.SourcingPass()

	r.logger.Info("sourcing: pass finished",
		slog.String("trace_id", res.TraceID),
		slog.Int("nodes", r.graph.Len()),
		slog.Int("stale", len(res.Stale)))
	return res, nil
}

func (r *Reconciler) warnPluginsWithoutNodes() {
	owners := map[string]struct{}{graph.DefaultOwner: {}}
	for _, o := range r.graph.Owners() {
		owners[o] = struct{}{}
	}
	for _, d := range r.invoker.Registry().Descriptors() {
		if !d.Implements(plugin.APISourceNodes) {
			continue
		}
		if _, ok := owners[d.Name]; ok {
			continue
		}
		r.logger.Warn(fmt.Sprintf("The %s plugin has generated no nodes. Do you need it? This could also suggest the plugin is misconfigured.", d.Name),
			slog.String("plugin", d.Name))
	}
}

// deleteStaleNodes removes every node whose root was not touched this pass.
func (r *Reconciler) deleteStaleNodes() ([]string, error) {
	var stale []string
	for _, n := range r.graph.Snapshot() {
		root, ok := r.rootOf(n.ID)
		if !ok || r.graph.Touched(root) {
			continue
		}
		out, err := r.graph.Dispatch(graph.DeleteNode{ID: n.ID})
		if err != nil {
			return stale, fmt.Errorf("sourcing: delete stale node %s: %w", n.ID, err)
		}
		for _, id := range out.Deleted {
			r.logger.Debug("sourcing: deleted stale node", slog.String("id", id), slog.String("root", root))
		}
		stale = append(stale, out.Deleted...)
	}
	r.metrics.StaleDeleted(len(stale))
	return stale, nil
}

// rootOf follows parent links from id. It reports false when the node is
// already gone or the chain does not end within maxParentHops.
func (r *Reconciler) rootOf(id string) (string, bool) {
	cur := id
	for hops := 0; ; hops++ {
		parent, ok := r.graph.Parent(cur)
		if !ok {
			return "", false
		}
		if parent == "" {
			return cur, true
		}
		if _, exists := r.graph.Parent(parent); !exists {
			return cur, true
		}
		if hops == maxParentHops {
			r.logger.Warn("sourcing: parent chain does not terminate, skipping staleness check",
				slog.String("id", id),
				slog.Int("max_hops", maxParentHops))
			return "", false
		}
		cur = parent
	}
}
