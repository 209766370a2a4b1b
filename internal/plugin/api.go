package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/cache"
	"github.com/starford/kiln/internal/graph"
	"github.com/starford/kiln/internal/kvstore"
	"github.com/starford/kiln/internal/models"
)

// API is the surface a plugin sees during one invocation. Every action is
// stamped with the plugin's name as owner.
type API struct {
	inv    *invocation
	desc   Descriptor
	logger *slog.Logger
}

// PluginName returns the name of the plugin this API is bound to.
func (a *API) PluginName() string { return a.desc.Name }

// TraceID identifies the sourcing pass.
func (a *API) TraceID() string { return a.inv.opts.TraceID }

// WebhookBody is the payload that triggered the pass, never nil.
func (a *API) WebhookBody() map[string]any { return a.inv.opts.WebhookBody }

// Logger returns a logger tagged with the plugin name.
func (a *API) Logger() *slog.Logger { return a.logger }

// CreateNode creates or updates node. When the node changed, every
// NodeTransformer receives it before the invocation settles.
func (a *API) CreateNode(node *models.Node) (*models.Node, error) {
	out, err := a.inv.runner.graph.Dispatch(graph.CreateNode{Node: node, Owner: a.desc.Name})
	if err != nil {
		return nil, err
	}
	if out.Changed {
		for _, t := range a.inv.transformers {
			created := out.Node.Clone()
			api := a.inv.api(t.desc)
			a.inv.group.Go(func() error {
				if err := t.plugin.(NodeTransformer).OnCreateNode(a.inv.ctx, created, api); err != nil {
					return fmt.Errorf("plugin %s: %s %s: %w", t.desc.Name, APIOnCreateNode, created.ID, err)
				}
				return nil
			})
		}
	}
	return out.Node, nil
}

// TouchNode keeps an unchanged node alive through the pass.
func (a *API) TouchNode(id string) error {
	_, err := a.inv.runner.graph.Dispatch(graph.TouchNode{ID: id, Owner: a.desc.Name})
	return err
}

// DeleteNode removes a node the plugin owns, with its descendants.
func (a *API) DeleteNode(id string) error {
	n := a.inv.runner.graph.GetNode(id)
	if n == nil {
		return nil
	}
	if n.Internal.Owner != a.desc.Name {
		return fmt.Errorf("plugin %s: delete %s owned by %s: %w", a.desc.Name, id, n.Internal.Owner, apperr.ErrConflict)
	}
	_, err := a.inv.runner.graph.Dispatch(graph.DeleteNode{ID: id})
	return err
}

// CreateParentChildLink records child under parent.
func (a *API) CreateParentChildLink(parent, child string) error {
	_, err := a.inv.runner.graph.Dispatch(graph.AddChildLink{Parent: parent, Child: child})
	return err
}

// CreateNodeID derives a stable node id from seed, namespaced by plugin.
func (a *API) CreateNodeID(seed string) string {
	ns := uuid.NewSHA1(uuid.NameSpaceURL, []byte("kiln:"+a.desc.Name))
	return uuid.NewSHA1(ns, []byte(seed)).String()
}

// GetNode returns a copy of any node in the graph.
func (a *API) GetNode(id string) *models.Node {
	return a.inv.runner.graph.GetNode(id)
}

// OwnNodes returns the nodes this plugin currently owns.
func (a *API) OwnNodes() []*models.Node {
	return a.inv.runner.graph.NodesByOwner(a.desc.Name)
}

// Go runs fn as part of the invocation; Invoke waits for it when
// WaitForCascadingActions is set. fn must be registered before the plugin
// hook returns.
func (a *API) Go(fn func(ctx context.Context) error) {
	a.inv.group.Go(func() error { return fn(a.inv.ctx) })
}

// Cache returns the plugin's private durable cache.
func Cache[T any](a *API) *cache.Cache[T] {
	return cache.New[T](a.inv.runner.caches, "plugin/"+a.desc.Name, kvstore.EncodingJSON)
}
