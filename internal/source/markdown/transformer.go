// Package markdown is the built-in transformer that derives MarkdownRemark
// nodes from markdown File nodes.
package markdown

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/plugin"
)

// PluginName is the default plugin name.
const PluginName = "transformer-markdown"

// NodeType is the type of the derived nodes.
const NodeType = "MarkdownRemark"

// Options configure the transformer.
type Options struct {
	Name          string
	ExcerptLength int
	// Extensions lists file extensions to parse, without the dot.
	Extensions []string
}

// Transformer implements plugin.NodeTransformer.
type Transformer struct {
	name       string
	excerpt    int
	extensions map[string]struct{}
}

// New creates a transformer.
func New(opts Options) *Transformer {
	if opts.Name == "" {
		opts.Name = PluginName
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{"md", "markdown"}
	}
	t := &Transformer{name: opts.Name, excerpt: opts.ExcerptLength, extensions: make(map[string]struct{})}
	for _, ext := range opts.Extensions {
		t.extensions[strings.ToLower(strings.TrimPrefix(ext, "."))] = struct{}{}
	}
	return t
}

// Name implements plugin.Plugin.
func (t *Transformer) Name() string { return t.name }

// OnCreateNode implements plugin.NodeTransformer.
func (t *Transformer) OnCreateNode(_ context.Context, n *models.Node, api *plugin.API) error {
	if n.Internal.Type != "File" {
		return nil
	}
	ext, _ := n.Fields["extension"].(string)
	if _, ok := t.extensions[strings.ToLower(ext)]; !ok {
		return nil
	}
	abs, _ := n.Fields["absolutePath"].(string)
	if abs == "" {
		return fmt.Errorf("%s: file node %s has no absolutePath", t.name, n.ID)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("%s: load %s: %w", t.name, n.ID, err)
	}

	doc := Parse(data, t.excerpt)
	rel, _ := n.Fields["relativePath"].(string)
	child := &models.Node{
		ID:     api.CreateNodeID(n.ID + " >>> " + NodeType),
		Parent: n.ID,
		Internal: models.Internal{
			Type:          NodeType,
			ContentDigest: n.Internal.ContentDigest,
		},
		Fields: map[string]any{
			"frontmatter":     doc.Frontmatter,
			"title":           doc.Title,
			"tags":            doc.Tags,
			"links":           doc.Links,
			"excerpt":         doc.Excerpt,
			"rawMarkdownBody": doc.Body,
			"slug":            Slug(rel),
		},
	}
	if _, err := api.CreateNode(child); err != nil {
		return err
	}
	return api.CreateParentChildLink(n.ID, child.ID)
}

// Slug derives the URL path of a markdown file from its relative path:
// "blog/post.md" becomes "/blog/post/" and "index.md" becomes "/".
func Slug(rel string) string {
	p := strings.TrimSuffix(rel, path.Ext(rel))
	if path.Base(p) == "index" {
		p = path.Dir(p)
	}
	if p == "." || p == "" {
		return "/"
	}
	return "/" + strings.Trim(p, "/") + "/"
}
