// Package filesystem is the built-in sourcing plugin that turns files under
// a directory into File nodes.
package filesystem

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/starford/kiln/internal/cache"
	"github.com/starford/kiln/internal/checksum"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/plugin"
	"github.com/starford/kiln/internal/storage"
)

// PluginName is the default plugin name.
const PluginName = "source-filesystem"

// NodeType is the type of the nodes this plugin creates.
const NodeType = "File"

// Options configure one filesystem source.
type Options struct {
	// Name overrides PluginName so several directories can be sourced.
	Name string
	// Path is the directory to source.
	Path string
	// Patterns select files, doublestar syntax. Defaults to "**/*".
	Patterns []string
	// Ignore excludes matching files.
	Ignore []string
}

// Source implements plugin.Sourcer.
type Source struct {
	name     string
	root     *storage.FS
	patterns []string
	ignore   []string
}

// stamp is what the plugin cache remembers per file to skip re-hashing.
type stamp struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"modTime"`
	Digest  string `json:"digest"`
}

// New validates opts and opens the source directory.
func New(opts Options) (*Source, error) {
	if opts.Name == "" {
		opts.Name = PluginName
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("%s: path is required", opts.Name)
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = []string{"**/*"}
	}
	for _, p := range append(append([]string(nil), opts.Patterns...), opts.Ignore...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%s: invalid pattern %q", opts.Name, p)
		}
	}
	root, err := storage.NewFS(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.Name, err)
	}
	return &Source{name: opts.Name, root: root, patterns: opts.Patterns, ignore: opts.Ignore}, nil
}

// Name implements plugin.Plugin.
func (s *Source) Name() string { return s.name }

// Root returns the absolute source directory.
func (s *Source) Root() string { return s.root.Root() }

// NodeID returns the id of the File node for relPath.
func NodeID(api *plugin.API, relPath string) string {
	return api.CreateNodeID("file:" + relPath)
}

// SourceNodes implements plugin.Sourcer. Unchanged files are touched,
// changed files re-created and vanished files deleted.
func (s *Source) SourceNodes(ctx context.Context, api *plugin.API) error {
	stamps := plugin.Cache[stamp](api)
	entries, err := s.list()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(entries))
	var created, touched int
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := NodeID(api, e.Path)
		seen[id] = struct{}{}

		digest, err := s.digest(ctx, stamps, e)
		if err != nil {
			return err
		}
		if existing := api.GetNode(id); existing != nil && existing.Internal.Owner == s.name &&
			existing.Internal.ContentDigest == digest {
			if err := api.TouchNode(id); err != nil {
				return err
			}
			touched++
			continue
		}
		node, err := s.node(id, e, digest)
		if err != nil {
			return err
		}
		if _, err := api.CreateNode(node); err != nil {
			return err
		}
		created++
	}

	var deleted int
	for _, n := range api.OwnNodes() {
		if n.Internal.Type != NodeType {
			continue
		}
		if _, ok := seen[n.ID]; ok {
			continue
		}
		if err := api.DeleteNode(n.ID); err != nil {
			return err
		}
		if rel, ok := n.Fields["relativePath"].(string); ok {
			if err := stamps.Delete(ctx, rel); err != nil {
				return err
			}
		}
		deleted++
	}

	api.Logger().Info("filesystem: sourced",
		slog.String("root", s.root.Root()),
		slog.Int("created", created),
		slog.Int("unchanged", touched),
		slog.Int("deleted", deleted))
	return nil
}

// list returns the matching entries, deduplicated across patterns.
func (s *Source) list() ([]storage.Entry, error) {
	var out []storage.Entry
	seen := make(map[string]struct{})
	for _, pattern := range s.patterns {
		entries, err := s.root.List(pattern)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
		for _, e := range entries {
			if _, ok := seen[e.Path]; ok || s.ignored(e.Path) {
				continue
			}
			seen[e.Path] = struct{}{}
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Source) ignored(rel string) bool {
	for _, p := range s.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Matches reports whether rel would be sourced.
func (s *Source) Matches(rel string) bool {
	if s.ignored(rel) {
		return false
	}
	for _, p := range s.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (s *Source) digest(ctx context.Context, stamps *cache.Cache[stamp], e storage.Entry) (string, error) {
	prev, ok, err := stamps.Get(ctx, e.Path)
	if err != nil {
		return "", err
	}
	mod := e.ModTime.UnixNano()
	if ok && prev.Size == e.Size && prev.ModTime == mod && prev.Digest != "" {
		return prev.Digest, nil
	}
	data, err := s.root.Read(e.Path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", s.name, err)
	}
	digest := checksum.Sum(data)
	if _, err := stamps.Set(ctx, e.Path, stamp{Size: e.Size, ModTime: mod, Digest: digest}); err != nil {
		return "", err
	}
	return digest, nil
}

func (s *Source) node(id string, e storage.Entry, digest string) (*models.Node, error) {
	abs, err := s.root.Abs(e.Path)
	if err != nil {
		return nil, err
	}
	base := path.Base(e.Path)
	ext := path.Ext(base)
	return &models.Node{
		ID: id,
		Internal: models.Internal{
			Type:          NodeType,
			ContentDigest: digest,
			Description:   fmt.Sprintf("File %q", e.Path),
		},
		Fields: map[string]any{
			"sourceInstanceName": s.name,
			"relativePath":       e.Path,
			"relativeDirectory":  strings.TrimPrefix(path.Dir(e.Path), "."),
			"absolutePath":       abs,
			"base":               base,
			"name":               strings.TrimSuffix(base, ext),
			"extension":          strings.TrimPrefix(ext, "."),
			"size":               e.Size,
			"modifiedTime":       e.ModTime.UTC().Format(time.RFC3339Nano),
		},
	}, nil
}
