package markdown

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/kiln/internal/graph"
	"github.com/starford/kiln/internal/plugin"
	"github.com/starford/kiln/internal/source/filesystem"
	"github.com/starford/kiln/internal/testutil"
)

type site struct {
	dir    string
	graph  *graph.Store
	runner *plugin.Runner
}

func newSite(t *testing.T) *site {
	t.Helper()
	dir := t.TempDir()
	src, err := filesystem.New(filesystem.Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	kv := testutil.TempStore(t)

	reg := plugin.NewRegistry()
	_ = reg.Register(src, "builtin:"+filesystem.PluginName)
	_ = reg.Register(New(Options{}), "builtin:"+PluginName)
	g := graph.New()
	return &site{dir: dir, graph: g, runner: plugin.NewRunner(reg, g, kv, nil)}
}

func (s *site) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(s.dir, rel)
	_ = os.MkdirAll(filepath.Dir(p), 0o755)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (s *site) source(t *testing.T) {
	t.Helper()
	err := s.runner.Invoke(context.Background(), plugin.APISourceNodes, plugin.InvokeOptions{WaitForCascadingActions: true})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func TestOnCreateNode_DerivesMarkdownRemark(t *testing.T) {
	s := newSite(t)
	s.write(t, "blog/post-1.md", "---\ntitle: A\ntags: [x]\n---\nHello [[Other]].\n")
	s.write(t, "image.png", "png")
	s.source(t)

	remarks := s.graph.NodesByType(NodeType)
	if len(remarks) != 1 {
		t.Fatalf("remarks = %d, want 1", len(remarks))
	}
	r := remarks[0]
	if r.Internal.Owner != PluginName {
		t.Errorf("owner = %q", r.Internal.Owner)
	}
	file := s.graph.GetNode(r.Parent)
	if file == nil || file.Fields["relativePath"] != "blog/post-1.md" {
		t.Fatalf("parent = %+v", file)
	}
	if diff := cmp.Diff([]string{r.ID}, file.Children); diff != "" {
		t.Errorf("children (-want +got):\n%s", diff)
	}
	for k, want := range map[string]any{"title": "A", "slug": "/blog/post-1/", "excerpt": "Hello Other."} {
		if r.Fields[k] != want {
			t.Errorf("%s = %v, want %v", k, r.Fields[k], want)
		}
	}
	if diff := cmp.Diff([]string{"Other"}, r.Fields["links"]); diff != "" {
		t.Errorf("links (-want +got):\n%s", diff)
	}
}

func TestOnCreateNode_FollowsFileChanges(t *testing.T) {
	s := newSite(t)
	s.write(t, "a.md", "# One\n")
	s.source(t)
	id := s.graph.NodesByType(NodeType)[0].ID

	s.write(t, "a.md", "# Two, longer\n")
	s.source(t)
	remarks := s.graph.NodesByType(NodeType)
	if len(remarks) != 1 || remarks[0].ID != id || remarks[0].Fields["title"] != "Two, longer" {
		t.Fatalf("remarks after edit = %+v", remarks)
	}

	if err := os.Remove(filepath.Join(s.dir, "a.md")); err != nil {
		t.Fatal(err)
	}
	s.source(t)
	if s.graph.Len() != 0 {
		t.Errorf("graph should be empty after deleting the file, has %d nodes", s.graph.Len())
	}
}

func TestOnCreateNode_CustomExtensions(t *testing.T) {
	tr := New(Options{Extensions: []string{".MDX"}})
	if _, ok := tr.extensions["mdx"]; !ok || len(tr.extensions) != 1 {
		t.Errorf("extensions = %v", tr.extensions)
	}
}
