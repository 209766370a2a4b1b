package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/kiln/internal/graph"
	"github.com/starford/kiln/internal/plugin"
	"github.com/starford/kiln/internal/testutil"
)

type env struct {
	dir    string
	graph  *graph.Store
	runner *plugin.Runner
	src    *Source
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	dir := t.TempDir()
	opts.Path = dir
	src, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	kv := testutil.TempStore(t)

	reg := plugin.NewRegistry()
	if err := reg.Register(src, "builtin:"+PluginName); err != nil {
		t.Fatal(err)
	}
	g := graph.New()
	return &env{dir: dir, graph: g, runner: plugin.NewRunner(reg, g, kv, nil), src: src}
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *env) source(t *testing.T) {
	t.Helper()
	err := e.runner.Invoke(context.Background(), plugin.APISourceNodes, plugin.InvokeOptions{WaitForCascadingActions: true})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
}

func (e *env) paths() []string {
	var out []string
	for _, n := range e.graph.NodesByType(NodeType) {
		out = append(out, n.Fields["relativePath"].(string))
	}
	slices.Sort(out)
	return out
}

func (e *env) byPath(rel string) map[string]any {
	for _, n := range e.graph.NodesByType(NodeType) {
		if n.Fields["relativePath"] == rel {
			return n.Fields
		}
	}
	return nil
}

func (e *env) digest(rel string) string {
	for _, n := range e.graph.NodesByType(NodeType) {
		if n.Fields["relativePath"] == rel {
			return n.Internal.ContentDigest
		}
	}
	return ""
}

func TestSourceNodes_CreatesFileNodes(t *testing.T) {
	e := newEnv(t, Options{})
	e.write(t, "a.md", "# A")
	e.write(t, "sub/b.txt", "bee")
	e.write(t, ".git/HEAD", "ref")
	e.source(t)

	if diff := cmp.Diff([]string{"a.md", "sub/b.txt"}, e.paths()); diff != "" {
		t.Fatalf("paths (-want +got):\n%s", diff)
	}
	f := e.byPath("sub/b.txt")
	for k, want := range map[string]any{
		"extension":          "txt",
		"name":               "b",
		"base":               "b.txt",
		"relativeDirectory":  "sub",
		"sourceInstanceName": PluginName,
		"absolutePath":       filepath.Join(e.src.Root(), "sub", "b.txt"),
		"size":               int64(3),
	} {
		if f[k] != want {
			t.Errorf("%s = %v, want %v", k, f[k], want)
		}
	}
	if e.byPath("a.md")["relativeDirectory"] != "" {
		t.Errorf("relativeDirectory of a root file = %q", e.byPath("a.md")["relativeDirectory"])
	}
}

func TestSourceNodes_Incremental(t *testing.T) {
	e := newEnv(t, Options{})
	e.write(t, "a.md", "one")
	e.write(t, "b.md", "two")
	e.source(t)
	before := e.digest("a.md")
	v := e.graph.Version()

	e.graph.ResetTouched()
	e.source(t)
	if e.graph.Version() != v {
		t.Error("unchanged files must not mutate the graph")
	}
	for _, n := range e.graph.NodesByType(NodeType) {
		if !e.graph.Touched(n.ID) {
			t.Errorf("%s not touched", n.Fields["relativePath"])
		}
	}

	e.write(t, "a.md", "changed content")
	if err := os.Remove(filepath.Join(e.dir, "b.md")); err != nil {
		t.Fatal(err)
	}
	e.source(t)
	if e.digest("a.md") == before {
		t.Error("changed file kept its digest")
	}
	if diff := cmp.Diff([]string{"a.md"}, e.paths()); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
}

func TestSourceNodes_StampSkipsRehash(t *testing.T) {
	e := newEnv(t, Options{})
	e.write(t, "a.md", "aaaa")
	mtime := time.Now().Add(-time.Hour).Truncate(time.Second)
	p := filepath.Join(e.dir, "a.md")
	_ = os.Chtimes(p, mtime, mtime)
	e.source(t)
	before := e.digest("a.md")

	// Same size and mtime: the cached digest is trusted.
	e.write(t, "a.md", "bbbb")
	_ = os.Chtimes(p, mtime, mtime)
	e.source(t)
	if e.digest("a.md") != before {
		t.Error("file with unchanged stamp was re-hashed")
	}

	later := mtime.Add(time.Minute)
	_ = os.Chtimes(p, later, later)
	e.source(t)
	if e.digest("a.md") == before {
		t.Error("file with a new mtime was not re-hashed")
	}
}

func TestSourceNodes_PatternsAndIgnore(t *testing.T) {
	e := newEnv(t, Options{Patterns: []string{"**/*.md"}, Ignore: []string{"drafts/**"}})
	e.write(t, "a.md", "a")
	e.write(t, "b.txt", "b")
	e.write(t, "drafts/c.md", "c")
	e.write(t, "posts/d.md", "d")
	e.source(t)
	if diff := cmp.Diff([]string{"a.md", "posts/d.md"}, e.paths()); diff != "" {
		t.Errorf("paths (-want +got):\n%s", diff)
	}
	if e.src.Matches("drafts/x.md") || !e.src.Matches("x.md") || e.src.Matches("x.txt") {
		t.Error("Matches disagrees with sourcing")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("missing path should fail")
	}
	if _, err := New(Options{Path: t.TempDir(), Patterns: []string{"[oops"}}); err == nil {
		t.Error("invalid pattern should fail")
	}
	if _, err := New(Options{Path: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("missing directory should fail")
	}
	s, err := New(Options{Path: t.TempDir(), Name: "content"})
	if err != nil || s.Name() != "content" {
		t.Errorf("custom name: %v %v", s, err)
	}
}

func TestWatch_ReportsChanges(t *testing.T) {
	e := newEnv(t, Options{Patterns: []string{"**/*.md"}})
	ctx, cancel := context.WithCancel(context.Background())

	var (
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	done := make(chan error, 1)
	go func() {
		done <- e.src.Watch(ctx, 20*time.Millisecond, nil, func(paths []string) {
			mu.Lock()
			defer mu.Unlock()
			for _, p := range paths {
				seen[p] = true
			}
		})
	}()
	time.Sleep(100 * time.Millisecond)

	e.write(t, "new.md", "# New")
	e.write(t, "ignored.txt", "x")
	e.write(t, "nested/deep.md", "# Deep")

	testutil.Eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["new.md"] && seen["nested/deep.md"]
	}, "watcher did not report new files")

	mu.Lock()
	if seen["ignored.txt"] {
		t.Error("unmatched file reported")
	}
	mu.Unlock()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}
