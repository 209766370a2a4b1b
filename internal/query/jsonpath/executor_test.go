package jsonpath

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/kiln/internal/graph"
	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/query"
)

func post(id, slug, title string) *models.Node {
	return &models.Node{
		ID:       id,
		Internal: models.Internal{Type: "MarkdownRemark", ContentDigest: slug + title},
		Fields:   map[string]any{"slug": slug, "title": title},
	}
}

func testGraph(t *testing.T) *graph.Store {
	t.Helper()
	g := graph.New()
	for _, n := range []*models.Node{post("p1", "one", "First"), post("p2", "two", "Second")} {
		if _, err := g.Dispatch(graph.CreateNode{Node: n, Owner: "md"}); err != nil {
			t.Fatal(err)
		}
	}
	file := &models.Node{ID: "f1", Internal: models.Internal{Type: "File", ContentDigest: "x"}}
	if _, err := g.Dispatch(graph.CreateNode{Node: file, Owner: "fs"}); err != nil {
		t.Fatal(err)
	}
	return g
}

func run(t *testing.T, e *Executor, q string, vars map[string]any) query.Response {
	t.Helper()
	resp, err := e.Execute(context.Background(), q, vars, query.ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return resp
}

func TestExecute_Fields(t *testing.T) {
	e := New(testGraph(t))
	resp := run(t, e, `
titles: $.byType.MarkdownRemark[*].title
count: $.nodes[*].id
post:
  path: $.byType.MarkdownRemark[?(@.slug == ${slug})]
  first: true
missing:
  path: $.byType.Nothing[*]
  first: true
slug: $.context.slug
`, map[string]any{"slug": "two"})
	if len(resp.Errors) > 0 {
		t.Fatalf("errors: %+v", resp.Errors)
	}
	data := resp.Data.(map[string]any)

	if diff := cmp.Diff([]any{"First", "Second"}, data["titles"]); diff != "" {
		t.Errorf("titles (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]any{"f1", "p1", "p2"}, data["count"]); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
	p, ok := data["post"].(map[string]any)
	if !ok || p["title"] != "Second" || p["id"] != "p2" {
		t.Errorf("post = %v", data["post"])
	}
	if data["missing"] != nil {
		t.Errorf("missing = %v, want nil", data["missing"])
	}
	if diff := cmp.Diff([]any{"two"}, data["slug"]); diff != "" {
		t.Errorf("slug (-want +got):\n%s", diff)
	}
}

func TestExecute_SeesGraphChanges(t *testing.T) {
	g := testGraph(t)
	e := New(g)
	q := `titles: $.byType.MarkdownRemark[*].title`
	_ = run(t, e, q, nil)

	if _, err := g.Dispatch(graph.CreateNode{Node: post("p1", "one", "Renamed"), Owner: "md"}); err != nil {
		t.Fatal(err)
	}
	resp := run(t, e, q, nil)
	if diff := cmp.Diff([]any{"Renamed", "Second"}, resp.Data.(map[string]any)["titles"]); diff != "" {
		t.Errorf("titles (-want +got):\n%s", diff)
	}
}

func TestExecute_Errors(t *testing.T) {
	e := New(testGraph(t))
	cases := []struct {
		name, query string
		vars        map[string]any
		msg         string
		line        int
	}{
		{"undefined variable", "a: $.nodes\nb: $.nodes[?(@.slug == ${nope})]", nil, `undefined variable "nope"`, 2},
		{"bad expression", "a: $.nodes[", nil, "invalid jsonpath", 1},
		{"not a mapping", "- $.nodes", nil, "must be a mapping", 1},
		{"yaml syntax", "a:\n\tb: $.nodes", nil, "yaml", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := run(t, e, tc.query, tc.vars)
			if len(resp.Errors) != 1 {
				t.Fatalf("errors = %+v", resp.Errors)
			}
			qe := resp.Errors[0]
			if !strings.Contains(qe.Message, tc.msg) {
				t.Errorf("message = %q, want it to contain %q", qe.Message, tc.msg)
			}
			if len(qe.Locations) == 0 || qe.Locations[0].Line != tc.line {
				t.Errorf("locations = %+v, want line %d", qe.Locations, tc.line)
			}
		})
	}
}

func TestExecute_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(testGraph(t)).Execute(ctx, "a: $.nodes", nil, query.ExecOptions{}); err == nil {
		t.Error("expected context error")
	}
}

func TestLiteral(t *testing.T) {
	cases := map[string]any{
		"'it\\'s'": "it's",
		"true":     true,
		"3":        3,
		"null":     nil,
		`["a"]`:    []string{"a"},
	}
	for want, in := range cases {
		if got := literal(in); got != want {
			t.Errorf("literal(%v) = %s, want %s", in, got, want)
		}
	}
}
