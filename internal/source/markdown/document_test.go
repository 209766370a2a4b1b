package markdown

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParse_FrontmatterAndBody(t *testing.T) {
	doc := Parse([]byte("---\ntitle: Hello\ntags:\n  - go\n  - kiln\n---\n# Hello\nBody text.\n"), 0)
	if doc.Title != "Hello" {
		t.Errorf("title = %q, want %q", doc.Title, "Hello")
	}
	if diff := cmp.Diff([]string{"go", "kiln"}, doc.Tags); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
	if doc.Body != "# Hello\nBody text.\n" {
		t.Errorf("body = %q", doc.Body)
	}
	if doc.Excerpt != "Body text." {
		t.Errorf("excerpt = %q", doc.Excerpt)
	}
}

func TestParse_NoFrontmatter(t *testing.T) {
	doc := Parse([]byte("# Just a heading\nSome text.\n"), 0)
	if doc.Frontmatter != nil {
		t.Errorf("expected nil frontmatter, got %v", doc.Frontmatter)
	}
	if doc.Title != "Just a heading" {
		t.Errorf("title = %q", doc.Title)
	}
}

func TestParse_InvalidYAMLFallback(t *testing.T) {
	input := "---\n: invalid: yaml: {{{\n---\nBody\n"
	doc := Parse([]byte(input), 0)
	if doc.Frontmatter != nil {
		t.Error("expected nil frontmatter on invalid YAML")
	}
	if doc.Body != input {
		t.Errorf("body = %q", doc.Body)
	}
}

func TestLinks(t *testing.T) {
	body := "See [[Note A]] and [[Note B|alias]].\nAlso [[Note A]], [docs](https://example.com \"t\") and [[ ]]."
	if diff := cmp.Diff([]string{"Note A", "Note B", "https://example.com"}, links(body)); diff != "" {
		t.Errorf("links (-want +got):\n%s", diff)
	}
}

func TestTags(t *testing.T) {
	body := "Some text #beta and #alpha again.\n```\n#notatag\n```\n"
	got := tags(body, map[string]any{"tags": []any{"alpha"}})
	if diff := cmp.Diff([]string{"alpha", "beta"}, got); diff != "" {
		t.Errorf("tags (-want +got):\n%s", diff)
	}
	got = tags("", map[string]any{"tags": "a, b,,a"})
	if diff := cmp.Diff([]string{"a", "b"}, got); diff != "" {
		t.Errorf("comma tags (-want +got):\n%s", diff)
	}
}

func TestExcerpt(t *testing.T) {
	body := "# Title\n\nFirst *para* with [[Target|a link]]\ncontinues here.\n\nSecond para."
	if got := excerpt(body, 140); got != "First para with a link continues here." {
		t.Errorf("excerpt = %q", got)
	}
	long := strings.Repeat("word ", 50)
	got := excerpt(long, 20)
	if got != "word word word word…" {
		t.Errorf("pruned excerpt = %q", got)
	}
}

func TestSlug(t *testing.T) {
	cases := map[string]string{
		"index.md":       "/",
		"blog/post-1.md": "/blog/post-1/",
		"blog/index.md":  "/blog/",
		"about.markdown": "/about/",
	}
	for in, want := range cases {
		if got := Slug(in); got != want {
			t.Errorf("Slug(%q) = %q, want %q", in, got, want)
		}
	}
}
