package markdown

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// DefaultExcerptLength is the excerpt budget in runes.
const DefaultExcerptLength = 140

var (
	wikilinkRe = regexp.MustCompile(`\[\[(.*?)\]\]`)
	mdLinkRe   = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)[^)]*\)`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)
	inlineRe   = regexp.MustCompile("[*_`~]+")
)

// Document is a parsed markdown file.
type Document struct {
	Frontmatter map[string]any
	Body        string
	Title       string
	Tags        []string
	Links       []string
	Excerpt     string
}

// Parse splits data into frontmatter and body and derives the title, tags,
// links and excerpt. Invalid frontmatter is treated as body.
func Parse(data []byte, excerptLength int) Document {
	if excerptLength <= 0 {
		excerptLength = DefaultExcerptLength
	}
	fm, body := splitFrontmatter(data)
	return Document{
		Frontmatter: fm,
		Body:        body,
		Title:       title(fm, body),
		Tags:        tags(body, fm),
		Links:       links(body),
		Excerpt:     excerpt(body, excerptLength),
	}
}

func splitFrontmatter(data []byte) (map[string]any, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data)
	}
	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data)
	}
	block := rest[:idx]
	body := strings.TrimLeft(string(rest[idx+1+len(delim):]), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, string(data)
	}
	return fm, body
}

// links returns wikilink targets and markdown link destinations, deduplicated
// in order of appearance.
func links(body string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(target string) {
		target = strings.TrimSpace(target)
		if target == "" {
			return
		}
		if _, ok := seen[target]; ok {
			return
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	for _, m := range wikilinkRe.FindAllStringSubmatch(body, -1) {
		target, _, _ := strings.Cut(m[1], "|")
		add(target)
	}
	for _, m := range mdLinkRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// tags merges frontmatter tags (a list or a comma separated string) with
// inline #tags.
func tags(body string, fm map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	switch v := fm["tags"].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	case string:
		for s := range strings.SplitSeq(v, ",") {
			add(s)
		}
	}
	for _, m := range tagRe.FindAllStringSubmatch(stripCode(body), -1) {
		add(m[1])
	}
	return out
}

func title(fm map[string]any, body string) string {
	if s, ok := fm["title"].(string); ok && s != "" {
		return s
	}
	for line := range strings.SplitSeq(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

// excerpt returns the first prose paragraph, pruned to n runes on a word
// boundary.
func excerpt(body string, n int) string {
	var para []string
	for line := range strings.SplitSeq(stripCode(body), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			if len(para) > 0 {
				return prune(strings.Join(para, " "), n)
			}
		case strings.HasPrefix(trimmed, "#"), strings.HasPrefix(trimmed, ">"):
			if len(para) > 0 {
				return prune(strings.Join(para, " "), n)
			}
		default:
			para = append(para, trimmed)
		}
	}
	return prune(strings.Join(para, " "), n)
}

func prune(s string, n int) string {
	s = wikilinkRe.ReplaceAllStringFunc(s, func(m string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(m, "[["), "]]")
		if _, alias, ok := strings.Cut(inner, "|"); ok {
			return alias
		}
		return inner
	})
	s = mdLinkRe.ReplaceAllStringFunc(s, func(m string) string {
		return m[1:strings.Index(m, "]")]
	})
	s = inlineRe.ReplaceAllString(s, "")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)[:n]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + "…"
}

// stripCode drops fenced code blocks so their content is not mistaken for
// tags or prose.
func stripCode(body string) string {
	var b strings.Builder
	inFence := false
	for line := range strings.SplitSeq(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			b.WriteString("\n")
			continue
		}
		if !inFence {
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
	return b.String()
}
