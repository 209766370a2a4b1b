// Package jsonpath is a query executor that evaluates JSONPath expressions
// over the content graph.
//
// A query is a YAML mapping from result field to expression:
//
//	posts: $.byType.MarkdownRemark[*].title
//	post:
//	  path: $.byType.MarkdownRemark[?(@.slug == ${slug})]
//	  first: true
//
// The root document is {nodes, byType, context}. ${name} is replaced by the
// job variable name rendered as a literal.
package jsonpath

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/ohler55/ojg/jp"
	"gopkg.in/yaml.v3"

	"github.com/starford/kiln/internal/models"
	"github.com/starford/kiln/internal/query"
)

// Graph is the node source queried.
type Graph interface {
	Snapshot() []*models.Node
	Version() uint64
}

// Executor implements query.Executor.
type Executor struct {
	graph Graph

	mu      sync.Mutex
	version uint64
	nodes   any
	byType  any
	built   bool
}

// New creates an executor over g.
func New(g Graph) *Executor {
	return &Executor{graph: g}
}

type field struct {
	name  string
	expr  jp.Expr
	first bool
}

type fieldSpec struct {
	Path  string `yaml:"path"`
	First bool   `yaml:"first"`
}

// Execute implements query.Executor. Malformed queries are reported as
// response errors with their position; only context cancellation is
// returned as an error.
func (e *Executor) Execute(ctx context.Context, text string, vars map[string]any, _ query.ExecOptions) (query.Response, error) {
	if err := ctx.Err(); err != nil {
		return query.Response{}, err
	}
	fields, qerrs := parse(text, vars)
	if len(qerrs) > 0 {
		return query.Response{Errors: qerrs}, nil
	}

	root, err := e.root(vars)
	if err != nil {
		return query.Response{}, err
	}
	data := make(map[string]any, len(fields))
	for _, f := range fields {
		got := f.expr.Get(root)
		switch {
		case f.first && len(got) > 0:
			data[f.name] = got[0]
		case f.first:
			data[f.name] = nil
		default:
			if got == nil {
				got = []any{}
			}
			data[f.name] = got
		}
	}
	return query.Response{Data: data}, nil
}

// root returns the document queried. The node part is rebuilt only when
// the graph version moved.
func (e *Executor) root(vars map[string]any) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v := e.graph.Version(); !e.built || v != e.version {
		nodes := e.graph.Snapshot()
		list := make([]any, 0, len(nodes))
		byType := make(map[string][]any)
		for _, n := range nodes {
			m := n.Map()
			list = append(list, m)
			byType[n.Internal.Type] = append(byType[n.Internal.Type], m)
		}
		// Round trip through JSON so every value has a generic type.
		var err error
		if e.nodes, err = generic(list); err != nil {
			return nil, fmt.Errorf("jsonpath: encode nodes: %w", err)
		}
		if e.byType, err = generic(byType); err != nil {
			return nil, fmt.Errorf("jsonpath: encode nodes: %w", err)
		}
		e.version, e.built = v, true
	}

	vctx, err := generic(vars)
	if err != nil {
		return nil, fmt.Errorf("jsonpath: encode variables: %w", err)
	}
	return map[string]any{"nodes": e.nodes, "byType": e.byType, "context": vctx}, nil
}

func generic(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func parse(text string, vars map[string]any) ([]field, []query.Error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		qe := query.Error{Message: err.Error()}
		if m := yamlLine.FindStringSubmatch(err.Error()); m != nil {
			line, _ := strconv.Atoi(m[1])
			qe.Locations = []query.Location{{Line: line, Column: 1}}
		}
		return nil, []query.Error{qe}
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, []query.Error{{
			Message:   "query must be a mapping of field names to JSONPath expressions",
			Locations: []query.Location{{Line: max(doc.Line, 1), Column: max(doc.Column, 1)}},
		}}
	}

	m := doc.Content[0]
	var (
		fields []field
		errs   []query.Error
	)
	for i := 0; i+1 < len(m.Content); i += 2 {
		key, val := m.Content[i], m.Content[i+1]
		at := []query.Location{{Line: val.Line, Column: val.Column}}

		var spec fieldSpec
		switch val.Kind {
		case yaml.ScalarNode:
			spec.Path = val.Value
		case yaml.MappingNode:
			if err := val.Decode(&spec); err != nil {
				errs = append(errs, query.Error{Message: fmt.Sprintf("field %q: %v", key.Value, err), Locations: at})
				continue
			}
		default:
			errs = append(errs, query.Error{Message: fmt.Sprintf("field %q: expected an expression", key.Value), Locations: at})
			continue
		}

		src, err := interpolate(spec.Path, vars)
		if err != nil {
			errs = append(errs, query.Error{Message: fmt.Sprintf("field %q: %v", key.Value, err), Locations: at})
			continue
		}
		expr, err := jp.ParseString(src)
		if err != nil {
			errs = append(errs, query.Error{Message: fmt.Sprintf("field %q: invalid jsonpath %q: %v", key.Value, src, err), Locations: at})
			continue
		}
		fields = append(fields, field{name: key.Value, expr: expr, first: spec.First})
	}
	return fields, errs
}

var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func interpolate(src string, vars map[string]any) (string, error) {
	var missing string
	out := varRef.ReplaceAllStringFunc(src, func(ref string) string {
		name := varRef.FindStringSubmatch(ref)[1]
		v, ok := vars[name]
		if !ok {
			if missing == "" {
				missing = name
			}
			return ref
		}
		return literal(v)
	})
	if missing != "" {
		return "", fmt.Errorf("undefined variable %q", missing)
	}
	return out, nil
}

// literal renders v in JSONPath filter syntax.
func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(x) + "'"
	case bool:
		return strconv.FormatBool(x)
	case int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(x)
	case float32, float64:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
