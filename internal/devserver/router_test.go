package devserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/kiln/internal/graph"
	"github.com/starford/kiln/internal/models"
)

func testGraph(t *testing.T) *graph.Store {
	t.Helper()
	g := graph.New()
	for _, n := range []struct{ id, typ, owner string }{
		{"a", "File", "fs"},
		{"b", "File", "fs"},
		{"c", "MarkdownRemark", "md"},
		{"d", "File", "other"},
	} {
		node := &models.Node{ID: n.id, Internal: models.Internal{Type: n.typ, ContentDigest: "x"}}
		if _, err := g.Dispatch(graph.CreateNode{Node: node, Owner: n.owner}); err != nil {
			t.Fatal(err)
		}
	}
	return g
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func listIDs(t *testing.T, w *httptest.ResponseRecorder) ([]string, int) {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp NodeListResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, n := range resp.Nodes {
		ids = append(ids, n.ID)
	}
	return ids, resp.Total
}

func TestListNodes(t *testing.T) {
	r := NewRouter(testGraph(t), Config{})
	cases := []struct {
		query string
		want  []string
		total int
	}{
		{"", []string{"a", "b", "c", "d"}, 4},
		{"?type=File", []string{"a", "b", "d"}, 3},
		{"?owner=md", []string{"c"}, 1},
		{"?type=File&owner=fs", []string{"a", "b"}, 2},
		{"?limit=2&offset=1", []string{"b", "c"}, 4},
		{"?offset=10", nil, 4},
	}
	for _, tc := range cases {
		ids, total := listIDs(t, do(t, r, http.MethodGet, "/api/nodes"+tc.query, ""))
		if diff := cmp.Diff(tc.want, ids); diff != "" {
			t.Errorf("%s: ids (-want +got):\n%s", tc.query, diff)
		}
		if total != tc.total {
			t.Errorf("%s: total = %d, want %d", tc.query, total, tc.total)
		}
	}
}

func TestGetNode(t *testing.T) {
	r := NewRouter(testGraph(t), Config{})
	w := do(t, r, http.MethodGet, "/api/nodes/c", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var n models.Node
	_ = json.Unmarshal(w.Body.Bytes(), &n)
	if n.ID != "c" || n.Internal.Owner != "md" {
		t.Errorf("node = %+v", n)
	}
	w = do(t, r, http.MethodGet, "/api/nodes/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing node status = %d", w.Code)
	}
	var e ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &e)
	if e.Error != "node not found" || e.RequestID == "" {
		t.Errorf("error body = %+v", e)
	}
}

func TestListNodesBadParams(t *testing.T) {
	r := NewRouter(testGraph(t), Config{})
	for _, q := range []string{"?limit=x", "?offset=-1"} {
		if w := do(t, r, http.MethodGet, "/api/nodes"+q, ""); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, w.Code)
		}
	}
}

func TestListTypes(t *testing.T) {
	r := NewRouter(testGraph(t), Config{})
	w := do(t, r, http.MethodGet, "/api/types", "")
	var got []TypeCount
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	want := []TypeCount{{Type: "File", Count: 3}, {Type: "MarkdownRemark", Count: 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("types (-want +got):\n%s", diff)
	}
}

func TestAuth(t *testing.T) {
	r := NewRouter(testGraph(t), Config{AuthEnabled: true, Token: "secret"})
	if w := do(t, r, http.MethodGet, "/api/nodes", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/nodes", "wrong"); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/nodes", "secret"); w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/health/live", ""); w.Code != http.StatusOK {
		t.Errorf("health must not need auth: status = %d", w.Code)
	}
}

func TestHealthReady(t *testing.T) {
	var ready atomic.Bool
	r := NewRouter(testGraph(t), Config{Ready: ready.Load})
	if w := do(t, r, http.MethodGet, "/health/ready", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: status = %d", w.Code)
	}
	ready.Store(true)
	w := do(t, r, http.MethodGet, "/health/ready", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"nodes":4`) {
		t.Errorf("ready: %d %s", w.Code, w.Body.String())
	}
}

func TestPageDataAndMounts(t *testing.T) {
	public := t.TempDir()
	p := filepath.Join(public, "page-data", "index", "page-data.json")
	_ = os.MkdirAll(filepath.Dir(p), 0o755)
	_ = os.WriteFile(p, []byte(`{"path":"/"}`), 0o644)

	events := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("stream")) })
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("kiln_up 1")) })
	r := NewRouter(testGraph(t), Config{PublicDir: public, Events: events, Metrics: metrics})

	if w := do(t, r, http.MethodGet, "/page-data/index/page-data.json", ""); w.Body.String() != `{"path":"/"}` {
		t.Errorf("page data = %d %q", w.Code, w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/api/events", ""); w.Body.String() != "stream" {
		t.Errorf("events = %q", w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/metrics", ""); w.Body.String() != "kiln_up 1" {
		t.Errorf("metrics = %q", w.Body.String())
	}
}
