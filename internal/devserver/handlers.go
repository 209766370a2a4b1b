package devserver

import (
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/kiln/internal/models"
)

// Graph is the read side of the content graph.
type Graph interface {
	GetNode(id string) *models.Node
	Snapshot() []*models.Node
	NodesByType(typ string) []*models.Node
	NodesByOwner(owner string) []*models.Node
	Types() []string
	Len() int
}

// Handler serves graph inspection routes.
type Handler struct {
	graph Graph
}

// NewHandler creates a Handler.
func NewHandler(g Graph) *Handler {
	return &Handler{graph: g}
}

// NodeListResponse is the body of GET /api/nodes.
type NodeListResponse struct {
	Nodes []*models.Node `json:"nodes"`
	Total int            `json:"total"`
}

// TypeCount is one row of GET /api/types.
type TypeCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ListNodes handles GET /api/nodes?type=&owner=&limit=&offset=.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ, owner := q.Get("type"), q.Get("owner")
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid offset")
		return
	}

	var nodes []*models.Node
	switch {
	case typ != "":
		nodes = h.graph.NodesByType(typ)
		if owner != "" {
			nodes = slices.DeleteFunc(nodes, func(n *models.Node) bool { return n.Internal.Owner != owner })
		}
	case owner != "":
		nodes = h.graph.NodesByOwner(owner)
	default:
		nodes = h.graph.Snapshot()
	}
	slices.SortFunc(nodes, func(a, b *models.Node) int { return strings.Compare(a.ID, b.ID) })

	total := len(nodes)
	if offset > 0 {
		nodes = nodes[min(offset, len(nodes)):]
	}
	if limit > 0 && limit < len(nodes) {
		nodes = nodes[:limit]
	}
	if nodes == nil {
		nodes = []*models.Node{}
	}
	writeJSON(w, http.StatusOK, NodeListResponse{Nodes: nodes, Total: total})
}

// GetNode handles GET /api/nodes/{id}.
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	n := h.graph.GetNode(chi.URLParam(r, "id"))
	if n == nil {
		writeError(w, r, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// ListTypes handles GET /api/types.
func (h *Handler) ListTypes(w http.ResponseWriter, _ *http.Request) {
	out := []TypeCount{}
	for _, t := range h.graph.Types() {
		out = append(out, TypeCount{Type: t, Count: len(h.graph.NodesByType(t))})
	}
	writeJSON(w, http.StatusOK, out)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}
