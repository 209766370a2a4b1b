// Package graph holds the content graph: sourced nodes indexed by id, owner
// and type, plus the set of nodes touched during the current sourcing pass.
package graph

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/kvstore"
	"github.com/starford/kiln/internal/logging"
	"github.com/starford/kiln/internal/models"
)

// DefaultOwner is the owner of nodes created by the site itself.
const DefaultOwner = "default-site-plugin"

// Store is the in-memory content graph. All state is guarded by mu;
// callers only ever see copies of nodes.
type Store struct {
	mu      sync.RWMutex
	nodes   map[string]*models.Node
	touched map[string]struct{}
	version uint64

	// Roaring bitmap indexes over internal uint32 ids.
	owners    map[string]*roaring.Bitmap
	types     map[string]*roaring.Bitmap
	nodeIntID map[string]uint32
	intToNode []string
	nextIntID uint32

	logger *slog.Logger
	writer *writer
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPersistence mirrors every mutation into tbl and loads its contents on
// open, so the graph of the previous build is available to the next one.
func WithPersistence(tbl *kvstore.Table) Option {
	return func(s *Store) {
		if tbl != nil {
			s.writer = newWriter(tbl)
		}
	}
}

// New returns an empty in-memory graph.
func New(opts ...Option) *Store {
	s := &Store{
		nodes:     make(map[string]*models.Node),
		touched:   make(map[string]struct{}),
		owners:    make(map[string]*roaring.Bitmap),
		types:     make(map[string]*roaring.Bitmap),
		nodeIntID: make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Or(s.logger)
	if s.writer != nil {
		s.writer.start()
	}
	return s
}

// Open creates a store and, when persistence is configured, restores the
// nodes saved by a previous process.
func Open(ctx context.Context, opts ...Option) (*Store, error) {
	s := New(opts...)
	if s.writer == nil {
		return s, nil
	}
	loaded, err := s.writer.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: load nodes: %w", err)
	}
	s.mu.Lock()
	for _, n := range loaded {
		s.nodes[n.ID] = n
		s.index(n)
	}
	s.mu.Unlock()
	s.logger.Debug("graph: restored nodes", slog.Int("count", len(loaded)))
	return s, nil
}

// Dispatch applies a reducer action.
func (s *Store) Dispatch(a Action) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out Outcome
		err error
	)
	switch act := a.(type) {
	case CreateNode:
		out, err = s.create(act)
	case *CreateNode:
		out, err = s.create(*act)
	case TouchNode:
		out, err = s.touch(act)
	case DeleteNode:
		out = s.remove(act.ID)
	case AddChildLink:
		out, err = s.link(act)
	default:
		err = fmt.Errorf("graph: unknown action %T", a)
	}
	if err == nil && out.Changed {
		s.version++
	}
	return out, err
}

func (s *Store) create(a CreateNode) (Outcome, error) {
	n := a.Node
	switch {
	case n == nil:
		return Outcome{}, fmt.Errorf("graph: create: nil node: %w", apperr.ErrInvalidNode)
	case n.ID == "":
		return Outcome{}, fmt.Errorf("graph: create: missing id: %w", apperr.ErrInvalidNode)
	case n.Internal.Type == "":
		return Outcome{}, fmt.Errorf("graph: create %s: missing internal.type: %w", n.ID, apperr.ErrInvalidNode)
	case n.Internal.ContentDigest == "":
		return Outcome{}, fmt.Errorf("graph: create %s: missing internal.contentDigest: %w", n.ID, apperr.ErrInvalidNode)
	case a.Owner == "":
		return Outcome{}, fmt.Errorf("graph: create %s: missing owner: %w", n.ID, apperr.ErrInvalidNode)
	case n.Internal.Owner != "" && n.Internal.Owner != a.Owner:
		return Outcome{}, fmt.Errorf("graph: create %s: internal.owner is set by the store: %w", n.ID, apperr.ErrInvalidNode)
	}

	old, exists := s.nodes[n.ID]
	if exists && old.Internal.Owner != a.Owner {
		return Outcome{}, fmt.Errorf("graph: node %s is owned by %s, not %s: %w",
			n.ID, old.Internal.Owner, a.Owner, apperr.ErrConflict)
	}
	if exists && old.Internal.ContentDigest == n.Internal.ContentDigest && old.Internal.Type == n.Internal.Type {
		s.touched[n.ID] = struct{}{}
		return Outcome{Node: old.Clone()}, nil
	}

	var deleted []string
	if exists {
		for _, child := range slices.Clone(old.Children) {
			deleted = append(deleted, s.remove(child).Deleted...)
		}
		s.unindex(old)
	}

	stored := n.Clone()
	stored.Internal.Owner = a.Owner
	stored.Children = nil
	s.nodes[stored.ID] = stored
	s.index(stored)
	s.touched[stored.ID] = struct{}{}
	s.persist(stored)

	return Outcome{Changed: true, Node: stored.Clone(), Deleted: deleted}, nil
}

func (s *Store) touch(a TouchNode) (Outcome, error) {
	n, ok := s.nodes[a.ID]
	if !ok {
		return Outcome{}, fmt.Errorf("graph: touch %s: %w", a.ID, apperr.ErrNotFound)
	}
	if a.Owner != "" && n.Internal.Owner != a.Owner {
		return Outcome{}, fmt.Errorf("graph: touch %s: owned by %s: %w", a.ID, n.Internal.Owner, apperr.ErrConflict)
	}
	s.touched[a.ID] = struct{}{}
	return Outcome{Node: n.Clone()}, nil
}

// remove deletes id and, depth first, every descendant. Must be called with mu held.
func (s *Store) remove(id string) Outcome {
	n, ok := s.nodes[id]
	if !ok {
		return Outcome{}
	}
	var deleted []string
	// Detach first so a cyclic children list cannot recurse forever.
	delete(s.nodes, id)
	for _, child := range n.Children {
		deleted = append(deleted, s.remove(child).Deleted...)
	}
	if p, ok := s.nodes[n.Parent]; ok && n.Parent != "" {
		p.Children = slices.DeleteFunc(p.Children, func(c string) bool { return c == id })
		s.persist(p)
	}
	s.unindex(n)
	delete(s.touched, id)
	s.forget(id)
	deleted = append(deleted, id)
	return Outcome{Changed: true, Deleted: deleted}
}

func (s *Store) link(a AddChildLink) (Outcome, error) {
	p, ok := s.nodes[a.Parent]
	if !ok {
		return Outcome{}, fmt.Errorf("graph: link parent %s: %w", a.Parent, apperr.ErrNotFound)
	}
	if _, ok := s.nodes[a.Child]; !ok {
		return Outcome{}, fmt.Errorf("graph: link child %s: %w", a.Child, apperr.ErrNotFound)
	}
	if slices.Contains(p.Children, a.Child) {
		return Outcome{Node: p.Clone()}, nil
	}
	p.Children = append(p.Children, a.Child)
	s.persist(p)
	return Outcome{Changed: true, Node: p.Clone()}, nil
}

// index adds n to the owner and type bitmaps. Must be called with mu held.
func (s *Store) index(n *models.Node) {
	intID, ok := s.nodeIntID[n.ID]
	if !ok {
		intID = s.nextIntID
		s.nextIntID++
		s.nodeIntID[n.ID] = intID
		s.intToNode = append(s.intToNode, n.ID)
	}
	bitmapFor(s.owners, n.Internal.Owner).Add(intID)
	bitmapFor(s.types, n.Internal.Type).Add(intID)
}

func (s *Store) unindex(n *models.Node) {
	intID, ok := s.nodeIntID[n.ID]
	if !ok {
		return
	}
	if bm, ok := s.owners[n.Internal.Owner]; ok {
		bm.Remove(intID)
		if bm.IsEmpty() {
			delete(s.owners, n.Internal.Owner)
		}
	}
	if bm, ok := s.types[n.Internal.Type]; ok {
		bm.Remove(intID)
		if bm.IsEmpty() {
			delete(s.types, n.Internal.Type)
		}
	}
}

// forget releases the internal id of a deleted node.
func (s *Store) forget(id string) {
	if intID, ok := s.nodeIntID[id]; ok {
		s.intToNode[intID] = ""
		delete(s.nodeIntID, id)
	}
	if s.writer != nil {
		s.writer.enqueue(writeOp{id: id, remove: true})
	}
}

func (s *Store) persist(n *models.Node) {
	if s.writer == nil {
		return
	}
	s.writer.enqueueNode(n)
}

func bitmapFor(m map[string]*roaring.Bitmap, key string) *roaring.Bitmap {
	bm, ok := m[key]
	if !ok {
		bm = roaring.New()
		m[key] = bm
	}
	return bm
}

// GetNode returns a copy of the node with id, or nil.
func (s *Store) GetNode(id string) *models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[id].Clone()
}

// Parent returns the parent id of node id without copying the node.
func (s *Store) Parent(id string) (parent string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	return n.Parent, true
}

// Snapshot returns copies of all nodes ordered by id.
func (s *Store) Snapshot() []*models.Node {
	s.mu.RLock()
	out := make([]*models.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *models.Node) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// IterateNodes yields a point-in-time copy of every node, ordered by id.
func (s *Store) IterateNodes() iter.Seq[*models.Node] {
	nodes := s.Snapshot()
	return func(yield func(*models.Node) bool) {
		for _, n := range nodes {
			if !yield(n) {
				return
			}
		}
	}
}

// NodesByOwner returns copies of the nodes created by owner.
func (s *Store) NodesByOwner(owner string) []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.owners[owner])
}

// NodesByType returns copies of the nodes of the given type.
func (s *Store) NodesByType(typ string) []*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.types[typ])
}

func (s *Store) collect(bm *roaring.Bitmap) []*models.Node {
	if bm == nil {
		return nil
	}
	out := make([]*models.Node, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		id := s.intToNode[it.Next()]
		if n, ok := s.nodes[id]; ok {
			out = append(out, n.Clone())
		}
	}
	return out
}

// Owners returns the owners that currently have at least one node.
func (s *Store) Owners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.owners))
	for o := range s.owners {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// Types returns the node types currently present.
func (s *Store) Types() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Touched reports whether id was created or touched since the last ResetTouched.
func (s *Store) Touched(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.touched[id]
	return ok
}

// ResetTouched clears the touched set at the start of a sourcing pass.
func (s *Store) ResetTouched() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = make(map[string]struct{})
}

// Version increases on every mutation; readers use it to invalidate derived state.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Ready blocks until every mutation so far is durable. It returns the first
// persistence error, if any. In-memory stores are always ready.
func (s *Store) Ready(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	return s.writer.barrier(ctx)
}

// Close flushes pending writes and stops the background writer.
func (s *Store) Close() error {
	if s.writer == nil {
		return nil
	}
	return s.writer.stop()
}
