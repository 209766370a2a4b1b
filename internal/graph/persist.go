package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/starford/kiln/internal/apperr"
	"github.com/starford/kiln/internal/kvstore"
	"github.com/starford/kiln/internal/models"
)

type writeOp struct {
	id      string
	data    []byte
	remove  bool
	barrier chan error
}

// writer applies graph mutations to a kvstore table in the background, in
// the order they were made.
type writer struct {
	tbl *kvstore.Table

	mu      sync.Mutex
	queue   []writeOp
	err     error
	stopped bool

	notify chan struct{}
	done   chan struct{}
}

func newWriter(tbl *kvstore.Table) *writer {
	return &writer{
		tbl:    tbl,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (w *writer) load(ctx context.Context) ([]*models.Node, error) {
	var out []*models.Node
	err := w.tbl.Iterate(ctx, func(key string, value []byte) error {
		var n models.Node
		if err := json.Unmarshal(value, &n); err != nil {
			return fmt.Errorf("decode node %s: %w", key, err)
		}
		out = append(out, &n)
		return nil
	})
	return out, err
}

func (w *writer) start() {
	go w.run()
}

func (w *writer) enqueueNode(n *models.Node) {
	data, err := json.Marshal(n)
	if err != nil {
		w.fail(fmt.Errorf("graph: encode node %s: %w", n.ID, err))
		return
	}
	w.enqueue(writeOp{id: n.ID, data: data})
}

func (w *writer) enqueue(op writeOp) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		if op.barrier != nil {
			op.barrier <- apperr.ErrClosed
		}
		return
	}
	w.queue = append(w.queue, op)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *writer) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

func (w *writer) firstErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *writer) run() {
	defer close(w.done)
	ctx := context.Background()
	for range w.notify {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		stopped := w.stopped
		w.mu.Unlock()

		for _, op := range batch {
			switch {
			case op.barrier != nil:
				op.barrier <- w.firstErr()
			case op.remove:
				if err := w.tbl.Remove(ctx, op.id); err != nil {
					w.fail(err)
				}
			default:
				if err := w.tbl.Put(ctx, op.id, op.data); err != nil {
					w.fail(err)
				}
			}
		}

		if stopped {
			w.mu.Lock()
			empty := len(w.queue) == 0
			w.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

// barrier waits until every op queued before it has been applied.
func (w *writer) barrier(ctx context.Context) error {
	ch := make(chan error, 1)
	w.enqueue(writeOp{barrier: ch})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.done
		return w.firstErr()
	}
	w.stopped = true
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
	<-w.done
	return w.firstErr()
}
