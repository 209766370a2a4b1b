// Package events carries data-layer notifications to in-process subscribers
// and to dev-server clients over Server-Sent Events.
package events

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeQueryStart           = "query-start"
	TypeQueryRan             = "query-ran"
	TypeAPIFinished          = "api-finished"
	TypePendingPageDataWrite = "pending-page-data-write"
	TypeGraphUpdated         = "graph-updated"
)

// Event is a named notification with a JSON-serializable payload.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// QueryStart is published before a query executes.
type QueryStart struct {
	Path          string `json:"path"`
	ComponentPath string `json:"componentPath"`
	IsPage        bool   `json:"isPage"`
}

// QueryRan is published once a query finished and its result was handled.
type QueryRan struct {
	Path          string `json:"path"`
	ComponentPath string `json:"componentPath"`
	IsPage        bool   `json:"isPage"`
	ResultHash    string `json:"resultHash"`
	QueryHash     string `json:"queryHash,omitempty"`
}

// APIFinished is published when every plugin finished a node API.
type APIFinished struct {
	APIName string `json:"apiName"`
}

// PendingPageDataWrite marks a page whose page-data.json must be rewritten.
type PendingPageDataWrite struct {
	Path string `json:"path"`
}

const subscriberBuffer = 64

// Bus fans events out to subscribers. A single loop goroutine owns the
// subscriber set; public methods talk to it over channels. Subscribers whose
// buffer is full miss events instead of stalling publishers.
type Bus struct {
	graphMin time.Duration

	subscribeCh   chan chan Event
	unsubscribeCh chan chan Event
	publishCh     chan Event
	graphCh       chan struct{}
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBus starts a bus. graphThrottle bounds how often graph-updated is
// broadcast by NotifyGraphChanged.
func NewBus(graphThrottle time.Duration) *Bus {
	if graphThrottle <= 0 {
		graphThrottle = 2 * time.Second
	}
	b := &Bus{
		graphMin:      graphThrottle,
		subscribeCh:   make(chan chan Event),
		unsubscribeCh: make(chan chan Event),
		publishCh:     make(chan Event, 256),
		graphCh:       make(chan struct{}, 1),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[chan Event]struct{})
	var lastGraph time.Time

	broadcast := func(ev Event) {
		for ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range subs {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			subs[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}

		case ev := <-b.publishCh:
			broadcast(ev)

		case <-b.graphCh:
			now := time.Now()
			if now.Sub(lastGraph) >= b.graphMin {
				lastGraph = now
				broadcast(Event{Type: TypeGraphUpdated, Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes ch and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// SubscriberCount returns the number of subscribers.
func (b *Bus) SubscriberCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish queues ev for every subscriber. It is a no-op on a nil or closed bus.
func (b *Bus) Publish(ev Event) {
	if b == nil || b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// NotifyGraphChanged broadcasts graph-updated, at most once per throttle window.
func (b *Bus) NotifyGraphChanged() {
	if b == nil || b.closed.Load() {
		return
	}
	select {
	case b.graphCh <- struct{}{}:
	default:
	}
}

// ServeHTTP streams events as SSE (GET /api/events).
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
