package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func next(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return Event{}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBus(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	b.Unsubscribe(ch)
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe")
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}

func TestPublishDelivery(t *testing.T) {
	b := NewBus(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: TypeQueryRan, Data: QueryRan{Path: "/a", ResultHash: "h"}})
	ev := next(t, ch)
	if ev.Type != TypeQueryRan {
		t.Fatalf("type = %q", ev.Type)
	}
	if got := ev.Data.(QueryRan); got.Path != "/a" || got.ResultHash != "h" {
		t.Errorf("data = %+v", got)
	}
}

func TestNotifyGraphChanged_Throttled(t *testing.T) {
	b := NewBus(time.Hour)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.NotifyGraphChanged()
	if ev := next(t, ch); ev.Type != TypeGraphUpdated {
		t.Fatalf("type = %q", ev.Type)
	}
	b.NotifyGraphChanged()
	b.Publish(Event{Type: "marker"})
	if ev := next(t, ch); ev.Type != "marker" {
		t.Errorf("second graph-updated was not throttled: %q", ev.Type)
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBus(time.Second)
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for range subscriberBuffer + 10 {
		b.Publish(Event{Type: "x"})
	}
	deadline := time.Now().Add(time.Second)
	for len(ch) < subscriberBuffer {
		if time.Now().After(deadline) {
			t.Fatalf("buffered = %d, want %d", len(ch), subscriberBuffer)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNilAndClosedBus(t *testing.T) {
	var nilBus *Bus
	nilBus.Publish(Event{Type: "x"})
	nilBus.NotifyGraphChanged()

	b := NewBus(time.Second)
	ch := b.Subscribe()
	b.Close()
	if _, ok := <-ch; ok {
		t.Fatal("subscriber should be closed")
	}
	b.Publish(Event{Type: "x"})
	if b.SubscriberCount() != 0 {
		t.Error("closed bus reports subscribers")
	}
}

type flushRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (f *flushRecorder) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ResponseRecorder.Write(p)
}

func (f *flushRecorder) body() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Body.String()
}

func TestServeHTTP(t *testing.T) {
	b := NewBus(time.Second)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil).WithContext(ctx)
	w := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for b.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(Event{Type: TypeAPIFinished, Data: APIFinished{APIName: "sourceNodes"}})
	deadline = time.Now().Add(time.Second)
	for !strings.Contains(w.body(), "event: api-finished") {
		if time.Now().After(deadline) {
			t.Fatalf("missing event in %q", w.body())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if !strings.Contains(w.body(), `"apiName":"sourceNodes"`) {
		t.Errorf("missing payload in %q", w.body())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
}
