package sse

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestSubscribeUnsubscribe(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients")
	}
	ch := b.Subscribe("")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}
	b.Unsubscribe(ch)
	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after unsub")
	}
}

func TestPublishKeventDelivery(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	b.PublishKevent(Kevent{Action: "updated", Resource: "property", ID: "p1"})

	select {
	case msg := <-ch:
		s := string(msg)
		if !strings.Contains(s, "event: property.updated") {
			t.Errorf("missing event type in %q", s)
		}
		if !strings.Contains(s, `"id":"p1"`) {
			t.Errorf("missing data in %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishKevent_ScopeThrottle(t *testing.T) {
	b := NewBroker(500 * time.Millisecond)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	b.PublishKevent(Kevent{Action: "created", Resource: "part", ID: "a", ScopeID: "s1"})
	b.PublishKevent(Kevent{Action: "updated", Resource: "part", ID: "b", ScopeID: "s1"})
	b.PublishKevent(Kevent{Action: "updated", Resource: "part", ID: "c", ScopeID: "s2"})

	time.Sleep(50 * time.Millisecond)
	scopeEvents := 0
	partEvents := 0
loop:
	for {
		select {
		case msg := <-ch:
			if strings.Contains(string(msg), "scope.changed") {
				scopeEvents++
			} else {
				partEvents++
			}
		default:
			break loop
		}
	}

	if partEvents != 3 {
		t.Errorf("part events = %d, want 3", partEvents)
	}
	if scopeEvents != 2 {
		t.Errorf("scope events = %d, want 2 (one per scope)", scopeEvents)
	}
}

func TestSubscribeToScope(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	bike := b.Subscribe("bike")
	defer b.Unsubscribe(bike)
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	b.PublishKevent(Kevent{Action: "updated", Resource: "part", ID: "a", ScopeID: "boat"})
	b.PublishKevent(Kevent{Action: "updated", Resource: "part", ID: "b", ScopeID: "bike"})
	b.Publish(Event{Type: "ping", Data: map[string]string{}})
	time.Sleep(50 * time.Millisecond)

	drain := func(ch chan []byte) []string {
		var out []string
		for {
			select {
			case msg := <-ch:
				out = append(out, string(msg))
			default:
				return out
			}
		}
	}

	got := drain(bike)
	// part b, scope.changed for bike, ping
	if len(got) != 3 {
		t.Fatalf("bike client got %d events: %q", len(got), got)
	}
	for _, msg := range got {
		if strings.Contains(msg, `"id":"a"`) || strings.Contains(msg, "boat") {
			t.Errorf("event of another scope delivered: %q", msg)
		}
	}
	if n := len(drain(all)); n != 5 {
		t.Errorf("unfiltered client got %d events, want 5", n)
	}
}

func TestEventIDsIncrease(t *testing.T) {
	b := NewBroker(time.Hour)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: "first", Data: 1})
	b.Publish(Event{Type: "second", Data: 2})
	for _, want := range []string{"id: 1\nevent: first", "id: 2\nevent: second"} {
		select {
		case msg := <-ch:
			if !strings.HasPrefix(string(msg), want) {
				t.Errorf("got %q, want prefix %q", msg, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}
	}
}

func TestSSEHandler(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/v3/kevents", nil).WithContext(ctx)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		b.ServeHTTP(w, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client from handler")
	}

	b.Publish(Event{Type: "widget.deleted", Data: map[string]string{"id": "w1"}})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done

	body := w.Body.String()
	if !strings.Contains(body, "event: widget.deleted") {
		t.Errorf("handler output missing event: %q", body)
	}

	time.Sleep(50 * time.Millisecond)
	if b.ClientCount() != 0 {
		t.Errorf("client not cleaned up after disconnect")
	}
}

func TestPublishDropsOnFullBuffer(t *testing.T) {
	b := NewBroker(time.Second)
	defer b.Close()
	ch := b.Subscribe("")
	defer b.Unsubscribe(ch)

	// Buffer holds 64; the rest must be dropped without blocking.
	for i := 0; i < 70; i++ {
		b.Publish(Event{Type: "test", Data: map[string]string{"i": "x"}})
	}
}

func TestCloseClosesSubscribersAndStopsOperations(t *testing.T) {
	b := NewBroker(100 * time.Millisecond)
	ch := b.Subscribe("")
	if b.ClientCount() != 1 {
		t.Fatalf("expected 1 client")
	}

	b.Close()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected subscriber channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	if b.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after close")
	}

	b.Publish(Event{Type: "part.updated", Data: map[string]string{"id": "x"}})
	b.PublishKevent(Kevent{Action: "updated", Resource: "part", ID: "x"})
}
