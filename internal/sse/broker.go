// Package sse broadcasts backend change events (kevents) as Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event is a single SSE message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Kevent describes a change to a backend resource.
type Kevent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	ID       string `json:"id"`
	ScopeID  string `json:"scope_id,omitempty"`
}

type subscription struct {
	ch    chan []byte
	scope string
}

// Broker fans kevents out to connected clients. A client may follow a single
// scope; kevents of other scopes are not sent to it.
//
// A single event loop goroutine owns the client set, the event sequence and
// the per-scope throttle timestamps; public methods talk to it over channels.
type Broker struct {
	scopeMin time.Duration

	subscribeCh   chan subscription
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	keventCh      chan Kevent
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker starts a broker. scopeThrottle bounds how often a
// scope.changed summary event is sent for the same scope.
func NewBroker(scopeThrottle time.Duration) *Broker {
	if scopeThrottle <= 0 {
		scopeThrottle = 2 * time.Second
	}

	b := &Broker{
		scopeMin:      scopeThrottle,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		keventCh:      make(chan Kevent, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]string)
	lastScope := make(map[string]time.Time)
	var seq uint64

	// broadcast sends event to every client following scope, or to all
	// clients when scope is empty.
	broadcast := func(event Event, scope string) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))
		for ch, follows := range clients {
			if scope != "" && follows != "" && follows != scope {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Slow client; drop rather than block the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case sub := <-b.subscribeCh:
			clients[sub.ch] = sub.scope

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event, "")

		case ev := <-b.keventCh:
			broadcast(Event{Type: ev.Resource + "." + ev.Action, Data: ev}, ev.ScopeID)
			if ev.ScopeID == "" {
				continue
			}
			now := time.Now()
			if now.Sub(lastScope[ev.ScopeID]) >= b.scopeMin {
				lastScope[ev.ScopeID] = now
				broadcast(Event{Type: "scope.changed", Data: map[string]string{"scope_id": ev.ScopeID}}, ev.ScopeID)
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close stops the loop and closes every client channel.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client and returns its channel. With a non-empty scope
// the client only receives kevents of that scope and unscoped events.
func (b *Broker) Subscribe(scope string) chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- subscription{ch: ch, scope: scope}:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
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

// Publish sends a raw event to every client.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishKevent announces a resource change, followed by a throttled
// scope.changed event for its scope.
func (b *Broker) PublishKevent(ev Kevent) {
	if b.closed.Load() {
		return
	}
	select {
	case b.keventCh <- ev:
	case <-b.stopped:
	}
}

// ServeHTTP streams events to one client until it disconnects. The optional
// scope_id query parameter limits the stream to one scope.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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

	ch := b.Subscribe(r.URL.Query().Get("scope_id"))
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
