package emulator

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Stats counts served requests per route and emitted kevents.
type Stats struct {
	mu         sync.Mutex
	requests   map[string]int
	sent       int
	suppressed int
}

func newStats() *Stats {
	return &Stats{requests: map[string]int{}}
}

func routeKey(method, pattern string) string { return method + " " + pattern }

// Requests returns how many requests matched the route, e.g.
// Requests("GET", "/api/v3/parts.json").
func (s *Stats) Requests(method, pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[routeKey(method, pattern)]
}

// Total returns the number of requests served.
func (s *Stats) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

// Kevents returns the number of published and suppressed change events.
func (s *Stats) Kevents() (sent, suppressed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.suppressed
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = map[string]int{}
	s.sent, s.suppressed = 0, 0
}

func (s *Stats) kevent(suppressed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if suppressed {
		s.suppressed++
	} else {
		s.sent++
	}
}

// countRequests records the matched route pattern of every request in s and
// in the prometheus counter.
func countRequests(s *Stats, counter *prometheus.CounterVec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			s.mu.Lock()
			s.requests[routeKey(r.Method, pattern)]++
			s.mu.Unlock()
			counter.WithLabelValues(r.Method, pattern, strconv.Itoa(ww.Status())).Inc()
		})
	}
}
