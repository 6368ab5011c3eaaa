package server

import (
	"sync"
	"time"
)

// Route keys used for requests that did not hit a static file.
const (
	RouteApp      = "<app>"
	RouteNotFound = "<not-found>"
)

type RouteMetrics struct {
	Count        uint64        `json:"count"`
	Errors       uint64        `json:"errors"`
	TotalLatency time.Duration `json:"total_latency_ns"`
}

type MetricsSnapshot struct {
	TotalRequests uint64                   `json:"total_requests"`
	TotalErrors   uint64                   `json:"total_errors"`
	InFlight      uint64                   `json:"in_flight"`
	ByRoute       map[string]*RouteMetrics `json:"by_route"`
}

// Metrics counts handled requests, in total and per route.
type Metrics struct {
	mu     sync.Mutex
	counts MetricsSnapshot
}

func NewMetrics() *Metrics {
	return &Metrics{
		counts: MetricsSnapshot{ByRoute: make(map[string]*RouteMetrics)},
	}
}

func (m *Metrics) StartRequest() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts.InFlight++
	m.counts.TotalRequests++
}

// EndRequest records a finished request. The route is only known once the
// request was parsed, so it is passed here rather than to StartRequest.
func (m *Metrics) EndRequest(route string, latency time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.counts.InFlight > 0 {
		m.counts.InFlight--
	}
	if failed {
		m.counts.TotalErrors++
	}
	if route == "" {
		return
	}

	rm := m.counts.ByRoute[route]
	if rm == nil {
		rm = &RouteMetrics{}
		m.counts.ByRoute[route] = rm
	}
	rm.Count++
	rm.TotalLatency += latency
	if failed {
		rm.Errors++
	}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests: m.counts.TotalRequests,
		TotalErrors:   m.counts.TotalErrors,
		InFlight:      m.counts.InFlight,
		ByRoute:       make(map[string]*RouteMetrics, len(m.counts.ByRoute)),
	}
	for route, rm := range m.counts.ByRoute {
		c := *rm
		snap.ByRoute[route] = &c
	}
	return snap
}
