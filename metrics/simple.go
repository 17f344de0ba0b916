package metrics

import (
	"slices"
	"sync"
	"time"

	"github.com/glimte/mchat-go/messaging"
)

const maxSamples = 100

// SimpleCollector keeps session metrics in memory
type SimpleCollector struct {
	mu sync.RWMutex

	// outcome counts by action
	requests map[string]map[string]int64

	// request latency by action
	durations map[string]*TimeStats

	routes  map[string]int64
	events  map[string]int64
	pending int
}

var _ messaging.MetricsCollector = (*SimpleCollector)(nil)

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64 // last maxSamples values for percentiles
}

// NewSimpleCollector creates a new in-memory collector
func NewSimpleCollector() *SimpleCollector {
	c := &SimpleCollector{}
	c.Reset()
	return c
}

// RecordRequest implements messaging.MetricsCollector
func (c *SimpleCollector) RecordRequest(action string, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.requests[action] == nil {
		c.requests[action] = make(map[string]int64)
	}
	c.requests[action][outcome]++

	ms := duration.Milliseconds()
	stats, ok := c.durations[action]
	if !ok {
		stats = &TimeStats{MinMs: ms, MaxMs: ms, samples: make([]int64, 0, maxSamples)}
		c.durations[action] = stats
	}
	stats.Count++
	stats.TotalMs += ms
	stats.MinMs = min(stats.MinMs, ms)
	stats.MaxMs = max(stats.MaxMs, ms)

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, ms)
}

// RecordDispatch implements messaging.MetricsCollector
func (c *SimpleCollector) RecordDispatch(route messaging.Route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[route.String()]++
}

// SetPending implements messaging.MetricsCollector
func (c *SimpleCollector) SetPending(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = n
}

// RecordConnection implements messaging.MetricsCollector
func (c *SimpleCollector) RecordConnection(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[event]++
}

// Summary is a snapshot of the collected metrics
type Summary struct {
	Requests         map[string]map[string]int64 `json:"requests"`
	Latency          map[string]LatencyStats     `json:"latency"`
	Routes           map[string]int64            `json:"routes"`
	ConnectionEvents map[string]int64            `json:"connection_events"`
	Pending          int                         `json:"pending"`
}

// LatencyStats is the request latency of one action
type LatencyStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// Summary returns a copy of everything collected so far
func (c *SimpleCollector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Requests:         make(map[string]map[string]int64, len(c.requests)),
		Latency:          make(map[string]LatencyStats, len(c.durations)),
		Routes:           make(map[string]int64, len(c.routes)),
		ConnectionEvents: make(map[string]int64, len(c.events)),
		Pending:          c.pending,
	}
	for action, outcomes := range c.requests {
		s.Requests[action] = make(map[string]int64, len(outcomes))
		for outcome, n := range outcomes {
			s.Requests[action][outcome] = n
		}
	}
	for route, n := range c.routes {
		s.Routes[route] = n
	}
	for event, n := range c.events {
		s.ConnectionEvents[event] = n
	}

	for action, stats := range c.durations {
		l := LatencyStats{Count: stats.Count, MinMs: stats.MinMs, MaxMs: stats.MaxMs}
		if stats.Count > 0 {
			l.AvgMs = stats.TotalMs / stats.Count
		}
		if len(stats.samples) > 0 {
			sorted := slices.Clone(stats.samples)
			slices.Sort(sorted)
			l.P50Ms = percentile(sorted, 0.50)
			l.P95Ms = percentile(sorted, 0.95)
			l.P99Ms = percentile(sorted, 0.99)
		}
		s.Latency[action] = l
	}
	return s
}

// Reset clears all collected metrics
func (c *SimpleCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = make(map[string]map[string]int64)
	c.durations = make(map[string]*TimeStats)
	c.routes = make(map[string]int64)
	c.events = make(map[string]int64)
	c.pending = 0
}

func percentile(sorted []int64, p float64) int64 {
	return sorted[int(float64(len(sorted)-1)*p)]
}
