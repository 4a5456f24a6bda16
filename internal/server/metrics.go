package server

import (
	"sync"
	"time"
)

// metrics is the in-process counter set behind the admin snapshot route.
type metrics struct {
	mu          sync.Mutex
	requests    int64
	byStatus    map[int]int64
	byOperation map[string]int64
	searchMS    int64
	searches    int64
	rateLimited int64
}

func newMetrics() *metrics {
	return &metrics{
		byStatus:    make(map[int]int64),
		byOperation: make(map[string]int64),
	}
}

func (m *metrics) observe(operation string, status int) {
	m.mu.Lock()
	m.requests++
	m.byStatus[status]++
	if operation != "" {
		m.byOperation[operation]++
	}
	if status == 429 {
		m.rateLimited++
	}
	m.mu.Unlock()
}

func (m *metrics) observeSearch(d time.Duration) {
	m.mu.Lock()
	m.searches++
	m.searchMS += d.Milliseconds()
	m.mu.Unlock()
}

// snapshot returns the counters as a JSON-friendly map.
func (m *metrics) snapshot(uptime time.Duration) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStatus := make(map[int]int64, len(m.byStatus))
	for k, v := range m.byStatus {
		byStatus[k] = v
	}
	byOp := make(map[string]int64, len(m.byOperation))
	for k, v := range m.byOperation {
		byOp[k] = v
	}
	var avgSearchMS float64
	if m.searches > 0 {
		avgSearchMS = float64(m.searchMS) / float64(m.searches)
	}
	return map[string]any{
		"uptime_seconds":     int64(uptime.Seconds()),
		"requests_total":     m.requests,
		"requests_by_status": byStatus,
		"requests_by_op":     byOp,
		"searches_total":     m.searches,
		"search_avg_ms":      avgSearchMS,
		"rate_limited_total": m.rateLimited,
	}
}
