package ghclient

import "sync"

// Metrics counts GitHub traffic. Updated under a short critical section;
// Snapshot returns a copy safe to serialize.
type Metrics struct {
	mu              sync.Mutex
	requestsTotal   int64
	errorsTotal     int64
	rateLimitEvents int64
	timeoutsTotal   int64
}

// MetricsSnapshot is the serializable view of Metrics.
type MetricsSnapshot struct {
	RequestsTotal        int64 `json:"requests_total"`
	ErrorsTotal          int64 `json:"errors_total"`
	RateLimitEventsTotal int64 `json:"rate_limit_events_total"`
	TimeoutsTotal        int64 `json:"timeouts_total"`
}

func (m *Metrics) recordRequest() {
	m.mu.Lock()
	m.requestsTotal++
	m.mu.Unlock()
}

func (m *Metrics) recordError() {
	m.mu.Lock()
	m.errorsTotal++
	m.mu.Unlock()
}

func (m *Metrics) recordRateLimit() {
	m.mu.Lock()
	m.rateLimitEvents++
	m.mu.Unlock()
}

func (m *Metrics) recordTimeout() {
	m.mu.Lock()
	m.timeoutsTotal++
	m.mu.Unlock()
}

// Snapshot copies the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		RequestsTotal:        m.requestsTotal,
		ErrorsTotal:          m.errorsTotal,
		RateLimitEventsTotal: m.rateLimitEvents,
		TimeoutsTotal:        m.timeoutsTotal,
	}
}
