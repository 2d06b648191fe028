package registry

import "sync"

// ToolMetrics is the per-tool counter set.
type ToolMetrics struct {
	CallsTotal      int64 `json:"calls_total"`
	ErrorsTotal     int64 `json:"errors_total"`
	WriteCallsTotal int64 `json:"write_calls_total"`
	LatencyMSSum    int64 `json:"latency_ms_sum"`
}

// Metrics aggregates per-tool counters under a short critical section.
type Metrics struct {
	mu    sync.Mutex
	tools map[string]*ToolMetrics
}

func NewMetrics() *Metrics {
	return &Metrics{tools: make(map[string]*ToolMetrics)}
}

func (m *Metrics) record(tool string, durationMS int64, isWrite, isError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tm, ok := m.tools[tool]
	if !ok {
		tm = &ToolMetrics{}
		m.tools[tool] = tm
	}
	tm.CallsTotal++
	tm.LatencyMSSum += durationMS
	if isWrite {
		tm.WriteCallsTotal++
	}
	if isError {
		tm.ErrorsTotal++
	}
}

// Snapshot copies all per-tool counters.
func (m *Metrics) Snapshot() map[string]ToolMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ToolMetrics, len(m.tools))
	for name, tm := range m.tools {
		out[name] = *tm
	}
	return out
}
