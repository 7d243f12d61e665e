package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// BusMetricsSnapshot captures bus-wide runtime counters, exposed through
// Bus.Metrics() and the debug/introspection dump.
type BusMetricsSnapshot struct {
	Published        int64 `json:"published"`
	DispatchedExact  int64 `json:"dispatched_exact"`
	DispatchedSuper  int64 `json:"dispatched_super"`
	DispatchedVarArg int64 `json:"dispatched_vararg"`
	DeadLettered     int64 `json:"dead_lettered"`
	HandlerFailures  int64 `json:"handler_failures"`
	AsyncQueueDepth  int64 `json:"async_queue_depth"`
	ActiveWorkers    int64 `json:"active_workers"`
}

// RuntimeMetrics accumulates bus metrics in-memory for periodic export and
// for the Bus.Metrics() snapshot surface.
type RuntimeMetrics struct {
	mu   sync.Mutex
	snap BusMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with zeroed counters.
func NewRuntimeMetrics() *RuntimeMetrics {
	return &RuntimeMetrics{}
}

// IncPublished increments the published-message counter.
func (m *RuntimeMetrics) IncPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Published++
}

// IncDispatched increments the per-bucket dispatched-handler counter.
// bucket must be one of "exact", "super", or "vararg".
func (m *RuntimeMetrics) IncDispatched(bucket string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch bucket {
	case "exact":
		m.snap.DispatchedExact += n
	case "super":
		m.snap.DispatchedSuper += n
	case "vararg":
		m.snap.DispatchedVarArg += n
	}
}

// IncDeadLettered increments the dead-letter counter.
func (m *RuntimeMetrics) IncDeadLettered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.DeadLettered++
}

// IncHandlerFailures increments the handler-failure counter.
func (m *RuntimeMetrics) IncHandlerFailures() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.HandlerFailures++
}

// SetAsyncQueueDepth records the current async queue depth.
func (m *RuntimeMetrics) SetAsyncQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.AsyncQueueDepth = depth
}

// SetActiveWorkers records the current active-worker count.
func (m *RuntimeMetrics) SetActiveWorkers(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.ActiveWorkers = n
}

// Snapshot copies the current bus metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() BusMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}
