package observability

import (
	"sync"
	"sync/atomic"
)

// MetricsCollector provides hooks for metrics collection
// Implemented in memory for tests and by PrometheusMetrics for production.
type MetricsCollector interface {
	IncEnqueued()
	IncPublished()
	IncPublishFailed()
	IncRetried()
	IncExhausted()
	IncAcknowledged()
	IncReceived()
	IncReconnects()
	IncError(code string)
	SetQueueDepth(status string, n int)
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo
type InMemoryMetrics struct {
	Enqueued      atomic.Int64
	Published     atomic.Int64
	PublishFailed atomic.Int64
	Retried       atomic.Int64
	Exhausted     atomic.Int64
	Acknowledged  atomic.Int64
	Received      atomic.Int64
	Reconnects    atomic.Int64

	mu     sync.RWMutex
	errors map[string]int64
	depth  map[string]int
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		errors: make(map[string]int64),
		depth:  make(map[string]int),
	}
}

func (m *InMemoryMetrics) IncEnqueued() {
	m.Enqueued.Add(1)
}

func (m *InMemoryMetrics) IncPublished() {
	m.Published.Add(1)
}

func (m *InMemoryMetrics) IncPublishFailed() {
	m.PublishFailed.Add(1)
}

func (m *InMemoryMetrics) IncRetried() {
	m.Retried.Add(1)
}

func (m *InMemoryMetrics) IncExhausted() {
	m.Exhausted.Add(1)
}

func (m *InMemoryMetrics) IncAcknowledged() {
	m.Acknowledged.Add(1)
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncReconnects() {
	m.Reconnects.Add(1)
}

func (m *InMemoryMetrics) IncError(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[code]++
}

func (m *InMemoryMetrics) SetQueueDepth(status string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth[status] = n
}

func (m *InMemoryMetrics) GetPublished() int64 {
	return m.Published.Load()
}

func (m *InMemoryMetrics) GetPublishFailed() int64 {
	return m.PublishFailed.Load()
}

func (m *InMemoryMetrics) GetRetried() int64 {
	return m.Retried.Load()
}

func (m *InMemoryMetrics) GetExhausted() int64 {
	return m.Exhausted.Load()
}

func (m *InMemoryMetrics) GetAcknowledged() int64 {
	return m.Acknowledged.Load()
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetReconnects() int64 {
	return m.Reconnects.Load()
}

func (m *InMemoryMetrics) GetErrors(code string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[code]
}

func (m *InMemoryMetrics) GetQueueDepth(status string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.depth[status]
}
