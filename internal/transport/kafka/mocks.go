package kafka

import (
	"context"
	"fmt"
	"io"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockWriter is a mock implementation of messageWriter for testing
type MockWriter struct {
	mu        sync.RWMutex
	Messages  []kafka.Message
	WriteFunc func(ctx context.Context, msgs ...kafka.Message) error
	CloseFunc func() error
	FailCount int
	failures  int
	closed    bool
}

func NewMockWriter() *MockWriter {
	return &MockWriter{}
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.WriteFunc != nil {
		return m.WriteFunc(ctx, msgs...)
	}

	// Simulate failures for testing retry logic
	if m.FailCount > 0 {
		m.failures++
		if m.failures <= m.FailCount {
			return fmt.Errorf("simulated write failure %d", m.failures)
		}
	}

	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockWriter) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *MockWriter) Written() []kafka.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	messages := make([]kafka.Message, len(m.Messages))
	copy(messages, m.Messages)
	return messages
}

func (m *MockWriter) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// MockReader is a mock implementation of messageReader fed through Push.
type MockReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []kafka.Message
	closed    chan struct{}
	once      sync.Once
}

func NewMockReader() *MockReader {
	return &MockReader{
		messages: make(chan kafka.Message, 16),
		closed:   make(chan struct{}),
	}
}

// Push queues msg for the next FetchMessage.
func (m *MockReader) Push(msg kafka.Message) {
	m.messages <- msg
}

func (m *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case <-m.closed:
		return kafka.Message{}, io.EOF
	case msg := <-m.messages:
		return msg, nil
	}
}

func (m *MockReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, msgs...)
	return nil
}

func (m *MockReader) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *MockReader) Committed() []kafka.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kafka.Message, len(m.committed))
	copy(out, m.committed)
	return out
}

func (m *MockReader) Closed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// MockDedupeStore is a mock implementation of DedupeStore for testing
type MockDedupeStore struct {
	mu          sync.RWMutex
	ExistsFunc  func(messageID string) bool
	AddErr      error
	existingIDs map[string]bool
}

func NewMockDedupeStore() *MockDedupeStore {
	return &MockDedupeStore{
		existingIDs: make(map[string]bool),
	}
}

func (m *MockDedupeStore) Exists(messageID string) bool {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(messageID)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existingIDs[messageID]
}

func (m *MockDedupeStore) AddIfAbsent(messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AddErr != nil {
		return false, m.AddErr
	}
	if m.existingIDs[messageID] {
		return false, nil
	}
	m.existingIDs[messageID] = true
	return true, nil
}
