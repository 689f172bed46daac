package transport

import (
	"context"
	"fmt"
	"sync"

	"go-outbox/internal/errs"
	"go-outbox/pkg/models"
)

// PublishedMessage is a frame recorded by a mock.
type PublishedMessage struct {
	Destination string
	Body        []byte
	Headers     map[string]string
}

// MockSession is an in-memory Session for testing.
type MockSession struct {
	mu          sync.Mutex
	published   []PublishedMessage
	handlers    map[string][]*mockSubscription
	PublishFunc func(ctx context.Context, destination string, body []byte, headers map[string]string) error

	done   chan struct{}
	once   sync.Once
	err    error
	closed bool
}

type mockSubscription struct {
	handler Handler
}

func NewMockSession() *MockSession {
	return &MockSession{
		handlers: make(map[string][]*mockSubscription),
		done:     make(chan struct{}),
	}
}

func (s *MockSession) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDoneLocked() {
		return errs.ErrNotConnected
	}
	if s.PublishFunc != nil {
		if err := s.PublishFunc(ctx, destination, body, headers); err != nil {
			return err
		}
	}
	s.published = append(s.published, PublishedMessage{
		Destination: destination,
		Body:        body,
		Headers:     headers,
	})
	return nil
}

func (s *MockSession) Subscribe(topic string, h Handler) (Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isDoneLocked() {
		return nil, errs.ErrNotConnected
	}
	sub := &mockSubscription{handler: h}
	s.handlers[topic] = append(s.handlers[topic], sub)

	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.handlers[topic]
		for i, candidate := range subs {
			if candidate == sub {
				s.handlers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		return nil
	}, nil
}

func (s *MockSession) Done() <-chan struct{} {
	return s.done
}

func (s *MockSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
	return nil
}

// Drop ends the session as if the connection was lost.
func (s *MockSession) Drop(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.once.Do(func() { close(s.done) })
}

// Deliver hands msg to every handler subscribed to topic.
func (s *MockSession) Deliver(topic string, msg *models.Message) int {
	s.mu.Lock()
	subs := append([]*mockSubscription(nil), s.handlers[topic]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.handler(msg)
	}
	return len(subs)
}

// Subscriptions returns the number of live handlers for topic.
func (s *MockSession) Subscriptions(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[topic])
}

func (s *MockSession) Published() []PublishedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PublishedMessage, len(s.published))
	copy(out, s.published)
	return out
}

// Closed reports whether Close was called.
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSession) isDoneLocked() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// MockDialer hands out MockSessions, optionally failing the first FailCount
// dials.
type MockDialer struct {
	mu        sync.Mutex
	DialFunc  func(ctx context.Context) (Session, error)
	FailCount int
	dials     int
	sessions  []*MockSession
}

func NewMockDialer() *MockDialer {
	return &MockDialer{}
}

func (d *MockDialer) Dial(ctx context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.DialFunc != nil {
		return d.DialFunc(ctx)
	}
	if d.dials <= d.FailCount {
		return nil, fmt.Errorf("simulated dial failure %d", d.dials)
	}
	sess := NewMockSession()
	d.sessions = append(d.sessions, sess)
	return sess, nil
}

// Dials returns the number of Dial calls so far.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Sessions returns every session handed out, oldest first.
func (d *MockDialer) Sessions() []*MockSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockSession(nil), d.sessions...)
}

// LastSession returns the most recent session, or nil.
func (d *MockDialer) LastSession() *MockSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// MockTransport is a Transport whose lifecycle events are fired by the
// test. Activate and Deactivate only record the call.
type MockTransport struct {
	mu            sync.Mutex
	events        Events
	connected     bool
	activations   int
	deactivates   int
	published     []PublishedMessage
	handlers      map[string][]*mockSubscription
	subscribes    map[string]int
	PublishFunc   func(ctx context.Context, destination string, body []byte, headers map[string]string) error
	SubscribeFunc func(topic string) error
}

func NewMockTransport() *MockTransport {
	return &MockTransport{
		handlers:   make(map[string][]*mockSubscription),
		subscribes: make(map[string]int),
	}
}

func (m *MockTransport) Activate(events Events) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = events
	m.activations++
	return nil
}

func (m *MockTransport) Deactivate() error {
	m.mu.Lock()
	m.deactivates++
	m.connected = false
	m.handlers = make(map[string][]*mockSubscription)
	events := m.events
	m.mu.Unlock()

	if events.OnClose != nil {
		events.OnClose()
	}
	return nil
}

func (m *MockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockTransport) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return errs.ErrNotConnected
	}
	fn := m.PublishFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, destination, body, headers); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, PublishedMessage{
		Destination: destination,
		Body:        body,
		Headers:     headers,
	})
	return nil
}

func (m *MockTransport) Subscribe(topic string, h Handler) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, errs.ErrNotConnected
	}
	if m.SubscribeFunc != nil {
		if err := m.SubscribeFunc(topic); err != nil {
			return nil, err
		}
	}
	m.subscribes[topic]++
	sub := &mockSubscription{handler: h}
	m.handlers[topic] = append(m.handlers[topic], sub)

	return func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.handlers[topic]
		for i, candidate := range subs {
			if candidate == sub {
				m.handlers[topic] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		return nil
	}, nil
}

// FireConnect marks the transport connected and emits OnConnect.
func (m *MockTransport) FireConnect() {
	m.mu.Lock()
	m.connected = true
	events := m.events
	m.mu.Unlock()

	if events.OnConnect != nil {
		events.OnConnect()
	}
}

// FireDisconnect drops every live subscription, marks the transport
// disconnected and emits OnDisconnect.
func (m *MockTransport) FireDisconnect(err error) {
	m.mu.Lock()
	m.connected = false
	m.handlers = make(map[string][]*mockSubscription)
	events := m.events
	m.mu.Unlock()

	if events.OnDisconnect != nil {
		events.OnDisconnect(err)
	}
}

// FireError emits OnError without changing the connection flag.
func (m *MockTransport) FireError(err error) {
	m.mu.Lock()
	events := m.events
	m.mu.Unlock()

	if events.OnError != nil {
		events.OnError(err)
	}
}

// Deliver hands msg to every live handler for topic.
func (m *MockTransport) Deliver(topic string, msg *models.Message) int {
	m.mu.Lock()
	subs := append([]*mockSubscription(nil), m.handlers[topic]...)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.handler(msg)
	}
	return len(subs)
}

// LiveSubscriptions returns the number of live handlers for topic.
func (m *MockTransport) LiveSubscriptions(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers[topic])
}

// SubscribeCalls returns how many times topic was subscribed on the wire.
func (m *MockTransport) SubscribeCalls(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribes[topic]
}

func (m *MockTransport) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MockTransport) Activations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activations
}

func (m *MockTransport) Deactivations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deactivates
}
