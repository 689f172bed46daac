// Package connection owns the transport lifecycle for the outbox. It keeps
// a durable topic registry that survives reconnects, feeds inbound
// acknowledgments back to the queue engine and drains pending messages
// whenever the transport is usable.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"
	"go-outbox/internal/observe"
	"go-outbox/internal/queue"
	"go-outbox/internal/transport"
	"go-outbox/pkg/models"

	"github.com/sirupsen/logrus"
)

// MessageHandler processes an inbound message for a subscribed topic.
type MessageHandler func(ctx context.Context, msg *models.Message) error

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

type subscription struct {
	topic   string
	handler MessageHandler
	live    transport.Unsubscribe
}

type Manager struct {
	transport transport.Transport
	queue     *queue.Engine
	cfg       Config
	clock     clock.Clock
	reporter  errs.Reporter
	metrics   observability.MetricsCollector
	logger    *logrus.Logger

	mu                sync.Mutex
	state             State
	reconnectAttempts int
	manual            bool
	alerted           bool
	closed            bool
	registry          []*subscription
	drainTimer        clock.Timer

	// subMu serializes creating live subscriptions so a replay and a
	// concurrent Subscribe never wire the same topic twice.
	subMu sync.Mutex

	processing  atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stateHub    observe.Hub[models.ConnectionState]
	cancelStats func()
}

func NewManager(t transport.Transport, q *queue.Engine, cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		transport: t,
		queue:     q,
		cfg:       cfg,
		clock:     cfg.Clock,
		reporter:  cfg.Reporter,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		state:     StateDisconnected,
		ctx:       ctx,
		cancel:    cancel,
	}

	// a retry timer flipping a message back to pending re-drives the queue
	m.cancelStats = q.OnStats(func(s models.QueueStats) {
		if s.Pending > 0 && m.isConnected() {
			m.kickDrain()
		}
	})
	return m
}

// Connect starts the transport. It is a no-op while connecting or
// connected. The transport reconnects on its own after a drop until
// Disconnect is called.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errs.ErrClosed
	}
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.manual = false
	m.mu.Unlock()
	m.emitState()

	m.logger.Info("Connecting")

	err := m.transport.Activate(transport.Events{
		OnConnect:    m.onConnect,
		OnDisconnect: m.onDisconnect,
		OnError:      m.onError,
		OnClose:      m.onClose,
	})
	if err != nil {
		m.setState(StateDisconnected)
		m.report(errs.CodeConnectionError, errs.LevelError, "failed to start transport", err)
		return fmt.Errorf("failed to activate transport: %w", err)
	}
	return nil
}

// Disconnect tears down the transport and every live subscription and
// suppresses automatic reconnects. Queue state is left untouched.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.manual = true
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.dropLiveLocked()
	m.stopDrainLocked()
	m.mu.Unlock()

	if changed {
		m.emitState()
	}

	if err := m.transport.Deactivate(); err != nil {
		m.logger.WithError(err).Warn("Transport deactivation reported an error")
		return fmt.Errorf("failed to deactivate transport: %w", err)
	}
	m.logger.Info("Disconnected")
	return nil
}

// Send enqueues body for destination and returns its id at once. When
// connected the message is driven immediately; otherwise it waits for the
// next connect.
func (m *Manager) Send(destination string, body any) string {
	id := m.queue.Enqueue(destination, body)

	if m.isConnected() {
		m.dispatch(id)
	}
	return id
}

// Subscribe registers handler for topic. Subscribing a registered topic is
// a no-op. When connected the live subscription is created immediately;
// if that fails the topic stays registered and is retried on reconnect.
func (m *Manager) Subscribe(topic string, handler MessageHandler) error {
	m.mu.Lock()
	if m.findLocked(topic) != nil {
		m.mu.Unlock()
		return nil
	}
	sub := &subscription{topic: topic, handler: handler}
	m.registry = append(m.registry, sub)
	connected := m.state == StateConnected
	m.mu.Unlock()

	m.logger.WithField("topic", topic).Info("Subscription registered")

	if !connected {
		return nil
	}
	return m.subscribeLive(sub)
}

// Unsubscribe removes topic from the registry and tears down its live
// subscription.
func (m *Manager) Unsubscribe(topic string) error {
	m.mu.Lock()
	var removed *subscription
	for i, sub := range m.registry {
		if sub.topic == topic {
			removed = sub
			m.registry = append(m.registry[:i], m.registry[i+1:]...)
			break
		}
	}
	var live transport.Unsubscribe
	if removed != nil {
		live = removed.live
		removed.live = nil
	}
	m.mu.Unlock()

	if live == nil {
		return nil
	}
	if err := live(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
	}
	return nil
}

// Topics returns the registered topics in registration order.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	topics := make([]string, len(m.registry))
	for i, sub := range m.registry {
		topics[i] = sub.topic
	}
	return topics
}

func (m *Manager) GetMessageStatus(id string) (models.QueuedMessage, bool) {
	return m.queue.GetMessageStatus(id)
}

func (m *Manager) QueueStats() models.QueueStats {
	return m.queue.Stats()
}

func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnStateChange registers fn to be called with the latest state after
// every transition. fn must not block.
func (m *Manager) OnStateChange(fn func(models.ConnectionState)) (cancel func()) {
	return m.stateHub.Subscribe(fn)
}

// Close disconnects and waits for in-flight sends and drains to finish.
// The queue engine is not closed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.Disconnect()

	m.mu.Lock()
	m.closed = true
	m.stopDrainLocked()
	m.mu.Unlock()

	m.cancelStats()
	m.cancel()
	m.wg.Wait()
	return err
}

func (m *Manager) onConnect() {
	m.mu.Lock()
	if m.closed || m.manual {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.reconnectAttempts = 0
	m.alerted = false
	subs := append([]*subscription(nil), m.registry...)
	m.mu.Unlock()

	m.logger.WithField("subscriptions", len(subs)).Info("Connected")
	m.emitState()

	for _, sub := range subs {
		m.replay(sub)
	}

	if n := m.queue.ResetFailedMessages(); n > 0 {
		m.logger.WithField("count", n).Info("Retrying failed messages after reconnect")
	}
	m.kickDrain()
}

// replay re-creates the live subscription for sub, discarding any stale
// handle left from the previous session.
func (m *Manager) replay(sub *subscription) {
	m.mu.Lock()
	stale := sub.live
	sub.live = nil
	m.mu.Unlock()

	if stale != nil {
		stale()
	}
	m.subscribeLive(sub)
}

func (m *Manager) subscribeLive(sub *subscription) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.mu.Lock()
	registered := m.findLocked(sub.topic) == sub
	wired := sub.live != nil
	m.mu.Unlock()
	if !registered || wired {
		return nil
	}

	live, err := m.transport.Subscribe(sub.topic, m.deliver(sub))
	if err != nil {
		m.report(errs.CodeSendError, errs.LevelError, fmt.Sprintf("failed to subscribe to %s", sub.topic), err)
		return fmt.Errorf("failed to subscribe to %s: %w", sub.topic, err)
	}

	m.mu.Lock()
	if m.findLocked(sub.topic) != sub || m.state != StateConnected {
		m.mu.Unlock()
		live()
		return nil
	}
	sub.live = live
	m.mu.Unlock()

	m.logger.WithField("topic", sub.topic).Debug("Subscription live")
	return nil
}

// deliver wraps a subscription's handler: acknowledgments close out the
// matching queued message before the handler runs.
func (m *Manager) deliver(sub *subscription) transport.Handler {
	return func(msg *models.Message) {
		m.metrics.IncReceived()

		if id := msg.MessageID(); id != "" {
			m.queue.MarkMessageReceived(id)
		}

		if err := m.handle(sub, msg); err != nil {
			m.report(errs.CodeMessageInvalid, errs.LevelWarning,
				fmt.Sprintf("handler for %s failed", sub.topic), err)
		}
	}
}

func (m *Manager) handle(sub *subscription, msg *models.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return sub.handler(m.ctx, msg)
}

func (m *Manager) onDisconnect(cause error) {
	m.mu.Lock()
	m.dropLiveLocked()
	m.stopDrainLocked()
	m.state = StateDisconnected
	if m.manual || m.closed {
		m.mu.Unlock()
		m.emitState()
		return
	}
	m.reconnectAttempts++
	attempts := m.reconnectAttempts
	m.mu.Unlock()

	m.metrics.IncReconnects()
	m.emitState()

	msg := fmt.Sprintf("connection lost, reconnecting (attempt %d/%d)", attempts, m.cfg.MaxReconnectAlerts)
	m.alert(attempts, errs.CodeConnectionClosed, errs.LevelWarning, msg, cause)
}

func (m *Manager) onError(cause error) {
	m.mu.Lock()
	if m.manual || m.closed {
		m.mu.Unlock()
		return
	}
	wasConnecting := m.state == StateConnecting
	if m.state != StateConnected {
		m.state = StateDisconnected
		m.reconnectAttempts++
	}
	attempts := m.reconnectAttempts
	m.mu.Unlock()

	if wasConnecting {
		m.emitState()
	}
	m.alert(attempts, errs.CodeConnectionError, errs.LevelError, "transport connection error", cause)
}

func (m *Manager) onClose() {
	m.mu.Lock()
	changed := m.state != StateDisconnected
	m.state = StateDisconnected
	m.dropLiveLocked()
	m.mu.Unlock()

	if changed {
		m.emitState()
	}
}

// alert reports a connection problem while attempts is within the alert
// cap and a single reconnect-failed record once it is exceeded.
func (m *Manager) alert(attempts int, code errs.Code, level errs.Level, msg string, cause error) {
	if attempts <= m.cfg.MaxReconnectAlerts {
		m.report(code, level, msg, cause)
		return
	}

	m.mu.Lock()
	first := !m.alerted
	m.alerted = true
	m.mu.Unlock()

	if first {
		m.report(errs.CodeReconnectFailed, errs.LevelError,
			fmt.Sprintf("reconnect failed after %d attempts", m.cfg.MaxReconnectAlerts), cause)
	}
}

// dispatch drives one message in the background.
func (m *Manager) dispatch(id string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.queue.ProcessMessage(m.ctx, id, m.sendFor(id))
	}()
}

// sendFor returns the SendFunc that publishes id tagged with its message
// id header.
func (m *Manager) sendFor(id string) queue.SendFunc {
	return func(ctx context.Context, destination string, body any) error {
		if !m.transport.Connected() {
			return errs.ErrNotConnected
		}

		data, err := transport.Encode(body)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()

		headers := map[string]string{models.HeaderMessageID: id}
		if err := m.transport.Publish(ctx, destination, data, headers); err != nil {
			if !errors.Is(err, errs.ErrNotConnected) {
				m.logger.WithFields(logrus.Fields{
					"message_id":  id,
					"destination": destination,
					"kind":        errs.Classify(err),
					"retryable":   errs.IsRetryable(err),
				}).Debug("Publish failed")
			}
			return err
		}
		return nil
	}
}

// kickDrain starts a drain pass unless one is already running.
func (m *Manager) kickDrain() {
	if !m.processing.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.processing.Store(false)
		return
	}
	m.stopDrainLocked()
	m.wg.Add(1)
	m.mu.Unlock()

	go m.drain()
}

func (m *Manager) drain() {
	defer m.wg.Done()

	ids := m.queue.GetPendingMessages()
	if len(ids) > 0 {
		m.logger.WithField("count", len(ids)).Debug("Draining pending messages")
	}
	for _, id := range ids {
		if !m.isConnected() || m.ctx.Err() != nil {
			break
		}
		m.queue.ProcessMessage(m.ctx, id, m.sendFor(id))
	}
	m.processing.Store(false)

	// messages that became pending during the pass get another one shortly
	if m.queue.Stats().Pending == 0 || !m.isConnected() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.drainTimer != nil {
		return
	}
	m.armDrainLocked()
}

// armDrainLocked schedules a drain retry. The timer clears itself when it
// fires so a kick that loses to a running pass does not block the next one.
func (m *Manager) armDrainLocked() {
	var t clock.Timer
	t = m.clock.AfterFunc(m.cfg.DrainRetryDelay, func() {
		m.mu.Lock()
		if m.drainTimer == t {
			m.drainTimer = nil
		}
		m.mu.Unlock()
		m.kickDrain()
	})
	m.drainTimer = t
}

func (m *Manager) isConnected() bool {
	m.mu.Lock()
	connected := m.state == StateConnected
	m.mu.Unlock()
	return connected && m.transport.Connected()
}

func (m *Manager) findLocked(topic string) *subscription {
	for _, sub := range m.registry {
		if sub.topic == topic {
			return sub
		}
	}
	return nil
}

// dropLiveLocked forgets every live handle. The session that owned them is
// gone or going, so they are not called.
func (m *Manager) dropLiveLocked() {
	for _, sub := range m.registry {
		sub.live = nil
	}
}

func (m *Manager) stopDrainLocked() {
	if m.drainTimer != nil {
		m.drainTimer.Stop()
		m.drainTimer = nil
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.emitState()
}

func (m *Manager) snapshotLocked() models.ConnectionState {
	return models.ConnectionState{
		Connected:         m.state == StateConnected,
		Connecting:        m.state == StateConnecting,
		ReconnectAttempts: m.reconnectAttempts,
	}
}

func (m *Manager) emitState() {
	m.stateHub.Emit(m.State())
}

func (m *Manager) report(code errs.Code, level errs.Level, msg string, cause error) {
	m.reporter.Report(errs.NewRecord(code, level, msg, cause).At(m.clock.Now()))
}
