package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"
	"go-outbox/internal/queue"
	"go-outbox/internal/transport"
	"go-outbox/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 2 * time.Millisecond
)

type recordingReporter struct {
	mu      sync.Mutex
	records []errs.Record
}

func (r *recordingReporter) Report(rec errs.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingReporter) Codes() []errs.Code {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]errs.Code, len(r.records))
	for i, rec := range r.records {
		codes[i] = rec.Code
	}
	return codes
}

type harness struct {
	clk       *clock.Mock
	engine    *queue.Engine
	transport *transport.MockTransport
	reporter  *recordingReporter
	metrics   *observability.InMemoryMetrics
	manager   *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clk:       clock.NewMock(time.Date(2024, 12, 7, 12, 0, 0, 0, time.UTC)),
		transport: transport.NewMockTransport(),
		reporter:  &recordingReporter{},
		metrics:   observability.NewInMemoryMetrics(),
	}
	h.engine = queue.NewEngine(queue.Config{
		Clock:    h.clk,
		Reporter: h.reporter,
		Metrics:  h.metrics,
	})
	h.manager = NewManager(h.transport, h.engine, Config{
		Clock:    h.clk,
		Reporter: h.reporter,
		Metrics:  h.metrics,
	})
	t.Cleanup(func() {
		h.manager.Close()
		h.engine.Close()
	})
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.manager.Connect())
	h.transport.FireConnect()
	require.Equal(t, StateConnected, h.manager.Status())
}

func (h *harness) waitStatus(t *testing.T, id string, status models.Status) models.QueuedMessage {
	t.Helper()
	var msg models.QueuedMessage
	require.Eventually(t, func() bool {
		var ok bool
		msg, ok = h.engine.GetMessageStatus(id)
		return ok && msg.Status == status
	}, waitFor, tick, "message %s never reached %s", id, status)
	return msg
}

func noopHandler(ctx context.Context, msg *models.Message) error {
	return nil
}

func TestManager_SendWhileDisconnectedThenConnect(t *testing.T) {
	h := newHarness(t)

	body := map[string]string{"content": "Hello"}
	id := h.manager.Send("/test", body)

	msg, ok := h.manager.GetMessageStatus(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, msg.Status)
	assert.Empty(t, h.transport.Published())

	h.connect(t)
	h.waitStatus(t, id, models.StatusSent)

	published := h.transport.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "/test", published[0].Destination)
	assert.Equal(t, id, published[0].Headers[models.HeaderMessageID])

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(published[0].Body, &decoded))
	assert.Equal(t, body, decoded)

	h.clk.Advance(60 * time.Second)
	_, ok = h.manager.GetMessageStatus(id)
	assert.False(t, ok)
	assert.Equal(t, 0, h.manager.QueueStats().Sent)
}

func TestManager_SendWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	id := h.manager.Send("/topic/a", "payload")
	h.waitStatus(t, id, models.StatusSent)

	published := h.transport.Published()
	require.Len(t, published, 1)
	assert.Equal(t, []byte("payload"), published[0].Body)
}

func TestManager_FailedSendIsRetriedAndRedriven(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	var attempts atomic.Int32
	h.transport.PublishFunc = func(ctx context.Context, destination string, body []byte, headers map[string]string) error {
		if attempts.Add(1) <= 2 {
			return errors.New("broker rejected frame")
		}
		return nil
	}

	id := h.manager.Send("/test", "B")
	h.waitStatus(t, id, models.StatusFailed)

	h.clk.Advance(1 * time.Second)
	require.Eventually(t, func() bool {
		msg, _ := h.engine.GetMessageStatus(id)
		return msg.Status == models.StatusFailed && msg.RetryCount == 2
	}, waitFor, tick)

	h.clk.Advance(5 * time.Second)
	msg := h.waitStatus(t, id, models.StatusSent)
	assert.Equal(t, 2, msg.RetryCount)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestManager_DrainRetryTimerClearsWhenItLosesToRunningPass(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h.transport.PublishFunc = func(ctx context.Context, destination string, body []byte, headers map[string]string) error {
		if destination != "/slow" {
			return nil
		}
		entered <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	slow := h.manager.Send("/slow", "A")
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("drain pass never reached the transport")
	}

	// retry timer left armed by an earlier pass
	h.manager.mu.Lock()
	h.manager.armDrainLocked()
	h.manager.mu.Unlock()

	late := h.manager.Send("/late", "B")
	h.clk.Advance(DefaultDrainRetryDelay)

	h.manager.mu.Lock()
	assert.Nil(t, h.manager.drainTimer)
	h.manager.mu.Unlock()

	close(release)
	h.waitStatus(t, slow, models.StatusSent)
	require.Eventually(t, func() bool {
		h.clk.Advance(DefaultDrainRetryDelay)
		msg, _ := h.engine.GetMessageStatus(late)
		return msg.Status == models.StatusSent
	}, waitFor, tick)
}

func TestManager_ConnectIsGuarded(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Connect())
	assert.Equal(t, StateConnecting, h.manager.Status())
	assert.True(t, h.manager.State().Connecting)

	require.NoError(t, h.manager.Connect())
	assert.Equal(t, 1, h.transport.Activations())

	h.transport.FireConnect()
	require.NoError(t, h.manager.Connect())
	assert.Equal(t, 1, h.transport.Activations())
	assert.True(t, h.manager.State().Connected)
	assert.False(t, h.manager.State().Connecting)
}

func TestManager_SubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.manager.Subscribe("/topic/a", noopHandler))
	require.NoError(t, h.manager.Subscribe("/topic/a", noopHandler))

	assert.Equal(t, 1, h.transport.SubscribeCalls("/topic/a"))
	assert.Equal(t, 1, h.transport.LiveSubscriptions("/topic/a"))
	assert.Equal(t, []string{"/topic/a"}, h.manager.Topics())
}

func TestManager_ReconnectReplaysSubscriptionsOnce(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.manager.Subscribe("/topic/a", noopHandler))
	require.NoError(t, h.manager.Subscribe("/topic/b", noopHandler))
	assert.Equal(t, 0, h.transport.SubscribeCalls("/topic/a"), "nothing is wired while disconnected")

	h.connect(t)
	assert.Equal(t, 1, h.transport.SubscribeCalls("/topic/a"))
	assert.Equal(t, 1, h.transport.SubscribeCalls("/topic/b"))

	h.transport.FireDisconnect(errors.New("connection reset"))
	assert.Equal(t, StateDisconnected, h.manager.Status())
	assert.Equal(t, 0, h.transport.LiveSubscriptions("/topic/a"))

	h.transport.FireConnect()
	for _, topic := range []string{"/topic/a", "/topic/b"} {
		assert.Equal(t, 2, h.transport.SubscribeCalls(topic), topic)
		assert.Equal(t, 1, h.transport.LiveSubscriptions(topic), topic)
	}
	assert.Equal(t, []string{"/topic/a", "/topic/b"}, h.manager.Topics())
}

func TestManager_UnsubscribeRemovesFromRegistry(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.manager.Subscribe("/topic/a", noopHandler))
	require.NoError(t, h.manager.Unsubscribe("/topic/a"))
	assert.Equal(t, 0, h.transport.LiveSubscriptions("/topic/a"))
	assert.Empty(t, h.manager.Topics())

	h.transport.FireDisconnect(nil)
	h.transport.FireConnect()
	assert.Equal(t, 1, h.transport.SubscribeCalls("/topic/a"))

	require.NoError(t, h.manager.Unsubscribe("/topic/missing"))
}

func TestManager_InboundMessageIDAcknowledgesQueuedMessage(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.transport.PublishFunc = func(ctx context.Context, destination string, body []byte, headers map[string]string) error {
		return errors.New("publish timed out")
	}

	var handled atomic.Int32
	require.NoError(t, h.manager.Subscribe("/topic/replies", func(ctx context.Context, msg *models.Message) error {
		handled.Add(1)
		return nil
	}))

	id := h.manager.Send("/app/request", "ping")
	h.waitStatus(t, id, models.StatusFailed)

	delivered := h.transport.Deliver("/topic/replies", &models.Message{
		Destination: "/topic/replies",
		Value:       []byte("pong"),
		Headers:     map[string]string{models.HeaderMessageID: id},
	})
	require.Equal(t, 1, delivered)

	msg, ok := h.manager.GetMessageStatus(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusSent, msg.Status)
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, int64(1), h.metrics.GetReceived())
	assert.Equal(t, int64(1), h.metrics.GetAcknowledged())

	// frames without the header skip the acknowledgment
	h.transport.Deliver("/topic/replies", &models.Message{Destination: "/topic/replies"})
	assert.Equal(t, int32(2), handled.Load())
	assert.Equal(t, int64(1), h.metrics.GetAcknowledged())
}

func TestManager_HandlerFailuresAreReported(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.manager.Subscribe("/topic/bad", func(ctx context.Context, msg *models.Message) error {
		return errors.New("cannot decode")
	}))
	require.NoError(t, h.manager.Subscribe("/topic/panics", func(ctx context.Context, msg *models.Message) error {
		panic("boom")
	}))

	h.transport.Deliver("/topic/bad", &models.Message{})
	h.transport.Deliver("/topic/panics", &models.Message{})

	assert.Equal(t, []errs.Code{errs.CodeMessageInvalid, errs.CodeMessageInvalid}, h.reporter.Codes())
}

func TestManager_SubscribeFailureIsReportedAndReplayed(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.transport.SubscribeFunc = func(topic string) error {
		return errors.New("access refused")
	}
	err := h.manager.Subscribe("/topic/a", noopHandler)
	require.Error(t, err)
	assert.Equal(t, []errs.Code{errs.CodeSendError}, h.reporter.Codes())
	assert.Equal(t, []string{"/topic/a"}, h.manager.Topics())

	h.transport.SubscribeFunc = nil
	h.transport.FireDisconnect(nil)
	h.transport.FireConnect()
	assert.Equal(t, 1, h.transport.LiveSubscriptions("/topic/a"))
}

func TestManager_ManualDisconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Subscribe("/topic/a", noopHandler))
	h.connect(t)

	require.NoError(t, h.manager.Disconnect())
	assert.Equal(t, StateDisconnected, h.manager.Status())
	assert.Equal(t, 1, h.transport.Deactivations())
	assert.Equal(t, 0, h.transport.LiveSubscriptions("/topic/a"))

	// a late disconnect event after a manual disconnect is not a failure
	h.transport.FireDisconnect(errors.New("socket closed"))
	assert.Equal(t, 0, h.manager.State().ReconnectAttempts)
	assert.Empty(t, h.reporter.Codes())

	// a late connect event is ignored too
	h.transport.FireConnect()
	assert.Equal(t, StateDisconnected, h.manager.Status())

	// queued messages stay inspectable and wait for the next connect
	id := h.manager.Send("/test", "x")
	msg, ok := h.manager.GetMessageStatus(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, msg.Status)

	require.NoError(t, h.manager.Disconnect(), "disconnect is idempotent")

	h.connect(t)
	h.waitStatus(t, id, models.StatusSent)
	assert.Equal(t, 2, h.transport.Activations())
}

func TestManager_ReconnectAlertsAreCapped(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	for i := 0; i < DefaultMaxReconnectAlerts+3; i++ {
		h.transport.FireDisconnect(errors.New("connection refused"))
	}

	codes := h.reporter.Codes()
	require.Len(t, codes, DefaultMaxReconnectAlerts+1)
	for _, code := range codes[:DefaultMaxReconnectAlerts] {
		assert.Equal(t, errs.CodeConnectionClosed, code)
	}
	assert.Equal(t, errs.CodeReconnectFailed, codes[DefaultMaxReconnectAlerts])
	assert.Equal(t, DefaultMaxReconnectAlerts+3, h.manager.State().ReconnectAttempts)
	assert.Equal(t, int64(DefaultMaxReconnectAlerts+3), h.metrics.GetReconnects())

	h.transport.FireConnect()
	assert.Equal(t, 0, h.manager.State().ReconnectAttempts)
}

func TestManager_DialErrorsCountAsAttempts(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.manager.Connect())

	h.transport.FireError(errors.New("dial tcp: connection refused"))
	assert.Equal(t, StateDisconnected, h.manager.Status())
	assert.Equal(t, 1, h.manager.State().ReconnectAttempts)
	assert.Equal(t, []errs.Code{errs.CodeConnectionError}, h.reporter.Codes())

	// the transport's own redial succeeds without another Connect call
	h.transport.FireConnect()
	assert.Equal(t, StateConnected, h.manager.Status())
}

func TestManager_ReconnectResetsFailedMessages(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	var fail atomic.Bool
	fail.Store(true)
	h.transport.PublishFunc = func(ctx context.Context, destination string, body []byte, headers map[string]string) error {
		if fail.Load() {
			return errors.New("rejected")
		}
		return nil
	}

	id := h.manager.Send("/test", "x")
	h.waitStatus(t, id, models.StatusFailed)
	h.clk.Advance(time.Second)
	require.Eventually(t, func() bool {
		msg, _ := h.engine.GetMessageStatus(id)
		return msg.RetryCount == 2 && msg.Status == models.StatusFailed
	}, waitFor, tick)
	h.clk.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		msg, _ := h.engine.GetMessageStatus(id)
		return msg.RetryCount == 3
	}, waitFor, tick)

	h.transport.FireDisconnect(nil)
	fail.Store(false)
	h.transport.FireConnect()

	msg := h.waitStatus(t, id, models.StatusSent)
	assert.Equal(t, 0, msg.RetryCount)
}

func TestManager_OnStateChange(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var states []models.ConnectionState
	cancel := h.manager.OnStateChange(func(s models.ConnectionState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	defer cancel()

	h.connect(t)
	h.transport.FireDisconnect(errors.New("lost"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, states, 3)
	assert.True(t, states[0].Connecting)
	assert.True(t, states[1].Connected)
	assert.False(t, states[2].Connected)
	assert.Equal(t, 1, states[2].ReconnectAttempts)
}

func TestManager_CloseIsFinal(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	require.NoError(t, h.manager.Close())
	assert.ErrorIs(t, h.manager.Connect(), errs.ErrClosed)
	require.NoError(t, h.manager.Close())
}

// TestManager_WithReconnectingClient runs the manager over the real
// reconnecting transport client.
func TestManager_WithReconnectingClient(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 12, 7, 12, 0, 0, 0, time.UTC))
	dialer := transport.NewMockDialer()
	client := transport.NewClient(dialer, transport.Options{Clock: clk})
	engine := queue.NewEngine(queue.Config{Clock: clk})
	manager := NewManager(client, engine, Config{Clock: clk})
	defer engine.Close()
	defer manager.Close()

	var received atomic.Int32
	require.NoError(t, manager.Subscribe("/topic/a", func(ctx context.Context, msg *models.Message) error {
		received.Add(1)
		return nil
	}))
	pending := manager.Send("/topic/a", "queued before connect")

	require.NoError(t, manager.Connect())
	require.Eventually(t, func() bool { return manager.Status() == StateConnected }, waitFor, tick)

	first := dialer.LastSession()
	require.Eventually(t, func() bool {
		msg, _ := engine.GetMessageStatus(pending)
		return msg.Status == models.StatusSent
	}, waitFor, tick)
	assert.Equal(t, 1, first.Subscriptions("/topic/a"))

	first.Drop(errors.New("heartbeat timeout"))
	require.Eventually(t, func() bool { return manager.Status() == StateDisconnected }, waitFor, tick)

	clk.Advance(transport.DefaultReconnectDelay)
	require.Eventually(t, func() bool { return manager.Status() == StateConnected }, waitFor, tick)

	second := dialer.LastSession()
	require.NotSame(t, first, second)
	assert.Equal(t, 1, second.Subscriptions("/topic/a"))

	second.Deliver("/topic/a", &models.Message{Destination: "/topic/a"})
	assert.Equal(t, int32(1), received.Load())

	require.NoError(t, manager.Disconnect())
	assert.True(t, second.Closed())

	clk.Advance(10 * transport.DefaultReconnectDelay)
	assert.Equal(t, 2, dialer.Dials())
	assert.Equal(t, StateDisconnected, manager.Status())
}
