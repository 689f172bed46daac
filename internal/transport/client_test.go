package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventCounter struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	errors      atomic.Int32
	closes      atomic.Int32

	mu      sync.Mutex
	lastErr error
}

func (c *eventCounter) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

func (c *eventCounter) LastErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *eventCounter) events() Events {
	return Events{
		OnConnect: func() { c.connects.Add(1) },
		OnDisconnect: func(err error) {
			c.setErr(err)
			c.disconnects.Add(1)
		},
		OnError: func(err error) {
			c.setErr(err)
			c.errors.Add(1)
		},
		OnClose: func() { c.closes.Add(1) },
	}
}

func newTestClient(dialer Dialer) (*Client, *clock.Mock) {
	clk := clock.NewMock(time.Date(2024, 12, 7, 12, 0, 0, 0, time.UTC))
	return NewClient(dialer, Options{Clock: clk}), clk
}

const waitFor = time.Second
const tick = 5 * time.Millisecond

func TestClient_ActivateConnects(t *testing.T) {
	dialer := NewMockDialer()
	client, _ := newTestClient(dialer)
	counter := &eventCounter{}

	require.NoError(t, client.Activate(counter.events()))
	require.Eventually(t, client.Connected, waitFor, tick)
	assert.Equal(t, int32(1), counter.connects.Load())

	// activating twice does not dial again
	require.NoError(t, client.Activate(counter.events()))
	assert.Equal(t, 1, dialer.Dials())
}

func TestClient_RedialsAfterSessionDrop(t *testing.T) {
	dialer := NewMockDialer()
	client, clk := newTestClient(dialer)
	counter := &eventCounter{}

	require.NoError(t, client.Activate(counter.events()))
	require.Eventually(t, client.Connected, waitFor, tick)

	dropErr := errors.New("connection reset by peer")
	dialer.LastSession().Drop(dropErr)

	require.Eventually(t, func() bool { return counter.disconnects.Load() == 1 }, waitFor, tick)
	assert.False(t, client.Connected())
	assert.Equal(t, dropErr, counter.LastErr())

	clk.Advance(DefaultReconnectDelay - time.Millisecond)
	assert.Equal(t, 1, dialer.Dials())

	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, dialer.Dials())
	assert.True(t, client.Connected())
	assert.Equal(t, int32(2), counter.connects.Load())
}

func TestClient_RedialsAfterDialFailure(t *testing.T) {
	dialer := NewMockDialer()
	dialer.FailCount = 2
	client, clk := newTestClient(dialer)
	counter := &eventCounter{}

	require.NoError(t, client.Activate(counter.events()))
	require.Eventually(t, func() bool { return counter.errors.Load() == 1 }, waitFor, tick)
	assert.False(t, client.Connected())

	clk.Advance(DefaultReconnectDelay)
	assert.Equal(t, int32(2), counter.errors.Load())

	clk.Advance(DefaultReconnectDelay)
	assert.True(t, client.Connected())
	assert.Equal(t, 3, dialer.Dials())
	assert.Equal(t, int32(1), counter.connects.Load())
}

func TestClient_DeactivateCancelsRedial(t *testing.T) {
	dialer := NewMockDialer()
	dialer.FailCount = 1
	client, clk := newTestClient(dialer)
	counter := &eventCounter{}

	require.NoError(t, client.Activate(counter.events()))
	require.Eventually(t, func() bool { return counter.errors.Load() == 1 }, waitFor, tick)

	require.NoError(t, client.Deactivate())
	assert.Equal(t, 0, clk.PendingTimers())
	assert.Equal(t, int32(1), counter.closes.Load())

	clk.Advance(10 * DefaultReconnectDelay)
	assert.Equal(t, 1, dialer.Dials())
	assert.False(t, client.Connected())

	// a second deactivate is a no-op
	require.NoError(t, client.Deactivate())
	assert.Equal(t, int32(1), counter.closes.Load())
}

func TestClient_DeactivateClosesSessionWithoutDisconnectEvent(t *testing.T) {
	dialer := NewMockDialer()
	client, clk := newTestClient(dialer)
	counter := &eventCounter{}

	require.NoError(t, client.Activate(counter.events()))
	require.Eventually(t, client.Connected, waitFor, tick)

	sess := dialer.LastSession()
	require.NoError(t, client.Deactivate())
	assert.True(t, sess.Closed())
	assert.False(t, client.Connected())

	assert.Never(t, func() bool { return counter.disconnects.Load() > 0 }, 50*time.Millisecond, tick)
	assert.Equal(t, 0, clk.PendingTimers())
}

func TestClient_ReactivateAfterDeactivate(t *testing.T) {
	dialer := NewMockDialer()
	client, _ := newTestClient(dialer)
	counter := &eventCounter{}

	require.NoError(t, client.Activate(counter.events()))
	require.Eventually(t, client.Connected, waitFor, tick)
	require.NoError(t, client.Deactivate())

	require.NoError(t, client.Activate(counter.events()))
	require.Eventually(t, client.Connected, waitFor, tick)
	assert.Equal(t, 2, dialer.Dials())
}

func TestClient_PublishAndSubscribe(t *testing.T) {
	dialer := NewMockDialer()
	client, _ := newTestClient(dialer)

	err := client.Publish(context.Background(), "/topic/a", []byte("x"), nil)
	assert.ErrorIs(t, err, errs.ErrNotConnected)
	_, err = client.Subscribe("/topic/a", func(*models.Message) {})
	assert.ErrorIs(t, err, errs.ErrNotConnected)

	require.NoError(t, client.Activate(Events{}))
	require.Eventually(t, client.Connected, waitFor, tick)

	var received atomic.Int32
	unsubscribe, err := client.Subscribe("/topic/a", func(msg *models.Message) {
		received.Add(1)
	})
	require.NoError(t, err)

	headers := map[string]string{models.HeaderMessageID: "msg_1"}
	require.NoError(t, client.Publish(context.Background(), "/topic/a", []byte(`{"a":1}`), headers))

	sess := dialer.LastSession()
	published := sess.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "/topic/a", published[0].Destination)
	assert.Equal(t, []byte(`{"a":1}`), published[0].Body)
	assert.Equal(t, "msg_1", published[0].Headers[models.HeaderMessageID])

	sess.Deliver("/topic/a", &models.Message{Destination: "/topic/a"})
	assert.Equal(t, int32(1), received.Load())

	require.NoError(t, unsubscribe())
	assert.Equal(t, 0, sess.Subscriptions("/topic/a"))
}
