package kafka

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

type testRig struct {
	clk     *clock.Mock
	writer  *MockWriter
	health  atomic.Int32
	failAt  int32
	mu      sync.Mutex
	readers map[string]*MockReader
}

func newTestRig() *testRig {
	return &testRig{
		clk:     clock.NewMock(time.Date(2024, 12, 7, 12, 0, 0, 0, time.UTC)),
		writer:  NewMockWriter(),
		readers: make(map[string]*MockReader),
	}
}

func (r *testRig) dialer() *Dialer {
	return NewDialer(Config{
		Brokers: []string{"localhost:9092"},
		Clock:   r.clk,
		newWriter: func() messageWriter {
			return r.writer
		},
		newReader: func(topic string) messageReader {
			r.mu.Lock()
			defer r.mu.Unlock()
			reader := NewMockReader()
			r.readers[topic] = reader
			return reader
		},
		healthCheck: func(ctx context.Context) error {
			n := r.health.Add(1)
			if r.failAt > 0 && n >= r.failAt {
				return errors.New("broker unreachable")
			}
			return nil
		},
	})
}

func (r *testRig) reader(topic string) *MockReader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readers[topic]
}

func TestTopicFor(t *testing.T) {
	tests := []struct {
		destination string
		expected    string
	}{
		{destination: "/topic/orders", expected: "orders"},
		{destination: "/queue/orders.created", expected: "orders.created"},
		{destination: "/topic/chat/room1", expected: "chat.room1"},
		{destination: "/app/chat", expected: "app.chat"},
		{destination: "orders", expected: "orders"},
	}

	for _, tt := range tests {
		t.Run(tt.destination, func(t *testing.T) {
			assert.Equal(t, tt.expected, TopicFor(tt.destination))
		})
	}
}

func TestDialer_DialFailsWhenBrokersUnhealthy(t *testing.T) {
	dialer := NewDialer(Config{
		healthCheck: func(ctx context.Context) error {
			return &errs.PermanentError{Err: errNoBrokers}
		},
	})

	sess, err := dialer.Dial(context.Background())
	require.Error(t, err)
	assert.Nil(t, sess)
	assert.Contains(t, err.Error(), "kafka brokers unavailable")
	assert.ErrorIs(t, err, errNoBrokers)
}

func TestBrokerClient_NoBrokers(t *testing.T) {
	client := &brokerClient{}
	err := client.HealthCheck(context.Background())
	assert.True(t, errs.IsPermanent(err))
}

func TestSession_PublishMapsDestinationToTopic(t *testing.T) {
	rig := newTestRig()
	sess, err := rig.dialer().Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	err = sess.Publish(context.Background(), "/topic/orders", []byte("x"), map[string]string{
		models.HeaderMessageID: "msg_1",
	})
	require.NoError(t, err)

	written := rig.writer.Written()
	require.Len(t, written, 1)
	assert.Equal(t, "orders", written[0].Topic)
}

func TestSession_SubscribeDeliversAndUnsubscribes(t *testing.T) {
	rig := newTestRig()
	sess, err := rig.dialer().Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	got := &collected{}
	unsubscribe, err := sess.Subscribe("/topic/orders", got.handle)
	require.NoError(t, err)

	reader := rig.reader("orders")
	require.NotNil(t, reader)
	reader.Push(createKafkaMessage("msg_1", "hello"))

	require.Eventually(t, func() bool { return len(got.All()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "/topic/orders", got.All()[0].Destination)

	require.NoError(t, unsubscribe())
	assert.True(t, reader.Closed())
	require.NoError(t, unsubscribe(), "unsubscribe is idempotent")
}

func TestSession_HealthFailureEndsSession(t *testing.T) {
	rig := newTestRig()
	rig.failAt = 3 // the dial check and the first periodic check pass

	sess, err := rig.dialer().Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	require.Eventually(t, func() bool { return rig.clk.PendingTimers() == 1 }, time.Second, time.Millisecond)
	rig.clk.Advance(DefaultHealthInterval)
	require.Eventually(t, func() bool { return rig.health.Load() == 2 }, time.Second, time.Millisecond)

	select {
	case <-sess.Done():
		t.Fatal("session ended on a passing health check")
	default:
	}

	require.Eventually(t, func() bool { return rig.clk.PendingTimers() == 1 }, time.Second, time.Millisecond)
	rig.clk.Advance(DefaultHealthInterval)

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end after a failed health check")
	}
	assert.EqualError(t, sess.Err(), "broker unreachable")

	err = sess.Publish(context.Background(), "/topic/orders", []byte("x"), nil)
	assert.ErrorIs(t, err, errs.ErrNotConnected)
	_, err = sess.Subscribe("/topic/orders", func(*models.Message) {})
	assert.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestSession_CloseReleasesEverything(t *testing.T) {
	rig := newTestRig()
	sess, err := rig.dialer().Dial(context.Background())
	require.NoError(t, err)

	_, err = sess.Subscribe("/topic/a", func(*models.Message) {})
	require.NoError(t, err)
	_, err = sess.Subscribe("/topic/b", func(*models.Message) {})
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	<-sess.Done()
	assert.NoError(t, sess.Err())
	assert.True(t, rig.writer.Closed())
	assert.True(t, rig.reader("a").Closed())
	assert.True(t, rig.reader("b").Closed())

	require.NoError(t, sess.Close())
}
