package stomp

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go-outbox/internal/errs"
	"go-outbox/pkg/models"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/go-stomp/stomp/v3/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMessage(t *testing.T) {
	now := time.Date(2024, 12, 7, 12, 0, 0, 0, time.UTC)
	msg := &stomp.Message{
		Destination: "/topic/orders",
		Body:        []byte(`{"id":1}`),
		Header: frame.NewHeader(
			models.HeaderMessageID, "msg_1",
			"x-trace", "first",
			"x-trace", "second",
		),
	}

	got := toMessage(msg, now)
	assert.Equal(t, "/topic/orders", got.Destination)
	assert.Equal(t, []byte(`{"id":1}`), got.Value)
	assert.Equal(t, "msg_1", got.MessageID())
	assert.Equal(t, "first", got.Headers["x-trace"])
	assert.Equal(t, now, got.Timestamp)
}

func TestToMessage_NoHeaders(t *testing.T) {
	got := toMessage(&stomp.Message{Destination: "/topic/a"}, time.Time{})
	assert.NotNil(t, got.Headers)
	assert.Empty(t, got.MessageID())
}

func TestDialer_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dialer := NewDialer(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	sess, err := dialer.Dial(context.Background())
	require.Error(t, err)
	assert.Nil(t, sess)
	assert.Contains(t, err.Error(), "failed to open websocket")
}

// wsListener turns accepted WebSocket connections into a net.Listener so
// the in-process STOMP broker can serve them.
type wsListener struct {
	conns  chan net.Conn
	closed chan struct{}
	once   sync.Once
	addr   net.Addr
}

func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *wsListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *wsListener) Addr() net.Addr {
	return l.addr
}

func startBroker(t *testing.T) string {
	t.Helper()

	listener := &wsListener{
		conns:  make(chan net.Conn),
		closed: make(chan struct{}),
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: subprotocols})
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		conn := newWatchedConn(websocket.NetConn(ctx, ws, websocket.MessageText))

		select {
		case listener.conns <- conn:
		case <-listener.closed:
			conn.Close()
			return
		}
		select {
		case <-conn.Done():
		case <-listener.closed:
			conn.Close()
		}
	}))
	listener.addr = srv.Listener.Addr()
	t.Cleanup(srv.Close)

	go server.Serve(listener)
	t.Cleanup(func() { listener.Close() })

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSession_PublishSubscribeRoundTrip(t *testing.T) {
	url := startBroker(t)

	dialer := NewDialer(Options{URL: url})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := dialer.Dial(ctx)
	require.NoError(t, err)

	received := make(chan *models.Message, 1)
	unsubscribe, err := sess.Subscribe("/queue/orders", func(msg *models.Message) {
		received <- msg
	})
	require.NoError(t, err)

	err = sess.Publish(ctx, "/queue/orders", []byte(`{"content":"Hello"}`), map[string]string{
		"x-trace": "abc",
	})
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "/queue/orders", msg.Destination)
		assert.Equal(t, `{"content":"Hello"}`, string(msg.Value))
		assert.Equal(t, "abc", msg.Headers["x-trace"])
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}

	require.NoError(t, unsubscribe())
	require.NoError(t, sess.Close())

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end after Close")
	}
	assert.NoError(t, sess.Err())

	err = sess.Publish(context.Background(), "/queue/orders", []byte("x"), nil)
	assert.Error(t, err)
}

func TestSession_PublishHonorsContext(t *testing.T) {
	url := startBroker(t)

	sess, err := NewDialer(Options{URL: url}).Dial(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sess.Publish(ctx, "/queue/a", []byte("x"), nil)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.False(t, errs.IsPermanent(err))
}
