// Package stomp implements transport.Dialer for STOMP 1.2 brokers reached
// over a WebSocket.
package stomp

import (
	"context"
	"fmt"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"
	"go-outbox/internal/transport"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHeartbeat      = 4000 * time.Millisecond
	DefaultMaxMessageSize = 1 << 20
	defaultContentType    = "application/json"
	disconnectTimeout     = 2 * time.Second
)

var subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

type Options struct {
	// URL is the broker WebSocket endpoint, e.g. ws://localhost:15674/ws.
	URL      string
	Host     string
	Login    string
	Passcode string

	HeartbeatIncoming time.Duration
	HeartbeatOutgoing time.Duration
	MaxMessageSize    int64

	Clock  clock.Clock
	Logger *logrus.Logger
	// OnError receives ERROR frames and subscription failures that arrive
	// outside any call.
	OnError func(err error)
}

type Dialer struct {
	opts Options
}

func NewDialer(opts Options) *Dialer {
	if opts.HeartbeatIncoming <= 0 {
		opts.HeartbeatIncoming = DefaultHeartbeat
	}
	if opts.HeartbeatOutgoing <= 0 {
		opts.HeartbeatOutgoing = DefaultHeartbeat
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	opts.Clock = clock.OrReal(opts.Clock)
	opts.Logger = observability.OrDefault(opts.Logger)
	return &Dialer{opts: opts}
}

// Dial opens the WebSocket, performs the STOMP CONNECT handshake and
// returns the live session.
func (d *Dialer) Dial(ctx context.Context) (transport.Session, error) {
	ws, _, err := websocket.Dial(ctx, d.opts.URL, &websocket.DialOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket %s: %w", d.opts.URL, err)
	}
	ws.SetReadLimit(d.opts.MaxMessageSize)

	// the net.Conn lives until the session is closed, not until ctx ends
	connCtx, cancel := context.WithCancel(context.Background())
	raw := newWatchedConn(websocket.NetConn(connCtx, ws, websocket.MessageText))

	connectOpts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(d.opts.HeartbeatOutgoing, d.opts.HeartbeatIncoming),
	}
	if d.opts.Host != "" {
		connectOpts = append(connectOpts, stomp.ConnOpt.Host(d.opts.Host))
	}
	if d.opts.Login != "" {
		connectOpts = append(connectOpts, stomp.ConnOpt.Login(d.opts.Login, d.opts.Passcode))
	}

	// abort the handshake if ctx ends first
	handshake := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			raw.Close()
		case <-handshake:
		}
	}()
	conn, err := stomp.Connect(raw, connectOpts...)
	close(handshake)
	if err != nil {
		raw.Close()
		cancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &errs.ProtocolError{Op: "connect", Err: err}
	}

	d.opts.Logger.WithFields(logrus.Fields{
		"url":     d.opts.URL,
		"version": string(conn.Version()),
	}).Info("STOMP session established")

	return newSession(conn, raw, cancel, d.opts), nil
}
