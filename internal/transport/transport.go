// Package transport defines the connection contract the connection manager
// drives: a Dialer that opens live Sessions, and a reconnecting Client that
// owns the redial timer and turns session lifecycles into Events.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"go-outbox/internal/errs"
	"go-outbox/pkg/models"
)

// Handler receives inbound frames for one subscription.
type Handler func(msg *models.Message)

// Unsubscribe tears down a single live subscription.
type Unsubscribe func() error

// Session is one live connection to the broker.
type Session interface {
	Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error
	Subscribe(topic string, h Handler) (Unsubscribe, error)
	// Done is closed when the session ends for any reason.
	Done() <-chan struct{}
	// Err reports why the session ended. It is nil after a local Close.
	Err() error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Events are the lifecycle callbacks emitted by a Transport. Any of them
// may be nil.
type Events struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnError      func(err error)
	OnClose      func()
}

// Transport is the reconnecting connection consumed by the connection
// manager.
type Transport interface {
	Activate(events Events) error
	Deactivate() error
	Connected() bool
	Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error
	Subscribe(topic string, h Handler) (Unsubscribe, error)
}

// Encode turns a queued message body into frame bytes. Byte slices, raw
// JSON and strings pass through unchanged; anything else is JSON-encoded.
func Encode(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	case string:
		return []byte(b), nil
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, &errs.PermanentError{Err: fmt.Errorf("failed to encode message body: %w", err)}
	}
	return data, nil
}
