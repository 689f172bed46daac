package stomp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/transport"
	"go-outbox/pkg/models"

	"github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/sirupsen/logrus"
)

type session struct {
	conn    *stomp.Conn
	raw     *watchedConn
	cancel  context.CancelFunc
	clock   clock.Clock
	logger  *logrus.Logger
	onError func(error)

	mu      sync.Mutex
	subs    map[*stomp.Subscription]string
	closing bool
}

func newSession(conn *stomp.Conn, raw *watchedConn, cancel context.CancelFunc, opts Options) *session {
	return &session{
		conn:    conn,
		raw:     raw,
		cancel:  cancel,
		clock:   opts.Clock,
		logger:  opts.Logger,
		onError: opts.OnError,
		subs:    make(map[*stomp.Subscription]string),
	}
}

func (s *session) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	contentType := defaultContentType
	opts := make([]func(*frame.Frame) error, 0, len(headers))
	for k, v := range headers {
		if k == models.HeaderContentType {
			contentType = v
			continue
		}
		opts = append(opts, stomp.SendOpt.Header(k, v))
	}

	// Send blocks on the connection's write queue, which has no deadline
	result := make(chan error, 1)
	go func() {
		result <- s.conn.Send(destination, contentType, body, opts...)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		if err != nil {
			return fmt.Errorf("failed to send to %s: %w", destination, err)
		}
		return nil
	}
}

func (s *session) Subscribe(topic string, h transport.Handler) (transport.Unsubscribe, error) {
	sub, err := s.conn.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	s.mu.Lock()
	s.subs[sub] = topic
	s.mu.Unlock()

	go s.consume(topic, sub, h)

	s.logger.WithField("topic", topic).Debug("STOMP subscription active")

	return func() error {
		s.mu.Lock()
		_, tracked := s.subs[sub]
		delete(s.subs, sub)
		s.mu.Unlock()

		if !tracked || !sub.Active() {
			return nil
		}
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
		}
		return nil
	}, nil
}

func (s *session) consume(topic string, sub *stomp.Subscription, h transport.Handler) {
	for {
		select {
		case <-s.raw.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if msg.Err != nil {
				if s.ended() {
					return
				}
				s.reportError(&errs.ProtocolError{Op: "subscription " + topic, Err: msg.Err})
				continue
			}
			h(toMessage(msg, s.clock.Now()))
		}
	}
}

func (s *session) reportError(err error) {
	s.logger.WithError(err).Warn("STOMP error frame received")
	if s.onError != nil {
		s.onError(err)
	}
}

func (s *session) ended() bool {
	select {
	case <-s.raw.Done():
		return true
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *session) Done() <-chan struct{} {
	return s.raw.Done()
}

func (s *session) Err() error {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		return nil
	}
	return s.raw.Err()
}

// Close sends DISCONNECT and waits briefly for the receipt before tearing
// down the socket. Failures during the goodbye are logged, not returned:
// the session is gone either way.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.subs = make(map[*stomp.Subscription]string)
	s.mu.Unlock()

	select {
	case <-s.raw.Done():
	default:
		disconnected := make(chan error, 1)
		go func() { disconnected <- s.conn.Disconnect() }()
		select {
		case err := <-disconnected:
			if err != nil {
				s.logger.WithError(err).Debug("STOMP disconnect failed")
			}
		case <-s.clock.After(disconnectTimeout):
			s.logger.Warn("STOMP disconnect receipt timed out")
		}
	}

	// the broker may already have dropped the socket after DISCONNECT
	if cerr := s.raw.Close(); cerr != nil && !isClosedErr(cerr) {
		s.logger.WithError(cerr).Debug("STOMP socket close failed")
	}
	s.cancel()
	return nil
}

func toMessage(msg *stomp.Message, now time.Time) *models.Message {
	headers := make(map[string]string)
	if msg.Header != nil {
		for i := 0; i < msg.Header.Len(); i++ {
			k, v := msg.Header.GetAt(i)
			// repeated headers: the first occurrence wins
			if _, seen := headers[k]; !seen {
				headers[k] = v
			}
		}
	}
	return &models.Message{
		Destination: msg.Destination,
		Value:       msg.Body,
		Headers:     headers,
		Timestamp:   now,
	}
}
