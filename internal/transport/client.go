package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"

	"github.com/sirupsen/logrus"
)

// DefaultReconnectDelay is the fixed delay between redial attempts.
const DefaultReconnectDelay = 5000 * time.Millisecond

type Options struct {
	ReconnectDelay time.Duration
	Clock          clock.Clock
	Logger         *logrus.Logger
}

// Client is a Transport that keeps one Session open through a Dialer. A
// failed dial or a dropped session schedules a redial after ReconnectDelay
// until Deactivate is called.
type Client struct {
	dialer Dialer
	delay  time.Duration
	clock  clock.Clock
	logger *logrus.Logger

	mu      sync.Mutex
	events  Events
	session Session
	active  bool
	manual  bool
	redial  clock.Timer
	// gen increments on every Activate and Deactivate so that dials and
	// watchers from an earlier activation drop their results.
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(dialer Dialer, opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	return &Client{
		dialer: dialer,
		delay:  opts.ReconnectDelay,
		clock:  clock.OrReal(opts.Clock),
		logger: observability.OrDefault(opts.Logger),
	}
}

// Activate starts connecting in the background. Lifecycle changes are
// reported through events. Activating an active client is a no-op.
func (c *Client) Activate(events Events) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = true
	c.manual = false
	c.events = events
	c.gen++
	gen := c.gen
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.mu.Unlock()

	c.logger.Info("Activating transport")
	go c.dial(gen)
	return nil
}

// Deactivate cancels any scheduled redial, closes the live session and
// emits OnClose. No redial happens after Deactivate returns.
func (c *Client) Deactivate() error {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return nil
	}
	c.active = false
	c.manual = true
	c.gen++
	if c.redial != nil {
		c.redial.Stop()
		c.redial = nil
	}
	sess := c.session
	c.session = nil
	if c.cancel != nil {
		c.cancel()
	}
	events := c.events
	c.mu.Unlock()

	var err error
	if sess != nil {
		if cerr := sess.Close(); cerr != nil {
			err = fmt.Errorf("failed to close session: %w", cerr)
		}
	}

	c.logger.Info("Transport deactivated")
	if events.OnClose != nil {
		events.OnClose()
	}
	return err
}

// Connected reports whether a live session is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Client) Publish(ctx context.Context, destination string, body []byte, headers map[string]string) error {
	sess := c.current()
	if sess == nil {
		return errs.ErrNotConnected
	}
	return sess.Publish(ctx, destination, body, headers)
}

func (c *Client) Subscribe(topic string, h Handler) (Unsubscribe, error) {
	sess := c.current()
	if sess == nil {
		return nil, errs.ErrNotConnected
	}
	return sess.Subscribe(topic, h)
}

func (c *Client) current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Client) dial(gen uint64) {
	c.mu.Lock()
	if c.manual || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.redial = nil
	ctx := c.ctx
	c.mu.Unlock()

	sess, err := c.dialer.Dial(ctx)

	c.mu.Lock()
	if c.manual || gen != c.gen {
		c.mu.Unlock()
		if sess != nil {
			sess.Close()
		}
		return
	}
	if err != nil {
		c.scheduleRedialLocked(gen)
		events := c.events
		c.mu.Unlock()

		c.logger.WithFields(logrus.Fields{
			"error":           err.Error(),
			"reconnect_delay": c.delay,
		}).Warn("Transport dial failed")
		if events.OnError != nil {
			events.OnError(err)
		}
		return
	}
	c.session = sess
	events := c.events
	c.mu.Unlock()

	c.logger.Info("Transport connected")
	if events.OnConnect != nil {
		events.OnConnect()
	}
	go c.watch(gen, sess)
}

// watch waits for sess to end and, unless it was closed deliberately,
// reports the disconnect and schedules a redial.
func (c *Client) watch(gen uint64, sess Session) {
	<-sess.Done()

	c.mu.Lock()
	if c.session != sess || gen != c.gen || c.manual {
		c.mu.Unlock()
		return
	}
	c.session = nil
	c.scheduleRedialLocked(gen)
	events := c.events
	c.mu.Unlock()

	err := sess.Err()
	// release whatever the dead session still holds
	if cerr := sess.Close(); cerr != nil {
		c.logger.WithError(cerr).Debug("Failed to release ended session")
	}

	entry := c.logger.WithField("reconnect_delay", c.delay)
	if err != nil {
		entry = entry.WithField("error", err.Error())
	}
	entry.Warn("Transport session ended")

	if events.OnDisconnect != nil {
		events.OnDisconnect(err)
	}
}

func (c *Client) scheduleRedialLocked(gen uint64) {
	if c.redial != nil {
		c.redial.Stop()
	}
	c.redial = c.clock.AfterFunc(c.delay, func() { c.dial(gen) })
}
