package outbox

import (
	"context"
	"fmt"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/connection"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"
	"go-outbox/internal/queue"
	"go-outbox/internal/transport"
	"go-outbox/internal/transport/kafka"
	"go-outbox/internal/transport/stomp"
	"go-outbox/pkg/models"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// ============================================================================
// Client Implementation
// ============================================================================

type Client struct {
	engine    *queue.Engine
	manager   *connection.Manager
	transport *transport.Client
	reporter  errs.Reporter
	history   *errs.LogReporter
	logger    *logrus.Logger
}

// Open wires the queue engine, the reconnecting transport and the
// connection manager. The client starts disconnected; call Connect.
func Open(opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outbox options: %w", err)
	}

	logger := observability.OrDefault(opts.Logger)
	clk := clock.OrReal(opts.Clock)
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}

	c := &Client{logger: logger, reporter: opts.Reporter}
	if c.reporter == nil {
		c.history = errs.NewLogReporter(logger, metrics)
		c.reporter = c.history
	}

	c.engine = queue.NewEngine(queue.Config{
		MaxRetries:      opts.MaxRetries,
		RetryDelays:     opts.RetryDelays,
		Retention:       opts.Retention,
		CleanupInterval: opts.CleanupInterval,
		StalePending:    opts.StalePending,
		Clock:           clk,
		Reporter:        c.reporter,
		Metrics:         metrics,
		Logger:          logger,
	})

	dialer := opts.Dialer
	if dialer == nil {
		dialer = c.newDialer(opts, clk)
	}
	c.transport = transport.NewClient(dialer, transport.Options{
		ReconnectDelay: opts.ReconnectDelay,
		Clock:          clk,
		Logger:         logger,
	})

	c.manager = connection.NewManager(c.transport, c.engine, connection.Config{
		MaxReconnectAlerts: opts.MaxReconnectAlerts,
		SendTimeout:        opts.SendTimeout,
		Clock:              clk,
		Reporter:           c.reporter,
		Metrics:            metrics,
		Logger:             logger,
	})

	c.engine.Start()

	logger.WithField("transport", transportName(opts)).Info("Outbox opened")
	return c, nil
}

func (c *Client) newDialer(opts Options, clk clock.Clock) transport.Dialer {
	if opts.Transport == TransportKafka {
		return kafka.NewDialer(kafka.Config{
			Brokers:        opts.Brokers,
			GroupID:        opts.GroupID,
			Acks:           opts.Acks,
			Idempotent:     opts.Idempotent,
			MaxRetries:     opts.KafkaMaxRetries,
			FetchMinBytes:  opts.FetchMinBytes,
			FetchMaxBytes:  opts.FetchMaxBytes,
			Workers:        opts.Workers,
			HealthInterval: opts.HeartbeatIncoming,
			Clock:          clk,
			Logger:         opts.ZapLogger,
		})
	}

	return stomp.NewDialer(stomp.Options{
		URL:               opts.URL,
		Host:              opts.Host,
		Login:             opts.Login,
		Passcode:          opts.Passcode,
		HeartbeatIncoming: opts.HeartbeatIncoming,
		HeartbeatOutgoing: opts.HeartbeatOutgoing,
		Clock:             clk,
		Logger:            opts.Logger,
		OnError: func(err error) {
			c.reporter.Report(errs.NewRecord(errs.CodeSendError, errs.LevelError,
				"broker reported an error", err).At(clk.Now()))
		},
	})
}

func transportName(opts Options) string {
	switch {
	case opts.Dialer != nil:
		return "custom"
	case opts.Transport == "":
		return TransportStomp
	}
	return opts.Transport
}

// Connect starts connecting in the background. Watch State or
// OnStateChange for the outcome.
func (c *Client) Connect() error {
	return c.manager.Connect()
}

// Disconnect closes the connection and stops reconnecting. Queued
// messages are kept and sent after the next Connect.
func (c *Client) Disconnect() error {
	return c.manager.Disconnect()
}

// Send queues body for destination and returns the message id at once.
// Delivery happens in the background; poll Status for the outcome.
func (c *Client) Send(destination string, body any) string {
	return c.manager.Send(destination, body)
}

func (c *Client) Subscribe(topic string, handler Handler) error {
	return c.manager.Subscribe(topic, handler)
}

func (c *Client) Unsubscribe(topic string) error {
	return c.manager.Unsubscribe(topic)
}

// Status returns the queued message for id. Sent messages disappear
// once the retention window has passed.
func (c *Client) Status(id string) (models.QueuedMessage, bool) {
	return c.manager.GetMessageStatus(id)
}

func (c *Client) Messages() []models.QueuedMessage {
	return c.engine.Messages()
}

func (c *Client) Stats() models.QueueStats {
	return c.manager.QueueStats()
}

func (c *Client) State() models.ConnectionState {
	return c.manager.State()
}

func (c *Client) Topics() []string {
	return c.manager.Topics()
}

func (c *Client) OnStats(fn func(models.QueueStats)) (cancel func()) {
	return c.engine.OnStats(fn)
}

func (c *Client) OnStateChange(fn func(models.ConnectionState)) (cancel func()) {
	return c.manager.OnStateChange(fn)
}

// Errors returns the most recent classified failures, oldest first. It
// is empty when a custom Reporter was supplied.
func (c *Client) Errors() []ErrorRecord {
	if c.history == nil {
		return nil
	}
	return c.history.History()
}

// Flush blocks until every message has been delivered or has used up its
// retries, or ctx is done. Failed messages with a retry still scheduled
// hold Flush up.
func (c *Client) Flush(ctx context.Context) error {
	changed := make(chan struct{}, 1)
	cancel := c.engine.OnStats(func(models.QueueStats) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()

	for c.engine.Outstanding() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
	return nil
}

// Close disconnects and stops every timer. Undelivered messages are lost.
func (c *Client) Close() error {
	err := c.manager.Close()
	c.engine.Close()
	c.logger.Info("Outbox closed")
	return err
}

// CloseGracefully waits up to timeout for queued messages to go out, then
// closes the client.
func (c *Client) CloseGracefully(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if ferr := c.Flush(ctx); ferr != nil {
		s := c.engine.Stats()
		c.logger.WithFields(logrus.Fields{
			"pending":     s.Pending,
			"sending":     s.Sending,
			"outstanding": c.engine.Outstanding(),
		}).Warn("Closing with undelivered messages")
		err = fmt.Errorf("flush before close: %w", ferr)
	}
	return multierr.Append(err, c.Close())
}
