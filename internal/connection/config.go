package connection

import (
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"

	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxReconnectAlerts = 5
	DefaultSendTimeout        = 10 * time.Second
	DefaultDrainRetryDelay    = 100 * time.Millisecond
)

type Config struct {
	// MaxReconnectAlerts caps how many consecutive failed reconnects are
	// reported individually. Past the cap a single reconnect-failed record
	// is emitted; reconnecting itself continues.
	MaxReconnectAlerts int
	// SendTimeout bounds one publish on the transport.
	SendTimeout time.Duration
	// DrainRetryDelay is how long a drain pass waits before running again
	// when messages became pending while it was in flight.
	DrainRetryDelay time.Duration

	Clock    clock.Clock
	Reporter errs.Reporter
	Metrics  observability.MetricsCollector
	Logger   *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAlerts <= 0 {
		c.MaxReconnectAlerts = DefaultMaxReconnectAlerts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.DrainRetryDelay <= 0 {
		c.DrainRetryDelay = DefaultDrainRetryDelay
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Reporter == nil {
		c.Reporter = errs.Discard
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewInMemoryMetrics()
	}
	c.Logger = observability.OrDefault(c.Logger)
	return c
}
