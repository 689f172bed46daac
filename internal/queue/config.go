package queue

import (
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries      = 3
	DefaultRetention       = 60 * time.Second
	DefaultCleanupInterval = 5 * time.Minute
	DefaultStalePending    = 5 * time.Minute
)

// DefaultRetryDelays is the escalating delay schedule applied after each
// failed attempt.
var DefaultRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second}

type Config struct {
	MaxRetries      int
	RetryDelays     []time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	StalePending    time.Duration

	Clock       clock.Clock
	Reporter    errs.Reporter
	Metrics     observability.MetricsCollector
	Logger      *logrus.Logger
	IDGenerator func() string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if len(c.RetryDelays) == 0 {
		c.RetryDelays = DefaultRetryDelays
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.StalePending <= 0 {
		c.StalePending = DefaultStalePending
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Reporter == nil {
		c.Reporter = errs.Discard
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewInMemoryMetrics()
	}
	c.Logger = observability.OrDefault(c.Logger)
	if c.IDGenerator == nil {
		c.IDGenerator = newMessageID
	}
	return c
}

// RetryDelay returns the delay scheduled after the retryCount-th failure
// (1-based), clamped to the last entry of the schedule.
func (c Config) RetryDelay(retryCount int) time.Duration {
	delays := c.RetryDelays
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	idx := retryCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

func newMessageID() string {
	return "msg_" + uuid.NewString()
}
