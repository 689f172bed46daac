// Package kafka implements transport.Dialer on top of Kafka: destinations
// map to topics, publishes go through one Writer per session and every
// subscription owns a consumer-group Reader.
package kafka

import (
	"context"
	"strings"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	DefaultHealthInterval = 4000 * time.Millisecond
	DefaultDedupeTTL      = time.Hour
)

type Config struct {
	Brokers       []string
	GroupID       string
	Acks          int // -1 for all, 0 for none, 1 for leader
	Idempotent    bool
	MaxRetries    int
	BaseBackoff   time.Duration
	FetchMinBytes int
	FetchMaxBytes int
	Workers       int

	// HealthInterval is how often a live session checks the brokers.
	HealthInterval time.Duration
	// DialPolicy bounds the broker health checks made by Dial.
	DialPolicy errs.RetryPolicy
	DedupeTTL  time.Duration

	Clock  clock.Clock
	Logger *zap.Logger

	newWriter   func() messageWriter
	newReader   func(topic string) messageReader
	healthCheck func(ctx context.Context) error
}

func (c Config) withDefaults() Config {
	if c.GroupID == "" {
		c.GroupID = "outbox"
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.FetchMinBytes <= 0 {
		c.FetchMinBytes = 1
	}
	if c.FetchMaxBytes <= 0 {
		c.FetchMaxBytes = 10e6
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.DialPolicy.MaxAttempts <= 0 {
		c.DialPolicy = errs.RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			BackoffFactor:  2.0,
			Jitter:         true,
		}
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = DefaultDedupeTTL
	}
	c.Clock = clock.OrReal(c.Clock)
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// TopicFor maps a destination such as /topic/orders.created onto a Kafka
// topic name. Broker prefixes are dropped and remaining slashes become dots.
func TopicFor(destination string) string {
	topic := strings.TrimPrefix(destination, "/")
	for _, prefix := range []string{"topic/", "queue/", "exchange/", "amq/queue/"} {
		if strings.HasPrefix(topic, prefix) {
			topic = strings.TrimPrefix(topic, prefix)
			break
		}
	}
	return strings.ReplaceAll(topic, "/", ".")
}

func (c Config) readerConfig(topic string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        c.Brokers,
		Topic:          topic,
		GroupID:        c.GroupID,
		MinBytes:       c.FetchMinBytes,
		MaxBytes:       c.FetchMaxBytes,
		CommitInterval: 0, // Manual commits
		StartOffset:    kafka.LastOffset,
	}
}
