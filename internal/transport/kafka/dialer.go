package kafka

import (
	"context"
	"fmt"

	"go-outbox/internal/transport"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	if cfg.healthCheck == nil {
		client := &brokerClient{brokers: cfg.Brokers, logger: cfg.Logger}
		cfg.healthCheck = client.HealthCheck
	}
	if cfg.newWriter == nil {
		cfg.newWriter = func() messageWriter { return newWriter(cfg) }
	}
	if cfg.newReader == nil {
		cfg.newReader = func(topic string) messageReader { return kafka.NewReader(cfg.readerConfig(topic)) }
	}
	return &Dialer{cfg: cfg}
}

// Dial waits for a healthy broker and opens a session.
func (d *Dialer) Dial(ctx context.Context) (transport.Session, error) {
	if err := waitHealthy(ctx, d.cfg.Clock, d.cfg.DialPolicy, d.cfg.Logger, d.cfg.healthCheck); err != nil {
		return nil, fmt.Errorf("kafka brokers unavailable: %w", err)
	}

	d.cfg.Logger.Info("Kafka session established",
		zap.Strings("brokers", d.cfg.Brokers),
		zap.String("group_id", d.cfg.GroupID),
	)
	return newSession(d.cfg, d.cfg.newWriter()), nil
}
