package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"
	"go-outbox/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes frames with delivery guarantees and a short bounded
// retry. Longer-lived retry belongs to the queue engine.
type Producer struct {
	writer      messageWriter
	logger      *zap.Logger
	clock       clock.Clock
	maxRetries  int
	baseBackoff time.Duration
}

func newWriter(cfg Config) *kafka.Writer {
	// Configure writer with delivery guarantees
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            1,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
		Async:                  false, // Synchronous for reliable error handling
	}

	// Enable idempotent producer if requested
	if cfg.Idempotent {
		writer.RequiredAcks = kafka.RequireAll // Idempotent requires acks=all
		writer.MaxAttempts = 10                // Higher retries for idempotency
	}
	return writer
}

func newProducer(cfg Config, writer messageWriter) *Producer {
	return &Producer{
		writer:      writer,
		logger:      cfg.Logger,
		clock:       cfg.Clock,
		maxRetries:  cfg.MaxRetries,
		baseBackoff: cfg.BaseBackoff,
	}
}

// Publish writes one message to topic. The message id header, when
// present, becomes the record key so retries of one message land on the
// same partition.
func (p *Producer) Publish(ctx context.Context, topic string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(headers[models.HeaderMessageID]),
		Value: value,
		Time:  p.clock.Now(),
	}

	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{
				Key:   k,
				Value: []byte(v),
			})
		}
	}

	policy := errs.RetryPolicy{
		MaxAttempts:    p.maxRetries + 1,
		InitialBackoff: p.baseBackoff,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
	err := errs.Retry(ctx, p.clock, policy, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			p.logger.Info("Retrying message publish",
				zap.Int("attempt", attempt+1),
				zap.String("topic", topic),
			)
		}

		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.logger.Info("Failed to publish message",
				zap.String("topic", topic),
				zap.Int("attempt", attempt+1),
				zap.String("error", err.Error()),
			)
			return classifyWriteError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", topic, err)
	}

	p.logger.Debug("Message published successfully",
		zap.String("topic", topic),
		zap.String("message_id", headers[models.HeaderMessageID]),
	)
	return nil
}

// classifyWriteError marks broker errors that cannot succeed on a retry as
// permanent. Everything else, including network failures, is retryable.
func classifyWriteError(err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() {
		return &errs.PermanentError{Err: err}
	}
	return &errs.RetryableError{Err: err}
}

// Close gracefully shuts down the producer
func (p *Producer) Close() error {
	p.logger.Info("Closing producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}
