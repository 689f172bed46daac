package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/transport"
	"go-outbox/pkg/models"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DedupeStore remembers message ids already handed to a subscriber.
type DedupeStore interface {
	Exists(messageID string) bool
	// AddIfAbsent records messageID and reports whether it was new. The
	// check and the insert are one step, so of two concurrent callers with
	// the same id exactly one gets true.
	AddIfAbsent(messageID string) (bool, error)
}

// InMemoryDedupeStore expires ids after ttl. Expired entries are dropped
// lazily on AddIfAbsent.
type InMemoryDedupeStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
	clock clock.Clock
}

func NewInMemoryDedupeStore(ttl time.Duration, clk clock.Clock) *InMemoryDedupeStore {
	return &InMemoryDedupeStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
		clock: clock.OrReal(clk),
	}
}

func (s *InMemoryDedupeStore) Exists(messageID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.store[messageID]
	return exists && s.clock.Now().Before(expiry)
}

func (s *InMemoryDedupeStore) AddIfAbsent(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for id, expiry := range s.store {
		if !now.Before(expiry) {
			delete(s.store, id)
		}
	}
	if _, seen := s.store[messageID]; seen {
		return false, nil
	}
	s.store[messageID] = now.Add(s.ttl)
	return true, nil
}

// consumer feeds one subscription: a fetcher pulls from the reader and a
// worker pool hands frames to the handler and commits them.
type consumer struct {
	destination string
	reader      messageReader
	handler     transport.Handler
	dedupe      DedupeStore
	logger      *zap.Logger
	clock       clock.Clock
	workers     int
	backoff     time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newConsumer(cfg Config, destination string, reader messageReader, dedupe DedupeStore, h transport.Handler) *consumer {
	return &consumer{
		destination: destination,
		reader:      reader,
		handler:     h,
		dedupe:      dedupe,
		logger:      cfg.Logger.With(zap.String("destination", destination)),
		clock:       cfg.Clock,
		workers:     cfg.Workers,
		backoff:     cfg.BaseBackoff,
	}
}

// start launches the fetcher and workers; they stop when ctx ends or the
// consumer is closed.
func (c *consumer) start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.logger.Info("Starting consumer", zap.Int("workers", c.workers))

	msgChan := make(chan kafka.Message, c.workers*2)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, msgChan)
	}

	c.wg.Add(1)
	go c.fetcher(ctx, msgChan)
}

// fetcher reads messages from Kafka and sends to worker pool
func (c *consumer) fetcher(ctx context.Context, msgChan chan<- kafka.Message) {
	defer c.wg.Done()
	defer close(msgChan)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			c.logger.Error("Failed to fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-c.clock.After(c.backoff):
			}
			continue
		}

		select {
		case msgChan <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (c *consumer) worker(ctx context.Context, id int, msgChan <-chan kafka.Message) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			c.processMessage(msg, id)
		}
	}
}

func (c *consumer) processMessage(kafkaMsg kafka.Message, workerID int) {
	msg := c.toInternalMessage(kafkaMsg)

	logger := c.logger.With(
		zap.String("topic", kafkaMsg.Topic),
		zap.Int("partition", kafkaMsg.Partition),
		zap.Int64("offset", kafkaMsg.Offset),
		zap.String("message_id", msg.MessageID()),
		zap.Int("worker_id", workerID),
	)

	if id := msg.MessageID(); id != "" {
		added, err := c.dedupe.AddIfAbsent(id)
		switch {
		case err != nil:
			// delivering twice beats dropping
			logger.Warn("Dedupe store unavailable, delivering anyway", zap.Error(err))
		case !added:
			logger.Info("Duplicate message detected, skipping")
			c.commitMessage(kafkaMsg)
			return
		}
	}

	c.handler(msg)
	logger.Debug("Message delivered")
	c.commitMessage(kafkaMsg)
}

func (c *consumer) commitMessage(msg kafka.Message) {
	if err := c.reader.CommitMessages(context.Background(), msg); err != nil {
		c.logger.Error("Failed to commit message", zap.Error(err))
	}
}

func (c *consumer) toInternalMessage(kafkaMsg kafka.Message) *models.Message {
	headers := make(map[string]string, len(kafkaMsg.Headers))
	for _, h := range kafkaMsg.Headers {
		// repeated headers: the first occurrence wins
		if _, seen := headers[h.Key]; !seen {
			headers[h.Key] = string(h.Value)
		}
	}

	timestamp := kafkaMsg.Time
	if timestamp.IsZero() {
		timestamp = c.clock.Now()
	}

	return &models.Message{
		Destination: c.destination,
		Value:       kafkaMsg.Value,
		Headers:     headers,
		Timestamp:   timestamp,
	}
}

// Close stops the fetcher and workers and closes the reader.
func (c *consumer) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.reader.Close()
	c.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close consumer for %s: %w", c.destination, err)
	}
	return nil
}
