package kafka

import (
	"context"
	"errors"
	"fmt"

	"go-outbox/internal/clock"
	"go-outbox/internal/errs"

	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var errNoBrokers = errors.New("no brokers configured")

// brokerClient checks broker reachability.
type brokerClient struct {
	brokers []string
	logger  *zap.Logger
}

// HealthCheck verifies connectivity to the first reachable broker
func (c *brokerClient) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return &errs.PermanentError{Err: errNoBrokers}
	}

	var lastErr error
	for _, broker := range c.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = fmt.Errorf("failed to connect to broker %s: %w", broker, err)
			continue
		}

		// Fetch metadata to verify broker health
		_, err = conn.ReadPartitions()
		conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read partitions from %s: %w", broker, err)
			continue
		}
		return nil
	}
	return lastErr
}

// waitHealthy runs check under policy until it passes.
func waitHealthy(ctx context.Context, clk clock.Clock, policy errs.RetryPolicy, logger *zap.Logger, check func(ctx context.Context) error) error {
	return errs.Retry(ctx, clk, policy, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			logger.Info("Retrying broker health check", zap.Int("attempt", attempt+1))
		}
		err := check(ctx)
		if err != nil {
			logger.Warn("Broker health check failed", zap.Int("attempt", attempt+1), zap.Error(err))
		}
		return err
	})
}
