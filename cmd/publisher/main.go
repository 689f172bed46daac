package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-outbox/internal/config"
	"go-outbox/internal/observability"
	"go-outbox/pkg/models"
	"go-outbox/pkg/outbox"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	destination := flag.String("destination", "/queue/orders", "destination to publish to")
	count := flag.Int("count", 1, "number of messages to publish")
	interval := flag.Duration("interval", time.Second, "delay between messages")
	flag.Parse()

	if err := run(*configPath, *destination, *count, *interval); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, destination string, count int, interval time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()

	opts := outbox.FromConfig(cfg)
	opts.Logger = logger
	var metrics *observability.PrometheusMetrics
	if cfg.Metrics.Addr != "" {
		metrics = observability.NewPrometheusMetrics(nil)
		opts.Metrics = metrics
	}
	if cfg.Transport.Kind == config.TransportKafka {
		zl, err := observability.NewZapLogger(cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to build zap logger: %w", err)
		}
		defer zl.Sync()
		opts.ZapLogger = zl
	}

	ob, err := outbox.Open(opts)
	if err != nil {
		return err
	}
	defer ob.CloseGracefully(5 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if metrics != nil {
		srv := observability.NewMetricsServer(cfg.Metrics.Addr, metrics.Registry())
		g.Go(func() error { return srv.Run(ctx) })
	}

	g.Go(func() error {
		defer stop()
		if err := ob.Connect(); err != nil {
			return err
		}

		ids := make([]string, 0, count)
		for i := 0; i < count; i++ {
			id := ob.Send(destination, newOrder(i))
			ids = append(ids, id)
			logger.WithFields(logrus.Fields{
				"message_id":  id,
				"destination": destination,
			}).Info("Message queued")

			if i < count-1 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		}

		flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := ob.Flush(flushCtx); err != nil {
			logger.WithError(err).Warn("Not every message left the queue")
		}
		report(logger, ob, ids)
		return nil
	})

	return g.Wait()
}

func report(logger *logrus.Logger, ob *outbox.Client, ids []string) {
	for _, id := range ids {
		msg, ok := ob.Status(id)
		if !ok {
			continue
		}
		logger.WithFields(logrus.Fields{
			"message_id":  id,
			"status":      msg.Status,
			"retry_count": msg.RetryCount,
		}).Info("Message status")
	}
	stats := ob.Stats()
	logger.WithFields(logrus.Fields{
		string(models.StatusPending): stats.Pending,
		string(models.StatusSending): stats.Sending,
		string(models.StatusSent):    stats.Sent,
		string(models.StatusFailed):  stats.Failed,
	}).Info("Queue stats")
}

func newOrder(seq int) map[string]interface{} {
	return map[string]interface{}{
		"event_type":  "order_created",
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"order_id":    uuid.NewString(),
		"sequence":    seq,
		"customer_id": "CUST-567890",
		"items": []interface{}{
			map[string]interface{}{
				"product_id": "PROD-111",
				"name":       "iPhone 15 Pro",
				"quantity":   1,
				"price":      42900.00,
			},
			map[string]interface{}{
				"product_id": "PROD-222",
				"name":       "AirPods Pro",
				"quantity":   1,
				"price":      8990.00,
			},
		},
		"total_amount": "51890.00",
		"currency":     "THB",
		"status":       "pending",
	}
}
