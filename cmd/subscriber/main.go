package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go-outbox/internal/config"
	"go-outbox/internal/observability"
	"go-outbox/internal/service"
	"go-outbox/pkg/models"
	"go-outbox/pkg/outbox"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	topics := flag.String("topics", "/queue/orders", "comma separated topics to subscribe to")
	flag.Parse()

	if err := run(*configPath, strings.Split(*topics, ",")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, topics []string) error {
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
	defer ob.Close()

	processor := service.NewMessageProcessor(logger)
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		if err := ob.Subscribe(topic, processor.Process); err != nil {
			return err
		}
	}

	cancelState := ob.OnStateChange(func(s models.ConnectionState) {
		logger.WithFields(logrus.Fields{
			"connected":          s.Connected,
			"connecting":         s.Connecting,
			"reconnect_attempts": s.ReconnectAttempts,
		}).Info("Connection state changed")
	})
	defer cancelState()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	if metrics != nil {
		srv := observability.NewMetricsServer(cfg.Metrics.Addr, metrics.Registry())
		g.Go(func() error { return srv.Run(ctx) })
	}

	g.Go(func() error {
		if err := ob.Connect(); err != nil {
			return err
		}
		logger.WithField("topics", ob.Topics()).Info("Subscriber running")

		<-ctx.Done()
		logger.WithFields(logrus.Fields{
			"processed": processor.Processed(),
			"rejected":  processor.Rejected(),
		}).Info("Shutting down subscriber")
		return ob.Disconnect()
	})

	return g.Wait()
}
