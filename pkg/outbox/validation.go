package outbox

import (
	"errors"
	"fmt"
	"time"

	"go-outbox/internal/clock"
	"go-outbox/internal/config"
	"go-outbox/internal/errs"
	"go-outbox/internal/observability"
	"go-outbox/internal/transport"

	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

const (
	TransportStomp = config.TransportStomp
	TransportKafka = config.TransportKafka
)

type Options struct {
	// Transport selects the broker protocol: TransportStomp (default) or
	// TransportKafka.
	Transport string
	// URL is the STOMP WebSocket endpoint.
	URL      string
	Host     string
	Login    string
	Passcode string

	Brokers         []string
	GroupID         string
	Acks            int
	Idempotent      bool
	KafkaMaxRetries int
	Workers         int
	FetchMinBytes   int
	FetchMaxBytes   int

	ReconnectDelay     time.Duration
	HeartbeatIncoming  time.Duration
	HeartbeatOutgoing  time.Duration
	MaxReconnectAlerts int
	SendTimeout        time.Duration

	MaxRetries      int
	RetryDelays     []time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	StalePending    time.Duration

	Logger    *logrus.Logger
	ZapLogger *zap.Logger
	Metrics   observability.MetricsCollector
	// Reporter receives every classified failure. Nil installs a
	// LogReporter, whose history is available through Errors.
	Reporter errs.Reporter
	Clock    clock.Clock
	// Dialer replaces the dialer built from Transport.
	Dialer transport.Dialer
}

// FromConfig maps loaded configuration onto Options.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Transport: cfg.Transport.Kind,
		URL:       cfg.Transport.URL,
		Host:      cfg.Stomp.Host,
		Login:     cfg.Stomp.Login,
		Passcode:  cfg.Stomp.Passcode,

		Brokers:         cfg.Kafka.Brokers,
		GroupID:         cfg.Kafka.GroupID,
		Acks:            cfg.Kafka.Acks,
		Idempotent:      cfg.Kafka.Idempotent,
		KafkaMaxRetries: cfg.Kafka.MaxRetries,
		Workers:         cfg.Kafka.Workers,
		FetchMinBytes:   cfg.Kafka.FetchMinBytes,
		FetchMaxBytes:   cfg.Kafka.FetchMaxBytes,

		ReconnectDelay:     cfg.Transport.ReconnectDelay,
		HeartbeatIncoming:  cfg.Transport.HeartbeatIncoming,
		HeartbeatOutgoing:  cfg.Transport.HeartbeatOutgoing,
		MaxReconnectAlerts: cfg.Connection.MaxReconnectAlerts,
		SendTimeout:        cfg.Connection.SendTimeout,

		MaxRetries:      cfg.Queue.MaxRetries,
		RetryDelays:     cfg.Queue.RetryDelays,
		Retention:       cfg.Queue.Retention,
		CleanupInterval: cfg.Queue.CleanupInterval,
		StalePending:    cfg.Queue.StalePending,
	}
}

// ============================================================================
// Validation
// ============================================================================

func (o *Options) Validate() error {
	if o.Dialer == nil {
		switch o.Transport {
		case "", TransportStomp:
			if o.URL == "" {
				return errors.New("url cannot be empty")
			}
		case TransportKafka:
			if len(o.Brokers) == 0 {
				return errors.New("brokers cannot be empty")
			}
		default:
			return fmt.Errorf("unknown transport %q", o.Transport)
		}
	}
	if o.MaxRetries < 0 {
		return errors.New("maxRetries cannot be negative")
	}
	for _, d := range o.RetryDelays {
		if d < 0 {
			return errors.New("retryDelays cannot be negative")
		}
	}
	if o.ReconnectDelay < 0 {
		return errors.New("reconnectDelay cannot be negative")
	}
	if o.SendTimeout < 0 {
		return errors.New("sendTimeout cannot be negative")
	}
	if o.Retention < 0 || o.CleanupInterval < 0 || o.StalePending < 0 {
		return errors.New("queue windows cannot be negative")
	}
	return nil
}
