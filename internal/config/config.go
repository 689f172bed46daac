package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	TransportStomp = "stomp"
	TransportKafka = "kafka"
)

type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Stomp      StompConfig      `yaml:"stomp"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Connection ConnectionConfig `yaml:"connection"`
	Queue      QueueConfig      `yaml:"queue"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type TransportConfig struct {
	Kind              string        `yaml:"kind"`
	URL               string        `yaml:"url"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	HeartbeatIncoming time.Duration `yaml:"heartbeat_incoming"`
	HeartbeatOutgoing time.Duration `yaml:"heartbeat_outgoing"`
}

type StompConfig struct {
	Host     string `yaml:"host"`
	Login    string `yaml:"login"`
	Passcode string `yaml:"passcode"`
}

type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	GroupID       string   `yaml:"group_id"`
	Acks          int      `yaml:"acks"`
	Idempotent    bool     `yaml:"idempotent"`
	MaxRetries    int      `yaml:"max_retries"`
	Workers       int      `yaml:"workers"`
	FetchMinBytes int      `yaml:"fetch_min_bytes"`
	FetchMaxBytes int      `yaml:"fetch_max_bytes"`
}

type ConnectionConfig struct {
	MaxReconnectAlerts int           `yaml:"max_reconnect_alerts"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
}

type QueueConfig struct {
	MaxRetries      int             `yaml:"max_retries"`
	RetryDelays     []time.Duration `yaml:"retry_delays"`
	Retention       time.Duration   `yaml:"retention"`
	CleanupInterval time.Duration   `yaml:"cleanup_interval"`
	StalePending    time.Duration   `yaml:"stale_pending"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	// Addr is the listen address of the metrics endpoint. Empty disables it.
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:              TransportStomp,
			URL:               "ws://localhost:15674/ws",
			ReconnectDelay:    5000 * time.Millisecond,
			HeartbeatIncoming: 4000 * time.Millisecond,
			HeartbeatOutgoing: 4000 * time.Millisecond,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			GroupID:       "outbox",
			Acks:          -1,
			Idempotent:    true,
			MaxRetries:    3,
			Workers:       1,
			FetchMinBytes: 1,
			FetchMaxBytes: 10485760,
		},
		Connection: ConnectionConfig{
			MaxReconnectAlerts: 5,
			SendTimeout:        10 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries:      3,
			RetryDelays:     []time.Duration{1 * time.Second, 5 * time.Second, 15 * time.Second},
			Retention:       60 * time.Second,
			CleanupInterval: 5 * time.Minute,
			StalePending:    5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from, in increasing precedence: the
// defaults, the YAML file at path (skipped when path is empty) and the
// environment. A .env file in the working directory is loaded into the
// environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug(".env file not found, using process environment")
	}

	cfg := Default()
	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Transport.Kind = strings.ToLower(getEnv("OUTBOX_TRANSPORT", cfg.Transport.Kind))
	cfg.Transport.URL = getEnv("OUTBOX_URL", cfg.Transport.URL)
	cfg.Transport.ReconnectDelay = getEnvDuration("OUTBOX_RECONNECT_DELAY", cfg.Transport.ReconnectDelay)
	cfg.Transport.HeartbeatIncoming = getEnvDuration("OUTBOX_HEARTBEAT_INCOMING", cfg.Transport.HeartbeatIncoming)
	cfg.Transport.HeartbeatOutgoing = getEnvDuration("OUTBOX_HEARTBEAT_OUTGOING", cfg.Transport.HeartbeatOutgoing)

	cfg.Stomp.Host = getEnv("OUTBOX_STOMP_HOST", cfg.Stomp.Host)
	cfg.Stomp.Login = getEnv("OUTBOX_STOMP_LOGIN", cfg.Stomp.Login)
	cfg.Stomp.Passcode = getEnv("OUTBOX_STOMP_PASSCODE", cfg.Stomp.Passcode)

	if brokers := os.Getenv("OUTBOX_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = parseList(brokers)
	}
	cfg.Kafka.GroupID = getEnv("OUTBOX_KAFKA_GROUP_ID", cfg.Kafka.GroupID)
	if acks := os.Getenv("OUTBOX_KAFKA_ACKS"); acks != "" {
		cfg.Kafka.Acks = parseAcks(acks)
	}
	cfg.Kafka.Idempotent = getEnvBool("OUTBOX_KAFKA_IDEMPOTENT", cfg.Kafka.Idempotent)
	cfg.Kafka.MaxRetries = getEnvInt("OUTBOX_KAFKA_MAX_RETRIES", cfg.Kafka.MaxRetries)
	cfg.Kafka.Workers = getEnvInt("OUTBOX_KAFKA_WORKERS", cfg.Kafka.Workers)
	cfg.Kafka.FetchMinBytes = getEnvInt("OUTBOX_KAFKA_FETCH_MIN_BYTES", cfg.Kafka.FetchMinBytes)
	cfg.Kafka.FetchMaxBytes = getEnvInt("OUTBOX_KAFKA_FETCH_MAX_BYTES", cfg.Kafka.FetchMaxBytes)

	cfg.Connection.MaxReconnectAlerts = getEnvInt("OUTBOX_MAX_RECONNECT_ALERTS", cfg.Connection.MaxReconnectAlerts)
	cfg.Connection.SendTimeout = getEnvDuration("OUTBOX_SEND_TIMEOUT", cfg.Connection.SendTimeout)

	cfg.Queue.MaxRetries = getEnvInt("OUTBOX_QUEUE_MAX_RETRIES", cfg.Queue.MaxRetries)
	if delays := os.Getenv("OUTBOX_QUEUE_RETRY_DELAYS"); delays != "" {
		if parsed, ok := parseDurations(delays); ok {
			cfg.Queue.RetryDelays = parsed
		}
	}
	cfg.Queue.Retention = getEnvDuration("OUTBOX_QUEUE_RETENTION", cfg.Queue.Retention)
	cfg.Queue.CleanupInterval = getEnvDuration("OUTBOX_QUEUE_CLEANUP_INTERVAL", cfg.Queue.CleanupInterval)
	cfg.Queue.StalePending = getEnvDuration("OUTBOX_QUEUE_STALE_PENDING", cfg.Queue.StalePending)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Metrics.Addr = getEnv("OUTBOX_METRICS_ADDR", cfg.Metrics.Addr)
}

// Validate checks the settings that have no usable fallback.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportStomp:
		if c.Transport.URL == "" {
			return fmt.Errorf("transport url is required for %s", TransportStomp)
		}
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("at least one kafka broker is required")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue max_retries must not be negative")
	}
	for _, d := range c.Queue.RetryDelays {
		if d < 0 {
			return fmt.Errorf("queue retry delays must not be negative")
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go duration syntax ("5s") or a bare number of
// milliseconds ("5000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, ok := parseDuration(value); ok {
			return d
		}
	}
	return defaultValue
}

func parseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, true
	}
	return 0, false
}

func parseDurations(s string) ([]time.Duration, bool) {
	parts := parseList(s)
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, ok := parseDuration(part)
		if !ok {
			return nil, false
		}
		out = append(out, d)
	}
	return out, len(out) > 0
}

func parseList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseAcks(acks string) int {
	switch strings.ToLower(acks) {
	case "all", "-1":
		return -1
	case "0":
		return 0
	case "1":
		return 1
	default:
		return -1 // default to all
	}
}
