package main

import (
	"os"
	"strconv"
	"time"

	"github.com/commerce-platform/stock-engine/internal/application"
	"github.com/commerce-platform/stock-engine/internal/reaper"
	"github.com/commerce-platform/stock-engine/pkg/kafka"
	"github.com/commerce-platform/stock-engine/pkg/mongodb"
	"github.com/commerce-platform/stock-engine/pkg/outbox"
	"github.com/commerce-platform/stock-engine/pkg/rabbitmq"
)

// Store backends
const (
	StoreMongoDB = "mongodb"
	StoreMemory  = "memory"
)

// Event sinks
const (
	SinkKafka    = "kafka"
	SinkRabbitMQ = "rabbitmq"
)

// Config holds application configuration
type Config struct {
	ServerAddr   string
	StoreBackend string
	EventSink    string
	RedisAddr    string

	MongoDB  *mongodb.Config
	Kafka    *kafka.Config
	RabbitMQ *rabbitmq.Config
	Engine   *application.EngineConfig
	Reaper   *reaper.Config
	Outbox   *outbox.PublisherConfig
}

func loadConfig() *Config {
	mongoConfig := mongodb.DefaultConfig()
	mongoConfig.URI = getEnv("MONGODB_URI", mongoConfig.URI)
	mongoConfig.Database = getEnv("MONGODB_DATABASE", mongoConfig.Database)
	mongoConfig.ReplicaSet = getEnv("MONGODB_REPLICA_SET", "")

	kafkaConfig := kafka.DefaultConfig()
	kafkaConfig.Brokers = kafka.ParseBrokers(getEnv("KAFKA_BROKERS", "localhost:9092"))

	rabbitConfig := rabbitmq.DefaultConfig()
	rabbitConfig.URL = getEnv("RABBITMQ_URL", rabbitConfig.URL)
	rabbitConfig.Exchange = getEnv("RABBITMQ_EXCHANGE", rabbitConfig.Exchange)

	engineConfig := application.DefaultEngineConfig()
	engineConfig.DefaultTTL = getEnvDuration("RESERVATION_TTL", engineConfig.DefaultTTL)
	engineConfig.MaxRetries = getEnvInt("MAX_CAS_RETRIES", engineConfig.MaxRetries)

	reaperConfig := reaper.DefaultConfig()
	reaperConfig.Interval = getEnvDuration("REAPER_INTERVAL", reaperConfig.Interval)
	reaperConfig.BatchSize = getEnvInt("REAPER_BATCH_SIZE", reaperConfig.BatchSize)
	reaperConfig.LeaseTTL = getEnvDuration("REAPER_LEASE_TTL", reaperConfig.LeaseTTL)

	outboxConfig := outbox.DefaultPublisherConfig()
	outboxConfig.PollInterval = getEnvDuration("OUTBOX_POLL_INTERVAL", outboxConfig.PollInterval)
	outboxConfig.BatchSize = getEnvInt("OUTBOX_BATCH_SIZE", outboxConfig.BatchSize)

	return &Config{
		ServerAddr:   getEnv("SERVER_ADDR", ":8080"),
		StoreBackend: getEnv("STORE_BACKEND", StoreMongoDB),
		EventSink:    getEnv("EVENT_SINK", SinkKafka),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		MongoDB:      mongoConfig,
		Kafka:        kafkaConfig,
		RabbitMQ:     rabbitConfig,
		Engine:       engineConfig,
		Reaper:       reaperConfig,
		Outbox:       outboxConfig,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultValue
}
