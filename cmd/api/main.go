package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/commerce-platform/stock-engine/internal/application"
	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/events"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/memory"
	mongoStore "github.com/commerce-platform/stock-engine/internal/infrastructure/mongodb"
	redisLease "github.com/commerce-platform/stock-engine/internal/infrastructure/redis"
	"github.com/commerce-platform/stock-engine/internal/reaper"
	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
	"github.com/commerce-platform/stock-engine/pkg/kafka"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
	"github.com/commerce-platform/stock-engine/pkg/middleware"
	"github.com/commerce-platform/stock-engine/pkg/mongodb"
	"github.com/commerce-platform/stock-engine/pkg/outbox"
	"github.com/commerce-platform/stock-engine/pkg/rabbitmq"
	"github.com/commerce-platform/stock-engine/pkg/tracing"
)

const serviceName = "stock-engine"

func main() {
	logger := logging.New(logging.DefaultConfig(serviceName))
	logger.SetDefault()

	logger.Info("Starting stock-engine API")

	config := loadConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry tracing
	tracingConfig := tracing.DefaultConfig(serviceName)
	tracingConfig.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	tracingConfig.Environment = getEnv("ENVIRONMENT", "development")
	tracingConfig.Enabled = getEnv("TRACING_ENABLED", "true") == "true"

	tracerProvider, err := tracing.Initialize(ctx, tracingConfig)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize tracing")
	} else if tracerProvider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Error("Failed to shutdown tracer")
			}
		}()
		logger.Info("Tracing initialized", "endpoint", tracingConfig.OTLPEndpoint)
	}

	m := metrics.New(metrics.DefaultConfig(serviceName))

	mapper := events.NewOutboxMapper(cloudevents.NewEventFactory(cloudevents.SourceStockEngine))

	var (
		store      domain.Store
		outboxRepo outbox.Repository
		readyCheck = func(context.Context) error { return nil }
	)
	switch config.StoreBackend {
	case StoreMemory:
		mem := memory.NewStore(mapper)
		store, outboxRepo = mem, mem
		logger.Warn("Using in-memory store; state is lost on restart")
	default:
		mongoClient, err := mongodb.NewClient(ctx, config.MongoDB)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to MongoDB")
			os.Exit(1)
		}
		defer mongoClient.Close(context.Background())

		ms := mongoStore.NewStore(mongoClient, mapper, logger, m)
		if err := ms.EnsureIndexes(ctx); err != nil {
			logger.WithError(err).Error("Failed to create indexes")
			os.Exit(1)
		}
		store, outboxRepo = ms, ms.Outbox()
		readyCheck = mongoClient.HealthCheck
		logger.Info("Connected to MongoDB", "database", config.MongoDB.Database)
	}

	sink, closeSink, err := newSink(ctx, config, m, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize event sink")
		os.Exit(1)
	}
	defer closeSink()

	outboxPublisher := outbox.NewPublisher(outboxRepo, sink, logger, m, config.Outbox)
	if err := outboxPublisher.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start outbox publisher")
		os.Exit(1)
	}
	defer outboxPublisher.Stop()

	svc := &services{
		reservations: application.NewReservationManager(store, logger, m, config.Engine),
		adjustments:  application.NewAdjustmentService(store, logger, m, config.Engine),
		queries:      application.NewStockQueryService(store, logger),
	}

	var lease reaper.Lease
	if config.RedisAddr != "" {
		redisClient, err := redisLease.NewClient(ctx, config.RedisAddr)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to Redis")
			os.Exit(1)
		}
		defer redisClient.Close()
		l := redisLease.NewLease(redisClient, redisLease.DefaultLeaseKey, "")
		lease = l
		logger.Info("Reaper lease enabled", "addr", config.RedisAddr, "owner", l.Owner())
	}

	expiryReaper := reaper.New(store, svc.reservations, lease, logger, m, config.Reaper)
	if err := expiryReaper.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start expiry reaper")
		os.Exit(1)
	}
	defer expiryReaper.Stop()

	router := newRouter(svc, m, logger, readyCheck)

	srv := &http.Server{
		Addr:         config.ServerAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
		}
	}()
	logger.Info("Server started", "addr", config.ServerAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped")
}

func newRouter(svc *services, m *metrics.Metrics, logger *logging.Logger, readyCheck func(context.Context) error) *gin.Engine {
	router := gin.New()
	middleware.Setup(router, middleware.DefaultConfig(serviceName, logger.Logger))
	router.Use(middleware.MetricsMiddleware(m))
	router.Use(middleware.Tracing(serviceName))

	router.NoRoute(middleware.NoRoute())
	router.NoMethod(middleware.NoMethod())

	router.GET("/health", middleware.HealthCheck(serviceName))
	router.GET("/ready", middleware.ReadinessCheck(serviceName, readyCheck))
	router.GET("/metrics", middleware.MetricsEndpoint(m))

	registerRoutes(router, svc, logger)
	return router
}

// newSink builds the broker the outbox drains into, behind a circuit breaker
func newSink(ctx context.Context, config *Config, m *metrics.Metrics, logger *logging.Logger) (outbox.Sink, func(), error) {
	switch config.EventSink {
	case SinkRabbitMQ:
		publisher, err := rabbitmq.NewPublisher(ctx, config.RabbitMQ, m, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("RabbitMQ publisher initialized", "exchange", config.RabbitMQ.Exchange)
		closer := func() {
			if err := publisher.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close rabbitmq publisher")
			}
		}
		return outbox.NewCircuitBreakerSink(SinkRabbitMQ, publisher, logger, m), closer, nil

	case SinkKafka:
		producer := kafka.NewProducer(config.Kafka)
		instrumented := kafka.NewInstrumentedProducer(producer, m, logger)
		logger.Info("Kafka producer initialized", "brokers", config.Kafka.Brokers)
		closer := func() {
			if err := producer.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close kafka producer")
			}
		}
		return outbox.NewCircuitBreakerSink(SinkKafka, instrumented, logger, m), closer, nil

	default:
		return nil, nil, fmt.Errorf("unknown EVENT_SINK %q", config.EventSink)
	}
}
