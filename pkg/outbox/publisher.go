package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
)

// Publisher drains the outbox into a Sink. A row is marked published only
// after the sink acknowledged it, so a crash in between redelivers it.
type Publisher struct {
	repo    Repository
	sink    Sink
	logger  *logging.Logger
	metrics *metrics.Metrics
	config  PublisherConfig

	published atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// PublisherConfig holds configuration for the outbox publisher
type PublisherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// Retention is how long published rows are kept. Zero keeps them forever.
	Retention       time.Duration
	CleanupInterval time.Duration
}

// DefaultPublisherConfig polls every second and keeps published rows a week
func DefaultPublisherConfig() *PublisherConfig {
	return &PublisherConfig{
		PollInterval:    time.Second,
		BatchSize:       100,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// NewPublisher creates a publisher. Zero fields in config take the defaults;
// m may be nil.
func NewPublisher(repo Repository, sink Sink, logger *logging.Logger, m *metrics.Metrics, config *PublisherConfig) *Publisher {
	cfg := *DefaultPublisherConfig()
	if config != nil {
		if config.PollInterval > 0 {
			cfg.PollInterval = config.PollInterval
		}
		if config.BatchSize > 0 {
			cfg.BatchSize = config.BatchSize
		}
		if config.CleanupInterval > 0 {
			cfg.CleanupInterval = config.CleanupInterval
		}
		cfg.Retention = config.Retention
	}

	return &Publisher{
		repo:    repo,
		sink:    sink,
		logger:  logger.WithComponent("outbox-publisher"),
		metrics: m,
		config:  cfg,
	}
}

// Start launches the polling loop. It stops when ctx is done or Stop is called.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("outbox publisher already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("Starting outbox publisher", "interval", p.config.PollInterval, "batchSize", p.config.BatchSize)
	go p.run(ctx, p.stopCh, p.doneCh)
	return nil
}

// Stop ends the loop and waits for the in-flight batch to finish
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.New("outbox publisher not running")
	}
	stopCh, doneCh := p.stopCh, p.doneCh
	p.running = false
	p.mu.Unlock()

	close(stopCh)
	<-doneCh

	p.logger.Info("Outbox publisher stopped", "published", p.published.Load(), "failed", p.failed.Load())
	return nil
}

func (p *Publisher) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	poll := time.NewTicker(p.config.PollInterval)
	defer poll.Stop()
	cleanup := time.NewTicker(p.config.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-poll.C:
			p.ProcessOnce(ctx)
		case <-cleanup.C:
			p.cleanup(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ProcessOnce publishes one batch of pending rows and returns how many the
// sink accepted. Failed rows get their retry counter bumped.
func (p *Publisher) ProcessOnce(ctx context.Context) int {
	rows, err := p.repo.FindUnpublished(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.WithError(err).Error("Failed to load pending outbox rows")
		return 0
	}
	if p.metrics != nil {
		p.metrics.SetOutboxPending(len(rows))
	}

	delivered := 0
	for _, row := range rows {
		start := time.Now()
		err := p.deliver(ctx, row)
		if p.metrics != nil {
			p.metrics.RecordOutboxPublish(row.EventType, err == nil, time.Since(start))
		}

		if err != nil {
			p.failed.Add(1)
			p.logger.WithError(err).Error("Failed to publish outbox row",
				"eventId", row.ID,
				"eventType", row.EventType,
				"aggregateId", row.AggregateID,
				"retryCount", row.RetryCount,
			)
			if err := p.repo.IncrementRetry(ctx, row.ID, err.Error()); err != nil {
				p.logger.WithError(err).Error("Failed to record outbox retry", "eventId", row.ID)
			}
			continue
		}

		if err := p.repo.MarkPublished(ctx, row.ID); err != nil {
			p.logger.WithError(err).Error("Failed to mark outbox row published", "eventId", row.ID)
			continue
		}
		p.published.Add(1)
		delivered++
	}
	return delivered
}

func (p *Publisher) deliver(ctx context.Context, row *OutboxEvent) error {
	event, err := row.ToCloudEvent()
	if err != nil {
		return fmt.Errorf("failed to decode outbox payload: %w", err)
	}
	if err := p.sink.Publish(ctx, row.Destination, event); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", row.Destination, err)
	}
	p.logger.Debug("Published outbox row", "eventId", row.ID, "eventType", row.EventType, "destination", row.Destination)
	return nil
}

func (p *Publisher) cleanup(ctx context.Context) {
	if p.config.Retention <= 0 {
		return
	}
	n, err := p.repo.DeletePublished(ctx, time.Now().Add(-p.config.Retention))
	if err != nil {
		p.logger.WithError(err).Warn("Failed to delete published outbox rows")
		return
	}
	if n > 0 {
		p.logger.Info("Deleted published outbox rows", "count", n)
	}
}

// IsRunning reports whether the loop is active
func (p *Publisher) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
