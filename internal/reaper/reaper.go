package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
)

// Finder lists Active reservations whose deadline has passed
type Finder interface {
	FindExpiredReservations(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error)
}

// Expirer closes one overdue reservation. It reports false when there was
// nothing to do.
type Expirer interface {
	Expire(ctx context.Context, reservationID string) (bool, error)
}

// Lease guards a sweep across processes. A sweep is skipped when another
// holder owns the lease.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Config holds reaper configuration
type Config struct {
	Interval  time.Duration
	BatchSize int
	LeaseTTL  time.Duration
	Clock     func() time.Time
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Interval:  10 * time.Second,
		BatchSize: 100,
		LeaseTTL:  30 * time.Second,
		Clock:     time.Now,
	}
}

// Reaper periodically expires overdue reservations
type Reaper struct {
	finder  Finder
	expirer Expirer
	lease   Lease
	logger  *logging.Logger
	metrics *metrics.Metrics
	config  Config

	flight singleflight.Group

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a new Reaper. metrics and lease may be nil.
func New(finder Finder, expirer Expirer, lease Lease, logger *logging.Logger, m *metrics.Metrics, config *Config) *Reaper {
	cfg := *DefaultConfig()
	if config != nil {
		if config.Interval > 0 {
			cfg.Interval = config.Interval
		}
		if config.BatchSize > 0 {
			cfg.BatchSize = config.BatchSize
		}
		if config.LeaseTTL > 0 {
			cfg.LeaseTTL = config.LeaseTTL
		}
		if config.Clock != nil {
			cfg.Clock = config.Clock
		}
	}

	return &Reaper{
		finder:  finder,
		expirer: expirer,
		lease:   lease,
		logger:  logger.WithComponent("expiry-reaper"),
		metrics: m,
		config:  cfg,
	}
}

// Start launches the sweep loop
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("reaper already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})

	r.logger.Info("Starting expiry reaper", "interval", r.config.Interval, "batchSize", r.config.BatchSize)
	go r.run(ctx, r.stopCh, r.stoppedCh)
	return nil
}

// Stop signals the loop and waits for an in-progress sweep to finish
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper not running")
	}
	stopCh, stoppedCh := r.stopCh, r.stoppedCh
	r.mu.Unlock()

	close(stopCh)
	<-stoppedCh

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.logger.Info("Expiry reaper stopped")
	return nil
}

// IsRunning returns whether the loop is active
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reaper) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.WithError(err).Warn("Expiry sweep finished with errors")
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one pass and returns how many reservations it expired.
// Concurrent callers share the result of a single in-flight pass.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	v, err, _ := r.flight.Do("sweep", func() (any, error) {
		return r.sweep(ctx)
	})
	n, _ := v.(int)
	return n, err
}

func (r *Reaper) sweep(ctx context.Context) (int, error) {
	if r.lease != nil {
		ok, err := r.lease.Acquire(ctx, r.config.LeaseTTL)
		if err != nil {
			r.record("lease_error", 0)
			return 0, fmt.Errorf("acquire reaper lease: %w", err)
		}
		if !ok {
			r.record("skipped", 0)
			r.logger.Debug("Expiry sweep skipped, lease held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := r.lease.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.WithError(err).Warn("Failed to release reaper lease")
			}
		}()
	}

	due, err := r.finder.FindExpiredReservations(ctx, r.config.Clock(), r.config.BatchSize)
	if err != nil {
		r.record("error", 0)
		return 0, fmt.Errorf("list overdue reservations: %w", err)
	}

	expired := 0
	var errs []error
	for _, res := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ok, err := r.expirer.Expire(ctx, res.ID)
		if err != nil {
			r.logger.WithError(err).Error("Failed to expire reservation", "reservationId", res.ID)
			errs = append(errs, fmt.Errorf("reservation %s: %w", res.ID, err))
			continue
		}
		if ok {
			expired++
		}
	}

	outcome := "success"
	if len(errs) > 0 {
		outcome = "partial"
	}
	r.record(outcome, expired)

	if len(due) > 0 {
		r.logger.Info("Expiry sweep complete", "due", len(due), "expired", expired, "failed", len(errs))
	}
	return expired, errors.Join(errs...)
}

func (r *Reaper) record(outcome string, expired int) {
	if r.metrics != nil {
		r.metrics.RecordReaperSweep(outcome, expired)
	}
}
