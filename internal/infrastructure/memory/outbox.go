package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/commerce-platform/stock-engine/pkg/outbox"
)

func copyRow(e *outbox.OutboxEvent) *outbox.OutboxEvent {
	c := *e
	if e.PublishedAt != nil {
		at := *e.PublishedAt
		c.PublishedAt = &at
	}
	return &c
}

func (s *Store) findRow(id string) *outbox.OutboxEvent {
	for _, e := range s.outbox {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// SaveAll appends rows outside of a commit
func (s *Store) SaveAll(ctx context.Context, events []*outbox.OutboxEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		s.outbox = append(s.outbox, copyRow(e))
	}
	return nil
}

// FindUnpublished returns retryable rows, oldest first
func (s *Store) FindUnpublished(ctx context.Context, limit int) ([]*outbox.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*outbox.OutboxEvent
	for _, e := range s.outbox {
		if e.ShouldRetry() {
			out = append(out, copyRow(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkPublished stamps the row as delivered
func (s *Store) MarkPublished(ctx context.Context, eventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findRow(eventID)
	if e == nil {
		return fmt.Errorf("outbox row %s: %w", eventID, outbox.ErrRowNotFound)
	}
	if e.PublishedAt == nil {
		now := time.Now().UTC()
		e.PublishedAt = &now
	}
	return nil
}

// IncrementRetry records a failed delivery
func (s *Store) IncrementRetry(ctx context.Context, eventID string, errorMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.findRow(eventID)
	if e == nil {
		return fmt.Errorf("outbox row %s: %w", eventID, outbox.ErrRowNotFound)
	}
	e.RetryCount++
	e.LastError = errorMsg
	return nil
}

// DeletePublished drops rows delivered before the cutoff
func (s *Store) DeletePublished(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.outbox[:0]
	var deleted int64
	for _, e := range s.outbox {
		if e.PublishedAt != nil && e.PublishedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.outbox = kept
	return deleted, nil
}

// FindByAggregateID returns every row for one aggregate in insertion order
func (s *Store) FindByAggregateID(ctx context.Context, aggregateID string) ([]*outbox.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*outbox.OutboxEvent
	for _, e := range s.outbox {
		if e.AggregateID == aggregateID {
			out = append(out, copyRow(e))
		}
	}
	return out, nil
}

// EventTypes lists the type of every row ever written for aggregateID.
// Used by tests asserting exactly-once emission.
func (s *Store) EventTypes(aggregateID string) []string {
	rows, _ := s.FindByAggregateID(context.Background(), aggregateID)
	out := make([]string, 0, len(rows))
	for _, e := range rows {
		out = append(out, e.EventType)
	}
	return out
}
