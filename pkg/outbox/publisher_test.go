package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
	"github.com/commerce-platform/stock-engine/pkg/logging"
)

type fakeRepo struct {
	mu     sync.Mutex
	events map[string]*OutboxEvent
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{events: map[string]*OutboxEvent{}}
}

func (r *fakeRepo) SaveAll(_ context.Context, events []*OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		r.events[e.ID] = e
	}
	return nil
}

func (r *fakeRepo) FindUnpublished(_ context.Context, limit int) ([]*OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*OutboxEvent
	for _, e := range r.events {
		if e.ShouldRetry() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) MarkPublished(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.events[id].PublishedAt = &now
	return nil
}

func (r *fakeRepo) IncrementRetry(_ context.Context, id string, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[id].RetryCount++
	r.events[id].LastError = msg
	return nil
}

func (r *fakeRepo) DeletePublished(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, e := range r.events {
		if e.PublishedAt != nil && e.PublishedAt.Before(before) {
			delete(r.events, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRepo) FindByAggregateID(_ context.Context, id string) ([]*OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*OutboxEvent
	for _, e := range r.events {
		if e.AggregateID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []string
	failFor   map[string]bool
}

func (s *fakeSink) Publish(_ context.Context, destination string, e *cloudevents.StockCloudEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[e.Type] {
		return errors.New("unavailable")
	}
	s.delivered = append(s.delivered, destination+"/"+e.Type)
	return nil
}

func newEvent(t *testing.T, eventType string) *OutboxEvent {
	t.Helper()
	ce := cloudevents.NewEventFactory(cloudevents.SourceStockEngine).CreateEvent(context.Background(), eventType, "stock/SI-1", nil)
	e, err := NewOutboxEventFromCloudEvent("SI-1", "StockItem", "commerce.stock.items", ce)
	require.NoError(t, err)
	return e
}

func TestPublisher_ProcessOnce_MarksDeliveredAndRetriesFailures(t *testing.T) {
	repo := newFakeRepo()
	ok, bad := newEvent(t, "ok"), newEvent(t, "bad")
	require.NoError(t, repo.SaveAll(context.Background(), []*OutboxEvent{ok, bad}))

	sink := &fakeSink{failFor: map[string]bool{"bad": true}}
	p := NewPublisher(repo, sink, logging.NewNop(), nil, &PublisherConfig{PollInterval: time.Hour, BatchSize: 10})

	delivered := p.ProcessOnce(context.Background())

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"commerce.stock.items/ok"}, sink.delivered)
	assert.True(t, repo.events[ok.ID].IsPublished())
	assert.Equal(t, 1, repo.events[bad.ID].RetryCount)
	assert.Equal(t, int64(1), p.published.Load())
	assert.Equal(t, int64(1), p.failed.Load())
}

func TestPublisher_StopsRetryingAfterMaxRetries(t *testing.T) {
	repo := newFakeRepo()
	bad := newEvent(t, "bad")
	bad.MaxRetries = 2
	require.NoError(t, repo.SaveAll(context.Background(), []*OutboxEvent{bad}))

	p := NewPublisher(repo, &fakeSink{failFor: map[string]bool{"bad": true}}, logging.NewNop(), nil, nil)
	for i := 0; i < 5; i++ {
		p.ProcessOnce(context.Background())
	}

	assert.Equal(t, 2, repo.events[bad.ID].RetryCount)
}

func TestPublisher_StartStop(t *testing.T) {
	repo := newFakeRepo()
	require.NoError(t, repo.SaveAll(context.Background(), []*OutboxEvent{newEvent(t, "ok")}))
	sink := &fakeSink{}
	p := NewPublisher(repo, sink, logging.NewNop(), nil, &PublisherConfig{PollInterval: 5 * time.Millisecond, BatchSize: 10})

	require.NoError(t, p.Start(context.Background()))
	assert.Error(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.delivered) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop())
	assert.False(t, p.IsRunning())
}

func TestPublisher_Restartable(t *testing.T) {
	p := NewPublisher(newFakeRepo(), &fakeSink{}, logging.NewNop(), nil, &PublisherConfig{PollInterval: 5 * time.Millisecond})

	for i := 0; i < 2; i++ {
		require.NoError(t, p.Start(context.Background()))
		assert.True(t, p.IsRunning())
		require.NoError(t, p.Stop())
	}
	assert.Error(t, p.Stop())
}
