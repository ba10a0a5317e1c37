package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/commerce-platform/stock-engine/pkg/outbox"
)

// CollectionName holds the outbox rows next to the stock collections
const CollectionName = "stock_outbox"

// pending selects rows not yet delivered that still have attempts left
var pending = bson.M{
	"publishedAt": bson.M{"$exists": false},
	"$expr":       bson.M{"$lt": bson.A{"$retryCount", "$maxRetries"}},
}

// OutboxRepository implements outbox.Repository. Every call uses the session
// bound to ctx, so SaveAll inside a transaction commits with it.
type OutboxRepository struct {
	collection *mongo.Collection
}

func NewOutboxRepository(db *mongo.Database) *OutboxRepository {
	return &OutboxRepository{collection: db.Collection(CollectionName)}
}

func (r *OutboxRepository) SaveAll(ctx context.Context, events []*outbox.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(events))
	for _, e := range events {
		docs = append(docs, e)
	}
	if _, err := r.collection.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert outbox rows: %w", err)
	}
	return nil
}

// FindUnpublished returns pending rows, oldest first
func (r *OutboxRepository) FindUnpublished(ctx context.Context, limit int) ([]*outbox.OutboxEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))
	return r.find(ctx, pending, opts)
}

// FindByAggregateID returns every row written for one stock item or reservation
func (r *OutboxRepository) FindByAggregateID(ctx context.Context, aggregateID string) ([]*outbox.OutboxEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	return r.find(ctx, bson.M{"aggregateId": aggregateID}, opts)
}

func (r *OutboxRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*outbox.OutboxEvent, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []*outbox.OutboxEvent
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode outbox rows: %w", err)
	}
	return rows, nil
}

// MarkPublished stamps the row. Marking an already published row is a no-op.
func (r *OutboxRepository) MarkPublished(ctx context.Context, eventID string) error {
	return r.update(ctx, eventID, bson.M{"$set": bson.M{"publishedAt": time.Now().UTC()}})
}

// IncrementRetry records a failed delivery attempt
func (r *OutboxRepository) IncrementRetry(ctx context.Context, eventID string, errorMsg string) error {
	return r.update(ctx, eventID, bson.M{
		"$inc": bson.M{"retryCount": 1},
		"$set": bson.M{"lastError": errorMsg},
	})
}

func (r *OutboxRepository) update(ctx context.Context, eventID string, change bson.M) error {
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": eventID, "publishedAt": bson.M{"$exists": false}}, change)
	if err != nil {
		return fmt.Errorf("failed to update outbox row %s: %w", eventID, err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	n, err := r.collection.CountDocuments(ctx, bson.M{"_id": eventID})
	if err != nil {
		return fmt.Errorf("failed to look up outbox row %s: %w", eventID, err)
	}
	if n == 0 {
		return fmt.Errorf("outbox row %s: %w", eventID, outbox.ErrRowNotFound)
	}
	return nil
}

// DeletePublished removes rows delivered before the cutoff
func (r *OutboxRepository) DeletePublished(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"publishedAt": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete published outbox rows: %w", err)
	}
	return result.DeletedCount, nil
}

// EnsureIndexes backs the pending scan, the cleanup and the per-aggregate lookup
func (r *OutboxRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "publishedAt", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("publishedAt_createdAt"),
		},
		{
			Keys:    bson.D{{Key: "aggregateId", Value: 1}, {Key: "createdAt", Value: 1}},
			Options: options.Index().SetName("aggregateId_createdAt"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create outbox indexes: %w", err)
	}
	return nil
}
