package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/events"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/metrics"
	pkgmongo "github.com/commerce-platform/stock-engine/pkg/mongodb"
	"github.com/commerce-platform/stock-engine/pkg/outbox"
	outboxMongo "github.com/commerce-platform/stock-engine/pkg/outbox/mongodb"
)

// Collection names
const (
	StockItemsCollection   = "stock_items"
	ReservationsCollection = "reservations"
	LedgerCollection       = "ledger_entries"
)

// ledgerDocument stores an entry with the item version its commit produced,
// which orders entries of one item even when they share a timestamp
type ledgerDocument struct {
	domain.LedgerEntry `bson:",inline"`
	ItemVersion        int64 `bson:"itemVersion"`
}

// Store implements domain.Store on MongoDB. Commit runs in a multi-document
// transaction, so the deployment must be a replica set.
type Store struct {
	client       *pkgmongo.Client
	items        *mongo.Collection
	reservations *mongo.Collection
	ledger       *mongo.Collection
	outboxRepo   *outboxMongo.OutboxRepository
	mapper       *events.OutboxMapper
	logger       *logging.Logger
	metrics      *metrics.Metrics
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a new Store. metrics may be nil.
func NewStore(client *pkgmongo.Client, mapper *events.OutboxMapper, logger *logging.Logger, m *metrics.Metrics) *Store {
	db := client.Database()
	return &Store{
		client:       client,
		items:        db.Collection(StockItemsCollection),
		reservations: db.Collection(ReservationsCollection),
		ledger:       db.Collection(LedgerCollection),
		outboxRepo:   outboxMongo.NewOutboxRepository(db),
		mapper:       mapper,
		logger:       logger.WithComponent("mongodb-store"),
		metrics:      m,
	}
}

// Outbox returns the outbox repository sharing this store's database
func (s *Store) Outbox() outbox.Repository {
	return s.outboxRepo
}

// EnsureIndexes creates every index the store relies on, including the
// unique ones that back its guards
func (s *Store) EnsureIndexes(ctx context.Context) error {
	plan := map[*mongo.Collection][]mongo.IndexModel{
		s.items: {
			{Keys: bson.D{{Key: "productId", Value: 1}, {Key: "locationId", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "sku", Value: 1}}},
		},
		s.reservations: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}}},
			{Keys: bson.D{{Key: "referenceId", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		s.ledger: {
			{Keys: bson.D{{Key: "stockItemId", Value: 1}, {Key: "itemVersion", Value: -1}}},
			{Keys: bson.D{{Key: "idempotencyKey", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
			{Keys: bson.D{{Key: "referenceId", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
	}
	for coll, models := range plan {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
		}
	}
	if err := s.outboxRepo.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("failed to create outbox indexes: %w", err)
	}
	return nil
}

func (s *Store) observe(ctx context.Context, collection, operation string, start time.Time, err error) {
	success := err == nil || errors.Is(err, mongo.ErrNoDocuments)
	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordMongoDBOperation(collection, operation, success, duration)
	}
	s.logger.DatabaseQuery(ctx, collection, operation, duration, success)
}

// CreateStockItem inserts a new item
func (s *Store) CreateStockItem(ctx context.Context, item *domain.StockItem) (err error) {
	defer func(start time.Time) { s.observe(ctx, StockItemsCollection, "insert", start, err) }(time.Now())

	if _, err = s.items.InsertOne(ctx, item); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("product %s at %q: %w", item.ProductID, item.LocationID, domain.ErrStockItemExists)
		}
		return fmt.Errorf("failed to insert stock item: %w", err)
	}
	return nil
}

func (s *Store) findItem(ctx context.Context, filter bson.M) (item *domain.StockItem, err error) {
	defer func(start time.Time) { s.observe(ctx, StockItemsCollection, "findOne", start, err) }(time.Now())

	item = &domain.StockItem{}
	if err = s.items.FindOne(ctx, filter).Decode(item); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrStockItemNotFound
		}
		return nil, fmt.Errorf("failed to find stock item: %w", err)
	}
	return item, nil
}

// GetStockItem loads an item by id
func (s *Store) GetStockItem(ctx context.Context, id string) (*domain.StockItem, error) {
	return s.findItem(ctx, bson.M{"_id": id})
}

// FindStockItemByProduct loads the item for a product at a location
func (s *Store) FindStockItemByProduct(ctx context.Context, productID, locationID string) (*domain.StockItem, error) {
	return s.findItem(ctx, bson.M{"productId": productID, "locationId": locationID})
}

// GetReservation loads a reservation by id
func (s *Store) GetReservation(ctx context.Context, id string) (res *domain.Reservation, err error) {
	defer func(start time.Time) { s.observe(ctx, ReservationsCollection, "findOne", start, err) }(time.Now())

	res = &domain.Reservation{}
	if err = s.reservations.FindOne(ctx, bson.M{"_id": id}).Decode(res); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return res, nil
}

// FindExpiredReservations lists Active reservations due at now, oldest deadline first
func (s *Store) FindExpiredReservations(ctx context.Context, now time.Time, limit int) (due []*domain.Reservation, err error) {
	defer func(start time.Time) { s.observe(ctx, ReservationsCollection, "find", start, err) }(time.Now())

	filter := bson.M{
		"status":    domain.ReservationStatusActive,
		"expiresAt": bson.M{"$lte": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expiresAt", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.reservations.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired reservations: %w", err)
	}
	defer cursor.Close(ctx)

	if err = cursor.All(ctx, &due); err != nil {
		return nil, fmt.Errorf("failed to decode reservations: %w", err)
	}
	return due, nil
}

// FindLedgerEntries returns an item's entries newest first
func (s *Store) FindLedgerEntries(ctx context.Context, stockItemID string, limit int) (entries []*domain.LedgerEntry, err error) {
	defer func(start time.Time) { s.observe(ctx, LedgerCollection, "find", start, err) }(time.Now())

	opts := options.Find().SetSort(bson.D{{Key: "itemVersion", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.ledger.Find(ctx, bson.M{"stockItemId": stockItemID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find ledger entries: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []ledgerDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entries: %w", err)
	}
	entries = make([]*domain.LedgerEntry, len(docs))
	for i := range docs {
		entries[i] = &docs[i].LedgerEntry
	}
	return entries, nil
}

// FindLedgerEntryByIdempotencyKey returns nil, nil when no entry carries key
func (s *Store) FindLedgerEntryByIdempotencyKey(ctx context.Context, key string) (entry *domain.LedgerEntry, err error) {
	defer func(start time.Time) { s.observe(ctx, LedgerCollection, "findOne", start, err) }(time.Now())

	var doc ledgerDocument
	if err = s.ledger.FindOne(ctx, bson.M{"idempotencyKey": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find ledger entry: %w", err)
	}
	return &doc.LedgerEntry, nil
}

// Commit applies cs in one transaction: a version-guarded $inc per item in
// id order, the ledger inserts, the reservation write and the outbox rows
func (s *Store) Commit(ctx context.Context, cs *domain.ChangeSet) (err error) {
	defer func(start time.Time) { s.observe(ctx, StockItemsCollection, "commit", start, err) }(time.Now())

	cs.Sort()
	rows, err := s.mapper.ToOutbox(ctx, cs.Events)
	if err != nil {
		return err
	}

	return s.client.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		for _, change := range cs.Items {
			if err := s.applyItemChange(sessCtx, change, cs.At); err != nil {
				return err
			}
		}

		if cs.Reservation != nil {
			if err := s.writeReservation(sessCtx, cs.Reservation); err != nil {
				return err
			}
		}

		if err := s.outboxRepo.SaveAll(sessCtx, rows); err != nil {
			return fmt.Errorf("failed to save outbox events: %w", err)
		}
		return nil
	})
}

func (s *Store) applyItemChange(sessCtx mongo.SessionContext, change domain.ItemChange, at time.Time) error {
	result, err := s.items.UpdateOne(sessCtx,
		bson.M{"_id": change.StockItemID, "version": change.ExpectedVersion},
		bson.M{
			"$inc": bson.M{"onHand": change.OnHandDelta, "reserved": change.ReservedDelta, "version": 1},
			"$set": bson.M{"updatedAt": at},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to update stock item %s: %w", change.StockItemID, err)
	}
	if result.MatchedCount == 0 {
		return &domain.VersionConflictError{StockItemID: change.StockItemID}
	}

	if len(change.Entries) == 0 {
		return nil
	}
	docs := make([]interface{}, len(change.Entries))
	for i, entry := range change.Entries {
		docs[i] = ledgerDocument{LedgerEntry: *entry, ItemVersion: change.ExpectedVersion + 1}
	}
	if _, err := s.ledger.InsertMany(sessCtx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert ledger entries: %w", err)
	}
	return nil
}

func (s *Store) writeReservation(sessCtx mongo.SessionContext, change *domain.ReservationChange) error {
	res := change.Reservation
	if change.ExpectedStatus == "" {
		if _, err := s.reservations.InsertOne(sessCtx, res); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("reservation %s already exists: %w", res.ID, domain.ErrReservationStateChanged)
			}
			return fmt.Errorf("failed to insert reservation: %w", err)
		}
		return nil
	}

	filter := bson.M{"_id": res.ID, "status": change.ExpectedStatus, "revision": change.ExpectedRevision}
	result, err := s.reservations.ReplaceOne(sessCtx, filter, res)
	if err != nil {
		return fmt.Errorf("failed to replace reservation: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}

	n, err := s.reservations.CountDocuments(sessCtx, bson.M{"_id": res.ID})
	if err != nil {
		return fmt.Errorf("failed to check reservation: %w", err)
	}
	if n == 0 {
		return domain.ErrReservationNotFound
	}
	return fmt.Errorf("reservation %s is no longer %s at revision %d: %w", res.ID, change.ExpectedStatus, change.ExpectedRevision, domain.ErrReservationStateChanged)
}
