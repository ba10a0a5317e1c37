// Command migrate creates the stock-engine collections and indexes and
// optionally loads a YAML seed of stock items.
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/commerce-platform/stock-engine/internal/application"
	"github.com/commerce-platform/stock-engine/internal/infrastructure/events"
	mongoStore "github.com/commerce-platform/stock-engine/internal/infrastructure/mongodb"
	"github.com/commerce-platform/stock-engine/pkg/cloudevents"
	"github.com/commerce-platform/stock-engine/pkg/logging"
	"github.com/commerce-platform/stock-engine/pkg/mongodb"
)

func main() {
	seedPath := flag.String("seed", "", "YAML file of stock items to create")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall deadline")
	flag.Parse()

	logger := logging.New(logging.DefaultConfig("stock-engine-migrate"))
	logger.SetDefault()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, *seedPath, logger); err != nil {
		logger.WithError(err).Error("Migration failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, seedPath string, logger *logging.Logger) error {
	var seed *SeedFile
	if seedPath != "" {
		var err error
		if seed, err = LoadSeedFile(seedPath); err != nil {
			return err
		}
	}

	config := mongodb.DefaultConfig()
	config.URI = getEnv("MONGODB_URI", config.URI)
	config.Database = getEnv("MONGODB_DATABASE", config.Database)
	config.ReplicaSet = getEnv("MONGODB_REPLICA_SET", "")

	client, err := mongodb.NewClient(ctx, config)
	if err != nil {
		return err
	}
	defer client.Close(context.Background())

	mapper := events.NewOutboxMapper(cloudevents.NewEventFactory(cloudevents.SourceStockEngine))
	store := mongoStore.NewStore(client, mapper, logger, nil)
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}
	logger.Info("Indexes ensured", "database", config.Database)

	if seed == nil {
		return nil
	}
	result, err := seed.Apply(ctx, application.NewAdjustmentService(store, logger, nil, nil), logger)
	if err != nil {
		return err
	}
	logger.Info("Seed applied", "created", result.Created, "skipped", result.Skipped)
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
