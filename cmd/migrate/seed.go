package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/commerce-platform/stock-engine/internal/application"
	"github.com/commerce-platform/stock-engine/internal/domain"
	"github.com/commerce-platform/stock-engine/pkg/logging"
)

// SeedFile lists the stock items to create on a fresh database
type SeedFile struct {
	Items []SeedItem `yaml:"items" validate:"required,min=1,dive"`
}

// SeedItem is one stock item in a seed file
type SeedItem struct {
	ProductID        string `yaml:"productId" validate:"required"`
	SKU              string `yaml:"sku" validate:"required"`
	LocationID       string `yaml:"locationId"`
	OnHand           int    `yaml:"onHand" validate:"min=0"`
	ReorderThreshold int    `yaml:"reorderThreshold" validate:"min=0"`
	MaxStockLevel    int    `yaml:"maxStockLevel" validate:"min=0"`
}

// SeedResult counts what a seed run did
type SeedResult struct {
	Created int
	Skipped int
}

// LoadSeed decodes and validates a seed document
func LoadSeed(r io.Reader) (*SeedFile, error) {
	var seed SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}
	if err := validator.New().Struct(&seed); err != nil {
		return nil, fmt.Errorf("invalid seed file: %w", err)
	}

	seen := make(map[string]bool, len(seed.Items))
	for _, item := range seed.Items {
		key := item.ProductID + "@" + item.LocationID
		if seen[key] {
			return nil, fmt.Errorf("invalid seed file: product %s listed twice for location %q", item.ProductID, item.LocationID)
		}
		seen[key] = true
	}
	return &seed, nil
}

// LoadSeedFile opens path and passes it to LoadSeed
func LoadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}

// Apply creates every item that does not exist yet. Existing items are left
// untouched so the seed can be re-run safely.
func (s *SeedFile) Apply(ctx context.Context, service *application.AdjustmentService, logger *logging.Logger) (*SeedResult, error) {
	result := &SeedResult{}
	for _, item := range s.Items {
		_, err := service.CreateStockItem(ctx, application.CreateStockItemCommand{
			ProductID:        item.ProductID,
			SKU:              item.SKU,
			LocationID:       item.LocationID,
			OnHand:           item.OnHand,
			ReorderThreshold: item.ReorderThreshold,
			MaxStockLevel:    item.MaxStockLevel,
		})
		switch {
		case errors.Is(err, domain.ErrStockItemExists):
			result.Skipped++
			logger.Debug("Stock item already present", "productId", item.ProductID, "locationId", item.LocationID)
		case err != nil:
			return result, fmt.Errorf("seed %s: %w", item.ProductID, err)
		default:
			result.Created++
		}
	}
	return result, nil
}
