// Package catalog provides the store-backed product lookup capability used
// by offer_product nodes.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowssist/flowssist/internal/engine"
	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/store"
)

// Service resolves products per the node's selection strategy.
type Service struct {
	products store.ProductRepo
}

var _ engine.Catalog = (*Service)(nil)

// NewService creates a catalog service over the given product repository.
func NewService(products store.ProductRepo) *Service {
	return &Service{products: products}
}

// ResolveProducts returns the active products selected by cfg, scoped to the
// tenant. Explicit id selection preserves the configured order; price-range
// results come cheapest first; type results are name-ordered.
func (s *Service) ResolveProducts(ctx context.Context, tenantID string, cfg models.OfferProductConfig) ([]models.Product, error) {
	switch cfg.Strategy {
	case models.ProductStrategyIDs:
		products, err := s.products.GetProductsByIDs(tenantID, cfg.ProductIDs)
		if err != nil {
			return nil, fmt.Errorf("products by ids: %w", err)
		}
		return products, nil

	case models.ProductStrategyPriceRange:
		maxCents := cfg.MaxPriceCents
		if maxCents == 0 {
			maxCents = int64(1)<<62 - 1
		}
		products, err := s.products.GetProductsByPriceRange(tenantID, cfg.MinPriceCents, maxCents)
		if err != nil {
			return nil, fmt.Errorf("products by price range: %w", err)
		}
		return products, nil

	case models.ProductStrategyType:
		products, err := s.products.GetProductsByType(tenantID, cfg.ProductType)
		if err != nil {
			return nil, fmt.Errorf("products by type: %w", err)
		}
		return products, nil

	default:
		slog.Error("Catalog.ResolveProducts: unknown strategy", "strategy", cfg.Strategy, "tenantID", tenantID)
		return nil, fmt.Errorf("unknown product strategy %q", cfg.Strategy)
	}
}
