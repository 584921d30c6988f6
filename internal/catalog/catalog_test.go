package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/flowssist/flowssist/internal/models"
	"github.com/flowssist/flowssist/internal/store"
)

func seededService(t *testing.T) *Service {
	t.Helper()
	st := store.NewInMemoryStore()
	now := time.Now()
	products := []models.Product{
		{ID: "p1", TenantID: "t1", Name: "Basic", Type: "plan", PriceCents: 999, Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "p2", TenantID: "t1", Name: "Pro", Type: "plan", PriceCents: 2999, Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "p3", TenantID: "t1", Name: "Mug", Type: "merch", PriceCents: 1500, Active: true, CreatedAt: now, UpdatedAt: now},
		{ID: "p4", TenantID: "t1", Name: "Retired", Type: "plan", PriceCents: 500, Active: false, CreatedAt: now, UpdatedAt: now},
	}
	for _, p := range products {
		if err := st.SaveProduct(p); err != nil {
			t.Fatalf("seed product %s: %v", p.ID, err)
		}
	}
	return NewService(st)
}

func TestResolveByIDs(t *testing.T) {
	svc := seededService(t)
	got, err := svc.ResolveProducts(context.Background(), "t1", models.OfferProductConfig{
		Strategy:   models.ProductStrategyIDs,
		ProductIDs: []string{"p2", "p4", "p1"},
	})
	if err != nil {
		t.Fatalf("ResolveProducts failed: %v", err)
	}
	// Configured order preserved; inactive p4 dropped.
	if len(got) != 2 || got[0].ID != "p2" || got[1].ID != "p1" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestResolveByPriceRange(t *testing.T) {
	svc := seededService(t)
	got, err := svc.ResolveProducts(context.Background(), "t1", models.OfferProductConfig{
		Strategy:      models.ProductStrategyPriceRange,
		MinPriceCents: 1000,
		MaxPriceCents: 3000,
	})
	if err != nil {
		t.Fatalf("ResolveProducts failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p3" || got[1].ID != "p2" {
		t.Errorf("expected cheapest-first p3,p2, got %+v", got)
	}
}

func TestResolveByPriceRangeOpenEnded(t *testing.T) {
	svc := seededService(t)
	got, err := svc.ResolveProducts(context.Background(), "t1", models.OfferProductConfig{
		Strategy:      models.ProductStrategyPriceRange,
		MinPriceCents: 1000,
	})
	if err != nil {
		t.Fatalf("ResolveProducts failed: %v", err)
	}
	// A zero max means no upper bound.
	if len(got) != 2 {
		t.Errorf("expected 2 products with open max, got %+v", got)
	}
}

func TestResolveByType(t *testing.T) {
	svc := seededService(t)
	got, err := svc.ResolveProducts(context.Background(), "t1", models.OfferProductConfig{
		Strategy:    models.ProductStrategyType,
		ProductType: "plan",
	})
	if err != nil {
		t.Fatalf("ResolveProducts failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 active plans, got %+v", got)
	}
}

func TestResolveUnknownStrategy(t *testing.T) {
	svc := seededService(t)
	if _, err := svc.ResolveProducts(context.Background(), "t1", models.OfferProductConfig{Strategy: "nope"}); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
