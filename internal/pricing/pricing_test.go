package pricing

import (
	"context"
	"testing"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

// stubRepo implements only GetModelPricing; embedding the interface
// lets the rest panic if a test ever exercises them by mistake.
type stubRepo struct {
	store.Repository
	pricing *domain.ModelPricing
	err     error
}

func (s *stubRepo) GetModelPricing(ctx context.Context, providerTypeID int64, modelName string) (*domain.ModelPricing, error) {
	return s.pricing, s.err
}

func ptr(v int64) *int64 { return &v }

func TestCostTieredPrompt(t *testing.T) {
	model := "gpt-5"
	mp := &domain.ModelPricing{
		ModelName: model,
		Tiers: []domain.ModelPricingTier{
			{TokenType: domain.TokenTypePrompt, MinTokens: 0, MaxTokens: ptr(999), PricePerToken: 0.000002},
			{TokenType: domain.TokenTypePrompt, MinTokens: 1000, MaxTokens: nil, PricePerToken: 0.000001},
		},
	}
	c := NewCalculator(&stubRepo{pricing: mp})

	usage := domain.UsageSnapshot{Model: &model, PromptTokens: ptr(1500)}
	cost, err := c.Cost(context.Background(), 1, usage)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if cost == nil {
		t.Fatal("expected non-nil cost")
	}
	want := 1000*0.000002 + 500*0.000001
	if diff := *cost - want; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("cost = %v, want %v", *cost, want)
	}
}

func TestCostAbsentWhenUnpriced(t *testing.T) {
	c := NewCalculator(&stubRepo{err: store.ErrNotFound})
	model := "unknown-model"
	usage := domain.UsageSnapshot{Model: &model, PromptTokens: ptr(10)}
	cost, err := c.Cost(context.Background(), 1, usage)
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if cost != nil {
		t.Fatalf("expected absent cost, got %v", *cost)
	}
}

func TestCostNoModel(t *testing.T) {
	c := NewCalculator(&stubRepo{})
	cost, err := c.Cost(context.Background(), 1, domain.UsageSnapshot{})
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if cost != nil {
		t.Fatalf("expected absent cost, got %v", *cost)
	}
}
