// Package pricing implements converting a UsageSnapshot into a dollar
// cost using the tiered per-token rates from a ModelPricing row. The
// tier-capacity algorithm lives as methods on domain.ModelPricingTier;
// this package only does the per-token-type summation and the
// exact-match pricing lookup.
package pricing

import (
	"context"
	"fmt"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

// Calculator looks up ModelPricing rows and prices a UsageSnapshot
// against them.
type Calculator struct {
	repo store.Repository
}

func NewCalculator(repo store.Repository) *Calculator {
	return &Calculator{repo: repo}
}

// Cost returns the total price for usage under model, or (nil, nil) if
// no pricing row matches — an unpriced model has an absent cost, not a
// zero one, so callers must not conflate the two.
func (c *Calculator) Cost(ctx context.Context, providerTypeID int64, usage domain.UsageSnapshot) (*float64, error) {
	if usage.Model == nil {
		return nil, nil
	}
	mp, err := c.repo.GetModelPricing(ctx, providerTypeID, *usage.Model)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("pricing: lookup %s: %w", *usage.Model, err)
	}

	total := 0.0
	total += costFor(mp, domain.TokenTypePrompt, usage.PromptTokens)
	total += costFor(mp, domain.TokenTypeCompletion, usage.CompletionTokens)
	total += costFor(mp, domain.TokenTypeCacheCreate, usage.CacheCreateTokens)
	total += costFor(mp, domain.TokenTypeCacheRead, usage.CacheReadTokens)
	return &total, nil
}

func costFor(mp *domain.ModelPricing, tokenType domain.TokenType, amount *int64) float64 {
	if amount == nil || *amount <= 0 {
		return 0
	}
	total := 0.0
	for _, tier := range mp.Tiers {
		if tier.TokenType != tokenType {
			continue
		}
		tokensInTier := tier.TokensInTier(*amount)
		total += float64(tokensInTier) * tier.PricePerToken
	}
	return total
}
