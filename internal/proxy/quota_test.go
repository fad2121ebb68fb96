package proxy

import (
	"context"
	"testing"

	"github.com/aiproxy-dev/relay/internal/cache"
	"github.com/aiproxy-dev/relay/internal/domain"
)

func intPtr(v int) *int             { return &v }
func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }

func TestQuotaGateRequestsPerMinute(t *testing.T) {
	c := cache.NewMemoryCache(1000)
	defer c.Close()
	g := NewQuotaGate(c)
	api := &domain.UserServiceApi{ID: 1, MaxRequestPerMin: intPtr(2)}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if reason, err := g.CheckRequest(ctx, api); err != nil || reason != "" {
			t.Fatalf("attempt %d: expected pass, got reason=%q err=%v", i, reason, err)
		}
	}
	reason, err := g.CheckRequest(ctx, api)
	if err != nil {
		t.Fatalf("CheckRequest: %v", err)
	}
	if reason != QuotaRequestsPerMinute {
		t.Fatalf("expected QuotaRequestsPerMinute, got %q", reason)
	}
}

func TestQuotaGateDailyCostLimit(t *testing.T) {
	c := cache.NewMemoryCache(1000)
	defer c.Close()
	g := NewQuotaGate(c)
	api := &domain.UserServiceApi{ID: 7, MaxCostPerDay: float64Ptr(1.0)}
	ctx := context.Background()

	if reason, err := g.CheckDailyTotals(ctx, api); err != nil || reason != "" {
		t.Fatalf("expected no quota hit before any spend, got reason=%q err=%v", reason, err)
	}

	if err := g.RecordCompletion(ctx, api.ID, 100, 1.5); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	reason, err := g.CheckDailyTotals(ctx, api)
	if err != nil {
		t.Fatalf("CheckDailyTotals: %v", err)
	}
	if reason != QuotaCostPerDay {
		t.Fatalf("expected QuotaCostPerDay after exceeding budget, got %q", reason)
	}
}

func TestQuotaGateDailyTokenLimit(t *testing.T) {
	c := cache.NewMemoryCache(1000)
	defer c.Close()
	g := NewQuotaGate(c)
	api := &domain.UserServiceApi{ID: 9, MaxTokensPerDay: int64Ptr(1000)}
	ctx := context.Background()

	if err := g.RecordCompletion(ctx, api.ID, 999, 0); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if reason, _ := g.CheckDailyTotals(ctx, api); reason != "" {
		t.Fatalf("expected still under token budget, got %q", reason)
	}

	if err := g.RecordCompletion(ctx, api.ID, 2, 0); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	reason, _ := g.CheckDailyTotals(ctx, api)
	if reason != QuotaTokensPerDay {
		t.Fatalf("expected QuotaTokensPerDay, got %q", reason)
	}
}
