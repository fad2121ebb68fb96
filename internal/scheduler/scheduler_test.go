package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/health"
	"github.com/aiproxy-dev/relay/internal/store"
)

type fakeRepo struct {
	store.Repository
	keys []domain.UserProviderKey
}

func (f *fakeRepo) ListUserProviderKeys(ctx context.Context, ids []int64) ([]domain.UserProviderKey, error) {
	return f.keys, nil
}

func newAPI(strategy domain.SchedulingStrategy, ids ...int64) *domain.UserServiceApi {
	return &domain.UserServiceApi{ID: 1, UserProviderKeyIDs: ids, SchedulingStrategy: strategy}
}

func TestSelectSkipsInactiveAndUnhealthy(t *testing.T) {
	repo := &fakeRepo{keys: []domain.UserProviderKey{
		{ID: 1, IsActive: false, HealthStatus: domain.HealthHealthy},
		{ID: 2, IsActive: true, HealthStatus: domain.HealthUnhealthy},
		{ID: 3, IsActive: true, HealthStatus: domain.HealthHealthy},
	}}
	s := New(repo, health.NewManager(repo))
	sel, err := s.Select(context.Background(), newAPI(domain.StrategyRoundRobin, 1, 2, 3), nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Credential.ID != 3 {
		t.Errorf("chosen = %d, want 3", sel.Credential.ID)
	}
}

func TestSelectReadmitsRateLimitedPastDeadline(t *testing.T) {
	past := time.Now().Add(-time.Second)
	repo := &fakeRepo{keys: []domain.UserProviderKey{
		{ID: 1, IsActive: true, HealthStatus: domain.HealthRateLimited, RateLimitResetsAt: &past},
	}}
	s := New(repo, health.NewManager(repo))
	sel, err := s.Select(context.Background(), newAPI(domain.StrategyRoundRobin, 1), nil)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Credential.ID != 1 {
		t.Errorf("chosen = %d, want 1 (readmitted)", sel.Credential.ID)
	}
}

func TestSelectExcludesDeadlineNotYetReached(t *testing.T) {
	future := time.Now().Add(time.Minute)
	repo := &fakeRepo{keys: []domain.UserProviderKey{
		{ID: 1, IsActive: true, HealthStatus: domain.HealthRateLimited, RateLimitResetsAt: &future},
	}}
	s := New(repo, health.NewManager(repo))
	_, err := s.Select(context.Background(), newAPI(domain.StrategyRoundRobin, 1), nil)
	if err != ErrNoHealthyCandidate {
		t.Errorf("err = %v, want ErrNoHealthyCandidate", err)
	}
}

func TestSelectExcludeIDs(t *testing.T) {
	repo := &fakeRepo{keys: []domain.UserProviderKey{
		{ID: 1, IsActive: true, HealthStatus: domain.HealthHealthy},
		{ID: 2, IsActive: true, HealthStatus: domain.HealthHealthy},
	}}
	s := New(repo, health.NewManager(repo))
	sel, err := s.Select(context.Background(), newAPI(domain.StrategyRoundRobin, 1, 2), map[int64]struct{}{1: {}})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Credential.ID != 2 {
		t.Errorf("chosen = %d, want 2", sel.Credential.ID)
	}
}

func TestSelectRoundRobinCyclesThroughCandidates(t *testing.T) {
	repo := &fakeRepo{keys: []domain.UserProviderKey{
		{ID: 1, IsActive: true, HealthStatus: domain.HealthHealthy},
		{ID: 2, IsActive: true, HealthStatus: domain.HealthHealthy},
	}}
	s := New(repo, health.NewManager(repo))
	api := newAPI(domain.StrategyRoundRobin, 1, 2)

	seen := map[int64]int{}
	for i := 0; i < 10; i++ {
		sel, err := s.Select(context.Background(), api, nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[sel.Credential.ID]++
	}
	if seen[1] == 0 || seen[2] == 0 {
		t.Errorf("expected both candidates selected over 10 rounds, got %v", seen)
	}
}

func TestSelectWeightedFavorsHigherWeight(t *testing.T) {
	heavy := 100
	repo := &fakeRepo{keys: []domain.UserProviderKey{
		{ID: 1, IsActive: true, HealthStatus: domain.HealthHealthy, Weight: &heavy},
		{ID: 2, IsActive: true, HealthStatus: domain.HealthHealthy},
	}}
	s := New(repo, health.NewManager(repo))
	api := newAPI(domain.StrategyWeighted, 1, 2)

	counts := map[int64]int{}
	for i := 0; i < 200; i++ {
		sel, err := s.Select(context.Background(), api, nil)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		counts[sel.Credential.ID]++
	}
	if counts[1] <= counts[2] {
		t.Errorf("expected heavily weighted credential 1 to dominate, got %v", counts)
	}
}

func TestSelectNoEligibleCandidates(t *testing.T) {
	s := New(&fakeRepo{}, health.NewManager(&fakeRepo{}))
	_, err := s.Select(context.Background(), newAPI(domain.StrategyRoundRobin), nil)
	if err != ErrNoHealthyCandidate {
		t.Errorf("err = %v, want ErrNoHealthyCandidate", err)
	}
}
