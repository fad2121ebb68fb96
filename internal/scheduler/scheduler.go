// Package scheduler implements selection of one upstream credential
// from a UserServiceApi's candidate pool: round_robin rotates through
// eligible credentials with a monotonic counter, weighted draws among
// them proportional to a configured weight.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/health"
	"github.com/aiproxy-dev/relay/internal/metrics"
	"github.com/aiproxy-dev/relay/internal/store"
)

// ErrNoHealthyCandidate is returned when every candidate in the pool is
// excluded, inactive, or unhealthy.
var ErrNoHealthyCandidate = errors.New("scheduler: no healthy candidate")

// Selection is one scheduler decision: the chosen credential only. For
// an OAuth credential, its APIKey is the session id whose access token
// the caller must refresh-or-reuse before dialing upstream.
type Selection struct {
	Credential domain.UserProviderKey
}

// Scheduler selects among a UserServiceApi's candidate credentials.
type Scheduler struct {
	repo    store.Repository
	health  *health.Manager
	metrics *metrics.Metrics

	mu       sync.Mutex
	counters map[int64]*uint64 // UserServiceApi.ID -> round_robin cursor
}

func New(repo store.Repository, h *health.Manager) *Scheduler {
	return &Scheduler{repo: repo, health: h, counters: make(map[int64]*uint64)}
}

// SetMetrics attaches the process's Prometheus collectors; nil leaves
// selections unrecorded.
func (s *Scheduler) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Select filters api's candidate pool to active, healthy (or
// optimistically re-admissible) credentials outside excludeIDs, then
// applies api's configured strategy.
func (s *Scheduler) Select(ctx context.Context, api *domain.UserServiceApi, excludeIDs map[int64]struct{}) (Selection, error) {
	candidates, err := s.repo.ListUserProviderKeys(ctx, api.UserProviderKeyIDs)
	if err != nil {
		return Selection{}, fmt.Errorf("scheduler: load candidates: %w", err)
	}

	eligible := make([]domain.UserProviderKey, 0, len(candidates))
	now := time.Now()
	for _, c := range candidates {
		if !c.IsActive {
			continue
		}
		if _, excluded := excludeIDs[c.ID]; excluded {
			continue
		}
		switch c.HealthStatus {
		case domain.HealthHealthy:
			eligible = append(eligible, c)
		case domain.HealthRateLimited:
			// Optimistic re-admission: the background health sweep may
			// not have caught up yet, so a selection attempt itself
			// re-checks the reset deadline rather than waiting on it.
			if c.RateLimitResetsAt != nil && !now.Before(*c.RateLimitResetsAt) {
				eligible = append(eligible, c)
			}
		case domain.HealthUnhealthy:
			// excluded until an operator or OAuth re-auth clears it
		}
	}

	if len(eligible) == 0 {
		return Selection{}, ErrNoHealthyCandidate
	}

	var chosen domain.UserProviderKey
	strategy := "round_robin"
	switch api.SchedulingStrategy {
	case domain.StrategyWeighted:
		strategy = "weighted"
		chosen = s.selectWeighted(eligible)
	default:
		chosen = s.selectRoundRobin(api.ID, eligible)
	}
	if s.metrics != nil {
		s.metrics.SchedulerSelections.WithLabelValues(strategy).Inc()
	}
	return Selection{Credential: chosen}, nil
}

func (s *Scheduler) selectRoundRobin(apiID int64, eligible []domain.UserProviderKey) domain.UserProviderKey {
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	s.mu.Lock()
	counter, ok := s.counters[apiID]
	if !ok {
		var zero uint64
		counter = &zero
		s.counters[apiID] = counter
	}
	s.mu.Unlock()

	n := atomic.AddUint64(counter, 1)
	idx := int(n % uint64(len(eligible)))
	return eligible[idx]
}

func (s *Scheduler) selectWeighted(eligible []domain.UserProviderKey) domain.UserProviderKey {
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	total := 0
	weights := make([]int, len(eligible))
	for i, c := range eligible {
		w := 1
		if c.Weight != nil && *c.Weight > 1 {
			w = *c.Weight
		}
		weights[i] = w
		total += w
	}

	pick := randIntn(total)
	cursor := 0
	for i, w := range weights {
		cursor += w
		if pick < cursor {
			return eligible[i]
		}
	}
	return eligible[len(eligible)-1]
}

// randIntn returns a uniform value in [0, n) using crypto/rand rather
// than math/rand, since the draw decides which tenant-owned credential
// absorbs traffic.
func randIntn(n int) int {
	if n <= 1 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int(binary.BigEndian.Uint64(b[:]) % uint64(n))
}
