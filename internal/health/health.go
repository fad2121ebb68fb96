// Package health implements the per-credential health state machine
// that the scheduler consults before handing a credential to a
// request, and that the proxy front-end drives after every upstream
// response. Outcome categories are provider-agnostic so the same
// transition table and exponential backoff serve every ProviderType.
package health

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/metrics"
	"github.com/aiproxy-dev/relay/internal/store"
)

// Outcome is what the proxy observed from one upstream attempt. Exactly
// one of the boolean/status fields drives a transition; RetryAfter is
// only consulted for a 429.
type Outcome struct {
	StatusCode   int
	ConnectError bool // dial/TLS failure or timeout before any response
	RetryAfter   *time.Duration
	AuthType     domain.AuthType
	// ProviderTypeID labels the credential health gauge; zero is a valid
	// "unknown" label rather than an error, since not every caller has
	// it at hand.
	ProviderTypeID int64
	// OAuthRefreshFailed marks a failed token refresh attempt on this
	// credential, which unconditionally unhealths it regardless of
	// StatusCode (there was no upstream call to categorize).
	OAuthRefreshFailed bool
	// BanSignal is set when a 403 body matched the owning ProviderType's
	// configured ban_signal_pattern; it unhealths the credential
	// unconditionally rather than falling through the generic 401/403
	// api_key-only rule, since an OAuth session can be revoked too.
	BanSignal *string
}

const (
	backoffBase    = 10 * time.Second
	backoffCap     = 10 * time.Minute
	failureThresh  = 3
	defaultRLReset = 60 * time.Second
)

// Manager owns the in-memory HealthState cache and mirrors every
// transition to the repository so a restart (or a second proxy
// process sharing the same database) observes the same state.
type Manager struct {
	repo    store.Repository
	metrics *metrics.Metrics

	mu     sync.Mutex
	states map[int64]*domain.HealthState
}

func NewManager(repo store.Repository) *Manager {
	return &Manager{repo: repo, states: make(map[int64]*domain.HealthState)}
}

// SetMetrics attaches the process's Prometheus collectors; nil (the
// default) leaves metrics unrecorded rather than panicking, so tests
// and a metrics-disabled deployment don't need a stub.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

func (m *Manager) observe(keyID, providerTypeID int64, status domain.HealthStatus) {
	if m.metrics == nil {
		return
	}
	m.metrics.CredentialHealth.WithLabelValues(
		strconv.FormatInt(keyID, 10),
		strconv.FormatInt(providerTypeID, 10),
	).Set(metrics.HealthStatusValue(string(status)))
}

// RecordOutcome applies one upstream outcome to keyID's health state
// and persists the resulting status, returning the new state.
func (m *Manager) RecordOutcome(ctx context.Context, keyID int64, o Outcome) (domain.HealthState, error) {
	m.mu.Lock()
	st, ok := m.states[keyID]
	if !ok {
		st = &domain.HealthState{Status: domain.HealthHealthy}
		m.states[keyID] = st
	}
	now := time.Now()

	switch {
	case o.OAuthRefreshFailed:
		st.Status = domain.HealthUnhealthy
		st.ConsecutiveFailures++
		st.LastFailure = &now
		cat := "oauth_refresh_failed"
		st.LastErrorCategory = &cat

	case o.BanSignal != nil:
		st.Status = domain.HealthUnhealthy
		st.LastFailure = &now
		st.RateLimitResetsAt = nil
		cat := "ban_signal: " + *o.BanSignal
		st.LastErrorCategory = &cat

	case o.ConnectError || o.StatusCode >= 500:
		st.ConsecutiveFailures++
		st.LastFailure = &now
		cat := "connect_error"
		if !o.ConnectError {
			cat = "upstream_5xx"
		}
		st.LastErrorCategory = &cat
		if st.ConsecutiveFailures >= failureThresh {
			st.Status = domain.HealthUnhealthy
			resetAt := now.Add(backoffDuration(st.ConsecutiveFailures))
			st.RateLimitResetsAt = &resetAt
		}

	case o.StatusCode == 429:
		st.Status = domain.HealthRateLimited
		wait := defaultRLReset
		if o.RetryAfter != nil {
			wait = *o.RetryAfter
		}
		resetAt := now.Add(wait)
		st.RateLimitResetsAt = &resetAt
		cat := "rate_limited"
		st.LastErrorCategory = &cat

	case (o.StatusCode == 401 || o.StatusCode == 403) && o.AuthType == domain.AuthTypeAPIKey:
		st.Status = domain.HealthUnhealthy
		cat := "invalid_credential"
		st.LastErrorCategory = &cat
		st.RateLimitResetsAt = nil

	case o.StatusCode >= 200 && o.StatusCode < 300:
		st.Status = domain.HealthHealthy
		st.ConsecutiveFailures = 0
		st.LastSuccess = &now
		st.RateLimitResetsAt = nil
		st.LastErrorCategory = nil

	default:
		// 4xx other than 401/403/429 is a client-side error the
		// credential isn't responsible for; leave its health alone.
	}

	result := *st
	m.mu.Unlock()

	m.observe(keyID, o.ProviderTypeID, result.Status)

	if err := m.repo.UpdateHealth(ctx, keyID, result.Status, result.RateLimitResetsAt, result.LastFailure); err != nil {
		slog.Error("health: persist transition", "key_id", keyID, "status", result.Status, "error", err)
		return result, err
	}
	return result, nil
}

// backoffDuration implements 10s * 2^(n-3), capped at 10 minutes, for
// the n-th consecutive failure (n >= 3).
func backoffDuration(consecutiveFailures int) time.Duration {
	exp := consecutiveFailures - failureThresh
	d := time.Duration(float64(backoffBase) * math.Pow(2, float64(exp)))
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// State returns the cached state for keyID, loading the healthy zero
// value if the process has not observed this credential yet.
func (m *Manager) State(keyID int64) domain.HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[keyID]; ok {
		return *st
	}
	return domain.HealthState{Status: domain.HealthHealthy}
}

// RunResetSweep periodically promotes rate_limited credentials whose
// reset window has passed back to healthy, so a credential that sees
// no traffic between its rate limit and its reset time still recovers
// instead of waiting for the next selection attempt's optimistic
// re-admission check to notice.
func (m *Manager) RunResetSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	keys, err := m.repo.ListUserProviderKeysByHealth(ctx, domain.HealthRateLimited)
	if err != nil {
		slog.Error("health: sweep list rate_limited", "error", err)
		return
	}
	now := time.Now()
	for _, k := range keys {
		if k.RateLimitResetsAt == nil || now.Before(*k.RateLimitResetsAt) {
			continue
		}
		if err := m.repo.UpdateHealth(ctx, k.ID, domain.HealthHealthy, nil, k.LastErrorTime); err != nil {
			slog.Error("health: sweep promote", "key_id", k.ID, "error", err)
			continue
		}
		m.mu.Lock()
		if st, ok := m.states[k.ID]; ok {
			st.Status = domain.HealthHealthy
			st.RateLimitResetsAt = nil
		}
		m.mu.Unlock()
		m.observe(k.ID, k.ProviderTypeID, domain.HealthHealthy)
		slog.Info("health: credential recovered from rate limit", "key_id", k.ID)
	}
}
