package health

import (
	"context"
	"testing"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

type fakeRepo struct {
	store.Repository
	lastStatus  domain.HealthStatus
	lastResetAt *time.Time
	rateLimited []domain.UserProviderKey
	updated     []int64
}

func (f *fakeRepo) UpdateHealth(ctx context.Context, keyID int64, status domain.HealthStatus, resetsAt, lastErrorTime *time.Time) error {
	f.lastStatus = status
	f.lastResetAt = resetsAt
	f.updated = append(f.updated, keyID)
	return nil
}

func (f *fakeRepo) ListUserProviderKeysByHealth(ctx context.Context, status domain.HealthStatus) ([]domain.UserProviderKey, error) {
	return f.rateLimited, nil
}

func TestRecordOutcomeTransitions(t *testing.T) {
	cases := []struct {
		name   string
		seed   func(m *Manager)
		in     Outcome
		want   domain.HealthStatus
	}{
		{
			name: "success resets to healthy",
			in:   Outcome{StatusCode: 200},
			want: domain.HealthHealthy,
		},
		{
			name: "429 marks rate limited",
			in:   Outcome{StatusCode: 429},
			want: domain.HealthRateLimited,
		},
		{
			name: "401 on api key credential unhealths",
			in:   Outcome{StatusCode: 401, AuthType: domain.AuthTypeAPIKey},
			want: domain.HealthUnhealthy,
		},
		{
			name: "oauth refresh failure unhealths regardless of status",
			in:   Outcome{OAuthRefreshFailed: true},
			want: domain.HealthUnhealthy,
		},
		{
			name: "ban signal unhealths unconditionally",
			in:   Outcome{BanSignal: strPtr("account_banned")},
			want: domain.HealthUnhealthy,
		},
		{
			name: "other 4xx leaves health untouched",
			in:   Outcome{StatusCode: 422},
			want: domain.HealthHealthy,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := &fakeRepo{}
			m := NewManager(repo)
			got, err := m.RecordOutcome(context.Background(), 1, tc.in)
			if err != nil {
				t.Fatalf("RecordOutcome: %v", err)
			}
			if got.Status != tc.want {
				t.Errorf("status = %q, want %q", got.Status, tc.want)
			}
			if repo.lastStatus != tc.want {
				t.Errorf("persisted status = %q, want %q", repo.lastStatus, tc.want)
			}
		})
	}
}

func TestRecordOutcomeUnhealthsAfterThreeConsecutiveFailures(t *testing.T) {
	repo := &fakeRepo{}
	m := NewManager(repo)
	var last domain.HealthState
	for i := 0; i < failureThresh; i++ {
		var err error
		last, err = m.RecordOutcome(context.Background(), 5, Outcome{ConnectError: true})
		if err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}
	if last.Status != domain.HealthUnhealthy {
		t.Errorf("status after %d consecutive failures = %q, want unhealthy", failureThresh, last.Status)
	}
	if last.RateLimitResetsAt == nil {
		t.Error("expected a backoff reset time to be set")
	}
}

func TestBackoffDurationCapsAtTenMinutes(t *testing.T) {
	if got := backoffDuration(3); got != backoffBase {
		t.Errorf("backoffDuration(3) = %v, want %v", got, backoffBase)
	}
	if got := backoffDuration(20); got != backoffCap {
		t.Errorf("backoffDuration(20) = %v, want cap %v", got, backoffCap)
	}
}

func TestSweepOncePromotesExpiredRateLimits(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Minute)
	repo := &fakeRepo{
		rateLimited: []domain.UserProviderKey{
			{ID: 1, RateLimitResetsAt: &past},
			{ID: 2, RateLimitResetsAt: &future},
		},
	}
	m := NewManager(repo)
	m.sweepOnce(context.Background())

	if len(repo.updated) != 1 || repo.updated[0] != 1 {
		t.Errorf("updated = %v, want only key 1 promoted", repo.updated)
	}
}

func TestStateDefaultsToHealthyForUnknownKey(t *testing.T) {
	m := NewManager(&fakeRepo{})
	st := m.State(999)
	if st.Status != domain.HealthHealthy {
		t.Errorf("default status = %q, want healthy", st.Status)
	}
}

func strPtr(s string) *string { return &s }
