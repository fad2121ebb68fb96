package oauth

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

// CleanupConfig mirrors config.OAuthCleanupConfig's fields the cleanup
// sweep needs, kept as a small local type so oauth does not import
// config (which would create a cycle once config grows provider
// defaults sourced from here).
type CleanupConfig struct {
	PendingExpireMinutes        int
	MaxCleanupRecords           int
	ExpiredRecordsRetentionDays int
}

// RunCleanup runs one orphan/stale/expired cleanup pass every interval
// until ctx is cancelled, performing the three session-lifecycle
// sweeps described below.
func RunCleanup(ctx context.Context, repo store.Repository, cfg CleanupConfig, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(ctx, repo, cfg)
		}
	}
}

func sweepOnce(ctx context.Context, repo store.Repository, cfg CleanupConfig) {
	expireStalePending(ctx, repo, cfg)
	deleteOrphans(ctx, repo)
	hardDeleteOld(ctx, repo, cfg)
}

func expireStalePending(ctx context.Context, repo store.Repository, cfg CleanupConfig) {
	cutoff := time.Now().Add(-time.Duration(cfg.PendingExpireMinutes) * time.Minute)
	stale, err := repo.ListStalePendingOAuthSessions(ctx, cutoff)
	if err != nil {
		slog.Error("oauth cleanup: list stale pending", "error", err)
		return
	}
	for _, sess := range stale {
		sess.Status = domain.OAuthExpired
		if err := repo.UpdateOAuthSession(ctx, &sess); err != nil {
			slog.Error("oauth cleanup: expire pending session", "session_id", sess.SessionID, "error", err)
		}
	}
	if len(stale) > 0 {
		slog.Info("oauth cleanup: expired stale pending sessions", "count", len(stale))
	}
}

// deleteOrphans removes authorized sessions no UserProviderKey.api_key
// references any longer — the pointer-to-session design means a
// deleted or repointed credential otherwise leaks its session forever.
// The active/inactive join happens in SQL (store.ListOrphanOAuthSessionIDs);
// this loop only applies the deletions.
func deleteOrphans(ctx context.Context, repo store.Repository) {
	orphanIDs, err := repo.ListOrphanOAuthSessionIDs(ctx)
	if err != nil {
		slog.Error("oauth cleanup: list orphan sessions", "error", err)
		return
	}
	for _, id := range orphanIDs {
		if err := repo.DeleteOAuthSession(ctx, id); err != nil {
			slog.Error("oauth cleanup: delete orphan session", "session_id", id, "error", err)
		}
	}
	if len(orphanIDs) > 0 {
		slog.Info("oauth cleanup: deleted orphaned sessions", "count", len(orphanIDs))
	}
}

func hardDeleteOld(ctx context.Context, repo store.Repository, cfg CleanupConfig) {
	cutoff := time.Now().Add(-time.Duration(cfg.ExpiredRecordsRetentionDays) * 24 * time.Hour)
	limit := cfg.MaxCleanupRecords
	if limit <= 0 {
		limit = 500
	}
	for _, status := range []domain.OAuthSessionStatus{domain.OAuthExpired, domain.OAuthFailed} {
		n, err := repo.DeleteExpiredOAuthSessions(ctx, status, cutoff, limit)
		if err != nil {
			slog.Error("oauth cleanup: hard delete", "status", status, "error", err)
			continue
		}
		if n > 0 {
			slog.Info("oauth cleanup: hard deleted old sessions", "status", status, "count", n)
		}
	}
}

// --- scheduled refresh --------------------------------------------------

// refreshHeapItem is one pending refresh, ordered by nextRefreshAt.
type refreshHeapItem struct {
	sessionID     string
	nextRefreshAt time.Time
}

type refreshHeap []refreshHeapItem

func (h refreshHeap) Len() int            { return len(h) }
func (h refreshHeap) Less(i, j int) bool  { return h[i].nextRefreshAt.Before(h[j].nextRefreshAt) }
func (h refreshHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *refreshHeap) Push(x interface{}) { *h = append(*h, x.(refreshHeapItem)) }
func (h *refreshHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// RefreshScheduler fires EnsureValidToken for every authorized session
// shortly before its access token expires, so a credential the
// scheduler picks is (almost) always already warm. One background
// worker services a min-heap keyed by next_refresh_at instead of
// spawning a goroutine per session.
type RefreshScheduler struct {
	mgr  *Manager
	repo store.Repository

	mu   sync.Mutex
	heap refreshHeap
	wake chan struct{}
}

func NewRefreshScheduler(mgr *Manager, repo store.Repository) *RefreshScheduler {
	return &RefreshScheduler{mgr: mgr, repo: repo, wake: make(chan struct{}, 1)}
}

// Seed populates the heap from every currently authorized session.
// Call once at startup before Run.
func (r *RefreshScheduler) Seed(ctx context.Context) error {
	sessions, err := r.repo.ListAuthorizedOAuthSessions(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heap = make(refreshHeap, 0, len(sessions))
	for _, sess := range sessions {
		heap.Push(&r.heap, refreshHeapItem{
			sessionID:     sess.SessionID,
			nextRefreshAt: sess.ExpiresAt.Add(-refreshSafetyMargin),
		})
	}
	return nil
}

// Notify schedules (or re-schedules) sessionID's next refresh and wakes
// Run. Manager does not call it, so a session authorized after Seed is
// not on the schedule and is refreshed on demand by EnsureValidToken.
func (r *RefreshScheduler) Notify(sessionID string, expiresAt time.Time) {
	r.mu.Lock()
	heap.Push(&r.heap, refreshHeapItem{sessionID: sessionID, nextRefreshAt: expiresAt.Add(-refreshSafetyMargin)})
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run services the heap until ctx is cancelled.
func (r *RefreshScheduler) Run(ctx context.Context) {
	for {
		r.mu.Lock()
		var wait time.Duration
		if r.heap.Len() == 0 {
			wait = time.Minute
		} else {
			wait = time.Until(r.heap[0].nextRefreshAt)
			if wait < 0 {
				wait = 0
			}
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		r.mu.Lock()
		if r.heap.Len() == 0 || time.Now().Before(r.heap[0].nextRefreshAt) {
			r.mu.Unlock()
			continue
		}
		item := heap.Pop(&r.heap).(refreshHeapItem)
		r.mu.Unlock()

		r.fire(ctx, item.sessionID)
	}
}

func (r *RefreshScheduler) fire(ctx context.Context, sessionID string) {
	sess, err := r.repo.GetOAuthSessionByID(ctx, sessionID)
	if err != nil || sess.Status != domain.OAuthAuthorized {
		return
	}
	if _, err := r.mgr.EnsureValidToken(ctx, sessionID); err != nil {
		slog.Error("oauth: scheduled refresh failed", "session_id", sessionID, "error", err)
		// Retry in one minute rather than falling out of the heap
		// entirely on a transient failure.
		r.mu.Lock()
		heap.Push(&r.heap, refreshHeapItem{sessionID: sessionID, nextRefreshAt: time.Now().Add(time.Minute)})
		r.mu.Unlock()
		return
	}
	sess, err = r.repo.GetOAuthSessionByID(ctx, sessionID)
	if err != nil {
		return
	}
	r.mu.Lock()
	heap.Push(&r.heap, refreshHeapItem{sessionID: sessionID, nextRefreshAt: sess.ExpiresAt.Add(-refreshSafetyMargin)})
	r.mu.Unlock()
}
