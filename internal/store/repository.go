// Package store is the repository layer: typed access to every entity
// in the data model behind one interface, backed by SQLite
// (modernc.org/sqlite, cgo-free).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
)

// ErrNotFound is returned by lookup methods when no row matches; callers
// compare against it directly.
var ErrNotFound = errors.New("store: not found")

// TraceQuery filters the trace listing a management /stats surface
// would read; kept here because the trace writer writes through the
// same repository method such a surface would read from.
type TraceQuery struct {
	UserServiceApiID *int64
	UserID           *int64
	Since            *time.Time
	Until            *time.Time
	Page             int
	Limit            int
}

// Page is the {items, pagination} envelope shape returned by any
// listing method.
type Page[T any] struct {
	Items      []T
	Page       int
	Limit      int
	Total      int
	Pages      int
}

// Repository is the full repository contract. One implementation
// (SQLiteStore) is provided; a Postgres or MySQL backend would satisfy
// the same interface without touching any caller.
type Repository interface {
	Ping(ctx context.Context) error
	Close() error

	GetUserByID(ctx context.Context, id int64) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)

	GetProviderType(ctx context.Context, id int64) (*domain.ProviderType, error)
	GetProviderTypeByName(ctx context.Context, name string) (*domain.ProviderType, error)
	ListActiveProviderTypes(ctx context.Context) ([]domain.ProviderType, error)

	GetUserProviderKey(ctx context.Context, id int64) (*domain.UserProviderKey, error)
	ListUserProviderKeys(ctx context.Context, ids []int64) ([]domain.UserProviderKey, error)
	ListUserProviderKeysByHealth(ctx context.Context, status domain.HealthStatus) ([]domain.UserProviderKey, error)
	UpdateHealth(ctx context.Context, keyID int64, status domain.HealthStatus, resetsAt *time.Time, lastErrorTime *time.Time) error

	GetUserServiceApiByKey(ctx context.Context, apiKey string) (*domain.UserServiceApi, error)

	CreateOAuthSession(ctx context.Context, s *domain.OAuthSession) error
	GetOAuthSessionByID(ctx context.Context, sessionID string) (*domain.OAuthSession, error)
	UpdateOAuthSession(ctx context.Context, s *domain.OAuthSession) error
	DeleteOAuthSession(ctx context.Context, sessionID string) error
	ListAuthorizedOAuthSessions(ctx context.Context) ([]domain.OAuthSession, error)
	ListOrphanOAuthSessionIDs(ctx context.Context) ([]string, error)
	ListStalePendingOAuthSessions(ctx context.Context, olderThan time.Time) ([]domain.OAuthSession, error)
	DeleteExpiredOAuthSessions(ctx context.Context, status domain.OAuthSessionStatus, olderThan time.Time, limit int) (int, error)

	GetModelPricing(ctx context.Context, providerTypeID int64, modelName string) (*domain.ModelPricing, error)

	InsertTrace(ctx context.Context, t *domain.ProxyTrace) error
	ListTraces(ctx context.Context, q TraceQuery) (Page[domain.ProxyTrace], error)
}
