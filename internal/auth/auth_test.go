package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

type stubRepo struct {
	store.Repository
	byKey map[string]*domain.UserServiceApi
}

func (s *stubRepo) GetUserServiceApiByKey(ctx context.Context, key string) (*domain.UserServiceApi, error) {
	if api, ok := s.byKey[key]; ok {
		return api, nil
	}
	return nil, store.ErrNotFound
}

func TestAuthenticateBearer(t *testing.T) {
	repo := &stubRepo{byKey: map[string]*domain.UserServiceApi{
		"svc-key-AAA": {ID: 1, IsActive: true},
	}}
	mw := NewMiddleware(repo)

	var gotAPI *domain.UserServiceApi
	h := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPI = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer svc-key-AAA")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotAPI == nil || gotAPI.ID != 1 {
		t.Fatalf("gotAPI = %+v", gotAPI)
	}
}

func TestAuthenticateXAPIKey(t *testing.T) {
	repo := &stubRepo{byKey: map[string]*domain.UserServiceApi{
		"svc-key-BBB": {ID: 2, IsActive: true},
	}}
	mw := NewMiddleware(repo)
	h := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("X-API-Key", "svc-key-BBB")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthenticateRejectsUnknown(t *testing.T) {
	mw := NewMiddleware(&stubRepo{byKey: map[string]*domain.UserServiceApi{}})
	h := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthenticateRejectsInactive(t *testing.T) {
	repo := &stubRepo{byKey: map[string]*domain.UserServiceApi{
		"svc-key-CCC": {ID: 3, IsActive: false},
	}}
	mw := NewMiddleware(repo)
	h := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("X-API-Key", "svc-key-CCC")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthenticateRejectsExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	repo := &stubRepo{byKey: map[string]*domain.UserServiceApi{
		"svc-key-DDD": {ID: 4, IsActive: true, ExpiresAt: &past},
	}}
	mw := NewMiddleware(repo)
	h := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("X-API-Key", "svc-key-DDD")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
