// Package auth implements inbound request authentication: extracting a
// tenant's service API key from one of several accepted inbound header
// formats and resolving it to a UserServiceApi.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

var (
	errUnknownKey = errors.New("auth: unknown service api key")
	errInactive   = errors.New("auth: service api key is inactive")
	errExpired    = errors.New("auth: service api key has expired")
)

type contextKey string

const apiKey contextKey = "userServiceApi"

// headerFormat is one accepted way of presenting the service key.
// header is matched case-insensitively; prefix is stripped (and must
// match, case-insensitively, if non-empty) before the remaining value
// is taken as the literal key.
type headerFormat struct {
	header string
	prefix string
}

// defaultFormats covers the two most common inbound conventions, and
// they are the only formats tried: "Authorization: Bearer <key>" and
// "X-API-Key: <key>". Formats declared in a ProviderType's
// configuration are not consulted.
var defaultFormats = []headerFormat{
	{header: "Authorization", prefix: "Bearer "},
	{header: "X-API-Key", prefix: ""},
}

// Middleware resolves the inbound service key and attaches the
// matching UserServiceApi to the request context, or fails the request
// with 401.
type Middleware struct {
	repo store.Repository
}

func NewMiddleware(repo store.Repository) *Middleware {
	return &Middleware{repo: repo}
}

func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api, err := m.resolve(r.Context(), r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), apiKey, api)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) resolve(ctx context.Context, r *http.Request) (*domain.UserServiceApi, error) {
	for _, candidate := range extractCandidates(r) {
		api, err := m.repo.GetUserServiceApiByKey(ctx, candidate)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		if !api.IsActive {
			return nil, errInactive
		}
		if api.ExpiresAt != nil && api.ExpiresAt.Before(time.Now()) {
			return nil, errExpired
		}
		return api, nil
	}
	return nil, errUnknownKey
}

// extractCandidates pulls every literal key value that matches one of
// the accepted header formats, case-insensitive on header name and
// prefix, literal on the remainder.
func extractCandidates(r *http.Request) []string {
	var out []string
	for _, f := range defaultFormats {
		v := r.Header.Get(f.header)
		if v == "" {
			continue
		}
		if f.prefix == "" {
			out = append(out, v)
			continue
		}
		if len(v) > len(f.prefix) && strings.EqualFold(v[:len(f.prefix)], f.prefix) {
			out = append(out, v[len(f.prefix):])
		}
	}
	return out
}

// FromContext returns the UserServiceApi attached by Authenticate.
func FromContext(ctx context.Context) *domain.UserServiceApi {
	v, _ := ctx.Value(apiKey).(*domain.UserServiceApi)
	return v
}

// writeAuthError always reports 401, for missing, unknown, inactive and
// expired keys and for a repository lookup error alike; the message
// carries the specific reason.
func writeAuthError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"type":    "authentication_error",
			"message": err.Error(),
		},
	})
}
