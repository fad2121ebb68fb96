package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/aiproxy-dev/relay/internal/cache"
	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

// refreshSafetyMargin mirrors config.OAuthCleanupConfig.RefreshSafetyMargin
// without importing config, to keep oauth free of a dependency cycle
// with the package that constructs it.
const refreshSafetyMargin = 5 * time.Minute

// Manager drives the full PKCE lifecycle: authorize URL issuance, code
// exchange, refresh-on-demand with a distributed lock, and best-effort
// revoke. Per-provider deviations in the HTTP call shape live in
// strategy.go.
type Manager struct {
	repo   store.Repository
	crypto *store.Crypto
	cache  cache.Cache
	client *http.Client

	// sf collapses concurrent EnsureValidToken callers racing to refresh
	// the same session within this process down to one refresh() call;
	// the cache.TryLock in refresh still guards against a second proxy
	// process doing the same thing.
	sf singleflight.Group
}

func NewManager(repo store.Repository, crypto *store.Crypto, c cache.Cache) *Manager {
	return &Manager{repo: repo, crypto: crypto, cache: c, client: &http.Client{Timeout: 30 * time.Second}}
}

// Begin creates a pending OAuthSession and returns the authorization
// URL the tenant should be redirected to.
func (m *Manager) Begin(ctx context.Context, userID int64, providerType *domain.ProviderType) (authURL string, sessionID string, err error) {
	cfg, err := ParseConfig(providerType)
	if err != nil {
		return "", "", err
	}
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", "", fmt.Errorf("oauth: generate pkce: %w", err)
	}
	state := generateState()
	strat := strategyFor(providerType.Name)

	params := url.Values{
		"client_id":             {cfg.ClientID},
		"response_type":         {"code"},
		"redirect_uri":          {cfg.RedirectURI},
		"scope":                 {joinScopes(cfg.Scopes)},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	for k, v := range strat.AuthorizeParams(cfg) {
		params[k] = v
	}
	for k, v := range cfg.ExtraParams {
		params.Set(k, v)
	}

	sess := &domain.OAuthSession{
		SessionID:      uuid.New().String(),
		UserID:         userID,
		ProviderName:   providerType.Name,
		ProviderTypeID: &providerType.ID,
		CodeVerifier:   verifier,
		CodeChallenge:  challenge,
		State:          state,
		Status:         domain.OAuthPending,
		TokenType:      "Bearer",
		ExpiresAt:      time.Now().Add(30 * time.Minute),
	}
	if err := m.repo.CreateOAuthSession(ctx, sess); err != nil {
		return "", "", fmt.Errorf("oauth: create session: %w", err)
	}

	return cfg.AuthorizeURL + "?" + params.Encode(), sess.SessionID, nil
}

// Complete exchanges an authorization code for tokens and transitions
// the session to authorized (or failed, recording the error).
func (m *Manager) Complete(ctx context.Context, sessionID, code, state string) error {
	sess, err := m.repo.GetOAuthSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("oauth: load session: %w", err)
	}
	if sess.Status != domain.OAuthPending {
		return fmt.Errorf("oauth: session %s is not pending (status=%s)", sessionID, sess.Status)
	}
	if state != "" && state != sess.State {
		return fmt.Errorf("oauth: state mismatch for session %s", sessionID)
	}

	providerType, err := m.repo.GetProviderType(ctx, *sess.ProviderTypeID)
	if err != nil {
		return fmt.Errorf("oauth: load provider type: %w", err)
	}
	cfg, err := ParseConfig(providerType)
	if err != nil {
		return err
	}
	strat := strategyFor(providerType.Name)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {cfg.ClientID},
		"code":          {code},
		"redirect_uri":  {cfg.RedirectURI},
		"code_verifier": {sess.CodeVerifier},
	}
	for k, v := range strat.ExchangeParams(cfg, sess.CodeVerifier) {
		form[k] = v
	}

	tok, err := m.postToken(ctx, cfg.TokenURL, form, strat.UsesJSONTokenRequest())
	if err != nil {
		msg := err.Error()
		sess.Status = domain.OAuthFailed
		sess.ErrorMessage = &msg
		_ = m.repo.UpdateOAuthSession(ctx, sess)
		return fmt.Errorf("oauth: exchange code: %w", err)
	}

	if err := m.sealTokens(sess, tok); err != nil {
		return err
	}
	sess.Status = domain.OAuthAuthorized
	now := time.Now()
	sess.CompletedAt = &now
	sess.ExpiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	return m.repo.UpdateOAuthSession(ctx, sess)
}

// EnsureValidToken returns a decrypted access token for sessionID,
// refreshing it first if it is within refreshSafetyMargin of expiry.
// Concurrent callers for the same session serialize on a cache lock so
// exactly one refresh HTTP call is made.
func (m *Manager) EnsureValidToken(ctx context.Context, sessionID string) (string, error) {
	sess, err := m.repo.GetOAuthSessionByID(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("oauth: load session: %w", err)
	}
	if sess.Status != domain.OAuthAuthorized {
		return "", fmt.Errorf("oauth: session %s is not authorized (status=%s)", sessionID, sess.Status)
	}

	if time.Now().Before(sess.ExpiresAt.Add(-refreshSafetyMargin)) {
		return m.crypto.Decrypt(derefOrEmpty(sess.AccessToken))
	}

	v, err, _ := m.sf.Do(sessionID, func() (interface{}, error) {
		return m.refresh(ctx, sess)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, sess *domain.OAuthSession) (string, error) {
	lockName := "oauth-refresh:" + sess.SessionID
	token, acquired, err := m.cache.TryLock(ctx, lockName, 30*time.Second)
	if err != nil {
		return "", fmt.Errorf("oauth: acquire refresh lock: %w", err)
	}
	if !acquired {
		// Another goroutine/process is refreshing; wait briefly and
		// re-read rather than racing it with a second upstream call.
		time.Sleep(2 * time.Second)
		fresh, err := m.repo.GetOAuthSessionByID(ctx, sess.SessionID)
		if err != nil {
			return "", err
		}
		if time.Now().Before(fresh.ExpiresAt) {
			return m.crypto.Decrypt(derefOrEmpty(fresh.AccessToken))
		}
		return "", fmt.Errorf("oauth: refresh in progress by another caller for session %s", sess.SessionID)
	}
	defer func() { _ = m.cache.Unlock(ctx, lockName, token) }()

	// Re-read under the lock: another process may have just refreshed.
	sess, err = m.repo.GetOAuthSessionByID(ctx, sess.SessionID)
	if err != nil {
		return "", err
	}
	if time.Now().Before(sess.ExpiresAt.Add(-refreshSafetyMargin)) {
		return m.crypto.Decrypt(derefOrEmpty(sess.AccessToken))
	}

	providerType, err := m.repo.GetProviderType(ctx, *sess.ProviderTypeID)
	if err != nil {
		return "", fmt.Errorf("oauth: load provider type: %w", err)
	}
	cfg, err := ParseConfig(providerType)
	if err != nil {
		return "", err
	}
	strat := strategyFor(providerType.Name)

	refreshToken, err := m.crypto.Decrypt(derefOrEmpty(sess.RefreshToken))
	if err != nil || refreshToken == "" {
		sess.Status = domain.OAuthFailed
		msg := "missing or undecryptable refresh token"
		sess.ErrorMessage = &msg
		_ = m.repo.UpdateOAuthSession(ctx, sess)
		return "", fmt.Errorf("oauth: %s", msg)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {cfg.ClientID},
	}
	for k, v := range strat.RefreshParams(cfg, sess.CodeVerifier) {
		form[k] = v
	}

	tok, err := m.postToken(ctx, cfg.TokenURL, form, strat.UsesJSONTokenRequest())
	if err != nil {
		slog.Error("oauth: refresh failed", "session_id", sess.SessionID, "error", err)
		return "", fmt.Errorf("oauth: refresh: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken // providers that don't rotate
	}
	if err := m.sealTokens(sess, tok); err != nil {
		return "", err
	}
	sess.ExpiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := m.repo.UpdateOAuthSession(ctx, sess); err != nil {
		return "", fmt.Errorf("oauth: persist refreshed tokens: %w", err)
	}
	slog.Info("oauth: token refreshed", "session_id", sess.SessionID)
	return tok.AccessToken, nil
}

// Revoke best-effort revokes sess's tokens upstream (providers without
// a revoke endpoint simply have their session deleted locally).
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	sess, err := m.repo.GetOAuthSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("oauth: load session: %w", err)
	}
	if sess.ProviderTypeID != nil && sess.AccessToken != nil {
		if providerType, err := m.repo.GetProviderType(ctx, *sess.ProviderTypeID); err == nil {
			if cfg, err := ParseConfig(providerType); err == nil {
				strat := strategyFor(providerType.Name)
				accessToken, _ := m.crypto.Decrypt(*sess.AccessToken)
				if endpoint, form := strat.RevokeRequest(cfg, accessToken, "access_token"); endpoint != "" {
					if err := m.postRevoke(ctx, endpoint, form); err != nil {
						slog.Warn("oauth: revoke failed, deleting session locally anyway", "session_id", sessionID, "error", err)
					}
				}
			}
		}
	}
	return m.repo.DeleteOAuthSession(ctx, sessionID)
}

// --- HTTP plumbing -----------------------------------------------------

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

func (m *Manager) postToken(ctx context.Context, tokenURL string, form url.Values, asJSON bool) (*tokenResponse, error) {
	var (
		bodyReader  io.Reader
		contentType string
	)
	if asJSON {
		body, _ := json.Marshal(formToMap(form))
		bodyReader = bytes.NewReader(body)
		contentType = "application/json"
	} else {
		bodyReader = bytes.NewBufferString(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in response")
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	return &tok, nil
}

func (m *Manager) postRevoke(ctx context.Context, endpoint string, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("revoke endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (m *Manager) sealTokens(sess *domain.OAuthSession, tok *tokenResponse) error {
	access, err := m.crypto.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("oauth: seal access token: %w", err)
	}
	sess.AccessToken = &access
	sess.TokenType = tok.TokenType
	sess.ExpiresIn = tok.ExpiresIn

	if tok.RefreshToken != "" {
		refresh, err := m.crypto.Encrypt(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("oauth: seal refresh token: %w", err)
		}
		sess.RefreshToken = &refresh
	}
	if tok.IDToken != "" {
		idTok, err := m.crypto.Encrypt(tok.IDToken)
		if err != nil {
			return fmt.Errorf("oauth: seal id token: %w", err)
		}
		sess.IDToken = &idTok
	}
	return nil
}

// --- helpers -------------------------------------------------------------

func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

func generateState() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func joinScopes(scopes []string) string {
	out := ""
	for i, s := range scopes {
		if i > 0 {
			out += " "
		}
		out += s
	}
	return out
}

func formToMap(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
