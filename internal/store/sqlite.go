package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Repository using SQLite for all persistent
// entities. Ephemeral, high-churn state (cache entries, sticky-session
// bindings, refresh locks) lives in the cache package instead, so this
// file stays SQL-only and cache.Cache is injected where callers need
// both.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// Open creates a SQLiteStore, applies WAL pragmas in the style of the
// teacher's store.New, and ensures the schema exists.
func Open(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLiteStore) Close() error                   { return s.db.Close() }

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func nullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timePtrToSQL(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, email, password_hash, salt, is_active, is_admin, last_login, created_at, updated_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, username, email, password_hash, salt, is_active, is_admin, last_login, created_at, updated_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*domain.User, error) {
	var u domain.User
	var lastLogin, createdAt, updatedAt sql.NullString
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Salt, &u.IsActive, &u.IsAdmin, &lastLogin, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	u.LastLogin, _ = nullableTime(lastLogin)
	if createdAt.Valid {
		u.CreatedAt, _ = parseTime(createdAt.String)
	}
	if updatedAt.Valid {
		u.UpdatedAt, _ = parseTime(updatedAt.String)
	}
	return &u, nil
}

// ---------------------------------------------------------------------------
// ProviderType
// ---------------------------------------------------------------------------

const providerTypeCols = `id, name, display_name, auth_type, base_url, is_active, config_json, token_mappings_json, model_extraction_json, auth_configs_json, created_at, updated_at`

func (s *SQLiteStore) GetProviderType(ctx context.Context, id int64) (*domain.ProviderType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerTypeCols+` FROM provider_types WHERE id = ?`, id)
	return scanProviderType(row)
}

func (s *SQLiteStore) GetProviderTypeByName(ctx context.Context, name string) (*domain.ProviderType, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerTypeCols+` FROM provider_types WHERE name = ? AND is_active = 1`, name)
	return scanProviderType(row)
}

func (s *SQLiteStore) ListActiveProviderTypes(ctx context.Context) ([]domain.ProviderType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerTypeCols+` FROM provider_types WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: list provider types: %w", err)
	}
	defer rows.Close()
	var out []domain.ProviderType
	for rows.Next() {
		pt, err := scanProviderType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pt)
	}
	return out, rows.Err()
}

func scanProviderType(row rowScanner) (*domain.ProviderType, error) {
	var pt domain.ProviderType
	var authType string
	var createdAt, updatedAt string
	err := row.Scan(&pt.ID, &pt.Name, &pt.DisplayName, &authType, &pt.BaseURL, &pt.IsActive,
		&pt.ConfigJSON, &pt.TokenMappingsJSON, &pt.ModelExtractionJSON, &pt.AuthConfigsJSON,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan provider_type: %w", err)
	}
	pt.AuthType = domain.AuthType(authType)
	pt.CreatedAt, _ = parseTime(createdAt)
	pt.UpdatedAt, _ = parseTime(updatedAt)
	return &pt, nil
}

// ---------------------------------------------------------------------------
// UserProviderKey
// ---------------------------------------------------------------------------

const providerKeyCols = `id, user_id, provider_type_id, name, api_key, auth_type, weight, max_requests_per_minute, max_tokens_prompt_per_minute, max_requests_per_day, is_active, health_status, project_id, rate_limit_resets_at, last_error_time, egress_proxy_json, created_at, updated_at`

func (s *SQLiteStore) GetUserProviderKey(ctx context.Context, id int64) (*domain.UserProviderKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerKeyCols+` FROM user_provider_keys WHERE id = ?`, id)
	return scanProviderKey(row)
}

func (s *SQLiteStore) ListUserProviderKeys(ctx context.Context, ids []int64) ([]domain.UserProviderKey, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + providerKeyCols + ` FROM user_provider_keys WHERE id IN (` + placeholders(len(ids)) + `)`
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list provider keys: %w", err)
	}
	defer rows.Close()
	var out []domain.UserProviderKey
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListUserProviderKeysByHealth(ctx context.Context, status domain.HealthStatus) ([]domain.UserProviderKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerKeyCols+` FROM user_provider_keys WHERE health_status = ?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list provider keys by health: %w", err)
	}
	defer rows.Close()
	var out []domain.UserProviderKey
	for rows.Next() {
		k, err := scanProviderKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateHealth(ctx context.Context, keyID int64, status domain.HealthStatus, resetsAt *time.Time, lastErrorTime *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_provider_keys SET health_status = ?, rate_limit_resets_at = ?, last_error_time = ?, updated_at = ? WHERE id = ?`,
		string(status), timePtrToSQL(resetsAt), timePtrToSQL(lastErrorTime), formatTime(time.Now()), keyID)
	if err != nil {
		return fmt.Errorf("store: update health: %w", err)
	}
	return nil
}

func scanProviderKey(row rowScanner) (*domain.UserProviderKey, error) {
	var k domain.UserProviderKey
	var authType, health string
	var weight, maxRPM, maxTokensPM, maxRPD sql.NullInt64
	var projectID sql.NullString
	var resetsAt, lastErr sql.NullString
	var egressProxy sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&k.ID, &k.UserID, &k.ProviderTypeID, &k.Name, &k.APIKey, &authType,
		&weight, &maxRPM, &maxTokensPM, &maxRPD, &k.IsActive, &health,
		&projectID, &resetsAt, &lastErr, &egressProxy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan provider key: %w", err)
	}
	k.AuthType = domain.AuthType(authType)
	k.HealthStatus = domain.HealthStatus(health)
	if weight.Valid {
		v := int(weight.Int64)
		k.Weight = &v
	}
	if maxRPM.Valid {
		v := int(maxRPM.Int64)
		k.MaxRequestsPerMinute = &v
	}
	if maxTokensPM.Valid {
		v := int(maxTokensPM.Int64)
		k.MaxTokensPromptPerMinute = &v
	}
	if maxRPD.Valid {
		v := int(maxRPD.Int64)
		k.MaxRequestsPerDay = &v
	}
	if projectID.Valid {
		k.ProjectID = &projectID.String
	}
	if egressProxy.Valid {
		k.EgressProxyJSON = &egressProxy.String
	}
	k.RateLimitResetsAt, _ = nullableTime(resetsAt)
	k.LastErrorTime, _ = nullableTime(lastErr)
	k.CreatedAt, _ = parseTime(createdAt)
	k.UpdatedAt, _ = parseTime(updatedAt)
	return &k, nil
}

// ---------------------------------------------------------------------------
// UserServiceApi
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetUserServiceApiByKey(ctx context.Context, apiKey string) (*domain.UserServiceApi, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, provider_type_id, user_provider_keys_ids, api_key, name, description, scheduling_strategy, retry_count, timeout_seconds, max_request_per_min, max_requests_per_day, max_tokens_per_day, max_cost_per_day, expires_at, is_active, log_mode, created_at, updated_at FROM user_service_apis WHERE api_key = ?`, apiKey)

	var a domain.UserServiceApi
	var idsJSON string
	var strategy string
	var name, desc, logMode sql.NullString
	var maxReqMin, maxReqDay sql.NullInt64
	var maxTokensDay sql.NullInt64
	var maxCostDay sql.NullFloat64
	var expiresAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&a.ID, &a.UserID, &a.ProviderTypeID, &idsJSON, &a.APIKey, &name, &desc,
		&strategy, &a.RetryCount, &a.TimeoutSeconds, &maxReqMin, &maxReqDay, &maxTokensDay,
		&maxCostDay, &expiresAt, &a.IsActive, &logMode, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user_service_api: %w", err)
	}
	if err := json.Unmarshal([]byte(idsJSON), &a.UserProviderKeyIDs); err != nil {
		return nil, fmt.Errorf("store: decode user_provider_keys_ids: %w", err)
	}
	a.SchedulingStrategy = domain.SchedulingStrategy(strategy)
	if name.Valid {
		a.Name = &name.String
	}
	if desc.Valid {
		a.Description = &desc.String
	}
	if logMode.Valid {
		a.LogMode = logMode.String
	}
	if maxReqMin.Valid {
		v := int(maxReqMin.Int64)
		a.MaxRequestPerMin = &v
	}
	if maxReqDay.Valid {
		v := int(maxReqDay.Int64)
		a.MaxRequestsPerDay = &v
	}
	if maxTokensDay.Valid {
		a.MaxTokensPerDay = &maxTokensDay.Int64
	}
	if maxCostDay.Valid {
		a.MaxCostPerDay = &maxCostDay.Float64
	}
	a.ExpiresAt, _ = nullableTime(expiresAt)
	a.CreatedAt, _ = parseTime(createdAt)
	a.UpdatedAt, _ = parseTime(updatedAt)
	return &a, nil
}

// ---------------------------------------------------------------------------
// OAuthSession
// ---------------------------------------------------------------------------

const oauthSessionCols = `id, session_id, user_id, provider_name, provider_type_id, code_verifier, code_challenge, state, status, access_token_enc, refresh_token_enc, id_token_enc, token_type, expires_in, expires_at, error_message, created_at, updated_at, completed_at`

func (s *SQLiteStore) CreateOAuthSession(ctx context.Context, sess *domain.OAuthSession) error {
	now := time.Now()
	sess.CreatedAt, sess.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `INSERT INTO oauth_sessions
		(session_id, user_id, provider_name, provider_type_id, code_verifier, code_challenge, state, status, access_token_enc, refresh_token_enc, id_token_enc, token_type, expires_in, expires_at, error_message, created_at, updated_at, completed_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.SessionID, sess.UserID, sess.ProviderName, sess.ProviderTypeID, sess.CodeVerifier, sess.CodeChallenge,
		sess.State, string(sess.Status), sess.AccessToken, sess.RefreshToken, sess.IDToken, sess.TokenType,
		sess.ExpiresIn, formatTime(sess.ExpiresAt), sess.ErrorMessage, formatTime(now), formatTime(now), timePtrToSQL(sess.CompletedAt))
	if err != nil {
		return fmt.Errorf("store: insert oauth_session: %w", err)
	}
	sess.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetOAuthSessionByID(ctx context.Context, sessionID string) (*domain.OAuthSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+oauthSessionCols+` FROM oauth_sessions WHERE session_id = ?`, sessionID)
	return scanOAuthSession(row)
}

func (s *SQLiteStore) UpdateOAuthSession(ctx context.Context, sess *domain.OAuthSession) error {
	sess.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `UPDATE oauth_sessions SET
		status=?, access_token_enc=?, refresh_token_enc=?, id_token_enc=?, token_type=?, expires_in=?, expires_at=?, error_message=?, updated_at=?, completed_at=?
		WHERE session_id = ?`,
		string(sess.Status), sess.AccessToken, sess.RefreshToken, sess.IDToken, sess.TokenType,
		sess.ExpiresIn, formatTime(sess.ExpiresAt), sess.ErrorMessage, formatTime(sess.UpdatedAt), timePtrToSQL(sess.CompletedAt), sess.SessionID)
	if err != nil {
		return fmt.Errorf("store: update oauth_session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteOAuthSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete oauth_session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAuthorizedOAuthSessions(ctx context.Context) ([]domain.OAuthSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+oauthSessionCols+` FROM oauth_sessions WHERE status = 'authorized'`)
	if err != nil {
		return nil, fmt.Errorf("store: list authorized oauth sessions: %w", err)
	}
	defer rows.Close()
	var out []domain.OAuthSession
	for rows.Next() {
		sess, err := scanOAuthSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListOrphanOAuthSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM oauth_sessions
		WHERE status = 'authorized'
		AND session_id NOT IN (
			SELECT api_key FROM user_provider_keys WHERE auth_type = 'oauth' AND is_active = 1
		)`)
	if err != nil {
		return nil, fmt.Errorf("store: list orphan oauth sessions: %w", err)
	}
	defer rows.Close()
	var orphans []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		orphans = append(orphans, id)
	}
	return orphans, rows.Err()
}

func (s *SQLiteStore) ListStalePendingOAuthSessions(ctx context.Context, olderThan time.Time) ([]domain.OAuthSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+oauthSessionCols+` FROM oauth_sessions WHERE status = 'pending' AND created_at < ?`, formatTime(olderThan))
	if err != nil {
		return nil, fmt.Errorf("store: list stale pending sessions: %w", err)
	}
	defer rows.Close()
	var out []domain.OAuthSession
	for rows.Next() {
		sess, err := scanOAuthSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExpiredOAuthSessions(ctx context.Context, status domain.OAuthSessionStatus, olderThan time.Time, limit int) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_sessions WHERE id IN (SELECT id FROM oauth_sessions WHERE status = ? AND updated_at < ? LIMIT ?)`,
		string(status), formatTime(olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired oauth_sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanOAuthSession(row rowScanner) (*domain.OAuthSession, error) {
	var sess domain.OAuthSession
	var providerTypeID sql.NullInt64
	var accessToken, refreshToken, idToken sql.NullString
	var errMsg sql.NullString
	var status string
	var expiresAt, createdAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(&sess.ID, &sess.SessionID, &sess.UserID, &sess.ProviderName, &providerTypeID,
		&sess.CodeVerifier, &sess.CodeChallenge, &sess.State, &status,
		&accessToken, &refreshToken, &idToken, &sess.TokenType, &sess.ExpiresIn,
		&expiresAt, &errMsg, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan oauth_session: %w", err)
	}
	sess.Status = domain.OAuthSessionStatus(status)
	if providerTypeID.Valid {
		sess.ProviderTypeID = &providerTypeID.Int64
	}
	if accessToken.Valid {
		sess.AccessToken = &accessToken.String
	}
	if refreshToken.Valid {
		sess.RefreshToken = &refreshToken.String
	}
	if idToken.Valid {
		sess.IDToken = &idToken.String
	}
	if errMsg.Valid {
		sess.ErrorMessage = &errMsg.String
	}
	sess.ExpiresAt, _ = parseTime(expiresAt)
	sess.CreatedAt, _ = parseTime(createdAt)
	sess.UpdatedAt, _ = parseTime(updatedAt)
	sess.CompletedAt, _ = nullableTime(completedAt)
	return &sess, nil
}

// ---------------------------------------------------------------------------
// ModelPricing
// ---------------------------------------------------------------------------

func (s *SQLiteStore) GetModelPricing(ctx context.Context, providerTypeID int64, modelName string) (*domain.ModelPricing, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, provider_type_id, model_name, description, cost_currency, created_at, updated_at FROM model_pricing WHERE provider_type_id = ? AND model_name = ?`, providerTypeID, modelName)
	var p domain.ModelPricing
	var desc sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.ProviderTypeID, &p.ModelName, &desc, &p.CostCurrency, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan model_pricing: %w", err)
	}
	if desc.Valid {
		p.Description = &desc.String
	}
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)

	rows, err := s.db.QueryContext(ctx, `SELECT id, model_pricing_id, token_type, min_tokens, max_tokens, price_per_token FROM model_pricing_tiers WHERE model_pricing_id = ? ORDER BY token_type, min_tokens ASC`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("store: list model_pricing_tiers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t domain.ModelPricingTier
		var tokenType string
		var maxTokens sql.NullInt64
		if err := rows.Scan(&t.ID, &t.ModelPricingID, &tokenType, &t.MinTokens, &maxTokens, &t.PricePerToken); err != nil {
			return nil, fmt.Errorf("store: scan model_pricing_tier: %w", err)
		}
		t.TokenType = domain.TokenType(tokenType)
		if maxTokens.Valid {
			t.MaxTokens = &maxTokens.Int64
		}
		p.Tiers = append(p.Tiers, t)
	}
	return &p, rows.Err()
}

// ---------------------------------------------------------------------------
// ProxyTrace
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertTrace(ctx context.Context, t *domain.ProxyTrace) error {
	now := time.Now()
	t.CreatedAt = now
	res, err := s.db.ExecContext(ctx, `INSERT INTO proxy_tracing
		(user_service_api_id, user_provider_key_id, request_id, method, path, status_code,
		 tokens_prompt, tokens_completion, tokens_total, cache_create_tokens, cache_read_tokens,
		 cost, cost_currency, user_id, model_used, client_ip, user_agent, error_type, error_message,
		 retry_count, trace_level, provider_type_id, start_time, end_time, duration_ms, is_success,
		 phases_data, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.UserServiceApiID, t.UserProviderKeyID, t.RequestID, t.Method, t.Path, t.StatusCode,
		t.TokensPrompt, t.TokensCompletion, t.TokensTotal, t.CacheCreateTokens, t.CacheReadTokens,
		t.Cost, t.CostCurrency, t.UserID, t.ModelUsed, t.ClientIP, t.UserAgent, t.ErrorType, t.ErrorMessage,
		t.RetryCount, t.TraceLevel, t.ProviderTypeID, formatTime(t.StartTime), timePtrToSQL(t.EndTime), t.DurationMs, t.IsSuccess,
		t.PhasesJSON, formatTime(now))
	if err != nil {
		return fmt.Errorf("store: insert proxy_tracing: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListTraces(ctx context.Context, q TraceQuery) (Page[domain.ProxyTrace], error) {
	where := "WHERE 1=1"
	var args []any
	if q.UserServiceApiID != nil {
		where += " AND user_service_api_id = ?"
		args = append(args, *q.UserServiceApiID)
	}
	if q.UserID != nil {
		where += " AND user_id = ?"
		args = append(args, *q.UserID)
	}
	if q.Since != nil {
		where += " AND created_at >= ?"
		args = append(args, formatTime(*q.Since))
	}
	if q.Until != nil {
		where += " AND created_at <= ?"
		args = append(args, formatTime(*q.Until))
	}

	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 200 {
		limit = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM proxy_tracing `+where, args...).Scan(&total); err != nil {
		return Page[domain.ProxyTrace]{}, fmt.Errorf("store: count proxy_tracing: %w", err)
	}

	queryArgs := append(append([]any{}, args...), limit, (page-1)*limit)
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_service_api_id, user_provider_key_id, request_id, method, path, status_code,
		tokens_prompt, tokens_completion, tokens_total, cache_create_tokens, cache_read_tokens, cost, cost_currency,
		user_id, model_used, client_ip, user_agent, error_type, error_message, retry_count, trace_level,
		provider_type_id, start_time, end_time, duration_ms, is_success, phases_data, created_at
		FROM proxy_tracing `+where+` ORDER BY end_time DESC LIMIT ? OFFSET ?`, queryArgs...)
	if err != nil {
		return Page[domain.ProxyTrace]{}, fmt.Errorf("store: list proxy_tracing: %w", err)
	}
	defer rows.Close()

	var items []domain.ProxyTrace
	for rows.Next() {
		var t domain.ProxyTrace
		var path, modelUsed, clientIP, userAgent, errType, errMsg, phases sql.NullString
		var statusCode, tokensPrompt, tokensCompletion, tokensTotal, cacheCreate, cacheRead sql.NullInt64
		var cost sql.NullFloat64
		var userID, providerTypeID, userProviderKeyID sql.NullInt64
		var endTime sql.NullString
		var durationMs sql.NullInt64
		var startTime, createdAt string

		if err := rows.Scan(&t.ID, &t.UserServiceApiID, &userProviderKeyID, &t.RequestID, &t.Method, &path, &statusCode,
			&tokensPrompt, &tokensCompletion, &tokensTotal, &cacheCreate, &cacheRead, &cost, &t.CostCurrency,
			&userID, &modelUsed, &clientIP, &userAgent, &errType, &errMsg, &t.RetryCount, &t.TraceLevel,
			&providerTypeID, &startTime, &endTime, &durationMs, &t.IsSuccess, &phases, &createdAt); err != nil {
			return Page[domain.ProxyTrace]{}, fmt.Errorf("store: scan proxy_tracing: %w", err)
		}
		if userProviderKeyID.Valid {
			t.UserProviderKeyID = &userProviderKeyID.Int64
		}
		if path.Valid {
			t.Path = path.String
		}
		if statusCode.Valid {
			v := int(statusCode.Int64)
			t.StatusCode = &v
		}
		assignNullInt(&t.TokensPrompt, tokensPrompt)
		assignNullInt(&t.TokensCompletion, tokensCompletion)
		assignNullInt(&t.TokensTotal, tokensTotal)
		assignNullInt(&t.CacheCreateTokens, cacheCreate)
		assignNullInt(&t.CacheReadTokens, cacheRead)
		if cost.Valid {
			t.Cost = &cost.Float64
		}
		if userID.Valid {
			t.UserID = &userID.Int64
		}
		if modelUsed.Valid {
			t.ModelUsed = &modelUsed.String
		}
		if clientIP.Valid {
			t.ClientIP = &clientIP.String
		}
		if userAgent.Valid {
			t.UserAgent = &userAgent.String
		}
		if errType.Valid {
			t.ErrorType = &errType.String
		}
		if errMsg.Valid {
			t.ErrorMessage = &errMsg.String
		}
		if providerTypeID.Valid {
			t.ProviderTypeID = &providerTypeID.Int64
		}
		if phases.Valid {
			t.PhasesJSON = &phases.String
		}
		if durationMs.Valid {
			t.DurationMs = &durationMs.Int64
		}
		t.StartTime, _ = parseTime(startTime)
		t.EndTime, _ = nullableTime(endTime)
		t.CreatedAt, _ = parseTime(createdAt)
		items = append(items, t)
	}

	pages := (total + limit - 1) / limit
	if pages == 0 {
		pages = 1
	}
	return Page[domain.ProxyTrace]{Items: items, Page: page, Limit: limit, Total: total, Pages: pages}, rows.Err()
}

func assignNullInt(dst **int, v sql.NullInt64) {
	if v.Valid {
		n := int(v.Int64)
		*dst = &n
	}
}

func placeholders(n int) string {
	s := make([]byte, 0, n*2)
	for i := 0; i < n; i++ {
		if i > 0 {
			s = append(s, ',')
		}
		s = append(s, '?')
	}
	return string(s)
}
