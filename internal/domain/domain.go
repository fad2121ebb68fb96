// Package domain holds the entity types shared across the repository,
// scheduler, health, OAuth and trace packages. Keeping them in one
// package avoids the import cycles that a cross-reference between
// credential, session and health state would otherwise create.
package domain

import "time"

// AuthType distinguishes how a credential authenticates against its
// upstream provider.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeOAuth  AuthType = "oauth"
)

// HealthStatus is the externally visible health of a UserProviderKey.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthRateLimited HealthStatus = "rate_limited"
	HealthUnhealthy   HealthStatus = "unhealthy"
)

// SchedulingStrategy selects how the scheduler picks among a
// UserServiceApi's candidate credentials.
type SchedulingStrategy string

const (
	StrategyRoundRobin SchedulingStrategy = "round_robin"
	StrategyWeighted   SchedulingStrategy = "weighted"
)

// OAuthSessionStatus is the lifecycle state of an OAuthSession row.
type OAuthSessionStatus string

const (
	OAuthPending    OAuthSessionStatus = "pending"
	OAuthAuthorized OAuthSessionStatus = "authorized"
	OAuthFailed     OAuthSessionStatus = "failed"
	OAuthExpired    OAuthSessionStatus = "expired"
)

// User is the tenant account record. Created and disabled through the
// (out-of-scope) management surface; read here for downstream auth and
// ownership checks only.
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Salt         string
	IsAdmin      bool
	IsActive     bool
	LastLogin    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ProviderType is process-wide configuration describing one upstream
// API family (e.g. "openai", "anthropic", "gemini", "standard").
type ProviderType struct {
	ID                  int64
	Name                string
	DisplayName         string
	AuthType            AuthType
	BaseURL             string
	IsActive            bool
	ConfigJSON          *string
	TokenMappingsJSON   *string
	ModelExtractionJSON *string
	AuthConfigsJSON     *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// UserProviderKey is one upstream credential in a tenant's pool: either
// a raw API key or a pointer (api_key = session_id) to an OAuthSession.
type UserProviderKey struct {
	ID                       int64
	UserID                   int64
	ProviderTypeID           int64
	Name                     string
	APIKey                   string
	AuthType                 AuthType
	Weight                   *int
	MaxRequestsPerMinute     *int
	MaxTokensPromptPerMinute *int
	MaxRequestsPerDay        *int
	IsActive                 bool
	HealthStatus             HealthStatus
	ProjectID                *string
	RateLimitResetsAt        *time.Time
	LastErrorTime            *time.Time
	EgressProxyJSON          *string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// UserServiceApi is the tenant-facing key presented to the proxy; its
// UserProviderKeyIDs field is the candidate set shown to the scheduler.
type UserServiceApi struct {
	ID                  int64
	UserID              int64
	ProviderTypeID      int64
	UserProviderKeyIDs  []int64
	APIKey              string
	Name                *string
	Description         *string
	SchedulingStrategy  SchedulingStrategy
	RetryCount          int
	TimeoutSeconds      int
	MaxRequestPerMin    *int
	MaxRequestsPerDay   *int
	MaxTokensPerDay     *int64
	MaxCostPerDay       *float64
	ExpiresAt           *time.Time
	IsActive            bool
	LogMode             string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// OAuthSession is one PKCE authorization flow / refreshable token pair.
type OAuthSession struct {
	ID             int64
	SessionID      string
	UserID         int64
	ProviderName   string
	ProviderTypeID *int64
	CodeVerifier   string
	CodeChallenge  string
	State          string
	Status         OAuthSessionStatus
	AccessToken    *string
	RefreshToken   *string
	IDToken        *string
	TokenType      string
	ExpiresIn      int
	ExpiresAt      time.Time
	ErrorMessage   *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// ProxyTrace is the single row written per proxied request.
type ProxyTrace struct {
	ID                 int64
	UserServiceApiID   int64
	UserProviderKeyID  *int64
	RequestID          string
	Method             string
	Path               string
	StatusCode         *int
	TokensPrompt       *int
	TokensCompletion   *int
	TokensTotal        *int
	CacheCreateTokens  *int
	CacheReadTokens    *int
	Cost               *float64
	CostCurrency       string
	UserID             *int64
	ModelUsed          *string
	ClientIP           *string
	UserAgent          *string
	ErrorType          *string
	ErrorMessage       *string
	RetryCount         int
	ProviderTypeID     *int64
	StartTime          time.Time
	EndTime            *time.Time
	DurationMs         *int64
	IsSuccess          bool
	PhasesJSON         *string
	TraceLevel         int
	CreatedAt          time.Time
}

// ModelPricing is a pricing row for one (provider_type_id, model_name).
type ModelPricing struct {
	ID             int64
	ProviderTypeID int64
	ModelName      string
	Description    *string
	CostCurrency   string
	Tiers          []ModelPricingTier
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TokenType enumerates the billable categories a pricing tier covers.
type TokenType string

const (
	TokenTypePrompt      TokenType = "prompt"
	TokenTypeCompletion  TokenType = "completion"
	TokenTypeCacheCreate TokenType = "cache_create"
	TokenTypeCacheRead   TokenType = "cache_read"
)

// ModelPricingTier is one [min_tokens, max_tokens] price band.
type ModelPricingTier struct {
	ID             int64
	ModelPricingID int64
	TokenType      TokenType
	MinTokens      int64
	MaxTokens      *int64
	PricePerToken  float64
}

// InRange reports whether tokens falls within this tier's interval.
func (t ModelPricingTier) InRange(tokens int64) bool {
	if tokens < t.MinTokens {
		return false
	}
	if t.MaxTokens == nil {
		return true
	}
	return tokens <= *t.MaxTokens
}

// TokensInTier returns how many of totalTokens fall inside this tier,
// given tokens are consumed from tier 0 upward.
func (t ModelPricingTier) TokensInTier(totalTokens int64) int64 {
	if totalTokens <= t.MinTokens {
		return 0
	}
	above := totalTokens - t.MinTokens
	if t.MaxTokens == nil {
		return above
	}
	capacity := *t.MaxTokens - t.MinTokens + 1
	if above > capacity {
		return capacity
	}
	return above
}

// UsageSnapshot is the normalised output of the usage collection
// pipeline.
type UsageSnapshot struct {
	Model             *string
	PromptTokens      *int64
	CompletionTokens  *int64
	TotalTokens       *int64
	CacheCreateTokens *int64
	CacheReadTokens   *int64
}

// HealthState is the in-memory, per-credential mutable health record
// mirrored to the database on every transition.
type HealthState struct {
	Status              HealthStatus
	ConsecutiveFailures int
	LastSuccess         *time.Time
	LastFailure         *time.Time
	RateLimitResetsAt   *time.Time
	LastErrorCategory   *string
}
