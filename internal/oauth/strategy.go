package oauth

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/aiproxy-dev/relay/internal/domain"
)

// Config is provider_types.auth_configs_json decoded: everything a
// Strategy needs to drive one provider's PKCE flow.
type Config struct {
	ClientID     string            `json:"client_id"`
	ClientSecret string            `json:"client_secret"`
	AuthorizeURL string            `json:"authorize_url"`
	TokenURL     string            `json:"token_url"`
	RedirectURI  string            `json:"redirect_uri"`
	Scopes       []string          `json:"scopes"`
	PKCERequired bool              `json:"pkce_required"`
	ExtraParams  map[string]string `json:"extra_params"`
}

func ParseConfig(providerType *domain.ProviderType) (Config, error) {
	if providerType.AuthConfigsJSON == nil {
		return Config{}, fmt.Errorf("oauth: provider %q has no auth_configs_json", providerType.Name)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(*providerType.AuthConfigsJSON), &cfg); err != nil {
		return Config{}, fmt.Errorf("oauth: decode auth_configs_json for %q: %w", providerType.Name, err)
	}
	if cfg.ClientID == "" || cfg.AuthorizeURL == "" || cfg.TokenURL == "" || len(cfg.Scopes) == 0 {
		return Config{}, fmt.Errorf("oauth: provider %q auth config missing client_id/authorize_url/token_url/scopes", providerType.Name)
	}
	return cfg, nil
}

// Strategy captures the per-provider deviations from a plain
// authorization-code-with-PKCE flow. Three concrete strategies
// (anthropic, gemini, openai) override just the hook that differs;
// every other provider_type.name gets the standard zero-value
// behaviour.
type Strategy interface {
	// AuthorizeParams returns provider-specific query parameters to add
	// to the authorization URL, beyond client_id/redirect_uri/
	// response_type/scope/state/code_challenge(+method).
	AuthorizeParams(cfg Config) url.Values
	// ExchangeParams returns provider-specific form fields to add to
	// the authorization_code token request.
	ExchangeParams(cfg Config, codeVerifier string) url.Values
	// RefreshParams returns provider-specific form fields to add to the
	// refresh_token token request. codeVerifier is the session's stored
	// PKCE verifier, needed only by anthropicStrategy.
	RefreshParams(cfg Config, codeVerifier string) url.Values
	// RevokeRequest returns the endpoint and form body for revoking a
	// token, or ("", nil) if the provider has no revoke endpoint.
	RevokeRequest(cfg Config, token, tokenTypeHint string) (endpoint string, form url.Values)
	// UsesJSONTokenRequest reports whether the token endpoint expects a
	// JSON request body instead of the RFC 6749 default of
	// application/x-www-form-urlencoded.
	UsesJSONTokenRequest() bool
}

// standardStrategy implements the plain RFC 6749 + PKCE flow with no
// provider-specific extras and no revoke support.
type standardStrategy struct{}

func (standardStrategy) AuthorizeParams(Config) url.Values            { return url.Values{} }
func (standardStrategy) ExchangeParams(Config, string) url.Values     { return url.Values{} }
func (standardStrategy) RefreshParams(Config, string) url.Values      { return url.Values{} }
func (standardStrategy) RevokeRequest(Config, string, string) (string, url.Values) {
	return "", nil
}
func (standardStrategy) UsesJSONTokenRequest() bool { return false }

// anthropicStrategy sets client_secret to the PKCE code_verifier on
// both the code exchange and the refresh call, rather than a static
// client secret — Anthropic's public client has none.
type anthropicStrategy struct{ standardStrategy }

func (anthropicStrategy) ExchangeParams(_ Config, codeVerifier string) url.Values {
	return url.Values{"client_secret": {codeVerifier}}
}

func (anthropicStrategy) RefreshParams(_ Config, codeVerifier string) url.Values {
	return url.Values{"client_secret": {codeVerifier}}
}

// UsesJSONTokenRequest is true for Anthropic's token endpoint, a
// deviation from the RFC 6749 form-encoded default that every other
// known strategy follows.
func (anthropicStrategy) UsesJSONTokenRequest() bool { return true }

// geminiStrategy requests an offline, consent-forcing grant and
// carries a Google-specific revoke endpoint.
type geminiStrategy struct{ standardStrategy }

func (geminiStrategy) AuthorizeParams(Config) url.Values {
	return url.Values{
		"access_type":            {"offline"},
		"include_granted_scopes": {"true"},
		"prompt":                 {"consent"},
	}
}

func (geminiStrategy) ExchangeParams(cfg Config, _ string) url.Values {
	return url.Values{"client_secret": {cfg.ClientSecret}}
}

func (geminiStrategy) RefreshParams(cfg Config, _ string) url.Values {
	return url.Values{"client_secret": {cfg.ClientSecret}}
}

func (geminiStrategy) RevokeRequest(_ Config, token, _ string) (string, url.Values) {
	return "https://oauth2.googleapis.com/revoke", url.Values{"token": {token}}
}

// openaiStrategy adds no authorize/exchange/refresh extras but exposes
// a revoke endpoint the standard flow lacks.
type openaiStrategy struct{ standardStrategy }

func (openaiStrategy) RevokeRequest(cfg Config, token, tokenTypeHint string) (string, url.Values) {
	return "https://auth.openai.com/oauth/revoke", url.Values{
		"token":           {token},
		"client_id":       {cfg.ClientID},
		"client_secret":   {cfg.ClientSecret},
		"token_type_hint": {tokenTypeHint},
	}
}

// strategyFor looks up the Strategy for a provider_types.name, falling
// back to the standard flow for anything not explicitly special-cased.
func strategyFor(providerName string) Strategy {
	switch providerName {
	case "anthropic":
		return anthropicStrategy{}
	case "gemini":
		return geminiStrategy{}
	case "openai":
		return openaiStrategy{}
	default:
		return standardStrategy{}
	}
}
