// Package providertype decodes provider_types.config_json: the small
// per-provider-family document the proxy front-end needs once it
// already knows which ProviderType a request is headed for — how to
// attach a credential, which upstream path to call, and the regex that
// flags a ban rather than an ordinary failure. Uses the same
// decode-a-JSON-column pattern as oauth.ParseConfig and
// collect.ParseTokenMappings.
package providertype

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/identity"
)

// Config is provider_types.config_json decoded.
type Config struct {
	// UpstreamAuthHeader/UpstreamAuthPrefix override identity's default
	// bearer-Authorization convention, e.g. Gemini's "x-goog-api-key"
	// with no prefix.
	UpstreamAuthHeader string `json:"upstream_auth_header"`
	UpstreamAuthPrefix string `json:"upstream_auth_prefix"`

	// PathRewrite, when set, replaces the incoming request path's
	// configured prefix before the request is forwarded, so one
	// service-api base URL can front several upstream path shapes.
	PathRewrite string `json:"path_rewrite"`

	// BanSignalPattern is matched against a 403 response body; a match
	// marks the credential unhealthy outright rather than treating it
	// as an ordinary invalid-credential failure, since a provider ban
	// rarely self-heals the way a rotated key does.
	BanSignalPattern string `json:"ban_signal_pattern"`

	// RetryableStatusCodes overrides the default retry class
	// (connect/tls errors, 502, 503, 504) when a provider's transient
	// failures show up under a different status.
	RetryableStatusCodes []int `json:"retryable_status_codes"`
}

// Parse decodes pt.ConfigJSON, returning the zero Config when the
// column is unset — every field has a safe fallback at the call site.
func Parse(pt *domain.ProviderType) (Config, error) {
	if pt.ConfigJSON == nil || *pt.ConfigJSON == "" {
		return Config{}, nil
	}
	var cfg Config
	if err := json.Unmarshal([]byte(*pt.ConfigJSON), &cfg); err != nil {
		return Config{}, fmt.Errorf("providertype: decode config_json for %q: %w", pt.Name, err)
	}
	return cfg, nil
}

// UpstreamAuth returns how a credential should be attached to an
// outbound request for this provider, falling back to identity's
// bearer-Authorization default when config_json doesn't say.
func (c Config) UpstreamAuth() identity.UpstreamAuth {
	if c.UpstreamAuthHeader == "" {
		return identity.DefaultUpstreamAuth()
	}
	return identity.UpstreamAuth{Header: c.UpstreamAuthHeader, Prefix: c.UpstreamAuthPrefix}
}

// BanSignalRegexp compiles BanSignalPattern, returning nil when unset
// or invalid — an unparsable pattern disables ban detection for this
// provider rather than failing every request.
func (c Config) BanSignalRegexp() *regexp.Regexp {
	if c.BanSignalPattern == "" {
		return nil
	}
	re, err := regexp.Compile(c.BanSignalPattern)
	if err != nil {
		return nil
	}
	return re
}

// IsRetryableStatus reports whether statusCode belongs to this
// provider's transient-failure class, consulting the config override
// before falling back to the default set the retry loop already knows.
func (c Config) IsRetryableStatus(statusCode int) (override bool, retryable bool) {
	if len(c.RetryableStatusCodes) == 0 {
		return false, false
	}
	for _, code := range c.RetryableStatusCodes {
		if code == statusCode {
			return true, true
		}
	}
	return true, false
}
