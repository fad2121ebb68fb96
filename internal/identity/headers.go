// Package identity rewrites a downstream request's headers into an
// upstream one: stripping the inbound service-key header, hop-by-hop
// headers, and anything else not worth forwarding, then attaching
// whatever credential header the destination ProviderType expects.
package identity

import (
	"net/http"
	"strings"
)

// hopByHop lists headers that apply to a single TCP hop and must never
// be forwarded across the proxy boundary (RFC 7230 §6.1, plus the
// de-facto Connection-named extensions).
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// neverForward strips headers that leak information about the proxy's
// own network path rather than the tenant's original request — an
// upstream provider should see the proxy, not try to infer anything
// about the client behind it.
var neverForward = map[string]bool{
	"x-real-ip":          true,
	"x-forwarded-for":    true,
	"x-forwarded-proto":  true,
	"x-forwarded-host":   true,
	"x-service-api-key":  true, // this proxy's own inbound credential header, if ever used
}

// inboundCredentialHeaders are the headers that might carry the
// tenant's service key; these are always stripped regardless of which
// format actually matched during authentication; see internal/auth.
var inboundCredentialHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
}

// FilterHeaders builds the header set forwarded upstream: everything
// from the original request except hop-by-hop headers, proxy-path
// headers, and the inbound credential headers (which are replaced by
// SetUpstreamAuth).
func FilterHeaders(original http.Header) http.Header {
	clean := make(http.Header, len(original))
	for key, vals := range original {
		lower := strings.ToLower(key)
		if hopByHop[lower] || neverForward[lower] || inboundCredentialHeaders[lower] {
			continue
		}
		for _, v := range vals {
			clean.Add(key, v)
		}
	}
	return clean
}

// UpstreamAuth describes how to attach a credential to an outbound
// request for one ProviderType.
type UpstreamAuth struct {
	// Header is the header name the credential is sent in, e.g.
	// "Authorization", "x-api-key", "x-goog-api-key".
	Header string
	// Prefix is prepended to the credential value, e.g. "Bearer ".
	Prefix string
}

// SetUpstreamAuth attaches the resolved credential to h using the
// ProviderType's declared convention. OAuth credentials always use a
// bearer Authorization header regardless of the provider, since that
// is what every supported OAuth token endpoint issues.
func SetUpstreamAuth(h http.Header, auth UpstreamAuth, credential string) {
	h.Set(auth.Header, auth.Prefix+credential)
}

// DefaultUpstreamAuth returns the bearer-Authorization convention used
// whenever a ProviderType's auth_configs_json does not declare one
// explicitly (OAuth credentials, and any api_key provider that follows
// the common convention).
func DefaultUpstreamAuth() UpstreamAuth {
	return UpstreamAuth{Header: "Authorization", Prefix: "Bearer "}
}
