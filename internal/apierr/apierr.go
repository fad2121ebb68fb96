// Package apierr centralises the error taxonomy shared by the proxy and
// (out-of-scope) management surfaces: a typed {kind, message,
// request_id, context} envelope and the upstream-body sanitisation
// table used to turn a raw provider error into a client-safe one.
package apierr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Kind is the taxonomy from the error handling design: each kind maps
// to one recovery/propagation rule and one surfaced status.
type Kind string

const (
	KindConfig       Kind = "ConfigError"
	KindDBNotFound   Kind = "DatabaseError::NotFound"
	KindDBConnection Kind = "DatabaseError::Connection"
	KindAuthInvalid  Kind = "AuthError::InvalidCredential"
	KindAuthQuota    Kind = "AuthError::QuotaExceeded"
	KindOAuthError   Kind = "OAuth2Error"
	KindUpstream     Kind = "UpstreamError"
	KindClientClosed Kind = "UpstreamError::ClientClosed"
	KindCollect      Kind = "CollectError::ParseFailed"
)

// Error is the envelope carried through the system; it wraps the
// originating cause without discarding it.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Context   map[string]any
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind and message to an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithRequestID returns a copy of e carrying the given request id.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// WithContext merges key/value pairs into the error's context map.
func (e *Error) WithContext(kv map[string]any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+len(kv))
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	for k, v := range kv {
		cp.Context[k] = v
	}
	return &cp
}

// ManagementStatus maps a Kind to the HTTP status a management surface
// should return for it.
func (k Kind) ManagementStatus() int {
	switch k {
	case KindDBNotFound:
		return http.StatusNotFound
	case KindDBConnection:
		return http.StatusInternalServerError
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindAuthQuota:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ProxyStatus maps a Kind to the HTTP status the proxy ingress returns
// for it.
func (k Kind) ProxyStatus() int {
	switch k {
	case KindDBNotFound:
		return http.StatusUnauthorized
	case KindDBConnection:
		return http.StatusServiceUnavailable
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindAuthQuota:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusBadGateway
	case KindClientClosed:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// ManagementBody renders the {error:{code,message,request_id}} shape
// the management surface returns.
func (e *Error) ManagementBody() []byte {
	body := map[string]any{
		"error": map[string]any{
			"code":       string(e.Kind),
			"message":    e.Message,
			"request_id": e.RequestID,
		},
	}
	data, _ := json.Marshal(body)
	return data
}

// routeTagPattern strips internal route-tag prefixes (e.g. "[proxy/openai]")
// that can leak into upstream error bodies when an intermediary re-wraps them.
var routeTagPattern = regexp.MustCompile(`\[proxy/[^\]]+\]\s*`)

// upstreamPattern is one entry of the sanitisation table: upstream
// bodies matching Pattern are rewritten to the synthetic Status/Type/Message.
type upstreamPattern struct {
	Status  int
	Type    string
	Message string
	Pattern *regexp.Regexp
}

var upstreamPatterns = []upstreamPattern{
	{400, "invalid_request_error", "bad request format", regexp.MustCompile(`(?i)invalid.?request|bad request|malformed`)},
	{401, "authentication_error", "authentication failed", regexp.MustCompile(`(?i)unauthorized|invalid.*key|auth.*fail|invalid.*token`)},
	{403, "permission_error", "access denied", regexp.MustCompile(`(?i)forbidden|permission|access.?denied`)},
	{404, "not_found_error", "resource not found", regexp.MustCompile(`(?i)not.?found`)},
	{413, "request_too_large", "request payload too large", regexp.MustCompile(`(?i)too.?large|payload|content.?length`)},
	{429, "rate_limit_error", "rate limited, please retry later", regexp.MustCompile(`(?i)rate.?limit|too.?many|throttl`)},
	{500, "api_error", "internal server error", regexp.MustCompile(`(?i)internal.?server`)},
	{502, "api_error", "bad gateway", regexp.MustCompile(`(?i)bad.?gateway`)},
	{503, "overloaded_error", "service temporarily overloaded", regexp.MustCompile(`(?i)overloaded|unavailable`)},
}

// statusDirect maps status codes that have a canonical sanitisation
// entry regardless of body content.
var statusDirect = map[int]upstreamPattern{
	401: upstreamPatterns[1],
	403: upstreamPatterns[2],
	404: upstreamPatterns[3],
	413: upstreamPatterns[4],
	429: upstreamPatterns[5],
	502: upstreamPatterns[7],
	503: upstreamPatterns[8],
}

// SanitizeUpstreamError maps a raw upstream status+body to a client-safe
// status+JSON body. It tries, in order: the fixed per-status table,
// pattern matching on the body text, the body's own
// {error:{type,message}} shape when present, and finally a generic 500
// body. Used by the proxy front-end when passing through
// synthesised (not passthrough) upstream failures, e.g. after retries
// are exhausted.
func SanitizeUpstreamError(statusCode int, body []byte) (int, []byte) {
	text := strings.TrimSpace(routeTagPattern.ReplaceAllString(string(body), ""))

	if p, ok := statusDirect[statusCode]; ok {
		return p.Status, buildErrorJSON(p.Type, p.Message)
	}
	for _, p := range upstreamPatterns {
		if p.Pattern != nil && p.Pattern.MatchString(text) {
			return p.Status, buildErrorJSON(p.Type, p.Message)
		}
	}

	var parsed struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(text), &parsed) == nil && parsed.Error.Type != "" {
		return statusCode, buildErrorJSON(parsed.Error.Type, strings.TrimSpace(routeTagPattern.ReplaceAllString(parsed.Error.Message, "")))
	}

	return http.StatusInternalServerError, buildErrorJSON("api_error", "unexpected upstream error")
}

func buildErrorJSON(errType, msg string) []byte {
	resp := map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}
